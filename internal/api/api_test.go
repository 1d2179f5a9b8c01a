package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaakkos/leadline/internal/app"
	"github.com/jaakkos/leadline/internal/domain"
	"github.com/jaakkos/leadline/internal/policy"
)

type memRepo struct {
	mu    sync.Mutex
	state *domain.CRMState
}

// Load returns a copy so a failed Run leaves the stored state untouched.
func (m *memRepo) Load() (*domain.CRMState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		m.state = domain.NewCRMState()
	}
	data, err := json.Marshal(m.state)
	if err != nil {
		return nil, err
	}
	out := domain.NewCRMState()
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *memRepo) Save(s *domain.CRMState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	return nil
}

func newTestService(t *testing.T, mutate ...func(*policy.Config)) *app.CRMService {
	t.Helper()
	cfg := policy.DefaultConfig()
	cfg.StateFile = filepath.Join(t.TempDir(), "leadline.sqlite")
	for _, m := range mutate {
		m(cfg)
	}
	return app.NewCRMService(&memRepo{}, policy.New(cfg), nil)
}

func newTestRouter(t *testing.T, opts ...HandlerOption) (http.Handler, *app.CRMService) {
	t.Helper()
	svc := newTestService(t)
	return NewHandler(svc, opts...).Router(), svc
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func createCaller(t *testing.T, h http.Handler, name string, limit int, states ...string) app.CallerView {
	t.Helper()
	w := do(t, h, "POST", "/api/callers", map[string]any{
		"name": name, "role": "Sales", "dailyLeadLimit": limit, "assignedStates": states,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeBody[app.CallerView](t, w)
}

func createLead(t *testing.T, h http.Handler, name, state string) app.LeadView {
	t.Helper()
	w := do(t, h, "POST", "/api/leads", map[string]any{"name": name, "phone": "9876543210", "state": state})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeBody[app.LeadView](t, w)
}

func TestHealth(t *testing.T) {
	h, _ := newTestRouter(t, WithAPIKey("secret"))
	w := do(t, h, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	h, _ = newTestRouter(t, WithHealthCheck(func() error { return errors.New("db down") }))
	w = do(t, h, "GET", "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAPIKey(t *testing.T) {
	h, _ := newTestRouter(t, WithAPIKey("secret"))

	w := do(t, h, "GET", "/api/leads", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, h, "GET", "/api/leads", nil, "x-api-key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, h, "GET", "/api/leads", nil, "x-api-key", "secret")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, "GET", "/api/leads?api_key=secret", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func signToken(t *testing.T, secret string, method jwt.SigningMethod, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestBearerTokenActor(t *testing.T) {
	h, _ := newTestRouter(t, WithJWTSecret("jwt-secret"))
	caller := createCaller(t, h, "Asha", 5)
	lead := createLead(t, h, "Ravi", "Goa")
	require.NotNil(t, lead.AssignedCaller)

	token := signToken(t, "jwt-secret", jwt.SigningMethodHS256, "manager@example.com")
	w := do(t, h, "PATCH", "/api/leads/"+lead.ID+"/assign", map[string]any{"callerId": nil},
		"Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, h, "GET", "/api/leads/"+lead.ID+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := decodeBody[[]domain.AssignmentHistory](t, w)
	require.Len(t, history, 2)
	assert.Equal(t, app.ActorAuto, history[0].AssignedBy)
	assert.Equal(t, "manager@example.com", history[1].AssignedBy)
	assert.Equal(t, caller.ID, *history[1].PrevCallerID)

	w = do(t, h, "GET", "/api/leads", nil, "Authorization", "Bearer "+signToken(t, "other", jwt.SigningMethodHS256, "x"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, h, "GET", "/api/leads", nil, "Authorization", "Bearer "+signToken(t, "jwt-secret", jwt.SigningMethodHS256, ""))
	assert.Equal(t, http.StatusUnauthorized, w.Code, "token without subject")

	w = do(t, h, "GET", "/api/leads", nil, "Authorization", "Bearer "+signToken(t, "jwt-secret", jwt.SigningMethodHS512, "x"))
	assert.Equal(t, http.StatusUnauthorized, w.Code, "unexpected signing method")
}

func TestCreateLead_AutoAssigned(t *testing.T) {
	h, _ := newTestRouter(t)
	caller := createCaller(t, h, "Asha", 5, "Maharashtra")

	lead := createLead(t, h, "Ravi", "Maharashtra")
	assert.Equal(t, domain.StatusAssigned, lead.Status)
	require.NotNil(t, lead.AssignedCaller)
	assert.Equal(t, caller.ID, lead.AssignedCaller.ID)
	assert.Equal(t, "unknown", lead.LeadSource)

	w := do(t, h, "GET", "/api/leads/"+lead.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeBody[app.LeadView](t, w)
	assert.Len(t, got.AssignmentHistory, 1)
}

func TestCreateLead_Validation(t *testing.T) {
	h, _ := newTestRouter(t)

	w := do(t, h, "POST", "/api/leads", map[string]any{"phone": "123"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "name is required")

	req := httptest.NewRequest("POST", "/api/leads", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest("POST", "/api/leads", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "empty")
}

func TestListLeads_Filters(t *testing.T) {
	h, _ := newTestRouter(t)
	createCaller(t, h, "Asha", 5, "Goa")
	createLead(t, h, "Ravi Kumar", "Goa")
	createLead(t, h, "Meena", "Kerala")

	w := do(t, h, "GET", "/api/leads", nil)
	require.Equal(t, http.StatusOK, w.Code)
	all := decodeBody[[]app.LeadView](t, w)
	require.Len(t, all, 2)
	assert.Equal(t, "Meena", all[0].Name, "newest first")

	w = do(t, h, "GET", "/api/leads?search=ravi", nil)
	assert.Len(t, decodeBody[[]app.LeadView](t, w), 1)

	// Asha only covers Goa, so the Kerala lead waits in the backlog.
	w = do(t, h, "GET", "/api/leads?status=assigned", nil)
	assert.Len(t, decodeBody[[]app.LeadView](t, w), 1)
	w = do(t, h, "GET", "/api/leads?status=unassigned", nil)
	got := decodeBody[[]app.LeadView](t, w)
	require.Len(t, got, 1)
	assert.Equal(t, "Meena", got[0].Name)
}

func TestNotFound(t *testing.T) {
	h, _ := newTestRouter(t)
	for _, path := range []string{"/api/leads/nope", "/api/leads/nope/history", "/api/callers/nope"} {
		w := do(t, h, "GET", path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
		assert.Contains(t, w.Body.String(), `"error"`)
	}
}

func TestAssignLead_Conflicts(t *testing.T) {
	h, _ := newTestRouter(t)
	busy := createCaller(t, h, "Asha", 1)
	lead1 := createLead(t, h, "One", "")
	require.Equal(t, busy.ID, lead1.AssignedCaller.ID)

	// Asha is at capacity so the second lead stays in the backlog.
	lead2 := createLead(t, h, "Two", "")
	assert.Nil(t, lead2.AssignedCallerID)

	w := do(t, h, "PATCH", "/api/leads/"+lead2.ID+"/assign", map[string]any{"callerId": busy.ID})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, "PATCH", "/api/leads/"+lead2.ID+"/assign", map[string]any{"callerId": busy.ID, "force": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decodeBody[app.LeadView](t, w)
	assert.Equal(t, busy.ID, got.CallerID())

	off := createCaller(t, h, "Off", 5)
	w = do(t, h, "DELETE", "/api/callers/"+off.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.CallerOffline, decodeBody[app.CallerView](t, w).Status)

	w = do(t, h, "PATCH", "/api/leads/"+lead1.ID+"/assign", map[string]any{"callerId": off.ID})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, "PATCH", "/api/leads/"+lead1.ID+"/assign", map[string]any{"callerId": "ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateLeadStatus(t *testing.T) {
	h, _ := newTestRouter(t)
	createCaller(t, h, "Asha", 5)
	lead := createLead(t, h, "Ravi", "")

	w := do(t, h, "PATCH", "/api/leads/"+lead.ID+"/status", map[string]any{"status": "contacted"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.StatusContacted, decodeBody[app.LeadView](t, w).Status)

	w = do(t, h, "PATCH", "/api/leads/"+lead.ID+"/status", map[string]any{"status": "won"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, "PATCH", "/api/leads/"+lead.ID+"/status", map[string]any{"status": "new"})
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeBody[app.LeadView](t, w)
	assert.Nil(t, got.AssignedCallerID)

	w = do(t, h, "PATCH", "/api/leads/"+lead.ID+"/status", map[string]any{"status": "closed"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCallers_CRUD(t *testing.T) {
	h, _ := newTestRouter(t)
	c := createCaller(t, h, "Asha", 0, "Goa")
	assert.Equal(t, 60, c.DailyLeadLimit, "zero limit takes the configured default")
	assert.Equal(t, domain.CallerActive, c.Status)

	w := do(t, h, "POST", "/api/callers", map[string]any{"name": "", "role": "Sales"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, "PUT", "/api/callers/"+c.ID, map[string]any{
		"name": "Asha K", "role": "Lead", "dailyLeadLimit": 10, "assignedStates": []string{"Goa", "Kerala"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decodeBody[app.CallerView](t, w)
	assert.Equal(t, "Asha K", updated.Name)
	assert.Equal(t, []string{"Goa", "Kerala"}, updated.AssignedStates)

	createCaller(t, h, "Biju", 5)
	w = do(t, h, "GET", "/api/callers?search=kerala", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeBody[struct {
		Data []app.CallerView `json:"data"`
	}](t, w)
	require.Len(t, list.Data, 1)
	assert.Equal(t, c.ID, list.Data[0].ID)

	w = do(t, h, "GET", "/api/callers/"+c.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatsAndBacklog(t *testing.T) {
	svc := newTestService(t, func(c *policy.Config) { c.Assignment.AutoAssign = false })
	h := NewHandler(svc).Router()

	createCaller(t, h, "Asha", 5)
	createLead(t, h, "One", "")
	createLead(t, h, "Two", "")

	w := do(t, h, "GET", "/api/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decodeBody[app.Stats](t, w)
	assert.Equal(t, 2, st.TotalLeads)
	assert.Equal(t, 2, st.NewLeads)
	assert.Equal(t, 1, st.ActiveCallers)

	w = do(t, h, "POST", "/api/assign/backlog", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"assigned":2}`, w.Body.String())

	st, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.AssignedLeads)
}

func TestFeed(t *testing.T) {
	h, _ := newTestRouter(t)
	w := do(t, h, "GET", "/api/feed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	feed := app.NewFeed(5)
	feed.Seed([]app.LeadView{{Lead: domain.Lead{ID: "l1", Name: "Ravi", CreatedAt: time.Now()}}})
	h, _ = newTestRouter(t, WithFeed(feed))
	w = do(t, h, "GET", "/api/feed", nil)
	items := decodeBody[[]app.FeedItem](t, w)
	require.Len(t, items, 1)
	assert.Contains(t, items[0].Message, "Ravi")
}

func TestCORS(t *testing.T) {
	h, _ := newTestRouter(t, WithCORSOrigins([]string{"http://dash.test"}), WithAPIKey("secret"))

	req := httptest.NewRequest("OPTIONS", "/api/leads", nil)
	req.Header.Set("Origin", "http://dash.test")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code, "preflight needs no API key")
	assert.Equal(t, "http://dash.test", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "x-api-key")

	w = do(t, h, "GET", "/health", nil, "Origin", "http://evil.test")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

type downRepo struct{}

func (downRepo) Load() (*domain.CRMState, error) { return nil, errors.New("database is locked") }
func (downRepo) Save(*domain.CRMState) error     { return errors.New("database is locked") }

func TestStoreOutageIsServerError(t *testing.T) {
	cfg := policy.DefaultConfig()
	cfg.StateFile = filepath.Join(t.TempDir(), "leadline.sqlite")
	svc := app.NewCRMService(downRepo{}, policy.New(cfg), nil)
	router := NewHandler(svc).Router()

	for _, path := range []string{"/api/leads", "/api/leads/abc", "/api/callers", "/api/stats"} {
		w := do(t, router, "GET", path, nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code, path)
		assert.Contains(t, w.Body.String(), "internal error", path)
		assert.NotContains(t, w.Body.String(), "locked", path)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", app.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", app.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("x: %w", app.ErrConflict), http.StatusConflict},
		{fmt.Errorf("x: %w", app.ErrCapacity), http.StatusConflict},
		{fmt.Errorf("x: %w", app.ErrInactiveCaller), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestRequireAuth(t *testing.T) {
	svc := newTestService(t)
	h := NewHandler(svc, WithAPIKey("secret"))
	protected := h.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(actorFrom(r.Context())))
	}))

	w := do(t, protected, "POST", "/mcp", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, protected, "POST", "/mcp", nil, "x-api-key", "secret")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, app.ActorAPI, w.Body.String())
}

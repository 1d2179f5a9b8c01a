package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
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

// testServer creates an MCPServer with the CRM tools registered over a
// fresh in-memory service.
func testServer(t *testing.T, mutate ...func(*policy.Config)) (*server.MCPServer, *app.CRMService) {
	t.Helper()
	cfg := policy.DefaultConfig()
	cfg.StateFile = filepath.Join(t.TempDir(), "leadline.sqlite")
	for _, m := range mutate {
		m(cfg)
	}
	var seq int
	svc := app.NewCRMService(&memRepo{}, policy.New(cfg), nil, app.WithIDGenerator(func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}))
	s := server.NewMCPServer("test", "1.0.0", server.WithResourceCapabilities(false, false))
	Register(s, svc, nil)
	return s, svc
}

// callTool calls a registered tool via the MCPServer's HandleMessage.
// Returns the parsed CallToolResult or an error for RPC failures.
func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) (*mcp.CallToolResult, error) {
	t.Helper()
	reqJSON, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": name, "arguments": args},
	})
	require.NoError(t, err)

	respBytes, err := json.Marshal(s.HandleMessage(context.Background(), reqJSON))
	require.NoError(t, err)

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &resp))
	if resp.Error != nil {
		return nil, fmt.Errorf("RPC error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	var result mcp.CallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	return &result, nil
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}

func seed(t *testing.T, svc *app.CRMService) (app.CallerView, app.LeadView) {
	t.Helper()
	ctx := context.Background()
	c, err := svc.CreateCaller(ctx, app.CallerInput{Name: "Asha", Role: "Sales", DailyLeadLimit: 1, AssignedStates: []string{"Goa"}}, "test")
	require.NoError(t, err)
	l, err := svc.IngestLead(ctx, app.LeadInput{Name: "Ravi", Phone: "98765", State: "Goa"}, "test")
	require.NoError(t, err)
	return c, l
}

func TestListLeads(t *testing.T) {
	s, svc := testServer(t)

	res, err := callTool(t, s, "list_leads", nil)
	require.NoError(t, err)
	assert.Equal(t, "No leads found", resultText(t, res))

	_, lead := seed(t, svc)
	meena, err := svc.IngestLead(context.Background(), app.LeadInput{Name: "Meena", Phone: "1234", State: "Kerala"}, "test")
	require.NoError(t, err)

	res, err = callTool(t, s, "list_leads", map[string]any{"status": "assigned"})
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "Lead "+lead.ID+" [assigned] Ravi")
	assert.Contains(t, text, "caller: Asha")
	assert.NotContains(t, text, "Meena")

	res, err = callTool(t, s, "list_leads", map[string]any{"limit": 1})
	require.NoError(t, err)
	text = resultText(t, res)
	assert.True(t, strings.HasPrefix(text, "Lead "+meena.ID+" [new] Meena"), text)
	assert.Contains(t, text, "... 1 more")
}

func TestGetLead(t *testing.T) {
	s, svc := testServer(t)
	_, lead := seed(t, svc)

	res, err := callTool(t, s, "get_lead", map[string]any{"lead_id": lead.ID})
	require.NoError(t, err)
	var got app.LeadView
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &got))
	assert.Equal(t, "Ravi", got.Name)
	assert.Len(t, got.AssignmentHistory, 1)

	res, err = callTool(t, s, "get_lead", map[string]any{"lead_id": "missing"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "not found")

	_, err = callTool(t, s, "get_lead", map[string]any{})
	assert.Error(t, err, "missing lead_id is a protocol error")
}

func TestAssignLead(t *testing.T) {
	s, svc := testServer(t)
	caller, lead := seed(t, svc)

	res, err := callTool(t, s, "assign_lead", map[string]any{"lead_id": lead.ID, "actor": "ops"})
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "is unassigned")

	// Asha already received one lead today and is at her limit.
	res, err = callTool(t, s, "assign_lead", map[string]any{"lead_id": lead.ID, "caller_id": caller.ID})
	require.NoError(t, err)
	assert.True(t, res.IsError)

	// A rejected assignment leaves the lead and its history as they were.
	got, err := svc.GetLead(context.Background(), lead.ID)
	require.NoError(t, err)
	assert.Empty(t, got.CallerID())
	assert.Len(t, got.AssignmentHistory, 2)

	res, err = callTool(t, s, "assign_lead", map[string]any{"lead_id": lead.ID, "caller_id": caller.ID, "force": true})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "assigned to Asha")

	history, err := svc.LeadHistory(context.Background(), lead.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "ops", history[1].AssignedBy)
	assert.Equal(t, ActorMCP, history[2].AssignedBy)
}

func TestUpdateLeadStatus(t *testing.T) {
	s, svc := testServer(t)
	_, lead := seed(t, svc)

	res, err := callTool(t, s, "update_lead_status", map[string]any{"lead_id": lead.ID, "status": "closed"})
	require.NoError(t, err)
	assert.Equal(t, "Lead "+lead.ID+" (Ravi) is now closed", resultText(t, res))

	res, err = callTool(t, s, "update_lead_status", map[string]any{"lead_id": lead.ID, "status": "bogus"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestAssignBacklogAndStats(t *testing.T) {
	s, svc := testServer(t, func(c *policy.Config) { c.Assignment.AutoAssign = false })
	seed(t, svc)

	res, err := callTool(t, s, "lead_stats", nil)
	require.NoError(t, err)
	var st app.Stats
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &st))
	assert.Equal(t, 1, st.NewLeads)

	res, err = callTool(t, s, "assign_backlog", nil)
	require.NoError(t, err)
	assert.Equal(t, "Assigned 1 lead(s) from the backlog", resultText(t, res))

	res, err = callTool(t, s, "list_callers", map[string]any{"search": "goa"})
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "[busy] Asha (Sales) 1/1 today, Goa")

	res, err = callTool(t, s, "list_callers", map[string]any{"search": "nobody"})
	require.NoError(t, err)
	assert.Equal(t, "No callers found", resultText(t, res))
}

func TestResources(t *testing.T) {
	s, _ := testServer(t)
	reqJSON, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "resources/read",
		"params":  map[string]any{"uri": "leadline://guide/assignment"},
	})
	require.NoError(t, err)
	respBytes, err := json.Marshal(s.HandleMessage(context.Background(), reqJSON))
	require.NoError(t, err)
	assert.Contains(t, string(respBytes), "round_robin")
	assert.Contains(t, string(respBytes), "UTC")
}

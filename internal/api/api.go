// Package api serves the dashboard's JSON API: leads, callers, stats, the
// live feed and the push streams.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/jaakkos/leadline/internal/app"
)

const maxBodyBytes = 1 << 20

// Handler holds dependencies for the API handlers.
type Handler struct {
	svc         *app.CRMService
	logger      *zap.Logger
	prefix      string
	apiKey      string
	jwtSecret   []byte
	corsOrigins []string
	feed        *app.Feed    // optional; /feed returns [] without it
	events      http.Handler // optional SSE stream
	ws          http.Handler // optional WebSocket stream
	health      func() error // optional readiness probe
}

// HandlerOption configures optional dependencies for the handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// WithPrefix mounts the API under prefix (default /api).
func WithPrefix(prefix string) HandlerOption {
	return func(h *Handler) { h.prefix = strings.TrimRight(prefix, "/") }
}

// WithAPIKey requires the x-api-key header (or api_key query parameter) to match key.
func WithAPIKey(key string) HandlerOption {
	return func(h *Handler) { h.apiKey = key }
}

// WithJWTSecret enables HS256 bearer tokens whose subject becomes the actor.
func WithJWTSecret(secret string) HandlerOption {
	return func(h *Handler) {
		if secret != "" {
			h.jwtSecret = []byte(secret)
		}
	}
}

// WithCORSOrigins sets the allowed CORS origins ("*" for any).
func WithCORSOrigins(origins []string) HandlerOption {
	return func(h *Handler) { h.corsOrigins = origins }
}

// WithFeed serves the live activity feed.
func WithFeed(f *app.Feed) HandlerOption {
	return func(h *Handler) { h.feed = f }
}

// WithStreams serves the SSE and WebSocket push streams.
func WithStreams(sse, ws http.Handler) HandlerOption {
	return func(h *Handler) {
		h.events = sse
		h.ws = ws
	}
}

// WithHealthCheck makes /health report 503 when check fails.
func WithHealthCheck(check func() error) HandlerOption {
	return func(h *Handler) { h.health = check }
}

// NewHandler creates an API handler.
func NewHandler(svc *app.CRMService, opts ...HandlerOption) *Handler {
	h := &Handler{svc: svc, logger: zap.NewNop(), prefix: "/api", corsOrigins: []string{"*"}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes adds the health probe and every API route to r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix(h.prefix).Subrouter()
	api.Use(h.authMiddleware)

	api.HandleFunc("/leads", h.handleListLeads).Methods(http.MethodGet)
	api.HandleFunc("/leads", h.handleCreateLead).Methods(http.MethodPost)
	api.HandleFunc("/leads/{id}", h.handleGetLead).Methods(http.MethodGet)
	api.HandleFunc("/leads/{id}/history", h.handleLeadHistory).Methods(http.MethodGet)
	api.HandleFunc("/leads/{id}/assign", h.handleAssignLead).Methods(http.MethodPatch)
	api.HandleFunc("/leads/{id}/status", h.handleLeadStatus).Methods(http.MethodPatch)

	api.HandleFunc("/callers", h.handleListCallers).Methods(http.MethodGet)
	api.HandleFunc("/callers", h.handleCreateCaller).Methods(http.MethodPost)
	api.HandleFunc("/callers/{id}", h.handleGetCaller).Methods(http.MethodGet)
	api.HandleFunc("/callers/{id}", h.handleUpdateCaller).Methods(http.MethodPut)
	api.HandleFunc("/callers/{id}", h.handleDeactivateCaller).Methods(http.MethodDelete)

	api.HandleFunc("/stats", h.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/feed", h.handleFeed).Methods(http.MethodGet)
	api.HandleFunc("/assign/backlog", h.handleAssignBacklog).Methods(http.MethodPost)

	if h.events != nil {
		api.Handle("/events", h.events).Methods(http.MethodGet)
	}
	if h.ws != nil {
		api.Handle("/ws", h.ws).Methods(http.MethodGet)
	}
}

// Router returns a new router with the API registered and the shared
// middleware (CORS, tracing, access log) applied.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return h.Wrap(r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleListLeads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	leads, err := h.svc.ListLeads(r.Context(), q.Get("search"), q.Get("status"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, leads)
}

func (h *Handler) handleCreateLead(w http.ResponseWriter, r *http.Request) {
	var in app.LeadInput
	if !h.decode(w, r, &in) {
		return
	}
	lead, err := h.svc.IngestLead(r.Context(), in, actorFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, lead)
}

func (h *Handler) handleGetLead(w http.ResponseWriter, r *http.Request) {
	lead, err := h.svc.GetLead(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

func (h *Handler) handleLeadHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.svc.LeadHistory(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

type assignRequest struct {
	CallerID *string `json:"callerId"`
	Force    bool    `json:"force"`
}

func (h *Handler) handleAssignLead(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !h.decode(w, r, &req) {
		return
	}
	callerID := ""
	if req.CallerID != nil {
		callerID = *req.CallerID
	}
	lead, err := h.svc.AssignLead(r.Context(), mux.Vars(r)["id"], callerID, actorFrom(r.Context()), req.Force)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) handleLeadStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !h.decode(w, r, &req) {
		return
	}
	lead, err := h.svc.UpdateLeadStatus(r.Context(), mux.Vars(r)["id"], req.Status, actorFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

func (h *Handler) handleListCallers(w http.ResponseWriter, r *http.Request) {
	callers, err := h.svc.ListCallers(r.Context(), r.URL.Query().Get("search"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": callers})
}

func (h *Handler) handleCreateCaller(w http.ResponseWriter, r *http.Request) {
	var in app.CallerInput
	if !h.decode(w, r, &in) {
		return
	}
	caller, err := h.svc.CreateCaller(r.Context(), in, actorFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, caller)
}

func (h *Handler) handleGetCaller(w http.ResponseWriter, r *http.Request) {
	caller, err := h.svc.GetCaller(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, caller)
}

func (h *Handler) handleUpdateCaller(w http.ResponseWriter, r *http.Request) {
	var in app.CallerInput
	if !h.decode(w, r, &in) {
		return
	}
	caller, err := h.svc.UpdateCaller(r.Context(), mux.Vars(r)["id"], in, actorFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, caller)
}

func (h *Handler) handleDeactivateCaller(w http.ResponseWriter, r *http.Request) {
	caller, err := h.svc.DeactivateCaller(r.Context(), mux.Vars(r)["id"], actorFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, caller)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleFeed(w http.ResponseWriter, r *http.Request) {
	items := []app.FeedItem{}
	if h.feed != nil {
		items = h.feed.Items()
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handleAssignBacklog(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.AssignBacklog(r.Context(), actorFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"assigned": n})
}

// decode reads a JSON body into v. On failure it writes a 400 and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			h.writeError(w, r, errBadRequest("request body is empty"))
		} else {
			h.writeError(w, r, errBadRequest("invalid JSON: "+err.Error()))
		}
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package events

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultHeartbeat = 25 * time.Second

// SSEHandler streams hub messages as Server-Sent Events. Each message is
// written as a named event so EventSource listeners can bind to
// "lead:new", "lead:updated" and the rest.
type SSEHandler struct {
	hub       *Hub
	logger    *zap.Logger
	heartbeat time.Duration
}

// NewSSEHandler creates an SSE handler. heartbeat <= 0 uses 25s.
func NewSSEHandler(hub *Hub, logger *zap.Logger, heartbeat time.Duration) *SSEHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &SSEHandler{hub: hub, logger: logger, heartbeat: heartbeat}
}

// ServeHTTP implements http.Handler.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub := h.hub.Subscribe()
	defer sub.Close()

	fmt.Fprint(w, "retry: 3000\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, msg.Data); err != nil {
				h.logger.Debug("sse write failed", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

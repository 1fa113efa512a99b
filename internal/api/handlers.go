package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"quantdesk/pkg/types"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	provider Provider
	hub      *Hub
	logger   *slog.Logger
}

func NewHandlers(provider Provider, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		provider: provider,
		hub:      hub,
		logger:   logger.With("component", "ops-handlers"),
	}
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !h.get(w, r) {
		return
	}
	h.writeJSON(w, map[string]string{"status": "ok"})
}

func (h *Handlers) HandleSummary(w http.ResponseWriter, r *http.Request) {
	if !h.get(w, r) {
		return
	}
	h.writeJSON(w, h.provider.Summary())
}

func (h *Handlers) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	if !h.get(w, r) {
		return
	}
	alerts := h.provider.Alerts()
	if alerts == nil {
		alerts = []types.RiskAlert{}
	}
	h.writeJSON(w, alerts)
}

func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	if !h.get(w, r) {
		return
	}
	positions := h.provider.Positions()
	if positions == nil {
		positions = []types.Position{}
	}
	h.writeJSON(w, positions)
}

// HandleEvents serves the SSE stream. Each runtime event becomes one
// SSE message with the event field set to the runtime event type.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if !h.get(w, r) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Register before the first flush: a client that has seen headers
	// is guaranteed to receive every event broadcast from then on.
	c := h.hub.subscribe()
	defer h.hub.unsubscribe(c)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "retry: 3000\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if _, err := w.Write(msg); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// get enforces the read-only contract: everything is GET.
func (h *Handlers) get(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encode failed", "error", err)
	}
}

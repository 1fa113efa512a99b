// Package api serves the read-only ops surface: session summary, risk
// alerts, positions, prometheus metrics and a Server-Sent Events stream
// of runtime events. It never mutates the session.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quantdesk/internal/runtime"
	"quantdesk/pkg/types"
)

// Provider is the runtime surface the server reads from.
// *runtime.Runtime satisfies it.
type Provider interface {
	Summary() runtime.Summary
	Alerts() []types.RiskAlert
	Positions() []types.Position
	Events() <-chan runtime.Event
}

// Server is the ops HTTP server.
type Server struct {
	provider Provider
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger

	stopOnce sync.Once
	done     chan struct{}
}

// NewServer wires the mux. listen is the bind address, e.g. ":8701".
func NewServer(listen string, provider Provider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	hub := NewHub(logger)
	handlers := NewHandlers(provider, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handlers.HandleHealth)
	mux.HandleFunc("/api/summary", handlers.HandleSummary)
	mux.HandleFunc("/api/alerts", handlers.HandleAlerts)
	mux.HandleFunc("/api/positions", handlers.HandlePositions)
	mux.HandleFunc("/api/events", handlers.HandleEvents)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// No WriteTimeout: /api/events responses stay open.
		IdleTimeout: 60 * time.Second,
	}

	return &Server{
		provider: provider,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "ops-server"),
		done:     make(chan struct{}),
	}
}

// Start runs the hub, the event bridge and the listener. It blocks
// until Stop or a listener error; run it on its own goroutine.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.consumeEvents()

	s.logger.Info("ops server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// Stop drains connections and shuts the hub down.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })
	s.hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// consumeEvents bridges the runtime event stream onto the SSE hub.
func (s *Server) consumeEvents() {
	ch := s.provider.Events()
	if ch == nil {
		return
	}
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.hub.Broadcast(ev)
		}
	}
}

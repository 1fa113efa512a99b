package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"quantdesk/internal/runtime"
)

// clientBuffer is the per-client send queue. A client that falls this
// far behind is dropped rather than allowed to stall the hub.
const clientBuffer = 64

// Hub fans runtime events out to connected SSE clients. A single Run
// loop owns the client set, so no lock guards it.
type Hub struct {
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	clients    map[*client]bool
	logger     *slog.Logger

	stopOnce sync.Once
	done     chan struct{}
}

type client struct {
	send chan []byte
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		clients:    make(map[*client]bool),
		logger:     logger.With("component", "sse-hub"),
		done:       make(chan struct{}),
	}
}

// Run is the hub's main loop; call it on its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*client]bool)
			return

		case c := <-h.register:
			h.clients[c] = true
			h.logger.Info("event stream client connected", "count", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.logger.Info("event stream client disconnected", "count", len(h.clients))

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Client can't keep up, close it.
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// Stop disconnects every client and ends the Run loop.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast frames an event as an SSE message and queues it for every
// client. A full hub queue drops the event with a warning.
func (h *Hub) Broadcast(ev runtime.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("event marshal failed", "error", err)
		return
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", ev.Type, data)

	select {
	case h.broadcast <- buf.Bytes():
	default:
		h.logger.Warn("broadcast queue full, dropping event", "type", ev.Type)
	}
}

func (h *Hub) subscribe() *client {
	c := &client{send: make(chan []byte, clientBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		close(c.send)
	}
	return c
}

func (h *Hub) unsubscribe(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

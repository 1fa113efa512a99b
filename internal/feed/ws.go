package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsPingInterval     = 30 * time.Second // keep-alive cadence
	wsReadTimeout      = 60 * time.Second // ~2 missed pings triggers reconnect
	wsWriteTimeout     = 10 * time.Second
	wsMaxReconnectWait = 30 * time.Second
)

// wsFrame is the push feed's envelope: a type tag plus a loose payload
// parsed with the same tolerances as the polling bridges.
type wsFrame struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// wsOpMsg is the outgoing subscription frame.
type wsOpMsg struct {
	Op    string   `json:"op"`
	Codes []string `json:"codes"`
}

// WSSource consumes a push quote feed over a WebSocket. It reconnects
// with exponential backoff (1s doubling to 30s) and replays the
// subscription set after every reconnect.
type WSSource struct {
	url  string
	sink Sink

	mu         sync.Mutex
	subscribed map[string]bool
	connected  bool
	running    bool

	connMu sync.Mutex // guards conn reads/writes
	conn   *websocket.Conn

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewWSSource builds a push source for url ("ws://..." or "wss://...").
func NewWSSource(url string, logger *slog.Logger) *WSSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSSource{
		url:        url,
		sink:       nopSink{},
		subscribed: make(map[string]bool),
		logger:     logger.With("component", "ws_source"),
	}
}

func (w *WSSource) Name() string { return "websocket" }

func (w *WSSource) SetSink(sink Sink) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if sink == nil {
		sink = nopSink{}
	}
	w.sink = sink
}

// Connect records the lifetime context. The dial happens in the run
// loop so that initial connection failures retry like any other drop.
func (w *WSSource) Connect(ctx context.Context) error {
	if w.url == "" {
		return fmt.Errorf("ws source: empty url")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.runCtx = ctx
	w.connected = true
	return nil
}

func (w *WSSource) Disconnect() error {
	w.Stop()
	w.mu.Lock()
	w.connected = false
	w.mu.Unlock()

	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn != nil {
		err := w.conn.Close()
		w.conn = nil
		return err
	}
	return nil
}

// Subscribe records codes and pushes a subscribe frame when a
// connection is live. The set is replayed after every reconnect, so
// calling this while disconnected is fine.
func (w *WSSource) Subscribe(codes []string) error {
	w.mu.Lock()
	for _, code := range codes {
		if code != "" {
			w.subscribed[code] = true
		}
	}
	w.mu.Unlock()

	if err := w.writeJSON(wsOpMsg{Op: "subscribe", Codes: codes}); err != nil {
		w.logger.Debug("subscribe deferred until connect", "error", err)
	}
	return nil
}

func (w *WSSource) Unsubscribe(codes []string) error {
	w.mu.Lock()
	for _, code := range codes {
		delete(w.subscribed, code)
	}
	w.mu.Unlock()

	if err := w.writeJSON(wsOpMsg{Op: "unsubscribe", Codes: codes}); err != nil {
		w.logger.Debug("unsubscribe skipped while disconnected", "error", err)
	}
	return nil
}

func (w *WSSource) Start() error {
	w.mu.Lock()
	if !w.connected {
		w.mu.Unlock()
		return ErrNotRunning
	}
	if w.running {
		w.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(w.runCtx)
	w.cancel = cancel
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

func (w *WSSource) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()

	// Unblock a pending ReadMessage.
	w.connMu.Lock()
	if w.conn != nil {
		w.conn.Close()
	}
	w.connMu.Unlock()

	w.wg.Wait()
	return nil
}

func (w *WSSource) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *WSSource) sinkRef() Sink {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sink
}

// run dials, reads and redials until ctx is cancelled.
func (w *WSSource) run(ctx context.Context) {
	defer w.wg.Done()
	backoff := time.Second

	for {
		err := w.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		w.sinkRef().OnSourceError(w.Name(), err)
		w.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		if sleepCtx(ctx, backoff) != nil {
			return
		}
		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

func (w *WSSource) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()

	defer func() {
		w.connMu.Lock()
		conn.Close()
		w.conn = nil
		w.connMu.Unlock()
	}()

	if err := w.replaySubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	w.logger.Info("websocket connected", "url", w.url)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go w.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		w.dispatch(msg)
	}
}

func (w *WSSource) replaySubscription() error {
	w.mu.Lock()
	codes := make([]string, 0, len(w.subscribed))
	for code := range w.subscribed {
		codes = append(codes, code)
	}
	w.mu.Unlock()

	if len(codes) == 0 {
		return nil
	}
	return w.writeJSON(wsOpMsg{Op: "subscribe", Codes: codes})
}

func (w *WSSource) dispatch(data []byte) {
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		w.logger.Debug("ignoring non-json ws frame", "data", string(data))
		return
	}

	switch frame.Type {
	case "snapshot", "quote":
		snap, ok := snapshotFromMap(frame.Data)
		if !ok {
			w.logger.Debug("snapshot frame missing code or price")
			return
		}
		w.sinkRef().OnSnapshot(snap)

	case "bar", "kline":
		bar, ok := barFromMap(frame.Data)
		if !ok {
			w.logger.Debug("bar frame missing code or close")
			return
		}
		period := pickString(frame.Data, "period", "freq")
		w.sinkRef().OnBar(period, bar)

	case "pong", "ping", "":
		// Keep-alive traffic.

	default:
		w.logger.Debug("unknown ws frame type", "type", frame.Type)
	}
}

func (w *WSSource) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.writeMessage(websocket.TextMessage, []byte(`{"op":"ping"}`)); err != nil {
				w.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (w *WSSource) writeJSON(v interface{}) error {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(v)
}

func (w *WSSource) writeMessage(msgType int, data []byte) error {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteMessage(msgType, data)
}

package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"quantdesk/pkg/types"
)

const (
	// staleFactor scales the poll interval into the silence window that
	// triggers failover.
	staleFactor = 3

	// failoverErrors is the consecutive-error count that triggers
	// failover before the staleness window elapses.
	failoverErrors = 3
)

// MultiSource chains child sources in priority order. Exactly one child
// is active; its events flow through to the sink. A monitor fails over
// to the next child when the active one keeps erroring or goes silent
// for staleFactor poll intervals. Subscriptions fan out to every child
// so a failover needs no re-subscribe.
type MultiSource struct {
	children []Source
	interval time.Duration

	mu         sync.Mutex
	sink       Sink
	subscribed map[string]bool
	active     int
	lastEvent  time.Time
	errCount   int
	connected  bool
	running    bool
	nowFn      func() time.Time

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewMultiSource composes children in the given priority order.
// interval should match the children's publish cadence; it drives the
// staleness window.
func NewMultiSource(children []Source, interval time.Duration, logger *slog.Logger) (*MultiSource, error) {
	if len(children) == 0 {
		return nil, fmt.Errorf("multisource: no child sources")
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &MultiSource{
		children:   children,
		interval:   interval,
		sink:       nopSink{},
		subscribed: make(map[string]bool),
		nowFn:      time.Now,
		logger:     logger.With("component", "multisource"),
	}
	for i, child := range children {
		child.SetSink(&childSink{parent: m, index: i})
	}
	return m, nil
}

func (m *MultiSource) Name() string { return "multisource" }

func (m *MultiSource) SetSink(sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sink == nil {
		sink = nopSink{}
	}
	m.sink = sink
}

// Connect prepares the first child. Later children connect lazily on
// failover.
func (m *MultiSource) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.runCtx = ctx
	m.connected = true
	child := m.children[m.active]
	m.mu.Unlock()
	return child.Connect(ctx)
}

func (m *MultiSource) Disconnect() error {
	m.Stop()
	m.mu.Lock()
	m.connected = false
	child := m.children[m.active]
	m.mu.Unlock()
	return child.Disconnect()
}

// Subscribe fans out to every child, active or not.
func (m *MultiSource) Subscribe(codes []string) error {
	m.mu.Lock()
	for _, code := range codes {
		if code != "" {
			m.subscribed[code] = true
		}
	}
	children := m.children
	m.mu.Unlock()

	var firstErr error
	for _, child := range children {
		if err := child.Subscribe(codes); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiSource) Unsubscribe(codes []string) error {
	m.mu.Lock()
	for _, code := range codes {
		delete(m.subscribed, code)
	}
	children := m.children
	m.mu.Unlock()

	var firstErr error
	for _, child := range children {
		if err := child.Unsubscribe(codes); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiSource) Start() error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotRunning
	}
	if m.running {
		m.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(m.runCtx)
	m.cancel = cancel
	m.running = true
	m.lastEvent = m.nowFn()
	m.errCount = 0
	child := m.children[m.active]
	m.mu.Unlock()

	if err := child.Start(); err != nil {
		m.logger.Warn("active source failed to start", "source", child.Name(), "error", err)
	}

	m.wg.Add(1)
	go m.monitor(ctx)
	return nil
}

func (m *MultiSource) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel := m.cancel
	child := m.children[m.active]
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	return child.Stop()
}

func (m *MultiSource) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// ActiveSource names the child currently feeding the sink.
func (m *MultiSource) ActiveSource() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.children[m.active].Name()
}

func (m *MultiSource) monitor(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkHealth(ctx)
		}
	}
}

// checkHealth fails over when the active child is silent or erroring.
// Split out so tests can drive the decision without the ticker.
func (m *MultiSource) checkHealth(ctx context.Context) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	stale := m.nowFn().Sub(m.lastEvent) > staleFactor*m.interval
	erroring := m.errCount >= failoverErrors
	if !stale && !erroring {
		m.mu.Unlock()
		return
	}
	old := m.children[m.active]
	m.active = (m.active + 1) % len(m.children)
	next := m.children[m.active]
	m.lastEvent = m.nowFn()
	m.errCount = 0
	m.mu.Unlock()

	m.logger.Warn("failing over to next data source",
		"from", old.Name(),
		"to", next.Name(),
		"stale", stale,
		"errors", erroring,
	)

	if err := old.Stop(); err != nil {
		m.logger.Warn("stopping failed source", "source", old.Name(), "error", err)
	}
	if err := next.Connect(ctx); err != nil {
		m.logger.Warn("connecting next source", "source", next.Name(), "error", err)
		return
	}
	if err := next.Start(); err != nil {
		m.logger.Warn("starting next source", "source", next.Name(), "error", err)
	}
}

// childSink tags events with the child they came from so only the
// active child reaches the outer sink.
type childSink struct {
	parent *MultiSource
	index  int
}

// accept returns the outer sink when this child is active, nil
// otherwise, and stamps the liveness clock.
func (c *childSink) accept() Sink {
	m := c.parent
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.index != m.active {
		return nil
	}
	m.lastEvent = m.nowFn()
	m.errCount = 0
	return m.sink
}

func (c *childSink) OnTick(tick types.Tick) {
	if sink := c.accept(); sink != nil {
		sink.OnTick(tick)
	}
}

func (c *childSink) OnBar(period string, bar types.Bar) {
	if sink := c.accept(); sink != nil {
		sink.OnBar(period, bar)
	}
}

func (c *childSink) OnSnapshot(snap types.Snapshot) {
	if sink := c.accept(); sink != nil {
		sink.OnSnapshot(snap)
	}
}

func (c *childSink) OnSourceError(source string, err error) {
	m := c.parent
	m.mu.Lock()
	if c.index == m.active {
		m.errCount++
	}
	sink := m.sink
	m.mu.Unlock()
	sink.OnSourceError(source, err)
}

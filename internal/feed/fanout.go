package feed

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"quantdesk/internal/metrics"
	"quantdesk/pkg/types"
)

// klineCap bounds the per-code, per-period bar history. Oldest bars are
// evicted first.
const klineCap = 1000

// Callback types for subscribers. Callbacks run on the producing
// source's goroutine; keep them fast and never call back into the
// Fanout while holding your own locks.
type (
	TickCallback     func(tick types.Tick)
	BarCallback      func(bar types.Bar)
	SnapshotCallback func(snap types.Snapshot)
)

type subKind int

const (
	subTick subKind = iota
	subBar
	subSnapshot
)

// subscription is one registered callback. code == "" means global.
type subscription struct {
	id   int
	kind subKind
	code string

	tick TickCallback
	bar  BarCallback
	snap SnapshotCallback
}

// Fanout distributes market data from one attached Source to any number
// of callback subscribers, caching the latest tick and snapshot per
// code and a bounded kline history per code and period.
//
// One mutex guards subscriptions and caches together. It is always
// released before subscriber callbacks run, so callbacks may safely
// call Fanout query methods.
type Fanout struct {
	mu     sync.Mutex
	source Source

	subscribed map[string]bool
	subs       []*subscription
	nextID     int

	latestTick map[string]types.Tick
	latestSnap map[string]types.Snapshot
	klines     map[string]map[string][]types.Bar

	logger *slog.Logger
}

// NewFanout returns an empty hub. Attach a source before using the
// lifecycle methods; callbacks and caches work without one.
func NewFanout(logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		subscribed: make(map[string]bool),
		latestTick: make(map[string]types.Tick),
		latestSnap: make(map[string]types.Snapshot),
		klines:     make(map[string]map[string][]types.Bar),
		logger:     logger.With("component", "fanout"),
	}
}

// AttachSource wires src to this hub and makes the hub its sink. Any
// previously attached source keeps running but its events are ignored
// only if the caller stopped it first; attach once during wiring.
func (f *Fanout) AttachSource(src Source) {
	f.mu.Lock()
	f.source = src
	f.mu.Unlock()
	src.SetSink(f)
}

// Source returns the attached source, nil before AttachSource.
func (f *Fanout) Source() Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.source
}

// ---------------------------------------------------------------------------
// Subscription management
// ---------------------------------------------------------------------------

// Subscribe registers interest in codes and forwards the request to the
// source. Already-subscribed codes are skipped.
func (f *Fanout) Subscribe(codes []string) error {
	f.mu.Lock()
	fresh := make([]string, 0, len(codes))
	for _, code := range codes {
		if code == "" || f.subscribed[code] {
			continue
		}
		f.subscribed[code] = true
		fresh = append(fresh, code)
	}
	src := f.source
	f.mu.Unlock()

	if len(fresh) == 0 || src == nil {
		return nil
	}
	return src.Subscribe(fresh)
}

// Unsubscribe removes codes; unknown codes are ignored.
func (f *Fanout) Unsubscribe(codes []string) error {
	f.mu.Lock()
	removed := make([]string, 0, len(codes))
	for _, code := range codes {
		if f.subscribed[code] {
			delete(f.subscribed, code)
			removed = append(removed, code)
		}
	}
	src := f.source
	f.mu.Unlock()

	if len(removed) == 0 || src == nil {
		return nil
	}
	return src.Unsubscribe(removed)
}

// SubscribedCodes returns the current subscription set, sorted.
func (f *Fanout) SubscribedCodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subscribed))
	for code := range f.subscribed {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// AddTickCallback registers fn for ticks. code == "" receives every
// code. The returned id removes the registration via RemoveCallback.
func (f *Fanout) AddTickCallback(code string, fn TickCallback) int {
	return f.add(&subscription{kind: subTick, code: code, tick: fn})
}

// AddBarCallback registers fn for bars.
func (f *Fanout) AddBarCallback(code string, fn BarCallback) int {
	return f.add(&subscription{kind: subBar, code: code, bar: fn})
}

// AddSnapshotCallback registers fn for snapshots.
func (f *Fanout) AddSnapshotCallback(code string, fn SnapshotCallback) int {
	return f.add(&subscription{kind: subSnapshot, code: code, snap: fn})
}

func (f *Fanout) add(s *subscription) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	s.id = f.nextID
	f.subs = append(f.subs, s)
	return s.id
}

// RemoveCallback deletes the registration with the given id. Unknown
// ids are ignored, so removing twice is harmless.
func (f *Fanout) RemoveCallback(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.subs {
		if s.id == id {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// LatestTick returns the most recent tick for code.
func (f *Fanout) LatestTick(code string) (types.Tick, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.latestTick[code]
	return t, ok
}

// LatestSnapshot returns the most recent snapshot for code.
func (f *Fanout) LatestSnapshot(code string) (types.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.latestSnap[code]
	return s, ok
}

// Bars returns up to count most recent bars for code and period, oldest
// first. The result is a copy.
func (f *Fanout) Bars(code, period string, count int) []types.Bar {
	f.mu.Lock()
	defer f.mu.Unlock()
	series := f.klines[code][period]
	if count <= 0 || count > len(series) {
		count = len(series)
	}
	out := make([]types.Bar, count)
	copy(out, series[len(series)-count:])
	return out
}

// ---------------------------------------------------------------------------
// Lifecycle, delegated to the source
// ---------------------------------------------------------------------------

func (f *Fanout) Connect(ctx context.Context) error {
	src := f.Source()
	if src == nil {
		return ErrNoSource
	}
	return src.Connect(ctx)
}

func (f *Fanout) Disconnect() error {
	src := f.Source()
	if src == nil {
		return ErrNoSource
	}
	return src.Disconnect()
}

func (f *Fanout) Start() error {
	src := f.Source()
	if src == nil {
		return ErrNoSource
	}
	return src.Start()
}

func (f *Fanout) Stop() error {
	src := f.Source()
	if src == nil {
		return ErrNoSource
	}
	return src.Stop()
}

func (f *Fanout) Running() bool {
	src := f.Source()
	return src != nil && src.Running()
}

// ---------------------------------------------------------------------------
// Sink side: sources push events in here
// ---------------------------------------------------------------------------

// OnTick caches the tick and dispatches it, global subscribers first.
func (f *Fanout) OnTick(tick types.Tick) {
	f.mu.Lock()
	f.latestTick[tick.Code] = tick
	targets := f.matchLocked(subTick, tick.Code)
	f.mu.Unlock()

	metrics.FeedEvents.WithLabelValues("tick").Inc()
	for _, s := range targets {
		f.invoke(func() { s.tick(tick) })
	}
}

// OnBar appends the bar to the kline cache, evicting the oldest entry
// past the cap, then dispatches.
func (f *Fanout) OnBar(period string, bar types.Bar) {
	if period == "" {
		period = DefaultPeriod
	}
	f.mu.Lock()
	byPeriod := f.klines[bar.Code]
	if byPeriod == nil {
		byPeriod = make(map[string][]types.Bar)
		f.klines[bar.Code] = byPeriod
	}
	series := append(byPeriod[period], bar)
	if len(series) > klineCap {
		series = series[len(series)-klineCap:]
	}
	byPeriod[period] = series
	targets := f.matchLocked(subBar, bar.Code)
	f.mu.Unlock()

	metrics.FeedEvents.WithLabelValues("bar").Inc()
	for _, s := range targets {
		f.invoke(func() { s.bar(bar) })
	}
}

// OnSnapshot caches the snapshot and dispatches it.
func (f *Fanout) OnSnapshot(snap types.Snapshot) {
	f.mu.Lock()
	f.latestSnap[snap.Code] = snap
	targets := f.matchLocked(subSnapshot, snap.Code)
	f.mu.Unlock()

	metrics.FeedEvents.WithLabelValues("snapshot").Inc()
	for _, s := range targets {
		f.invoke(func() { s.snap(snap) })
	}
}

// OnSourceError logs and counts a source failure.
func (f *Fanout) OnSourceError(source string, err error) {
	metrics.FeedErrors.WithLabelValues(source).Inc()
	f.logger.Warn("data source error", "source", source, "error", err)
}

// matchLocked returns the subscriptions for kind and code: global ones
// first, then per-code, each group in registration order.
func (f *Fanout) matchLocked(kind subKind, code string) []*subscription {
	var global, scoped []*subscription
	for _, s := range f.subs {
		if s.kind != kind {
			continue
		}
		switch s.code {
		case "":
			global = append(global, s)
		case code:
			scoped = append(scoped, s)
		}
	}
	return append(global, scoped...)
}

// invoke runs one callback, turning a panic into a log entry so one bad
// subscriber cannot starve the rest.
func (f *Fanout) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("subscriber callback panicked", "panic", r)
		}
	}()
	fn()
}

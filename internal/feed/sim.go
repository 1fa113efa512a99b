package feed

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"quantdesk/pkg/types"
)

const (
	// DefaultSimInterval is the publish period of the simulated source.
	DefaultSimInterval = time.Second

	// DefaultSimVolatility is the per-step noise amplitude as a fraction
	// of the current price.
	DefaultSimVolatility = 0.01

	// Daily price band around the prior close, A-share style.
	simBandPct = 0.10

	depthLevels = 5
)

// simQuote is the evolving session state for one simulated code.
type simQuote struct {
	prevClose float64
	open      float64
	high      float64
	low       float64
	last      float64
	volume    float64
	turnover  float64
}

// SimSource publishes a random walk for every subscribed code. Prices
// stay within ±10% of the prior close. Useful for end-to-end runs with
// no market connectivity at all.
type SimSource struct {
	mu       sync.Mutex
	interval time.Duration
	vol      float64
	sink     Sink
	rng      *rand.Rand
	nowFn    func() time.Time

	quotes    map[string]*simQuote
	connected bool
	running   bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewSimSource builds a simulated source. interval <= 0 and vol <= 0
// fall back to the defaults. The seed fixes the walk for tests.
func NewSimSource(interval time.Duration, vol float64, seed int64, logger *slog.Logger) *SimSource {
	if interval <= 0 {
		interval = DefaultSimInterval
	}
	if vol <= 0 {
		vol = DefaultSimVolatility
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SimSource{
		interval: interval,
		vol:      vol,
		sink:     nopSink{},
		rng:      rand.New(rand.NewSource(seed)),
		nowFn:    time.Now,
		quotes:   make(map[string]*simQuote),
		logger:   logger.With("component", "sim_source"),
	}
}

func (s *SimSource) Name() string { return "simulated" }

// SetSink replaces the event sink.
func (s *SimSource) SetSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sink == nil {
		sink = nopSink{}
	}
	s.sink = sink
}

// Connect marks the source usable. There is nothing to dial.
func (s *SimSource) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCtx = ctx
	s.connected = true
	return nil
}

// Disconnect stops publishing and forgets session state.
func (s *SimSource) Disconnect() error {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.quotes = make(map[string]*simQuote)
	return nil
}

// Subscribe seeds a fresh walk for each new code. Codes already walking
// keep their state.
func (s *SimSource) Subscribe(codes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, code := range codes {
		if code == "" || s.quotes[code] != nil {
			continue
		}
		base := round2(10 + s.rng.Float64()*40)
		s.quotes[code] = &simQuote{
			prevClose: base,
			open:      base,
			high:      base,
			low:       base,
			last:      base,
		}
	}
	return nil
}

// Unsubscribe drops the walks for codes.
func (s *SimSource) Unsubscribe(codes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, code := range codes {
		delete(s.quotes, code)
	}
	return nil
}

// Start launches the publish loop. Connect must have been called.
func (s *SimSource) Start() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return ErrNotRunning
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(s.runCtx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop halts the publish loop and waits for it to exit.
func (s *SimSource) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	return nil
}

// Running reports whether the publish loop is live.
func (s *SimSource) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *SimSource) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.step(s.nowFn())
		}
	}
}

// step advances every walk one tick and publishes the results. Split
// out from the loop so tests can drive it synchronously.
func (s *SimSource) step(now time.Time) {
	type event struct {
		tick types.Tick
		snap types.Snapshot
	}

	s.mu.Lock()
	events := make([]event, 0, len(s.quotes))
	for code, q := range s.quotes {
		noise := (s.rng.Float64()*2 - 1) * s.vol
		price := round2(q.last * (1 + noise))
		// Band limits round inward so a clamped price never leaves the
		// ±10% band once snapped to the 0.01 grid.
		lo := math.Ceil(q.prevClose*(1-simBandPct)*100) / 100
		hi := math.Floor(q.prevClose*(1+simBandPct)*100) / 100
		price = math.Max(lo, math.Min(hi, price))

		vol := float64(types.LotSize) * float64(1+s.rng.Intn(100))
		q.last = price
		q.high = math.Max(q.high, price)
		q.low = math.Min(q.low, price)
		q.volume += vol
		q.turnover += price * vol

		events = append(events, event{
			tick: types.Tick{Code: code, Price: price, Volume: vol, Timestamp: now},
			snap: s.snapshotLocked(code, q, now),
		})
	}
	sink := s.sink
	s.mu.Unlock()

	for _, ev := range events {
		sink.OnTick(ev.tick)
		sink.OnSnapshot(ev.snap)
	}
}

func (s *SimSource) snapshotLocked(code string, q *simQuote, now time.Time) types.Snapshot {
	snap := types.Snapshot{
		Code:      code,
		Last:      q.last,
		Open:      q.open,
		High:      q.high,
		Low:       q.low,
		PrevClose: q.prevClose,
		Volume:    q.volume,
		Turnover:  q.turnover,
		Timestamp: now,
	}
	for i := 1; i <= depthLevels; i++ {
		step := 0.01 * float64(i)
		snap.BidPrices = append(snap.BidPrices, round2(q.last-step))
		snap.AskPrices = append(snap.AskPrices, round2(q.last+step))
		snap.BidVolumes = append(snap.BidVolumes, float64(types.LotSize)*float64(1+s.rng.Intn(50)))
		snap.AskVolumes = append(snap.AskVolumes, float64(types.LotSize)*float64(1+s.rng.Intn(50)))
	}
	return snap
}

// round2 snaps a price to the 0.01 tick grid.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

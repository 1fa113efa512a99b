// Package feed distributes market data from source adapters to
// subscribers.
//
// A Source is a long-lived adapter (simulated walk, CSV replay, HTTP
// polling bridge, WebSocket push, or an ordered failover chain of those)
// that pushes ticks, bars and snapshots into a Sink. The Fanout is the
// one Sink that matters in production: it caches the latest values,
// keeps a bounded kline history and invokes subscriber callbacks.
package feed

import (
	"context"
	"errors"
	"time"

	"quantdesk/pkg/types"
)

// DefaultPeriod is the kline period used when a source does not say
// otherwise.
const DefaultPeriod = "1d"

var (
	// ErrNoSource is returned by Fanout lifecycle calls before a source
	// has been attached.
	ErrNoSource = errors.New("feed: no source attached")

	// ErrNotRunning is returned when an operation needs a started source.
	ErrNotRunning = errors.New("feed: source not running")
)

// Sink receives events pushed by a source adapter. Implementations must
// be safe for concurrent use; sources call from their own goroutines.
type Sink interface {
	OnTick(tick types.Tick)
	OnBar(period string, bar types.Bar)
	OnSnapshot(snap types.Snapshot)

	// OnSourceError reports a transient source failure. Delivery
	// continues; the source retries on its own schedule.
	OnSourceError(source string, err error)
}

// Source is a market-data adapter. Lifecycle: Connect prepares the
// adapter (dial, load, seed), Start begins publishing to the sink, Stop
// halts publishing, Disconnect releases resources. Subscribe and
// Unsubscribe may be called in any state and survive reconnects.
type Source interface {
	Name() string
	SetSink(sink Sink)

	Connect(ctx context.Context) error
	Disconnect() error

	Subscribe(codes []string) error
	Unsubscribe(codes []string) error

	Start() error
	Stop() error
	Running() bool
}

// nopSink discards everything. Sources fall back to it so a publish
// before AttachSource never dereferences nil.
type nopSink struct{}

func (nopSink) OnTick(types.Tick)           {}
func (nopSink) OnBar(string, types.Bar)     {}
func (nopSink) OnSnapshot(types.Snapshot)   {}
func (nopSink) OnSourceError(string, error) {}

// sleepCtx sleeps for d or until ctx is done, reporting which.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

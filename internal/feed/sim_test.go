package feed

import (
	"context"
	"testing"
	"time"
)

func TestSimWalkStaysInsideDailyBand(t *testing.T) {
	t.Parallel()

	src := NewSimSource(time.Second, 0.05, 42, testLogger())
	rec := &sinkRecorder{}
	src.SetSink(rec)

	if err := src.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := src.Subscribe([]string{"sz000001"}); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2023, 6, 1, 9, 30, 0, 0, time.UTC)
	for i := 0; i < 500; i++ {
		src.step(now.Add(time.Duration(i) * time.Second))
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.ticks) != 500 || len(rec.snaps) != 500 {
		t.Fatalf("events = %d ticks / %d snaps, want 500 each", len(rec.ticks), len(rec.snaps))
	}

	prevClose := rec.snaps[0].PrevClose
	if prevClose <= 0 {
		t.Fatalf("prev close = %v, want positive seed", prevClose)
	}
	lo, hi := prevClose*0.9, prevClose*1.1
	for i, tick := range rec.ticks {
		if tick.Price < lo-1e-9 || tick.Price > hi+1e-9 {
			t.Fatalf("tick %d price %v escaped band [%v, %v]", i, tick.Price, lo, hi)
		}
	}

	last := rec.snaps[len(rec.snaps)-1]
	if last.High < last.Low || last.Last < last.Low || last.Last > last.High {
		t.Errorf("session aggregates inconsistent: %+v", last)
	}
	if last.Volume <= rec.snaps[0].Volume {
		t.Errorf("cumulative volume did not grow: first %v last %v", rec.snaps[0].Volume, last.Volume)
	}
	if len(last.BidPrices) != depthLevels || len(last.AskPrices) != depthLevels {
		t.Fatalf("depth levels = %d/%d, want %d", len(last.BidPrices), len(last.AskPrices), depthLevels)
	}
	if last.BidPrices[0] >= last.Last || last.AskPrices[0] <= last.Last {
		t.Errorf("best bid %v / ask %v do not straddle last %v", last.BidPrices[0], last.AskPrices[0], last.Last)
	}
}

func TestSimDeterministicWithSeed(t *testing.T) {
	t.Parallel()

	run := func() []float64 {
		src := NewSimSource(time.Second, 0.02, 7, testLogger())
		rec := &sinkRecorder{}
		src.SetSink(rec)
		src.Connect(context.Background())
		src.Subscribe([]string{"sh600000"})
		now := time.Unix(1700000000, 0)
		for i := 0; i < 50; i++ {
			src.step(now)
		}
		rec.mu.Lock()
		defer rec.mu.Unlock()
		prices := make([]float64, len(rec.ticks))
		for i, tick := range rec.ticks {
			prices[i] = tick.Price
		}
		return prices
	}

	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("runs differ in length: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("price %d differs: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestSimLifecycle(t *testing.T) {
	t.Parallel()

	src := NewSimSource(time.Hour, 0.01, 1, testLogger())
	if err := src.Start(); err == nil {
		t.Error("start before connect accepted")
	}

	if err := src.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := src.Subscribe([]string{"sz000001", "sz000001"}); err != nil {
		t.Fatal(err)
	}
	if err := src.Start(); err != nil {
		t.Fatal(err)
	}
	if err := src.Start(); err != nil {
		t.Error("second start should be a no-op")
	}
	if !src.Running() {
		t.Error("not running after start")
	}
	if err := src.Stop(); err != nil {
		t.Fatal(err)
	}
	if src.Running() {
		t.Error("still running after stop")
	}
	// Stop again is harmless.
	if err := src.Stop(); err != nil {
		t.Fatal(err)
	}

	if err := src.Disconnect(); err != nil {
		t.Fatal(err)
	}
	rec := &sinkRecorder{}
	src.SetSink(rec)
	src.step(time.Now())
	if len(rec.snapshots()) != 0 {
		t.Error("disconnect did not clear the walk state")
	}
}

func TestSimUnsubscribeStopsCode(t *testing.T) {
	t.Parallel()

	src := NewSimSource(time.Second, 0.01, 3, testLogger())
	rec := &sinkRecorder{}
	src.SetSink(rec)
	src.Connect(context.Background())
	src.Subscribe([]string{"sz000001", "sh600000"})
	src.Unsubscribe([]string{"sh600000"})

	src.step(time.Now())

	snaps := rec.snapshots()
	if len(snaps) != 1 || snaps[0].Code != "sz000001" {
		t.Fatalf("events after unsubscribe = %v, want only sz000001", snaps)
	}
}

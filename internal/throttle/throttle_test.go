package throttle

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWaitSpacesCallsPerDomain(t *testing.T) {
	t.Parallel()

	th := New(50*time.Millisecond, 0)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := th.Wait(ctx, "quotes.example.com"); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("three calls took %v, want >= 100ms spacing", elapsed)
	}

	// A different domain is not delayed by the first one's slots.
	start = time.Now()
	if err := th.Wait(ctx, "other.example.com"); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 40*time.Millisecond {
		t.Errorf("fresh domain waited %v, want immediate", elapsed)
	}
}

func TestWaitHonorsCancellation(t *testing.T) {
	t.Parallel()

	th := New(time.Minute, 0)
	ctx := context.Background()
	if err := th.Wait(ctx, "d"); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := th.Wait(cancelled, "d"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait on cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestDoRetriesWithinBudget(t *testing.T) {
	t.Parallel()

	th := New(time.Millisecond, 2)
	calls := 0
	err := th.Do(context.Background(), "d", func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	t.Parallel()

	th := New(time.Millisecond, 1)
	wantErr := errors.New("still down")
	calls := 0
	err := th.Do(context.Background(), "d", func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Do = %v, want %v", err, wantErr)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (initial + one retry)", calls)
	}
}

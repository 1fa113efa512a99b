package cache

import (
	"testing"
	"time"
)

func TestCacheHitAndExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	c := New()
	c.nowFn = func() time.Time { return now }

	c.Set("k", 42, time.Second)
	if v, ok := c.Get("k"); !ok || v.(int) != 42 {
		t.Fatalf("Get = (%v, %v), want (42, true)", v, ok)
	}

	// Advance past the TTL: the entry expires and is evicted lazily.
	now = now.Add(2 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expired entry still returned")
	}
	if c.Len() != 0 {
		t.Fatalf("Len = %d after lazy eviction, want 0", c.Len())
	}
}

func TestCacheMissAndDelete(t *testing.T) {
	t.Parallel()

	c := New()
	if _, ok := c.Get("missing"); ok {
		t.Fatal("Get on empty cache reported a hit")
	}

	c.Set("k", "v", time.Minute)
	c.Delete("k")
	if _, ok := c.Get("k"); ok {
		t.Fatal("deleted entry still returned")
	}
}

func TestCacheIgnoresNonPositiveTTL(t *testing.T) {
	t.Parallel()

	c := New()
	c.Set("k", 1, 0)
	if c.Len() != 0 {
		t.Fatalf("Len = %d, want 0", c.Len())
	}
}

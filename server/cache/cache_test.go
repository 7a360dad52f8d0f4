package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func newTestCache(maxSize int) (*MemoryCache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewMemoryCache(maxSize, time.Minute, nil)
	c.now = clock.Now
	return c, clock
}

func TestExpiry(t *testing.T) {
	c, clock := newTestCache(10)
	defer c.Close()
	ctx := context.Background()

	c.SetWithTTL(ctx, "status", "ok", 10*time.Second)
	if v, err := c.Get(ctx, "status"); err != nil || v != "ok" {
		t.Fatalf("get = %v, %v", v, err)
	}
	if ttl, _ := c.GetTTL(ctx, "status"); ttl != 10*time.Second {
		t.Fatalf("ttl = %s", ttl)
	}

	clock.now = clock.now.Add(11 * time.Second)
	if _, err := c.Get(ctx, "status"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expired get: %v", err)
	}
	stats, _ := c.GetStats(ctx)
	if stats.Hits != 1 || stats.Misses != 1 || stats.Items != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c, clock := newTestCache(2)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "a", 1)
	clock.now = clock.now.Add(time.Second)
	c.Set(ctx, "b", 2)
	clock.now = clock.now.Add(time.Second)
	c.Get(ctx, "a")
	clock.now = clock.now.Add(time.Second)
	c.Set(ctx, "c", 3)

	if _, err := c.Get(ctx, "b"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("b should have been evicted")
	}
	if _, err := c.Get(ctx, "a"); err != nil {
		t.Fatalf("a evicted: %v", err)
	}
}

func TestRemember(t *testing.T) {
	c, _ := newTestCache(10)
	defer c.Close()
	ctx := context.Background()

	loads := 0
	load := func(context.Context) (string, error) {
		loads++
		return "fresh", nil
	}

	v, cached, err := Remember(ctx, c, "k", time.Minute, load)
	if err != nil || v != "fresh" || cached {
		t.Fatalf("first = %q %v %v", v, cached, err)
	}
	v, cached, _ = Remember(ctx, c, "k", time.Minute, load)
	if v != "fresh" || !cached || loads != 1 {
		t.Fatalf("second = %q cached=%v loads=%d", v, cached, loads)
	}

	_, _, err = Remember(ctx, c, "bad", time.Minute, func(context.Context) (string, error) {
		return "", errors.New("backend down")
	})
	if err == nil {
		t.Fatalf("load error swallowed")
	}
	if _, err := c.Get(ctx, "bad"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("error result cached")
	}
	c.Close()
}

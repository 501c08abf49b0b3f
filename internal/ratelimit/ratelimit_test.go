// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package ratelimit

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pdiddy/ingest-engine/pkg/types"
)

// fakeClock drives a Limiter deterministically in tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestLimiter(rpm, burst int) (*Limiter, *fakeClock) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(types.RateLimitConfig{RequestsPerMinute: rpm, Burst: burst}, log)
	l.now = clock.now
	l.sleep = func(_ context.Context, d time.Duration) error {
		clock.advance(d)
		return nil
	}
	return l, clock
}

func TestAcquire_BurstCapacity(t *testing.T) {
	l, _ := newTestLimiter(60, 2)

	if !l.Acquire("api") {
		t.Fatal("first acquire should succeed")
	}
	if !l.Acquire("api") {
		t.Fatal("second acquire should succeed")
	}
	if l.Acquire("api") {
		t.Error("third immediate acquire should fail with capacity 2")
	}
}

func TestAcquire_RefillsOverTime(t *testing.T) {
	l, clock := newTestLimiter(60, 1) // 1 token/sec

	if !l.Acquire("api") {
		t.Fatal("initial acquire should succeed")
	}
	if l.Acquire("api") {
		t.Fatal("bucket should be empty")
	}

	clock.advance(time.Second)
	if !l.Acquire("api") {
		t.Error("acquire should succeed after one refill interval")
	}
}

func TestAcquire_RefillClampedToCapacity(t *testing.T) {
	l, clock := newTestLimiter(60, 3)

	// Drain the bucket, then wait far longer than needed to refill it.
	for i := 0; i < 3; i++ {
		if !l.Acquire("api") {
			t.Fatalf("acquire %d should succeed", i)
		}
	}
	clock.advance(time.Hour)

	for i := 0; i < 3; i++ {
		if !l.Acquire("api") {
			t.Fatalf("acquire %d after refill should succeed", i)
		}
	}
	if l.Acquire("api") {
		t.Error("tokens should be clamped to capacity, not accumulate for an hour")
	}
}

func TestAcquire_PerSourceIsolation(t *testing.T) {
	l, _ := newTestLimiter(60, 1)

	if !l.Acquire("coingecko") {
		t.Fatal("coingecko acquire should succeed")
	}
	if !l.Acquire("coinpaprika") {
		t.Error("coinpaprika should have its own bucket")
	}
}

func TestSetLimit(t *testing.T) {
	l, clock := newTestLimiter(60, 1)
	l.SetLimit("slow", 6) // 0.1 tokens/sec

	if !l.Acquire("slow") {
		t.Fatal("initial acquire should succeed")
	}

	clock.advance(time.Second)
	if l.Acquire("slow") {
		t.Error("one second should not refill a 6-rpm bucket")
	}

	clock.advance(10 * time.Second)
	if !l.Acquire("slow") {
		t.Error("ten seconds should refill a 6-rpm bucket")
	}
}

func TestWait_EventuallyAcquires(t *testing.T) {
	l, _ := newTestLimiter(60, 1)

	if !l.Acquire("api") {
		t.Fatal("initial acquire should succeed")
	}

	// The injected sleep advances the fake clock, so Wait terminates.
	if err := l.Wait(context.Background(), "api"); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	l := New(types.RateLimitConfig{RequestsPerMinute: 1, Burst: 1}, log)

	if !l.Acquire("api") {
		t.Fatal("initial acquire should succeed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx, "api"); err == nil {
		t.Error("Wait should surface context cancellation")
	}
}

func TestBackoff_GrowthAndCap(t *testing.T) {
	l, _ := newTestLimiter(60, 10)

	if got := l.Backoff("api"); got != 0 {
		t.Fatalf("backoff with no errors = %v, want 0", got)
	}

	prev := time.Duration(0)
	for i := 0; i < 8; i++ {
		l.RecordError("api")
		got := l.Backoff("api")
		if got <= prev {
			t.Fatalf("backoff after %d errors = %v, not greater than %v", i+1, got, prev)
		}
		prev = got
	}

	// Growth stops at the 300s cap.
	for i := 0; i < 5; i++ {
		l.RecordError("api")
	}
	if got := l.Backoff("api"); got != maxBackoff {
		t.Errorf("backoff = %v, want cap %v", got, maxBackoff)
	}
}

func TestBackoff_Reset(t *testing.T) {
	l, _ := newTestLimiter(60, 10)

	l.RecordError("api")
	l.RecordError("api")
	if got := l.Backoff("api"); got != 4*time.Second {
		t.Fatalf("backoff after 2 errors = %v, want 4s", got)
	}

	l.ResetErrors("api")
	if got := l.Backoff("api"); got != 0 {
		t.Errorf("backoff after reset = %v, want 0", got)
	}
}

func TestStats(t *testing.T) {
	l, _ := newTestLimiter(60, 5)

	l.Acquire("a")
	l.Acquire("a")
	l.Acquire("b")
	l.RecordError("b")

	s := l.Stats()
	if s.Requests["a"] != 2 || s.Requests["b"] != 1 {
		t.Errorf("requests = %v", s.Requests)
	}
	if s.Errors["b"] != 1 {
		t.Errorf("errors = %v", s.Errors)
	}
	if s.Tokens["a"] != 3 {
		t.Errorf("tokens[a] = %v, want 3", s.Tokens["a"])
	}
}

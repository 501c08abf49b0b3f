// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package ratelimit implements per-source token-bucket rate limiting
// with error-driven exponential backoff. Bucket state lives for the
// process lifetime only; it is never persisted.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pdiddy/ingest-engine/pkg/types"
)

// maxBackoff caps error-driven backoff.
const maxBackoff = 300 * time.Second

// bucket holds one source's token state. Mutation happens only under
// the owning Limiter's mutex.
type bucket struct {
	rate       float64 // tokens per second
	capacity   float64
	tokens     float64
	lastUpdate time.Time
}

// refill credits tokens for elapsed time, clamped to capacity.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastUpdate).Seconds()
	b.tokens = min(b.capacity, b.tokens+elapsed*b.rate)
	b.lastUpdate = now
}

// Limiter hands out per-source request permits and tracks error counts
// for backoff. Safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	limits   map[string]int // per-source requests per minute
	requests map[string]int
	errors   map[string]int

	defaultRPM int
	burst      int

	// now and sleep are injectable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	log *logrus.Entry
}

// New returns a Limiter with the given defaults. Sources acquire their
// bucket lazily on first use.
func New(cfg types.RateLimitConfig, log *logrus.Logger) *Limiter {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	return &Limiter{
		buckets:    make(map[string]*bucket),
		limits:     make(map[string]int),
		requests:   make(map[string]int),
		errors:     make(map[string]int),
		defaultRPM: rpm,
		burst:      burst,
		now:        time.Now,
		sleep:      sleepContext,
		log:        log.WithField("component", "ratelimit"),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// SetLimit overrides the refill rate for one source, in requests per
// minute. It has no effect once the source's bucket exists.
func (l *Limiter) SetLimit(source string, rpm int) {
	if rpm <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[source] = rpm
}

// getBucket returns the source's bucket, creating it full on first use.
// Caller must hold l.mu.
func (l *Limiter) getBucket(source string) *bucket {
	b, ok := l.buckets[source]
	if !ok {
		rpm := l.defaultRPM
		if override, ok := l.limits[source]; ok {
			rpm = override
		}
		b = &bucket{
			rate:       float64(rpm) / 60.0,
			capacity:   float64(l.burst),
			tokens:     float64(l.burst),
			lastUpdate: l.now(),
		}
		l.buckets[source] = b
	}
	return b
}

// Acquire attempts to take one token for source. It refills the bucket
// from elapsed time first and reports whether the caller may proceed.
func (l *Limiter) Acquire(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.getBucket(source)
	b.refill(l.now())

	if b.tokens < 1 {
		l.log.WithFields(logrus.Fields{
			"source": source,
			"tokens": b.tokens,
		}).Warn("rate limit exceeded")
		return false
	}

	b.tokens--
	l.requests[source]++
	return true
}

// Wait blocks until a token is acquired for source, sleeping for the
// computed shortfall between attempts. It has no timeout of its own;
// cancellation comes from ctx.
func (l *Limiter) Wait(ctx context.Context, source string) error {
	for {
		if l.Acquire(source) {
			return nil
		}

		l.mu.Lock()
		b := l.getBucket(source)
		needed := 1 - b.tokens
		wait := time.Duration(needed / b.rate * float64(time.Second))
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// RecordError increments the source's error count, growing its backoff.
func (l *Limiter) RecordError(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors[source]++
	l.log.WithFields(logrus.Fields{
		"source":      source,
		"error_count": l.errors[source],
	}).Warn("error recorded for backoff")
}

// ResetErrors clears the source's error count after a success.
func (l *Limiter) ResetErrors(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.errors, source)
}

// Backoff returns the current error-driven delay for source:
// min(2^errors, 300) seconds, zero when the source has no errors.
func (l *Limiter) Backoff(source string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	errs := l.errors[source]
	if errs == 0 {
		return 0
	}
	if errs >= 9 { // 2^9 > 300
		return maxBackoff
	}
	d := time.Duration(1<<uint(errs)) * time.Second
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// Stats is a point-in-time snapshot of limiter state.
type Stats struct {
	Requests map[string]int
	Errors   map[string]int
	Tokens   map[string]float64
}

// Stats returns a copy of per-source counters and token levels.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{
		Requests: make(map[string]int, len(l.requests)),
		Errors:   make(map[string]int, len(l.errors)),
		Tokens:   make(map[string]float64, len(l.buckets)),
	}
	for k, v := range l.requests {
		s.Requests[k] = v
	}
	for k, v := range l.errors {
		s.Errors[k] = v
	}
	for k, b := range l.buckets {
		s.Tokens[k] = b.tokens
	}
	return s
}

package server

import (
	"context"
	"sync"
	"time"
)

// Pacer gates the capture loop.
type Pacer interface {
	Wait(ctx context.Context) error
}

// TokenBucket is a token bucket limiter that also works as a Pacer.
// A non-positive rate disables limiting.
type TokenBucket struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
	now    func() time.Time
}

func NewTokenBucket(ratePerSec float64, burst int) *TokenBucket {
	if burst <= 0 {
		burst = 1
	}
	tb := &TokenBucket{
		rate:   ratePerSec,
		burst:  float64(burst),
		tokens: float64(burst),
		now:    time.Now,
	}
	tb.last = tb.now()
	return tb
}

func (t *TokenBucket) refill() {
	now := t.now()
	dt := now.Sub(t.last).Seconds()
	t.last = now
	t.tokens += dt * t.rate
	if t.tokens > t.burst {
		t.tokens = t.burst
	}
}

// Allow reports whether a token is available and takes it.
func (t *TokenBucket) Allow() bool {
	_, ok := t.reserve()
	return ok
}

// reserve takes a token if one is available; otherwise it returns how long
// until the next one.
func (t *TokenBucket) reserve() (time.Duration, bool) {
	if t.rate <= 0 {
		return 0, true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refill()
	if t.tokens >= 1 {
		t.tokens--
		return 0, true
	}
	missing := 1 - t.tokens
	return time.Duration(missing / t.rate * float64(time.Second)), false
}

// Wait blocks until a token is available or ctx is done.
func (t *TokenBucket) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, ok := t.reserve()
		if ok {
			return nil
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

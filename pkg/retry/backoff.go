// Package retry implements capped exponential backoff with jitter.
package retry

import (
	"context"
	"math/rand"
	"time"
)

const (
	defaultBaseDelay = 1 * time.Second
	defaultMaxDelay  = 60 * time.Second
	defaultJitter    = 0.2
)

// Backoff defines delay growth between attempts.
type Backoff struct {
	BaseDelay time.Duration // Delay before the first retry
	MaxDelay  time.Duration // Upper bound on any delay
	Jitter    float64       // Fractional jitter, 0.2 means ±20%

	// Rand returns a value in [0,1). Nil uses math/rand.
	Rand func() float64
}

// Default returns the infrastructure retry policy: base 1s, cap 60s,
// jitter ±20%.
func Default() Backoff {
	return Backoff{
		BaseDelay: defaultBaseDelay,
		MaxDelay:  defaultMaxDelay,
		Jitter:    defaultJitter,
	}
}

// Delay returns the delay before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := b.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	max := b.MaxDelay
	if max <= 0 {
		max = defaultMaxDelay
	}

	delay := max
	// Avoid overflow for large attempt counts.
	if attempt < 32 {
		if d := base * time.Duration(1<<uint(attempt)); d > 0 && d < max {
			delay = d
		}
	}

	if b.Jitter > 0 {
		r := rand.Float64
		if b.Rand != nil {
			r = b.Rand
		}
		delay += time.Duration(float64(delay) * b.Jitter * (r()*2 - 1))
	}

	if delay < 0 {
		delay = base
	}
	if delay > max {
		delay = max
	}
	return delay
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do calls fn up to attempts times, sleeping between failures. It stops
// early when retryable reports false for an error.
func Do(ctx context.Context, b Backoff, attempts int, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		if serr := Sleep(ctx, b.Delay(i)); serr != nil {
			return err
		}
	}
	return err
}

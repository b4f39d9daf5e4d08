// Package backoff computes retry delays for failed ingestion files and failed
// refreshes, built on github.com/sethvargo/go-retry.
package backoff

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sethvargo/go-retry"
)

// Policy is the retry_backoff configuration: the first delay, the growth
// multiplier, the cap on a single delay, and the bound on attempts.
// MaxAttempts of 0 means retries never exhaust.
type Policy struct {
	Initial     time.Duration `koanf:"initial"`
	Multiplier  float64       `koanf:"multiplier"`
	Max         time.Duration `koanf:"max"`
	MaxAttempts int           `koanf:"max_attempts"`
}

// Default returns the policy used when none is configured.
func Default() Policy {
	return Policy{
		Initial:     time.Second,
		Multiplier:  2,
		Max:         5 * time.Minute,
		MaxAttempts: 5,
	}
}

// Validate checks the policy for usable values.
func (p Policy) Validate() error {
	if p.Initial <= 0 {
		return fmt.Errorf("retry_backoff.initial must be positive, got %s", p.Initial)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("retry_backoff.multiplier must be >= 1, got %g", p.Multiplier)
	}
	if p.Max < p.Initial {
		return fmt.Errorf("retry_backoff.max (%s) must be >= initial (%s)", p.Max, p.Initial)
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("retry_backoff.max_attempts must be >= 0, got %d", p.MaxAttempts)
	}
	return nil
}

// Backoff returns a fresh go-retry backoff for this policy. It yields
// MaxAttempts-1 delays when MaxAttempts is set, since the first attempt is
// not a retry.
func (p Policy) Backoff() retry.Backoff {
	b := p.unbounded()
	if p.MaxAttempts > 0 {
		b = retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
	}
	return b
}

func (p Policy) unbounded() retry.Backoff {
	next := p.Initial
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	b := retry.BackoffFunc(func() (time.Duration, bool) {
		cur := next
		grown := float64(next) * mult
		if grown >= math.MaxInt64 {
			next = time.Duration(math.MaxInt64)
		} else {
			next = time.Duration(grown)
		}
		return cur, false
	})
	if p.Max > 0 {
		return retry.WithCappedDuration(p.Max, b)
	}
	return b
}

// Delay returns the wait after the given number of consecutive failures
// (failures >= 1). It ignores MaxAttempts; use Exhausted for the bound.
func (p Policy) Delay(failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	b := p.unbounded()
	var d time.Duration
	for i := 0; i < failures; i++ {
		d, _ = b.Next()
		if p.Max > 0 && d >= p.Max {
			break
		}
	}
	return d
}

// Exhausted reports whether attempts has reached the bound.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy
// is exhausted. Errors are retried only when wrapped with Retryable.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, p.Backoff(), fn)
}

// Retryable marks err as retryable for Do.
func Retryable(err error) error {
	return retry.RetryableError(err)
}

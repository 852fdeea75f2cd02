// Package retry implements §4.6's retry wrapper, orthogonal to the circuit
// breaker: exponential backoff with multiplicative jitter, bounded by
// maxRetries and maxDelay. Built on cenkalti/backoff/v5's
// ExponentialBackOff, the same narrow slice of its API internal/breaker
// uses (NewExponentialBackOff + field setters + NextBackOff), since no
// example in the pack exercises the package's generic Retry() helper.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config bounds one retry policy (§4.6 "maxRetries, initialDelay,
// maxDelay, exponential growth, and multiplicative jitter").
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultConfig mirrors the breaker package's conservative defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// jitter applies §4.6's "0.5 + U(0,1)/2" multiplicative jitter factor.
func jitter() float64 {
	return 0.5 + rand.Float64()/2
}

// Do retries fn up to cfg.MaxRetries additional times (cfg.MaxRetries+1
// total attempts), sleeping an exponentially growing, jittered delay
// between attempts. attempt is only interruptible by ctx cancellation
// (§5 "Retries and breaker backoffs are interruptible only by the outer
// timeout") — attempt should itself honor ctx for in-flight work.
func Do(ctx context.Context, cfg Config, attempt func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialDelay
	bo.MaxInterval = cfg.MaxDelay
	bo.Multiplier = cfg.Multiplier
	bo.MaxElapsedTime = 0

	var lastErr error
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = attempt(ctx)
		if lastErr == nil {
			return nil
		}
		if i >= cfg.MaxRetries {
			return lastErr
		}

		delay := bo.NextBackOff()
		if delay <= 0 {
			delay = cfg.MaxDelay
		}
		delay = time.Duration(float64(delay) * jitter())
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
}

// WithBreaker composes a Guard (e.g. *breaker.Manager.Guard) with retry:
// every attempt races the breaker first, so an open circuit fails fast
// without consuming a retry's backoff sleep (§4.6 "Retries occur only
// between breaker-allowed attempts").
func WithBreaker(ctx context.Context, cfg Config, guard func(fn func() error) error, attempt func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	return Do(ctx, cfg, func(ctx context.Context) error {
		called := false
		err := guard(func() error {
			called = true
			return attempt(ctx)
		})
		if err != nil && !called {
			// The guard refused the call: stop before Do sleeps a backoff.
			cancel()
		}
		return err
	})
}

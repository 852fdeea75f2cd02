// Package breaker implements §4.6's per-key circuit breakers: a
// closed/open/half-open state machine with exponential backoff recovery and
// a manager aggregating per-key health.
package breaker

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/somlang/modsys/internal/modulerr"
)

// State is one of the three breaker states (§4.6).
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a single breaker's thresholds.
type Config struct {
	FailureThreshold   int           // failures within Window before opening
	Window             time.Duration // sliding window over which failures are counted
	HalfOpenSuccesses  int           // successes needed in half-open to close (default 3)
	InitialInterval    time.Duration
	MaxInterval        time.Duration
	Multiplier         float64
	RandomizationFactor float64
}

// DefaultConfig mirrors the spec's defaults (§4.6): a modest failure
// threshold, exponential backoff with jitter, 3 half-open trials to close.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:     5,
		Window:               10 * time.Second,
		HalfOpenSuccesses:    3,
		InitialInterval:      500 * time.Millisecond,
		MaxInterval:          30 * time.Second,
		Multiplier:           2.0,
		RandomizationFactor:  0.5,
	}
}

type failureRecord struct {
	at time.Time
}

// Breaker is one external key's circuit breaker.
type Breaker struct {
	mu sync.Mutex

	key    string
	cfg    Config
	state  State
	bo     *backoff.ExponentialBackOff
	nextTrialAt time.Time

	failures []failureRecord
	halfOpenOK int

	forcedOpenUntil time.Time
	forcedOpen      bool
}

// New constructs a breaker for key in the closed state.
func New(key string, cfg Config) *Breaker {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.MaxInterval = cfg.MaxInterval
	bo.Multiplier = cfg.Multiplier
	bo.RandomizationFactor = cfg.RandomizationFactor
	bo.MaxElapsedTime = 0 // never give up growing the backoff on its own
	return &Breaker{key: key, cfg: cfg, state: Closed, bo: bo}
}

// State reports the current state, resolving a due half-open transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settleLocked()
	return b.state
}

func (b *Breaker) settleLocked() {
	now := time.Now()
	if b.forcedOpen {
		if now.Before(b.forcedOpenUntil) {
			b.state = Open
			return
		}
		b.forcedOpen = false
	}
	if b.state == Open && !b.nextTrialAt.IsZero() && !now.Before(b.nextTrialAt) {
		b.state = HalfOpen
		b.halfOpenOK = 0
	}
}

// Allow reports whether an invocation may proceed right now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settleLocked()
	return b.state != Open
}

// Guard wraps fn with the breaker: fails fast with CircuitOpenError while
// open, and on a half-open trial updates state from the outcome.
func (b *Breaker) Guard(fn func() error) error {
	if !b.Allow() {
		return modulerr.NewCircuitOpenError(b.key)
	}
	err := fn()
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()

	if b.state == HalfOpen {
		b.openLocked(now)
		return
	}

	b.failures = append(b.failures, failureRecord{at: now})
	b.trimFailuresLocked(now)
	if len(b.failures) >= b.cfg.FailureThreshold {
		b.openLocked(now)
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.halfOpenOK++
		if b.halfOpenOK >= maxInt(1, b.cfg.HalfOpenSuccesses) {
			b.closeLocked()
		}
	case Closed:
		b.failures = nil
	}
}

func (b *Breaker) trimFailuresLocked(now time.Time) {
	if b.cfg.Window <= 0 {
		return
	}
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, f := range b.failures {
		if f.at.After(cutoff) {
			kept = append(kept, f)
		}
	}
	b.failures = kept
}

func (b *Breaker) openLocked(now time.Time) {
	b.state = Open
	b.failures = nil
	delay := b.bo.NextBackOff()
	if delay <= 0 {
		delay = b.cfg.MaxInterval
	}
	b.nextTrialAt = now.Add(delay)
}

func (b *Breaker) closeLocked() {
	b.state = Closed
	b.failures = nil
	b.halfOpenOK = 0
	b.bo.Reset()
	b.nextTrialAt = time.Time{}
}

// Reset forces the breaker back to closed (§4.6 "reset()").
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forcedOpen = false
	b.closeLocked()
}

// ForceOpen forces the breaker open for duration (§4.6 "forceOpen(duration)").
func (b *Breaker) ForceOpen(duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Open
	b.forcedOpen = true
	b.forcedOpenUntil = time.Now().Add(duration)
	b.nextTrialAt = b.forcedOpenUntil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

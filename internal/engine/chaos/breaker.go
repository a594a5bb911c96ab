// Package chaos implements the Chaos Decider (C5): failure injection rules
// plus the circuit-breaker state machine that backs them, per spec.md
// §3/§4.5. The breaker's three-state shape and atomic-under-concurrency
// contract are adapted from the teacher's resilience.CircuitBreaker.
package chaos

import (
	"sync"
	"time"
)

// BreakerState is the triple-state machine of §3.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig parametrizes one breaker instance (§3).
type BreakerConfig struct {
	FailureThreshold   uint32
	OpenDuration       time.Duration
	HalfOpenProbeCount uint32
}

// BreakerStats is a point-in-time snapshot, exposed for metrics and tests.
type BreakerStats struct {
	State               BreakerState
	ConsecutiveFailures uint32
	OpenedAt            time.Time
	InFlightProbes      uint32
}

// Breaker is a circuit breaker scoped to one (model, operation) pair, or a
// single global instance depending on configuration (§4.5). All mutation
// happens under a mutex guarding a small packed state — the teacher's
// version uses the same lock-protects-counters shape; spec.md §5 allows an
// atomic CAS word as an alternative, but a mutex over a few words is
// simpler to reason about and cannot stall the fast path meaningfully.
type Breaker struct {
	cfg BreakerConfig

	mu                  sync.Mutex
	state               BreakerState
	openedAt            time.Time
	consecutiveFailures uint32
	inFlightProbes      uint32
}

// NewBreaker constructs a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.HalfOpenProbeCount == 0 {
		cfg.HalfOpenProbeCount = 1
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// BeforeRequest decides whether a request in this breaker's scope may
// proceed. It implements spec.md §4.5 step 1: an Open breaker whose
// cool-down has not elapsed fails fast without consulting rules; once
// elapsed it transitions to HalfOpen and the caller proceeds as a probe.
func (b *Breaker) BeforeRequest(now time.Time) (proceed bool, isProbe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true, false

	case StateOpen:
		if now.Sub(b.openedAt) < b.cfg.OpenDuration {
			return false, false
		}
		b.state = StateHalfOpen
		b.inFlightProbes = 1
		return true, true

	case StateHalfOpen:
		if b.inFlightProbes >= b.cfg.HalfOpenProbeCount {
			return false, false
		}
		b.inFlightProbes++
		return true, true

	default:
		return false, false
	}
}

// RecordSuccess transitions HalfOpen -> Closed on any probe success (§3
// invariant); a success observed while Closed only resets the
// consecutive-failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.inFlightProbes = 0
	}
}

// RecordFailure transitions Closed -> Open after failure_threshold
// consecutive failures, and HalfOpen -> Open (resetting opened_at) on any
// probe failure (§3 invariant).
func (b *Breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.inFlightProbes = 0
		b.consecutiveFailures++
	case StateOpen:
		b.openedAt = now
	}
}

// Stats returns a snapshot for metrics/tests.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
		InFlightProbes:      b.inFlightProbes,
	}
}

// Reset forces the breaker back to Closed. Used by admin tooling and tests.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.inFlightProbes = 0
}

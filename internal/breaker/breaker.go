// Package breaker implements a per-target circuit breaker: a sliding
// error-rate window drives a closed/open/half-open state machine that
// feeds internal/weight.ApplyCircuit.
package breaker

import (
	"sync"
	"time"

	"github.com/xdplb/xdplb/internal/weight"
)

// Config tunes one breaker instance.
type Config struct {
	ErrorRateThreshold float64
	WindowSize         time.Duration
	MinimumRequests    uint64
	CooldownPeriod     time.Duration
}

type sample struct {
	at      time.Time
	success bool
}

// Breaker is a single target's circuit-breaker state machine.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       weight.CircuitState
	samples     []sample
	openedAt    time.Time
	halfOpenHit bool
}

// New returns a closed Breaker tuned by cfg.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: weight.CircuitClosed}
}

// RecordSuccess observes a successful request/probe against the target.
func (b *Breaker) RecordSuccess() { b.record(true) }

// RecordFailure observes a failed request/probe against the target.
func (b *Breaker) RecordFailure() { b.record(false) }

func (b *Breaker) record(success bool) {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == weight.CircuitHalfOpen {
		// A half-open breaker allows exactly one trial; its outcome
		// decides the next state immediately rather than waiting on the
		// window.
		if success {
			b.state = weight.CircuitClosed
			b.samples = nil
		} else {
			b.state = weight.CircuitOpen
			b.openedAt = now
			b.samples = nil
		}
		return
	}

	b.samples = append(b.samples, sample{at: now, success: success})
	b.evictOld(now)

	if b.state == weight.CircuitClosed {
		b.maybeTrip(now)
	}
}

func (b *Breaker) evictOld(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowSize)
	i := 0
	for ; i < len(b.samples); i++ {
		if b.samples[i].at.After(cutoff) {
			break
		}
	}
	b.samples = b.samples[i:]
}

func (b *Breaker) maybeTrip(now time.Time) {
	total := uint64(len(b.samples))
	if total < b.cfg.MinimumRequests {
		return
	}

	var failures uint64
	for _, s := range b.samples {
		if !s.success {
			failures++
		}
	}

	errorRate := float64(failures) / float64(total)
	if errorRate >= b.cfg.ErrorRateThreshold {
		b.state = weight.CircuitOpen
		b.openedAt = now
	}
}

// State returns the breaker's current weight.CircuitState, transitioning
// open -> half-open once the cooldown period has elapsed since the trip.
// This is called on every orchestrator tick, so the open-to-half-open edge
// is observed lazily rather than via its own timer.
func (b *Breaker) State() weight.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == weight.CircuitOpen && time.Since(b.openedAt) >= b.cfg.CooldownPeriod {
		b.state = weight.CircuitHalfOpen
		b.samples = nil
	}
	return b.state
}

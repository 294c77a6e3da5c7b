// Package health runs one probe goroutine per target (TCP connect or HTTP
// GET), applies consecutive-sample thresholds, and publishes exactly one
// transition event per edge to the callback passed to NewProber.
package health

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xdplb/xdplb/internal/weight"
)

// Status is a target's probed health status.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// State is the full per-target health record.
type State struct {
	Status             Status
	ConsecutiveSuccess int
	ConsecutiveFailure int
	LastLatency        time.Duration
	LastError          error
}

// Transition is published exactly once per status edge.
type Transition struct {
	Target Target
	From   Status
	To     Status
}

// Target identifies the probed endpoint.
type Target struct {
	Proxy string
	Addr  weight.Target
}

// Prober runs the probe loop for a single target until its context is
// cancelled.
type Prober struct {
	target     Target
	descriptor weight.HealthCheckDescriptor
	onChange   func(Transition)
	log        *zap.SugaredLogger

	// OnSample, if set, is invoked with the raw probe error (nil on
	// success) after every probe, independent of whether it crossed a
	// status threshold. internal/app wires this to a per-target
	// internal/breaker so the circuit breaker's error-rate window shares
	// the same probe traffic as the health state machine.
	OnSample func(error)

	mu    sync.Mutex
	state State
}

// NewProber builds a Prober for target, using descriptor's kind/interval/
// timeout/thresholds, invoking onChange exactly once per status edge.
func NewProber(target Target, descriptor weight.HealthCheckDescriptor, onChange func(Transition), log *zap.SugaredLogger) *Prober {
	return &Prober{target: target, descriptor: descriptor, onChange: onChange, log: log}
}

// State returns the prober's current health state.
func (p *Prober) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Run probes on descriptor.Interval until ctx is cancelled. The probe
// timeout is its own per-check deadline, independent of the interval.
func (p *Prober) Run(ctx context.Context) {
	interval := time.Duration(p.descriptor.Interval)
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.probeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeOnce(ctx)
		}
	}
}

func (p *Prober) probeOnce(ctx context.Context) {
	timeout := time.Duration(p.descriptor.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := probe(probeCtx, p.target.Addr, p.descriptor)
	latency := time.Since(start)

	if p.OnSample != nil {
		p.OnSample(err)
	}

	p.mu.Lock()
	p.state.LastLatency = latency
	p.state.LastError = err

	prev := p.state.Status
	if err == nil {
		p.state.ConsecutiveSuccess++
		p.state.ConsecutiveFailure = 0
		threshold := p.descriptor.HealthyThreshold
		if threshold <= 0 {
			threshold = 1
		}
		if p.state.Status != StatusHealthy && p.state.ConsecutiveSuccess >= threshold {
			p.state.Status = StatusHealthy
		}
	} else {
		p.state.ConsecutiveFailure++
		p.state.ConsecutiveSuccess = 0
		threshold := p.descriptor.UnhealthyThreshold
		if threshold <= 0 {
			threshold = 1
		}
		if p.state.Status != StatusUnhealthy && p.state.ConsecutiveFailure >= threshold {
			p.state.Status = StatusUnhealthy
		}
	}
	current := p.state.Status
	p.mu.Unlock()

	if current != prev {
		if p.log != nil {
			p.log.Infow("health transition",
				"proxy", p.target.Proxy, "target", p.target.Addr,
				"from", prev.String(), "to", current.String())
		}
		if p.onChange != nil {
			p.onChange(Transition{Target: p.target, From: prev, To: current})
		}
	}
}

// probe performs a single TCP connect or HTTP GET against target, per
// descriptor.Kind. A probe timeout counts as a failure.
func probe(ctx context.Context, target weight.Target, descriptor weight.HealthCheckDescriptor) error {
	addr := net.JoinHostPort(target.Addr.String(), strconv.Itoa(int(target.Port)))

	switch descriptor.Kind {
	case weight.HealthCheckHTTP:
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+descriptor.HTTPPath, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return &httpStatusError{resp.StatusCode}
		}
		return nil
	default:
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string {
	return "health: unhealthy http status " + strconv.Itoa(e.code)
}

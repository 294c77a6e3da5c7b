// Package orchestrator runs the per-proxy background task that combines
// health, drain, circuit-breaker and connection-count signals into the
// final effective weights and pushes them to every map entry referencing
// the affected target group. A group is always pushed as a whole, compared
// against the last pushed value, and retried on failure next tick.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/xdplb/xdplb/common/go/bitset"
	"github.com/xdplb/xdplb/internal/codec"
	"github.com/xdplb/xdplb/internal/mapfacade"
	"github.com/xdplb/xdplb/internal/weight"
)

// pushRetryWindow bounds the one-shot retry around a single map write
// inside push. A tick's own cadence (Run's interval) is the real retry
// loop for a group that keeps failing; this only absorbs a transient
// syscall error (e.g. EAGAIN) within the same tick.
const pushRetryWindow = 200 * time.Millisecond

// Inputs is the callback seam the orchestrator polls/subscribes to for the
// four weight-adjusting signals (health, drain, circuit-breaker,
// least-connections). internal/health, internal/drain, internal/breaker and
// internal/conntrack each implement the slice this needs; the composition
// is left to the caller wiring internal/app so this package stays
// independent of those packages' concrete types.
type Inputs struct {
	Healthy       func(groupID string, targets []weight.Target) *bitset.TinyBitset
	Draining      func(groupID string, targets []weight.Target) *bitset.TinyBitset
	Circuit       func(groupID string, targets []weight.Target) []weight.CircuitState
	ConnCounts    func(groupID string, targets []weight.Target) []uint64
	RecoverySteps func(groupID string, targets []weight.Target) []*weight.RecoveryStep
}

// Binding names every map entry that shares one target group: the
// listener(s) a proxy is attached to, plus any SNI hostnames or LPM source
// routes that happen to point at the same group. A weight change rewrites
// all of them together.
type Binding struct {
	ListenKeys      []codec.ListenKey
	SNIHostnames    []string
	SourceRouteKeys []codec.LPMKey
	Flags           codec.RouteFlags
}

// group is the orchestrator's internal bookkeeping for one target group.
type group struct {
	target     *weight.TargetGroup
	binding    Binding
	lastPushed []uint16 // last successfully pushed cumulative vector
}

// Orchestrator is the single writer of weight state for one proxy; it
// processes triggers serially. A process runs one Orchestrator per proxy.
type Orchestrator struct {
	proxy     string
	facade    *mapfacade.Facade
	inputs    Inputs
	algorithm weight.LBAlgorithm
	family    codec.Family
	log       *zap.SugaredLogger

	mu     sync.Mutex
	groups map[string]*group
}

// New returns an Orchestrator for proxy, writing through facade.
func New(proxy string, facade *mapfacade.Facade, inputs Inputs, algorithm weight.LBAlgorithm, family codec.Family, log *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		proxy:     proxy,
		facade:    facade,
		inputs:    inputs,
		algorithm: algorithm,
		family:    family,
		log:       log,
		groups:    make(map[string]*group),
	}
}

// RegisterGroup adds or replaces the target group and its map bindings
// under groupID (e.g. the proxy's default group, or one source/SNI route's
// group). Replacing a group resets its last-pushed cumulative vector so
// the next tick always re-pushes (a config reload always wins a race with
// a stale weight push).
func (o *Orchestrator) RegisterGroup(groupID string, tg *weight.TargetGroup, binding Binding) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.groups[groupID] = &group{target: tg, binding: binding}
}

// Unregister removes a group (e.g. its route was removed by a reload).
func (o *Orchestrator) Unregister(groupID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.groups, groupID)
}

// Run ticks every interval until ctx is cancelled. Health, drain and
// circuit-breaker changes are not pushed to the orchestrator as events:
// they are read through Inputs and take effect on the next tick.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Tick recomputes every registered group's weight pipeline and pushes any
// group whose cumulative vector changed. Weight computation never
// suspends; only the map push does. A push failure is logged and retried
// on the next tick; the previously installed value remains live because
// lastPushed is not advanced on failure.
func (o *Orchestrator) Tick(ctx context.Context) {
	o.mu.Lock()
	ids := make([]string, 0, len(o.groups))
	for id := range o.groups {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		o.tickGroup(ctx, id)
	}
}

func (o *Orchestrator) tickGroup(ctx context.Context, groupID string) {
	o.mu.Lock()
	g, ok := o.groups[groupID]
	var lastPushed []uint16
	if ok {
		lastPushed = g.lastPushed
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	targets := make([]weight.Target, len(g.target.Targets))
	configured := make([]uint16, len(g.target.Targets))
	for i, t := range g.target.Targets {
		targets[i] = t.Target
		configured[i] = t.ConfiguredWeight
	}

	in := weight.PipelineInput{
		Configured: configured,
		Algorithm:  o.algorithm,
	}
	if o.inputs.Healthy != nil {
		in.Healthy = o.inputs.Healthy(groupID, targets)
	} else {
		in.Healthy = weight.FullMask(len(targets))
	}
	if o.inputs.Draining != nil {
		in.Draining = o.inputs.Draining(groupID, targets)
	} else {
		in.Draining = &bitset.TinyBitset{}
	}
	if o.inputs.Circuit != nil {
		in.Circuit = o.inputs.Circuit(groupID, targets)
	}
	if o.inputs.ConnCounts != nil {
		in.ConnCounts = o.inputs.ConnCounts(groupID, targets)
	}
	if o.inputs.RecoverySteps != nil {
		in.RecoverySteps = o.inputs.RecoverySteps(groupID, targets)
	}

	effective := weight.Pipeline(in)
	cumulative := weight.Cumulative(effective)

	if cumulativeEqual(cumulative, lastPushed) {
		return
	}

	value := codec.RouteValue{Flags: g.binding.Flags, Targets: make([]codec.RouteTarget, len(targets))}
	for i, t := range targets {
		value.Targets[i] = codec.RouteTarget{Addr: t.Addr, Port: t.Port, CumulativeWeight: cumulative[i]}
	}

	if err := o.push(ctx, g.binding, value); err != nil {
		if o.log != nil {
			o.log.Warnw("weight push failed, retrying next tick", "proxy", o.proxy, "group", groupID, "error", err)
		}
		return
	}

	o.mu.Lock()
	g.target.SetCumulative(cumulative)
	g.lastPushed = cumulative
	o.mu.Unlock()
}

// EffectiveWeights returns the last successfully pushed effective weight
// per target across every registered group. Targets never pushed yet are
// absent.
func (o *Orchestrator) EffectiveWeights() map[weight.Target]uint16 {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[weight.Target]uint16)
	for _, g := range o.groups {
		if g.lastPushed == nil {
			continue
		}
		prev := uint16(0)
		for i, wt := range g.target.Targets {
			if i >= len(g.lastPushed) {
				break
			}
			out[wt.Target] = g.lastPushed[i] - prev
			prev = g.lastPushed[i]
		}
	}
	return out
}

func (o *Orchestrator) push(ctx context.Context, binding Binding, value codec.RouteValue) error {
	for _, lk := range binding.ListenKeys {
		if err := retryPush(ctx, func() error { return o.facade.PutListen(ctx, lk, value) }); err != nil {
			return fmt.Errorf("listen %+v: %w", lk, err)
		}
	}
	for _, host := range binding.SNIHostnames {
		if err := retryPush(ctx, func() error { return o.facade.PutSNIRoute(ctx, host, value) }); err != nil {
			return fmt.Errorf("sni %s: %w", host, err)
		}
	}
	for _, lpm := range binding.SourceRouteKeys {
		if err := retryPush(ctx, func() error { return o.facade.PutSourceRoute(ctx, lpm, value) }); err != nil {
			return fmt.Errorf("source route %+v: %w", lpm, err)
		}
	}
	return nil
}

// retryPush retries a single map write with exponential backoff, bounded by
// pushRetryWindow, so a momentary BPF syscall error doesn't fail an entire
// group push that is otherwise ready.
func retryPush(ctx context.Context, fn func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(pushRetryWindow))
	return err
}

func cumulativeEqual(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

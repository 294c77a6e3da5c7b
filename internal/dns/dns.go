// Package dns resolves hostname-backed target groups on an interval and
// notifies the orchestrator/reload path exactly like a config change:
// resolution replaces the pending group with a concrete one.
package dns

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/xdplb/xdplb/internal/config"
	"github.com/xdplb/xdplb/internal/weight"
)

// Resolver performs hostname-to-address lookups. Production code uses
// net.DefaultResolver; tests substitute a fake.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// netResolver adapts *net.Resolver to the Resolver interface.
type netResolver struct{ r *net.Resolver }

func (n netResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return n.r.LookupHost(ctx, host)
}

// DefaultResolver wraps net.DefaultResolver.
var DefaultResolver Resolver = netResolver{r: net.DefaultResolver}

// Refresher resolves one DNSTargetGroupConfig on a fixed interval and
// invokes onResolve with the concrete weight.TargetGroup it produces.
type Refresher struct {
	proxy     string
	group     config.TargetGroupConfig
	resolver  Resolver
	interval  time.Duration
	onResolve func(*weight.TargetGroup)
	log       *zap.SugaredLogger
}

// NewRefresher builds a Refresher for a proxy's DNS-backed target group.
func NewRefresher(proxy string, group config.TargetGroupConfig, resolver Resolver, interval time.Duration, onResolve func(*weight.TargetGroup), log *zap.SugaredLogger) *Refresher {
	if resolver == nil {
		resolver = DefaultResolver
	}
	return &Refresher{proxy: proxy, group: group, resolver: resolver, interval: interval, onResolve: onResolve, log: log}
}

// Run resolves immediately, then on every tick until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	r.refreshOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshOnce(ctx)
		}
	}
}

func (r *Refresher) refreshOnce(ctx context.Context) {
	group, err := Resolve(ctx, r.resolver, r.group)
	if err != nil {
		if r.log != nil {
			r.log.Warnw("dns refresh failed", "proxy", r.proxy, "error", err)
		}
		return
	}
	if r.onResolve != nil {
		r.onResolve(group)
	}
}

// Resolve turns a DNS-backed TargetGroupConfig into a concrete
// weight.TargetGroup, preserving each target's configured weight and
// health descriptor. A hostname resolving to multiple addresses uses the
// first one, matching a single-target-per-config-entry model; a hostname
// that fails to resolve drops that entry's slot from the group (it is
// treated the same as a target that was never configured, not as a
// transient health failure — the next refresh tick will retry).
func Resolve(ctx context.Context, resolver Resolver, group config.TargetGroupConfig) (*weight.TargetGroup, error) {
	var targets []weight.WeightedTarget

	for _, t := range group.Targets {
		var addr netip.Addr
		if t.Hostname != "" {
			addrs, err := resolver.LookupHost(ctx, t.Hostname)
			if err != nil || len(addrs) == 0 {
				continue
			}
			parsed, err := netip.ParseAddr(addrs[0])
			if err != nil {
				continue
			}
			addr = parsed
		} else {
			parsed, err := netip.ParseAddr(t.IP)
			if err != nil {
				return nil, fmt.Errorf("dns: resolve: %w", err)
			}
			addr = parsed
		}

		wt := weight.WeightedTarget{
			Target:           weight.Target{Addr: addr, Port: t.Port},
			ConfiguredWeight: t.Weight,
		}
		if t.Health != nil {
			wt.Health = &weight.HealthCheckDescriptor{
				Interval:           int64(t.Health.Interval),
				TimeoutMs:          int64(t.Health.Timeout / time.Millisecond),
				HealthyThreshold:   t.Health.HealthyThreshold,
				UnhealthyThreshold: t.Health.UnhealthyThreshold,
				HTTPPath:           t.Health.HTTPPath,
			}
			if t.Health.Kind == "http" {
				wt.Health.Kind = weight.HealthCheckHTTP
			}
		}
		targets = append(targets, wt)
	}

	if len(targets) == 0 {
		return nil, fmt.Errorf("dns: no targets resolved")
	}

	// Dropped slots leave the remaining configured weights summing below
	// 100; redistribute them proportionally so the group still validates.
	if len(targets) < len(group.Targets) {
		if len(targets) == 1 {
			targets[0].ConfiguredWeight = 100
		} else {
			redistributed := weight.Redistribute(weight.ConfiguredWeights(targets), weight.FullMask(len(targets)))
			for i := range targets {
				targets[i].ConfiguredWeight = redistributed[i]
			}
		}
	}

	return weight.NewTargetGroup(targets)
}

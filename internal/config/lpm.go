package config

import (
	"fmt"
	"net/netip"

	"github.com/gaissmai/bart"

	"github.com/xdplb/xdplb/internal/weight"
)

// RouteIndex mirrors one proxy's LPM source-route table in user space,
// using the same longest-prefix-match semantics the kernel's LPM-trie map
// provides. The config model builds one of these per proxy to resolve a
// SourceRoute to its TargetGroup before encoding the LPM key/value pairs
// pushed through internal/mapfacade, and reuses it to validate that a
// candidate config's routes are unambiguous before a reload is applied.
type RouteIndex struct {
	table *bart.Table[*weight.TargetGroup]
}

// NewRouteIndex builds a RouteIndex from a proxy's source routes, resolving
// each CIDR/target-group pair into a weight.TargetGroup via build.
func NewRouteIndex(routes []SourceRouteConfig, build func(TargetGroupConfig) (*weight.TargetGroup, error)) (*RouteIndex, error) {
	idx := &RouteIndex{table: &bart.Table[*weight.TargetGroup]{}}

	for _, r := range routes {
		prefix, err := netip.ParsePrefix(r.CIDR)
		if err != nil {
			return nil, fmt.Errorf("config: route index: %q: %w", r.CIDR, err)
		}
		group, err := build(r.Target)
		if err != nil {
			return nil, fmt.Errorf("config: route index: %q: %w", r.CIDR, err)
		}
		idx.table.Insert(prefix, group)
	}

	return idx, nil
}

// Lookup returns the longest-prefix-match TargetGroup for addr, mirroring
// the kernel LPM-trie map's selection rule.
func (idx *RouteIndex) Lookup(addr netip.Addr) (*weight.TargetGroup, bool) {
	return idx.table.Lookup(addr)
}

// NewProxyRouteIndex builds a RouteIndex over one proxy's source routes
// using StaticGroup, for callers that want the kernel's routing decision
// answered from the config model alone (no resolver, no map reads).
func NewProxyRouteIndex(p ProxyConfig) (*RouteIndex, error) {
	return NewRouteIndex(p.SourceRoutes, StaticGroup)
}

// StaticGroup converts a target-group config into a weight.TargetGroup
// from its IP-literal members alone. Hostname members are skipped (they
// have no address until a resolver runs); the remaining configured weights
// are redistributed so the group still sums to 100.
func StaticGroup(g TargetGroupConfig) (*weight.TargetGroup, error) {
	var targets []weight.WeightedTarget
	for _, t := range g.Targets {
		if t.IP == "" {
			continue
		}
		addr, err := netip.ParseAddr(t.IP)
		if err != nil {
			return nil, fmt.Errorf("config: static group: %q: %w", t.IP, err)
		}
		targets = append(targets, weight.WeightedTarget{
			Target:           weight.Target{Addr: addr, Port: t.Port},
			ConfiguredWeight: t.Weight,
		})
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("config: static group: no IP-literal targets")
	}

	if len(targets) < len(g.Targets) {
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

// Package weight implements the cumulative-weight construction,
// redistribution, rounding repair and gradual-recovery mathematics, and
// the TargetGroup/WeightedTarget entities they operate on.
package weight

import (
	"fmt"
	"net/netip"

	"github.com/xdplb/xdplb/common/go/bitset"
)

// MaxTargets is the maximum number of weighted targets in one group.
const MaxTargets = 8

// Target is an immutable endpoint: an IPv4/IPv6 address and a port.
type Target struct {
	Addr netip.Addr
	Port uint16
}

// HealthCheckDescriptor configures the health probe run against a target.
type HealthCheckDescriptor struct {
	Kind               HealthCheckKind
	Interval           int64 // nanoseconds; kept integral to stay allocation-free in hot paths
	TimeoutMs          int64
	HealthyThreshold   int
	UnhealthyThreshold int
	HTTPPath           string
}

// HealthCheckKind selects the probe protocol.
type HealthCheckKind uint8

const (
	HealthCheckTCP HealthCheckKind = iota
	HealthCheckHTTP
)

// WeightedTarget is a Target plus its configured weight and optional
// health-check descriptor.
type WeightedTarget struct {
	Target           Target
	ConfiguredWeight uint16 // 1..100
	Health           *HealthCheckDescriptor
}

// TargetGroup is an ordered sequence of 1..8 WeightedTargets plus the
// parallel cumulative-weight vector. The zero value is not valid; use
// NewTargetGroup.
type TargetGroup struct {
	Targets    []WeightedTarget
	Cumulative []uint16
}

// NewTargetGroup validates targets (length 1..8, configured weights sum to
// 100 unless there is exactly one target, in which case its weight is
// implicitly 100) and returns a TargetGroup with all targets initially
// healthy (cumulative weights equal the configured weights' prefix sum).
func NewTargetGroup(targets []WeightedTarget) (*TargetGroup, error) {
	if len(targets) < 1 || len(targets) > MaxTargets {
		return nil, fmt.Errorf("target group must have 1..%d targets, got %d", MaxTargets, len(targets))
	}

	if len(targets) == 1 {
		t := targets[0]
		if t.ConfiguredWeight == 0 {
			t.ConfiguredWeight = 100
		}
		if t.ConfiguredWeight != 100 {
			return nil, fmt.Errorf("a lone target has an implicit weight of 100, got %d", t.ConfiguredWeight)
		}
		return &TargetGroup{Targets: []WeightedTarget{t}, Cumulative: []uint16{100}}, nil
	}

	sum := 0
	for _, t := range targets {
		sum += int(t.ConfiguredWeight)
	}
	if sum != 100 {
		return nil, fmt.Errorf("configured weights must sum to exactly 100, got %d", sum)
	}

	configured := ConfiguredWeights(targets)
	allHealthy := FullMask(len(targets))
	effective := Redistribute(configured, allHealthy)

	return &TargetGroup{
		Targets:    append([]WeightedTarget(nil), targets...),
		Cumulative: Cumulative(effective),
	}, nil
}

// ConfiguredWeights extracts the configured-weight vector from targets.
func ConfiguredWeights(targets []WeightedTarget) []uint16 {
	out := make([]uint16, len(targets))
	for i, t := range targets {
		out[i] = t.ConfiguredWeight
	}
	return out
}

// FullMask returns a bitset with the first n bits set, representing "every
// target healthy".
func FullMask(n int) *bitset.TinyBitset {
	mask := &bitset.TinyBitset{}
	for i := 0; i < n; i++ {
		mask.Insert(uint32(i))
	}
	return mask
}

// MaskFromBools converts a []bool healthy-mask into a bitset.
func MaskFromBools(healthy []bool) *bitset.TinyBitset {
	mask := &bitset.TinyBitset{}
	for i, h := range healthy {
		if h {
			mask.Insert(uint32(i))
		}
	}
	return mask
}

// SetCumulative replaces the group's cumulative-weight vector, e.g. after
// running the weight pipeline.
func (g *TargetGroup) SetCumulative(cumulative []uint16) {
	g.Cumulative = cumulative
}

// EffectiveWeights derives the per-target effective weight from the
// cumulative-weight vector (the inverse of Cumulative()).
func (g *TargetGroup) EffectiveWeights() []uint16 {
	out := make([]uint16, len(g.Cumulative))
	prev := uint16(0)
	for i, c := range g.Cumulative {
		out[i] = c - prev
		prev = c
	}
	return out
}

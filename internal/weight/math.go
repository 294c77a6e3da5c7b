package weight

import (
	"math"

	"github.com/xdplb/xdplb/common/go/bitset"
)

// Cumulative returns the prefix sum of effective weights. The invariant
// Cumulative(w)[len(w)-1] == sum(w) always holds.
func Cumulative(effective []uint16) []uint16 {
	out := make([]uint16, len(effective))
	var running uint32
	for i, w := range effective {
		running += uint32(w)
		out[i] = uint16(running)
	}
	return out
}

// Redistribute computes effective weights from configured weights and a
// healthy-target mask: each healthy target gets round(100 * configured_i /
// sum_healthy(configured)); unhealthy targets get 0. If no target is
// healthy, the configured weights are returned unchanged (graceful
// degradation — the group is never driven fully to zero just because every
// target is unhealthy).
func Redistribute(configured []uint16, healthy *bitset.TinyBitset) []uint16 {
	var healthySum uint64
	for i, w := range configured {
		if healthy.Contains(uint32(i)) {
			healthySum += uint64(w)
		}
	}

	if healthySum == 0 {
		out := make([]uint16, len(configured))
		copy(out, configured)
		return out
	}

	out := make([]uint16, len(configured))
	for i, w := range configured {
		if !healthy.Contains(uint32(i)) {
			out[i] = 0
			continue
		}
		out[i] = uint16(math.Round(100 * float64(w) / float64(healthySum)))
	}

	return FixRounding(out)
}

// FixRounding repairs a weight vector whose sum drifted to 99 or 101 after
// independent rounding: the deficit/surplus is applied to the largest
// non-zero weight (ties broken by first occurrence). It is idempotent and
// preserves the zero set.
func FixRounding(weights []uint16) []uint16 {
	out := make([]uint16, len(weights))
	copy(out, weights)

	sum := 0
	for _, w := range out {
		sum += int(w)
	}
	deficit := 100 - sum
	if deficit == 0 {
		return out
	}

	largestIdx := -1
	largest := -1
	for i, w := range out {
		if w == 0 {
			continue
		}
		if int(w) > largest {
			largest = int(w)
			largestIdx = i
		}
	}
	if largestIdx == -1 {
		// All zero; nothing sensible to adjust (all-degraded case).
		return out
	}

	adjusted := int(out[largestIdx]) + deficit
	if adjusted < 0 {
		adjusted = 0
	}
	out[largestIdx] = uint16(adjusted)

	return out
}

// renormalizeTo100 proportionally rescales weights so they sum to 100,
// then hands the result to FixRounding to correct the last unit of drift
// from independent rounding. Unlike FixRounding alone, this is safe to use
// on vectors whose sum differs from 100 by more than one unit.
func renormalizeTo100(weights []uint16) []uint16 {
	var sum uint64
	for _, w := range weights {
		sum += uint64(w)
	}
	if sum == 0 {
		out := make([]uint16, len(weights))
		copy(out, weights)
		return out
	}

	out := make([]uint16, len(weights))
	for i, w := range weights {
		out[i] = uint16(math.Round(100 * float64(w) / float64(sum)))
	}
	return FixRounding(out)
}

// RecoveryStep is a gradual-recovery stage: 0=25%, 1=50%, 2=75%, 3=100%.
type RecoveryStep int

const (
	Recovery25 RecoveryStep = iota
	Recovery50
	Recovery75
	Recovery100
)

func (s RecoveryStep) fraction() float64 {
	switch s {
	case Recovery25:
		return 0.25
	case Recovery50:
		return 0.50
	case Recovery75:
		return 0.75
	default:
		return 1.0
	}
}

// ApplyRecovery scales each target's effective weight whose recovery step
// is non-nil by that step's fraction, then renormalizes. A nil entry means
// the target is not in gradual recovery and is passed through unscaled.
func ApplyRecovery(effective []uint16, steps []*RecoveryStep) []uint16 {
	out := make([]uint16, len(effective))
	for i, w := range effective {
		if i < len(steps) && steps[i] != nil {
			out[i] = uint16(math.Round(float64(w) * steps[i].fraction()))
			continue
		}
		out[i] = w
	}
	return renormalizeTo100(out)
}

// ApplyDrain is equivalent to Redistribute with active_i = healthy_i AND
// NOT draining_i.
func ApplyDrain(configured []uint16, healthy, draining *bitset.TinyBitset) []uint16 {
	active := &bitset.TinyBitset{}
	for i := range configured {
		if healthy.Contains(uint32(i)) && !draining.Contains(uint32(i)) {
			active.Insert(uint32(i))
		}
	}
	return Redistribute(configured, active)
}

// CircuitState is the per-target circuit-breaker state consumed by
// ApplyCircuit.
type CircuitState uint8

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// ApplyCircuit maps closed targets to their input weight, half-open
// targets to max(1, round(0.10 * configured_i)), and open targets to 0. If
// every result is zero (all circuits open), the input weights are returned
// unchanged (graceful degradation); otherwise the result is renormalized to
// 100.
func ApplyCircuit(weights []uint16, cb []CircuitState, configured []uint16) []uint16 {
	out := make([]uint16, len(weights))
	allZero := true

	for i, w := range weights {
		state := CircuitClosed
		if i < len(cb) {
			state = cb[i]
		}
		switch state {
		case CircuitClosed:
			out[i] = w
		case CircuitHalfOpen:
			cfg := uint16(0)
			if i < len(configured) {
				cfg = configured[i]
			}
			scaled := uint16(math.Round(0.10 * float64(cfg)))
			if scaled < 1 {
				scaled = 1
			}
			out[i] = scaled
		case CircuitOpen:
			out[i] = 0
		}
		if out[i] != 0 {
			allZero = false
		}
	}

	if allZero {
		passthrough := make([]uint16, len(weights))
		copy(passthrough, weights)
		return passthrough
	}

	return renormalizeTo100(out)
}

// LBAlgorithm selects the load-balancing algorithm driving LeastConnScale.
type LBAlgorithm uint8

const (
	AlgorithmStatic LBAlgorithm = iota
	AlgorithmLeastConnections
	AlgorithmLeastConnectionsUnweighted
)

// LeastConnScale replaces configured weights by w_i/(1+conn_i) (or
// 1/(1+conn_i) in unweighted mode) when algorithm selects least-connections,
// then renormalizes to 100; for any other algorithm it is the identity.
func LeastConnScale(configured []uint16, connCounts []uint64, algorithm LBAlgorithm) []uint16 {
	if algorithm == AlgorithmStatic {
		out := make([]uint16, len(configured))
		copy(out, configured)
		return out
	}

	scaled := make([]float64, len(configured))
	var total float64
	for i, w := range configured {
		conns := uint64(0)
		if i < len(connCounts) {
			conns = connCounts[i]
		}
		var numerator float64
		if algorithm == AlgorithmLeastConnectionsUnweighted {
			numerator = 1
		} else {
			numerator = float64(w)
		}
		scaled[i] = numerator / float64(1+conns)
		total += scaled[i]
	}

	out := make([]uint16, len(configured))
	if total == 0 {
		return out
	}
	for i, s := range scaled {
		out[i] = uint16(math.Round(100 * s / total))
	}

	return FixRounding(out)
}

// PipelineInput carries the four weight-adjusting signals one Pipeline
// run combines.
type PipelineInput struct {
	Configured    []uint16
	Healthy       *bitset.TinyBitset
	Draining      *bitset.TinyBitset
	Circuit       []CircuitState
	ConnCounts    []uint64
	Algorithm     LBAlgorithm
	RecoverySteps []*RecoveryStep
}

// Pipeline runs least-connection scaling, then drain-aware redistribution,
// then circuit-breaker shaping, then gradual recovery, returning the final
// effective-weight vector.
func Pipeline(in PipelineInput) []uint16 {
	scaled := LeastConnScale(in.Configured, in.ConnCounts, in.Algorithm)
	drained := ApplyDrain(scaled, in.Healthy, in.Draining)
	// Half-open scaling is always a fraction of the operator-configured
	// weight, not of the connection-scaled one.
	circuited := ApplyCircuit(drained, in.Circuit, in.Configured)
	if in.RecoverySteps != nil {
		return ApplyRecovery(circuited, in.RecoverySteps)
	}
	return circuited
}

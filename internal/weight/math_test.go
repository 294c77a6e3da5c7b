package weight

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolMask(healthy ...bool) []bool { return healthy }

func TestCumulativeIsPrefixSum(t *testing.T) {
	got := Cumulative([]uint16{50, 30, 20})
	assert.Equal(t, []uint16{50, 80, 100}, got)
}

func TestRedistributeZerosUnhealthyPositions(t *testing.T) {
	configured := []uint16{50, 30, 20}
	healthy := MaskFromBools(boolMask(true, false, true))

	got := Redistribute(configured, healthy)
	assert.Equal(t, uint16(0), got[1])
	assert.NotZero(t, got[0])
	assert.NotZero(t, got[2])

	sum := int(got[0]) + int(got[1]) + int(got[2])
	assert.Equal(t, 100, sum)
}

func TestRedistributeAllFalseReturnsConfiguredUnchanged(t *testing.T) {
	configured := []uint16{50, 50}
	healthy := MaskFromBools(boolMask(false, false))

	got := Redistribute(configured, healthy)
	assert.Equal(t, configured, got)
}

// Configured [50,30,20] with the middle target down renormalises to
// effective [71,0,29], cumulative [71,71,100].
func TestRedistributeRenormalisesAroundFailedTarget(t *testing.T) {
	configured := []uint16{50, 30, 20}
	healthy := MaskFromBools(boolMask(true, false, true))

	effective := Redistribute(configured, healthy)
	require.Equal(t, []uint16{71, 0, 29}, effective)

	cumulative := Cumulative(effective)
	assert.Equal(t, []uint16{71, 71, 100}, cumulative)
}

func TestRedistributeAllUnhealthyGracefulDegradation(t *testing.T) {
	configured := []uint16{50, 50}
	healthy := MaskFromBools(boolMask(false, false))

	effective := Redistribute(configured, healthy)
	assert.Equal(t, []uint16{50, 50}, effective)

	cumulative := Cumulative(effective)
	assert.Equal(t, []uint16{50, 100}, cumulative)
}

func TestFixRoundingIsIdempotentAndPreservesZeroSet(t *testing.T) {
	in := []uint16{34, 33, 0, 33} // already sums to 100
	out1 := FixRounding(in)
	out2 := FixRounding(out1)
	assert.Equal(t, out1, out2)

	for i := range in {
		assert.Equal(t, in[i] == 0, out1[i] == 0)
	}
}

func TestFixRoundingRepairsDeficitAndSurplus(t *testing.T) {
	deficit := FixRounding([]uint16{34, 33, 32}) // sums to 99
	sum := 0
	for _, w := range deficit {
		sum += int(w)
	}
	assert.Equal(t, 100, sum)
	assert.Equal(t, uint16(35), deficit[0]) // largest (34) absorbs the +1

	surplus := FixRounding([]uint16{34, 34, 33}) // sums to 101
	sum = 0
	for _, w := range surplus {
		sum += int(w)
	}
	assert.Equal(t, 100, sum)
}

// Boundary: weights [34,33,33] after any single-target failure renormalise
// to a pair summing to 100.
func TestSingleTargetFailureRenormalises(t *testing.T) {
	configured := []uint16{34, 33, 33}
	healthy := MaskFromBools(boolMask(true, false, true))

	effective := Redistribute(configured, healthy)
	assert.Equal(t, uint16(0), effective[1])
	sum := int(effective[0]) + int(effective[1]) + int(effective[2])
	assert.Equal(t, 100, sum)
}

func recoveryStep(s RecoveryStep) *RecoveryStep { return &s }

func TestApplyRecoveryScalesAndRenormalises(t *testing.T) {
	effective := []uint16{50, 50}
	steps := []*RecoveryStep{recoveryStep(Recovery25), nil}

	out := ApplyRecovery(effective, steps)
	sum := int(out[0]) + int(out[1])
	assert.Equal(t, 100, sum)
	// The recovering target (25% of its 50 share) is scaled down relative
	// to its untouched peer, not left at its pre-recovery share.
	assert.Less(t, out[0], effective[0])
	assert.Greater(t, out[1], effective[1])
}

func TestApplyDrainZerosDrainedTargets(t *testing.T) {
	configured := []uint16{50, 50}
	healthy := MaskFromBools(boolMask(true, true))
	draining := MaskFromBools(boolMask(true, false))

	out := ApplyDrain(configured, healthy, draining)
	assert.Equal(t, uint16(0), out[0])
	assert.Equal(t, uint16(100), out[1])
}

// Configured [60,40] with the second target half-open: the half-open
// target gets max(1, round(40*0.10))=4, then the pair renormalises to
// [94,6].
func TestApplyCircuitHalfOpenScaling(t *testing.T) {
	configured := []uint16{60, 40}
	healthy := MaskFromBools(boolMask(true, true))
	draining := MaskFromBools(boolMask(false, false))

	drained := ApplyDrain(configured, healthy, draining)
	require.Equal(t, configured, drained)

	cb := []CircuitState{CircuitClosed, CircuitHalfOpen}
	effective := ApplyCircuit(drained, cb, configured)
	assert.Equal(t, []uint16{94, 6}, effective)

	cumulative := Cumulative(effective)
	assert.Equal(t, []uint16{94, 100}, cumulative)
}

func TestApplyCircuitAllOpenGracefulDegradation(t *testing.T) {
	weights := []uint16{60, 40}
	cb := []CircuitState{CircuitOpen, CircuitOpen}

	out := ApplyCircuit(weights, cb, weights)
	assert.Equal(t, weights, out)
}

func TestLeastConnScaleIdentityWhenStatic(t *testing.T) {
	configured := []uint16{50, 50}
	out := LeastConnScale(configured, []uint64{10, 0}, AlgorithmStatic)
	assert.Equal(t, configured, out)
}

func TestLeastConnScaleFavorsFewerConnections(t *testing.T) {
	configured := []uint16{50, 50}
	out := LeastConnScale(configured, []uint64{9, 0}, AlgorithmLeastConnections)
	assert.Greater(t, out[1], out[0])

	sum := int(out[0]) + int(out[1])
	assert.Equal(t, 100, sum)
}

func TestLeastConnScaleUnweightedIgnoresConfiguredWeight(t *testing.T) {
	configured := []uint16{90, 10}
	out := LeastConnScale(configured, []uint64{0, 0}, AlgorithmLeastConnectionsUnweighted)
	assert.Equal(t, uint16(50), out[0])
	assert.Equal(t, uint16(50), out[1])
}

func TestPipelineComposition(t *testing.T) {
	in := PipelineInput{
		Configured: []uint16{60, 40},
		Healthy:    MaskFromBools(boolMask(true, true)),
		Draining:   MaskFromBools(boolMask(false, false)),
		Circuit:    []CircuitState{CircuitClosed, CircuitHalfOpen},
		Algorithm:  AlgorithmStatic,
	}
	out := Pipeline(in)
	assert.Equal(t, []uint16{94, 6}, out)
}

// With least-connections active, the half-open fraction is still taken
// from the configured weight, not the connection-scaled one: counts [9,0]
// scale [60,40] to [13,87], but the half-open target contributes
// max(1, round(40*0.10))=4, and [13,4] renormalises to [76,24].
func TestPipelineHalfOpenUsesConfiguredBaseUnderLeastConn(t *testing.T) {
	in := PipelineInput{
		Configured: []uint16{60, 40},
		Healthy:    MaskFromBools(boolMask(true, true)),
		Draining:   MaskFromBools(boolMask(false, false)),
		Circuit:    []CircuitState{CircuitClosed, CircuitHalfOpen},
		ConnCounts: []uint64{9, 0},
		Algorithm:  AlgorithmLeastConnections,
	}
	out := Pipeline(in)
	assert.Equal(t, []uint16{76, 24}, out)
}

func TestNewTargetGroupRejectsBadWeightSum(t *testing.T) {
	_, err := NewTargetGroup([]WeightedTarget{
		{ConfiguredWeight: 50},
		{ConfiguredWeight: 40},
	})
	assert.Error(t, err)
}

func TestNewTargetGroupLoneTargetImplicitWeight(t *testing.T) {
	g, err := NewTargetGroup([]WeightedTarget{{}})
	require.NoError(t, err)
	assert.Equal(t, uint16(100), g.Targets[0].ConfiguredWeight)
	assert.Equal(t, []uint16{100}, g.Cumulative)
}

func TestNewTargetGroupRejectsTooManyTargets(t *testing.T) {
	targets := make([]WeightedTarget, MaxTargets+1)
	_, err := NewTargetGroup(targets)
	assert.Error(t, err)
}

func TestEffectiveWeightsInvertsCumulative(t *testing.T) {
	g := &TargetGroup{Cumulative: []uint16{71, 71, 100}}
	assert.Equal(t, []uint16{71, 0, 29}, g.EffectiveWeights())
}

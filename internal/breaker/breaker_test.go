package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xdplb/xdplb/internal/weight"
)

func TestBreaker_TripsAboveErrorRateThreshold(t *testing.T) {
	b := New(Config{ErrorRateThreshold: 0.5, WindowSize: time.Minute, MinimumRequests: 4, CooldownPeriod: time.Minute})

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, weight.CircuitClosed, b.State(), "below minimum requests, stays closed")

	b.RecordSuccess()
	assert.Equal(t, weight.CircuitOpen, b.State())
}

func TestBreaker_StaysClosedBelowThreshold(t *testing.T) {
	b := New(Config{ErrorRateThreshold: 0.5, WindowSize: time.Minute, MinimumRequests: 4})
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, weight.CircuitClosed, b.State())
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b := New(Config{ErrorRateThreshold: 0.1, WindowSize: time.Minute, MinimumRequests: 1, CooldownPeriod: time.Millisecond})
	b.RecordFailure()
	assert.Equal(t, weight.CircuitOpen, b.State())

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, weight.CircuitHalfOpen, b.State())
}

func TestBreaker_HalfOpenTrialSuccessCloses(t *testing.T) {
	b := New(Config{ErrorRateThreshold: 0.1, WindowSize: time.Minute, MinimumRequests: 1, CooldownPeriod: time.Millisecond})
	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	require := assert.New(t)
	require.Equal(weight.CircuitHalfOpen, b.State())

	b.RecordSuccess()
	require.Equal(weight.CircuitClosed, b.State())
}

func TestBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	b := New(Config{ErrorRateThreshold: 0.1, WindowSize: time.Minute, MinimumRequests: 1, CooldownPeriod: time.Millisecond})
	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, weight.CircuitHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, weight.CircuitOpen, b.State())
}

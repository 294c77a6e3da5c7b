package drain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStart_AlreadyDraining(t *testing.T) {
	m := NewManager(nil)
	key := Key{Proxy: "web", Target: "10.0.0.1:8080"}

	require.NoError(t, m.Start(key, time.Minute, 5))
	err := m.Start(key, time.Minute, 5)
	require.ErrorIs(t, err, ErrAlreadyDraining)
}

func TestCancel_TargetNotFound(t *testing.T) {
	m := NewManager(nil)
	err := m.Cancel(Key{Proxy: "web", Target: "missing"})
	require.ErrorIs(t, err, ErrTargetNotFound)
}

func TestCheckTimeouts_MarksTimeoutAndFires(t *testing.T) {
	var firedKey Key
	var firedState State
	m := NewManager(func(k Key, s *State) {
		firedKey = k
		firedState = *s
	})

	key := Key{Proxy: "web", Target: "10.0.0.1:8080"}
	require.NoError(t, m.Start(key, time.Millisecond, 3))

	time.Sleep(5 * time.Millisecond)
	m.CheckTimeouts(time.Now())

	assert.Equal(t, key, firedKey)
	assert.Equal(t, StatusTimeout, firedState.Status)
	assert.False(t, m.Draining(key))
}

func TestCancel_StopsDraining(t *testing.T) {
	m := NewManager(nil)
	key := Key{Proxy: "web", Target: "10.0.0.1:8080"}
	require.NoError(t, m.Start(key, time.Hour, 0))
	require.NoError(t, m.Cancel(key))
	assert.False(t, m.Draining(key))

	state, ok := m.Get(key)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, state.Status)
}

// Package drain owns the per-(proxy, target) drain state machine. A
// timed-out drain is marked timeout and does not automatically resume
// traffic; an operator must explicitly Cancel or Start again. Drain state
// is owned by a single-writer map, never mutated concurrently from two
// goroutines.
package drain

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrAlreadyDraining is returned by Start when the target already has an
// in-progress drain.
var ErrAlreadyDraining = errors.New("drain: target is already draining")

// ErrTargetNotFound is returned by Cancel when no drain state exists for
// the target.
var ErrTargetNotFound = errors.New("drain: no drain state for target")

// Status is a drain's lifecycle state.
type Status int

const (
	StatusDraining Status = iota
	StatusCompleted
	StatusCancelled
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusTimeout:
		return "timeout"
	default:
		return "draining"
	}
}

// State is the full per-target drain record.
type State struct {
	StartedAt              time.Time
	Timeout                time.Duration
	InitialConnectionCount uint64
	Status                 Status
}

// Key identifies one (proxy, target) drain.
type Key struct {
	Proxy  string
	Target string
}

// Manager owns every in-progress or recently-finished drain. It is the
// sole writer of drain state; callers never mutate a State directly.
type Manager struct {
	mu        sync.Mutex
	states    map[Key]*State
	onTimeout func(Key, *State)
}

// NewManager returns an empty Manager. onTimeout, if non-nil, fires exactly
// once when a drain's watcher loop observes it has expired.
func NewManager(onTimeout func(Key, *State)) *Manager {
	return &Manager{states: make(map[Key]*State), onTimeout: onTimeout}
}

// Start begins a drain for key with the given timeout and the target's
// connection count at the moment of the request. It fails with
// ErrAlreadyDraining if key is already draining.
func (m *Manager) Start(key Key, timeout time.Duration, initialConnCount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.states[key]; ok && existing.Status == StatusDraining {
		return fmt.Errorf("%w: %s/%s", ErrAlreadyDraining, key.Proxy, key.Target)
	}

	m.states[key] = &State{
		StartedAt:              time.Now(),
		Timeout:                timeout,
		InitialConnectionCount: initialConnCount,
		Status:                 StatusDraining,
	}
	return nil
}

// Cancel ends an in-progress drain without waiting for its timeout,
// restoring normal weight distribution on the next orchestrator tick.
func (m *Manager) Cancel(key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[key]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrTargetNotFound, key.Proxy, key.Target)
	}
	state.Status = StatusCancelled
	return nil
}

// Get returns the drain state for key, if any.
func (m *Manager) Get(key Key) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[key]
	if !ok {
		return State{}, false
	}
	return *state, true
}

// Draining reports whether key currently has an in-progress drain; this is
// the signal internal/weight.ApplyDrain's draining mask is built from.
func (m *Manager) Draining(key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[key]
	return ok && state.Status == StatusDraining
}

// CheckTimeouts scans every in-progress drain and marks any whose timeout
// has elapsed as StatusTimeout, invoking onTimeout exactly once per drain.
// Callers run this on a ticker from the drain watcher background task.
func (m *Manager) CheckTimeouts(now time.Time) {
	m.mu.Lock()
	var expired []Key
	for key, state := range m.states {
		if state.Status == StatusDraining && now.Sub(state.StartedAt) >= state.Timeout {
			state.Status = StatusTimeout
			expired = append(expired, key)
		}
	}
	m.mu.Unlock()

	if m.onTimeout == nil {
		return
	}
	for _, key := range expired {
		m.mu.Lock()
		state := m.states[key]
		m.mu.Unlock()
		m.onTimeout(key, state)
	}
}

// Active returns the keys of every drain still in progress, for the drain
// watcher to poll connection counts against.
func (m *Manager) Active() []Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []Key
	for key, state := range m.states {
		if state.Status == StatusDraining {
			keys = append(keys, key)
		}
	}
	return keys
}

// Complete marks a drain finished normally (its last connection closed
// before the timeout).
func (m *Manager) Complete(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.states[key]; ok && state.Status == StatusDraining {
		state.Status = StatusCompleted
	}
}

package mapbackend

import (
	"context"
	"sync"
)

// FakeBackend is an in-memory Backend for tests: every CreateMap call
// returns an independent map backed by a Go map guarded by a mutex, and
// OpenRingBuffer returns a reader fed by a channel that PushRecord writes
// to. It never touches the kernel.
type FakeBackend struct {
	mu    sync.Mutex
	maps  map[string]*FakeMap
	rings map[string]*FakeRingReader
}

// NewFakeBackend returns an empty FakeBackend.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{maps: make(map[string]*FakeMap), rings: make(map[string]*FakeRingReader)}
}

func (b *FakeBackend) CreateMap(spec Spec) (Map, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := &FakeMap{
		spec:    spec,
		entries: make(map[string][][]byte),
	}
	b.maps[spec.Name] = m
	return m, nil
}

func (b *FakeBackend) OpenRingBuffer(spec Spec) (RingReader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := &FakeRingReader{records: make(chan []byte, 1024)}
	b.rings[spec.Name] = r
	return r, nil
}

// RingBuffer returns the fake ring-buffer reader previously opened under
// name, for tests that want to push synthetic stats events directly.
func (b *FakeBackend) RingBuffer(name string) (*FakeRingReader, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rings[name]
	return r, ok
}

func (b *FakeBackend) Close() error { return nil }

// Map returns the fake map previously created under name, for tests that
// want to inspect or seed state directly.
func (b *FakeBackend) Map(name string) (*FakeMap, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.maps[name]
	return m, ok
}

// FakeMap is an in-memory Map. Per-CPU maps store one []byte per
// simulated CPU per key; plain maps store exactly one.
type FakeMap struct {
	mu      sync.Mutex
	spec    Spec
	entries map[string][][]byte
	closed  bool
}

func (m *FakeMap) Put(_ context.Context, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[string(key)] = [][]byte{append([]byte(nil), value...)}
	return nil
}

// PutPerCPU seeds a per-CPU entry directly with one value per CPU, for
// tests exercising per-CPU aggregation (internal/codec.MergeConntrackValues
// callers).
func (m *FakeMap) PutPerCPU(key []byte, perCPU [][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([][]byte, len(perCPU))
	for i, v := range perCPU {
		cp[i] = append([]byte(nil), v...)
	}
	m.entries[string(key)] = cp
}

func (m *FakeMap) Lookup(_ context.Context, key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[string(key)]
	if !ok || len(v) == 0 {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v[0]...), nil
}

func (m *FakeMap) LookupPerCPU(_ context.Context, key []byte) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([][]byte, len(v))
	for i, cpuVal := range v {
		out[i] = append([]byte(nil), cpuVal...)
	}
	return out, nil
}

func (m *FakeMap) Delete(_ context.Context, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, string(key))
	return nil
}

func (m *FakeMap) Iterate(ctx context.Context, fn func(key, value []byte) bool) error {
	m.mu.Lock()
	snapshot := make(map[string][]byte, len(m.entries))
	for k, v := range m.entries {
		if len(v) > 0 {
			snapshot[k] = v[0]
		}
	}
	m.mu.Unlock()

	for k, v := range snapshot {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !fn([]byte(k), v) {
			break
		}
	}
	return nil
}

func (m *FakeMap) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// FakeRingReader is an in-memory RingReader fed by PushRecord.
type FakeRingReader struct {
	records chan []byte
	mu      sync.Mutex
	closed  bool
}

// PushRecord enqueues a record for the next Read call to return.
func (r *FakeRingReader) PushRecord(b []byte) {
	r.records <- append([]byte(nil), b...)
}

func (r *FakeRingReader) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-r.records:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *FakeRingReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.records)
	}
	return nil
}

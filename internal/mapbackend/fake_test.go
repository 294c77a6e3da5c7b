package mapbackend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeMapCRUD(t *testing.T) {
	ctx := context.Background()
	backend := NewFakeBackend()
	m, err := backend.CreateMap(Spec{Name: "routes", Type: MapTypeLPMTrie, KeySize: 8, ValueSize: 72})
	require.NoError(t, err)

	require.NoError(t, m.Put(ctx, []byte("key1"), []byte("value1")))

	v, err := m.Lookup(ctx, []byte("key1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value1"), v)

	_, err = m.Lookup(ctx, []byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Delete(ctx, []byte("key1")))
	_, err = m.Lookup(ctx, []byte("key1"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFakeMapDeleteMissingIsNoop(t *testing.T) {
	m := &FakeMap{entries: make(map[string][][]byte)}
	assert.NoError(t, m.Delete(context.Background(), []byte("nope")))
}

func TestFakeMapIterate(t *testing.T) {
	ctx := context.Background()
	backend := NewFakeBackend()
	m, err := backend.CreateMap(Spec{Name: "conntrack"})
	require.NoError(t, err)

	require.NoError(t, m.Put(ctx, []byte("a"), []byte("1")))
	require.NoError(t, m.Put(ctx, []byte("b"), []byte("2")))

	seen := map[string]string{}
	err = m.Iterate(ctx, func(key, value []byte) bool {
		seen[string(key)] = string(value)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, seen)
}

func TestFakeMapPerCPULookup(t *testing.T) {
	ctx := context.Background()
	backend := NewFakeBackend()
	m, err := backend.CreateMap(Spec{Name: "counters", Type: MapTypePerCPUHash})
	require.NoError(t, err)

	fake := m.(*FakeMap)
	fake.PutPerCPU([]byte("k"), [][]byte{[]byte("cpu0"), []byte("cpu1")})

	values, err := m.LookupPerCPU(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("cpu0"), []byte("cpu1")}, values)
}

func TestFakeRingReaderReadAndClose(t *testing.T) {
	r := &FakeRingReader{records: make(chan []byte, 2)}
	r.PushRecord([]byte("event1"))

	got, err := r.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("event1"), got)

	require.NoError(t, r.Close())
}

func TestFakeRingReaderReadRespectsContextCancellation(t *testing.T) {
	r := &FakeRingReader{records: make(chan []byte)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Read(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

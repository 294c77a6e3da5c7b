// Package mapbackend abstracts the kernel map backend the control plane
// pushes weighted-route, conntrack and rate-limit state into: a thin,
// byte-oriented CRUD surface over BPF maps (LPM-trie, hash, per-CPU hash,
// array, ring buffer) that both a real cilium/ebpf-backed implementation and
// an in-memory fake can satisfy, so every other package talks to maps
// through one seam.
package mapbackend

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Map.Lookup when the key has no entry.
var ErrNotFound = errors.New("mapbackend: key not found")

// MapType names the BPF map kind a Spec describes, restricted to the kinds
// the load balancer's wire layouts actually use.
type MapType uint8

const (
	MapTypeHash MapType = iota
	MapTypeLPMTrie
	MapTypePerCPUHash
	MapTypeLRUPerCPUHash
	MapTypeArray
	MapTypeRingBuf
)

// Spec describes a single map to create: its name (the BPF map name),
// kind, and fixed key/value sizes.
type Spec struct {
	Name       string
	Type       MapType
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
}

// Map is a single opened BPF map. Every value is passed and returned as raw
// bytes; callers encode/decode with internal/codec.
type Map interface {
	// Put inserts or replaces the entry for key.
	Put(ctx context.Context, key, value []byte) error
	// Lookup returns the value for key, or ErrNotFound.
	Lookup(ctx context.Context, key []byte) ([]byte, error)
	// LookupPerCPU returns one value slice per CPU, in CPU-index order, for
	// MapTypePerCPUHash/MapTypeLRUPerCPUHash maps. Other map types return
	// a single-element slice.
	LookupPerCPU(ctx context.Context, key []byte) ([][]byte, error)
	// Delete removes the entry for key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key []byte) error
	// Iterate calls fn for every entry currently in the map, stopping early
	// if fn returns false.
	Iterate(ctx context.Context, fn func(key, value []byte) bool) error
	// Close releases the map's resources (file descriptors, pins).
	Close() error
}

// RingReader consumes events from a ring-buffer map (the stats event
// stream).
type RingReader interface {
	// Read blocks until the next record is available or ctx is cancelled.
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Backend creates and owns the maps backing one attached program set.
type Backend interface {
	CreateMap(spec Spec) (Map, error)
	OpenRingBuffer(spec Spec) (RingReader, error)
	Close() error
}

package mapbackend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/btf"
	"github.com/cilium/ebpf/ringbuf"
	"golang.org/x/sys/unix"
)

// mapCreateRetryWindow bounds the retry loop around BPF map/ring-buffer
// creation at startup. A short backoff absorbs transient resource
// contention, e.g. another process still tearing down its own maps,
// before a creation failure becomes fatal.
const mapCreateRetryWindow = 3 * time.Second

// CiliumBackend is the production Backend: every Spec becomes a real BPF
// map created through cilium/ebpf. Kernel BTF is loaded once up front so
// CO-RE relocations (if the attached programs use any) resolve the same
// way regardless of which map is created first.
type CiliumBackend struct {
	kernelBTF *btf.Spec
	maps      []*ebpf.Map
	rings     []*ebpf.Map
}

// NewCiliumBackend probes the running kernel for BTF support and returns a
// Backend ready to create maps. BTF is optional: its absence only means
// CO-RE relocations in the attached programs may fail, not that maps can't
// be created.
func NewCiliumBackend() (*CiliumBackend, error) {
	if runtime.GOOS != "linux" {
		return nil, errors.New("mapbackend: cilium backend requires linux")
	}

	b := &CiliumBackend{}
	if _, err := os.Stat("/sys/kernel/btf/vmlinux"); err == nil {
		spec, err := btf.LoadKernelSpec()
		if err != nil {
			// Non-fatal: cilium/ebpf tolerates missing BTF for plain maps.
			return b, nil
		}
		b.kernelBTF = spec
	}
	return b, nil
}

func (b *CiliumBackend) CreateMap(spec Spec) (Map, error) {
	ebpfSpec := &ebpf.MapSpec{
		Name:       spec.Name,
		Type:       toEbpfType(spec.Type),
		KeySize:    spec.KeySize,
		ValueSize:  spec.ValueSize,
		MaxEntries: spec.MaxEntries,
	}
	// The kernel rejects preallocated LPM tries; every other map kind
	// keeps the default preallocation.
	if spec.Type == MapTypeLPMTrie {
		ebpfSpec.Flags = unix.BPF_F_NO_PREALLOC
	}

	m, err := createMapWithRetry(ebpfSpec)
	if err != nil {
		return nil, fmt.Errorf("mapbackend: creating map %q: %w", spec.Name, err)
	}
	b.maps = append(b.maps, m)

	return &ciliumMap{
		m:        m,
		perCPU:   spec.Type == MapTypePerCPUHash || spec.Type == MapTypeLRUPerCPUHash,
		valueLen: int(spec.ValueSize),
	}, nil
}

func (b *CiliumBackend) OpenRingBuffer(spec Spec) (RingReader, error) {
	ebpfSpec := &ebpf.MapSpec{
		Name:       spec.Name,
		Type:       ebpf.RingBuf,
		MaxEntries: spec.MaxEntries,
	}

	m, err := createMapWithRetry(ebpfSpec)
	if err != nil {
		return nil, fmt.Errorf("mapbackend: creating ring buffer %q: %w", spec.Name, err)
	}
	b.rings = append(b.rings, m)

	reader, err := ringbuf.NewReader(m)
	if err != nil {
		return nil, fmt.Errorf("mapbackend: opening ring buffer reader %q: %w", spec.Name, err)
	}

	return &ciliumRingReader{reader: reader}, nil
}

func (b *CiliumBackend) Close() error {
	var err error
	for _, m := range b.maps {
		if cerr := m.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	for _, m := range b.rings {
		if cerr := m.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// createMapWithRetry retries ebpf.NewMap with an exponential backoff
// bounded by mapCreateRetryWindow.
func createMapWithRetry(spec *ebpf.MapSpec) (*ebpf.Map, error) {
	return backoff.Retry(context.Background(), func() (*ebpf.Map, error) {
		m, err := ebpf.NewMap(spec)
		if err != nil {
			return nil, err
		}
		return m, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(mapCreateRetryWindow))
}

func toEbpfType(t MapType) ebpf.MapType {
	switch t {
	case MapTypeHash:
		return ebpf.Hash
	case MapTypeLPMTrie:
		return ebpf.LPMTrie
	case MapTypePerCPUHash:
		return ebpf.PerCPUHash
	case MapTypeLRUPerCPUHash:
		return ebpf.LRUCPUHash
	case MapTypeArray:
		return ebpf.Array
	case MapTypeRingBuf:
		return ebpf.RingBuf
	default:
		return ebpf.Hash
	}
}

type ciliumMap struct {
	m        *ebpf.Map
	perCPU   bool
	valueLen int
}

func (c *ciliumMap) Put(_ context.Context, key, value []byte) error {
	if err := c.m.Put(key, value); err != nil {
		return fmt.Errorf("mapbackend: put: %w", err)
	}
	return nil
}

func (c *ciliumMap) Lookup(_ context.Context, key []byte) ([]byte, error) {
	var value []byte
	if err := c.m.Lookup(key, &value); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("mapbackend: lookup: %w", err)
	}
	return value, nil
}

func (c *ciliumMap) LookupPerCPU(_ context.Context, key []byte) ([][]byte, error) {
	if !c.perCPU {
		v, err := c.Lookup(context.Background(), key)
		if err != nil {
			return nil, err
		}
		return [][]byte{v}, nil
	}

	var values [][]byte
	if err := c.m.Lookup(key, &values); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("mapbackend: per-cpu lookup: %w", err)
	}
	return values, nil
}

func (c *ciliumMap) Delete(_ context.Context, key []byte) error {
	if err := c.m.Delete(key); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("mapbackend: delete: %w", err)
	}
	return nil
}

func (c *ciliumMap) Iterate(ctx context.Context, fn func(key, value []byte) bool) error {
	var key, value []byte
	it := c.m.Iterate()
	for it.Next(&key, &value) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !fn(append([]byte(nil), key...), append([]byte(nil), value...)) {
			break
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("mapbackend: iterate: %w", err)
	}
	return nil
}

func (c *ciliumMap) Close() error {
	return c.m.Close()
}

type ciliumRingReader struct {
	reader *ringbuf.Reader
}

// Read blocks until a record arrives or the reader is closed. ctx
// cancellation does not itself unblock the read: callers that need that
// must close the reader from another goroutine when ctx is done, which is
// what internal/app's Close does when it closes the map facade.
func (r *ciliumRingReader) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	record, err := r.reader.Read()
	if err != nil {
		return nil, fmt.Errorf("mapbackend: ring buffer read: %w", err)
	}
	return record.RawSample, nil
}

func (r *ciliumRingReader) Close() error {
	return r.reader.Close()
}

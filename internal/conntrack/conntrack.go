// Package conntrack aggregates the per-CPU connection-tracking map into
// per-source, per-target and per-protocol views, and runs the cleanup loop
// that evicts stale entries.
package conntrack

import (
	"context"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/xdplb/xdplb/internal/codec"
	"github.com/xdplb/xdplb/internal/mapfacade"
)

// Aggregate is one grouped view of connection counters.
type Aggregate struct {
	Connections int
	PacketsFwd  uint64
	PacketsRev  uint64
	BytesFwd    uint64
	BytesRev    uint64
}

func (a *Aggregate) add(v codec.ConntrackValue) {
	a.Connections++
	a.PacketsFwd += v.PacketsFwd
	a.PacketsRev += v.PacketsRev
	a.BytesFwd += v.BytesFwd
	a.BytesRev += v.BytesRev
}

// Manager produces aggregated views of the conntrack map and runs its
// cleanup loop.
type Manager struct {
	facade *mapfacade.Facade
	log    *zap.SugaredLogger
}

// NewManager returns a Manager reading/cleaning through facade.
func NewManager(facade *mapfacade.Facade, log *zap.SugaredLogger) *Manager {
	return &Manager{facade: facade, log: log}
}

// PerSource groups connection entries by source IP.
func (m *Manager) PerSource(ctx context.Context) (map[netip.Addr]*Aggregate, error) {
	out := make(map[netip.Addr]*Aggregate)
	err := m.facade.IterateConntrack(ctx, func(k codec.ConntrackKey, v codec.ConntrackValue) bool {
		agg, ok := out[k.SrcAddr]
		if !ok {
			agg = &Aggregate{}
			out[k.SrcAddr] = agg
		}
		agg.add(v)
		return true
	})
	return out, err
}

// PerTarget groups connection entries by NAT destination IP. This is the
// per-target connection count internal/weight.LeastConnScale consumes.
func (m *Manager) PerTarget(ctx context.Context) (map[netip.Addr]*Aggregate, error) {
	out := make(map[netip.Addr]*Aggregate)
	err := m.facade.IterateConntrack(ctx, func(k codec.ConntrackKey, v codec.ConntrackValue) bool {
		agg, ok := out[v.NATDstAddr]
		if !ok {
			agg = &Aggregate{}
			out[v.NATDstAddr] = agg
		}
		agg.add(v)
		return true
	})
	return out, err
}

// PerProtocol groups connection entries by L4 protocol (TCP vs UDP).
func (m *Manager) PerProtocol(ctx context.Context) (map[codec.Protocol]*Aggregate, error) {
	out := make(map[codec.Protocol]*Aggregate)
	err := m.facade.IterateConntrack(ctx, func(k codec.ConntrackKey, v codec.ConntrackValue) bool {
		agg, ok := out[k.Protocol]
		if !ok {
			agg = &Aggregate{}
			out[k.Protocol] = agg
		}
		agg.add(v)
		return true
	})
	return out, err
}

// TargetConnectionCounts flattens PerTarget into the []uint64 shape
// weight.PipelineInput.ConnCounts expects, in the order of addrs.
func (m *Manager) TargetConnectionCounts(ctx context.Context, addrs []netip.Addr) ([]uint64, error) {
	perTarget, err := m.PerTarget(ctx)
	if err != nil {
		return nil, err
	}
	counts := make([]uint64, len(addrs))
	for i, addr := range addrs {
		if agg, ok := perTarget[addr]; ok {
			counts[i] = uint64(agg.Connections)
		}
	}
	return counts, nil
}

// RunCleanup evicts every entry whose last_seen_ns is older than timeout,
// every interval, until ctx is cancelled. Deletes from user space are
// always safe: the kernel recreates the entry on the next packet.
func (m *Manager) RunCleanup(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanupOnce(ctx, timeout)
		}
	}
}

func (m *Manager) cleanupOnce(ctx context.Context, timeout time.Duration) {
	nowNs := uint64(time.Now().UnixNano())
	timeoutNs := uint64(timeout.Nanoseconds())

	var stale []codec.ConntrackKey
	err := m.facade.IterateConntrack(ctx, func(k codec.ConntrackKey, v codec.ConntrackValue) bool {
		if nowNs > v.LastSeenNs && nowNs-v.LastSeenNs > timeoutNs {
			stale = append(stale, k)
		}
		return true
	})
	if err != nil {
		if m.log != nil {
			m.log.Warnw("conntrack cleanup: iterate failed", "error", err)
		}
		return
	}

	for _, k := range stale {
		if err := m.facade.DeleteConntrack(ctx, k); err != nil && m.log != nil {
			m.log.Warnw("conntrack cleanup: delete failed", "error", err)
		}
	}
	if m.log != nil && len(stale) > 0 {
		m.log.Debugw("conntrack cleanup", "evicted", len(stale))
	}
}

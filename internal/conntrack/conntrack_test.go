package conntrack

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xdplb/xdplb/internal/codec"
	"github.com/xdplb/xdplb/internal/mapbackend"
	"github.com/xdplb/xdplb/internal/mapfacade"
)

func newTestFacade(t *testing.T) (*mapfacade.Facade, *mapbackend.FakeBackend) {
	t.Helper()
	backend := mapbackend.NewFakeBackend()
	facade, err := mapfacade.New(backend, codec.FamilyIPv4)
	require.NoError(t, err)
	return facade, backend
}

func seedConn(t *testing.T, backend *mapbackend.FakeBackend, src, dst, nat netip.Addr, lastSeenNs uint64) {
	t.Helper()
	m, ok := backend.Map("xdplb_conntrack")
	require.True(t, ok)

	key, err := codec.EncodeConntrackKey(codec.ConntrackKey{
		SrcAddr: src, DstAddr: dst, SrcPort: 1111, DstPort: 80, Protocol: codec.ProtocolTCP,
	}, codec.FamilyIPv4)
	require.NoError(t, err)

	value, err := codec.EncodeConntrackValue(codec.ConntrackValue{
		OrigDstAddr: dst, NATDstAddr: nat, LastSeenNs: lastSeenNs, PacketsFwd: 1, BytesFwd: 100,
	}, codec.ConntrackValueSize64)
	require.NoError(t, err)

	require.NoError(t, m.Put(context.Background(), key, value))
}

func TestPerTarget_GroupsByNATDestination(t *testing.T) {
	facade, backend := newTestFacade(t)
	defer facade.Close()

	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("1.2.3.4")
	target1 := netip.MustParseAddr("10.0.1.1")
	target2 := netip.MustParseAddr("10.0.1.2")

	seedConn(t, backend, src, dst, target1, 1)
	seedConn(t, backend, netip.MustParseAddr("10.0.0.2"), dst, target1, 2)
	seedConn(t, backend, netip.MustParseAddr("10.0.0.3"), dst, target2, 3)

	mgr := NewManager(facade, nil)
	agg, err := mgr.PerTarget(context.Background())
	require.NoError(t, err)

	require.Contains(t, agg, target1)
	require.Contains(t, agg, target2)
}

func TestRunCleanup_EvictsStaleEntries(t *testing.T) {
	facade, backend := newTestFacade(t)
	defer facade.Close()

	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("1.2.3.4")
	nat := netip.MustParseAddr("10.0.1.1")
	seedConn(t, backend, src, dst, nat, 1) // ancient last_seen_ns

	mgr := NewManager(facade, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	go mgr.RunCleanup(ctx, 5*time.Millisecond, time.Nanosecond)
	<-ctx.Done()

	agg, err := mgr.PerTarget(context.Background())
	require.NoError(t, err)
	require.Empty(t, agg)
}

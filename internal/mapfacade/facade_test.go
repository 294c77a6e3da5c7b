package mapfacade

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xdplb/xdplb/internal/codec"
	"github.com/xdplb/xdplb/internal/mapbackend"
)

func newTestFacade(t *testing.T) (*Facade, *mapbackend.FakeBackend) {
	t.Helper()
	backend := mapbackend.NewFakeBackend()
	f, err := New(backend, codec.FamilyIPv4)
	require.NoError(t, err)
	return f, backend
}

func TestSourceRouteRoundTrip(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	key := codec.LPMKey{PrefixLen: 24, Addr: netip.MustParseAddr("10.0.0.0")}
	value := codec.RouteValue{
		Flags: codec.RouteFlagStatsEnabled,
		Targets: []codec.RouteTarget{
			{Addr: netip.MustParseAddr("10.1.0.1"), Port: 80, CumulativeWeight: 100},
		},
	}

	require.NoError(t, f.PutSourceRoute(ctx, key, value))

	got, err := f.GetSourceRoute(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, value, got)

	require.NoError(t, f.DeleteSourceRoute(ctx, key))
	_, err = f.GetSourceRoute(ctx, key)
	assert.ErrorIs(t, err, mapbackend.ErrNotFound)
}

func TestListenRoundTrip(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	key := codec.ListenKey{Ifindex: 2, Port: 443, Family: codec.AddressFamilyV4}
	value := codec.RouteValue{
		Targets: []codec.RouteTarget{{Addr: netip.MustParseAddr("10.1.0.1"), Port: 443, CumulativeWeight: 100}},
	}
	require.NoError(t, f.PutListen(ctx, key, value))

	got, err := f.GetListen(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestSNIRouteRoundTrip(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	value := codec.RouteValue{
		Targets: []codec.RouteTarget{{Addr: netip.MustParseAddr("10.1.0.1"), Port: 443, CumulativeWeight: 100}},
	}
	require.NoError(t, f.PutSNIRoute(ctx, "api.example.com", value))

	got, err := f.GetSNIRoute(ctx, "API.EXAMPLE.COM")
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestConntrackAggregatesPerCPU(t *testing.T) {
	f, backend := newTestFacade(t)
	ctx := context.Background()

	key := codec.ConntrackKey{
		SrcAddr:  netip.MustParseAddr("10.0.0.1"),
		DstAddr:  netip.MustParseAddr("10.0.0.2"),
		SrcPort:  1234,
		DstPort:  443,
		Protocol: codec.ProtocolTCP,
	}
	kb, err := codec.EncodeConntrackKey(key, codec.FamilyIPv4)
	require.NoError(t, err)

	cpu0 := codec.ConntrackValue{
		OrigDstAddr: netip.MustParseAddr("10.0.0.2"),
		NATDstAddr:  netip.MustParseAddr("10.1.0.1"),
		LastSeenNs:  10,
		PacketsFwd:  5,
		BytesFwd:    500,
	}
	cpu1 := codec.ConntrackValue{LastSeenNs: 20, PacketsFwd: 2, BytesFwd: 200}

	b0, err := codec.EncodeConntrackValue(cpu0, codec.ConntrackValueSize128)
	require.NoError(t, err)
	b1, err := codec.EncodeConntrackValue(cpu1, codec.ConntrackValueSize128)
	require.NoError(t, err)

	m, ok := backend.Map(mapNameConntrack)
	require.True(t, ok)
	m.PutPerCPU(kb, [][]byte{b0, b1})

	got, err := f.GetConntrack(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.PacketsFwd)
	assert.Equal(t, uint64(700), got.BytesFwd)
	assert.Equal(t, uint64(20), got.LastSeenNs)
	assert.Equal(t, netip.MustParseAddr("10.1.0.1"), got.NATDstAddr)
}

func TestRateLimitRoundTrip(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	cfg := codec.NewRateLimitConfig(2.5, 20)
	require.NoError(t, f.PutRateLimit(ctx, 1, cfg))

	got, err := f.GetRateLimit(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestSettingsRoundTrip(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	require.NoError(t, f.PutSettings(ctx, codec.SettingsArray{
		StatsEnabled:       true,
		ConnTimeoutSeconds: 45,
		MaxConnections:     5000,
	}))

	v, err := f.settings.Lookup(ctx, encodeU32Key(codec.SettingsIdxConnTimeoutSeconds))
	require.NoError(t, err)
	decoded, err := codec.DecodeSettingsEntry(v)
	require.NoError(t, err)
	assert.Equal(t, uint32(45), decoded)
}

func TestReadStatsEvent(t *testing.T) {
	f, backend := newTestFacade(t)
	ctx := context.Background()

	event := codec.StatsEvent{
		Type:        codec.StatsEventNewConn,
		TimestampNs: 42,
		SrcAddr:     netip.MustParseAddr("10.0.0.1"),
		DstAddr:     netip.MustParseAddr("10.0.0.2"),
		SrcPort:     1234,
		DstPort:     443,
		TargetAddr:  netip.MustParseAddr("10.1.0.1"),
		TargetPort:  443,
	}
	b, err := codec.EncodeStatsEvent(event)
	require.NoError(t, err)

	reader, err := backend.OpenRingBuffer(mapbackend.Spec{Name: mapNameStats})
	require.NoError(t, err)
	f.stats = reader
	reader.(*mapbackend.FakeRingReader).PushRecord(b)

	got, err := f.ReadStatsEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, event, got)
}

package codec

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLPMKeyRoundTrip(t *testing.T) {
	for _, family := range []Family{FamilyIPv4, FamilyUnified} {
		k := LPMKey{PrefixLen: 24, Addr: netip.MustParseAddr("10.1.2.0")}
		b, err := EncodeLPMKey(k, family)
		require.NoError(t, err)
		if family == FamilyIPv4 {
			assert.Len(t, b, LPMKeySizeV4)
		} else {
			assert.Len(t, b, LPMKeySizeUnified)
		}

		got, err := DecodeLPMKey(b, family)
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
}

func TestLPMKeyShortBuffer(t *testing.T) {
	_, err := DecodeLPMKey([]byte{1, 2, 3}, FamilyIPv4)
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestListenKeyRoundTrip(t *testing.T) {
	k := ListenKey{Ifindex: 7, Port: 8080, Family: AddressFamilyV4}
	b, err := EncodeListenKey(k, FamilyUnified)
	require.NoError(t, err)
	require.Len(t, b, ListenKeySize)

	got, err := DecodeListenKey(b, FamilyUnified)
	require.NoError(t, err)
	assert.Equal(t, k, got)
}

func TestListenKeyClassicPadIsZero(t *testing.T) {
	k := ListenKey{Ifindex: 3, Port: 443}
	b, err := EncodeListenKey(k, FamilyIPv4)
	require.NoError(t, err)
	assert.Equal(t, byte(0), b[6])
	assert.Equal(t, byte(0), b[7])
}

func TestRouteValueRoundTripV4(t *testing.T) {
	v := RouteValue{
		Flags: RouteFlagStatsEnabled | RouteFlagSessionPersistence,
		Targets: []RouteTarget{
			{Addr: netip.MustParseAddr("10.0.0.1"), Port: 80, CumulativeWeight: 60},
			{Addr: netip.MustParseAddr("10.0.0.2"), Port: 80, CumulativeWeight: 100},
		},
	}
	b, err := EncodeRouteValue(v, FamilyIPv4)
	require.NoError(t, err)
	require.Len(t, b, RouteValueSizeV4)

	got, err := DecodeRouteValue(b, FamilyIPv4)
	require.NoError(t, err)
	assert.Equal(t, v, got)

	// Unused slots must be zeroed.
	for i := len(v.Targets) * targetSlotSizeV4; i < MaxTargets*targetSlotSizeV4; i++ {
		assert.Zero(t, b[routeHeaderSize+i])
	}
}

func TestRouteValueRoundTripUnified(t *testing.T) {
	v := RouteValue{
		Flags: RouteFlagProxyProtocolV2,
		Targets: []RouteTarget{
			{Addr: netip.MustParseAddr("2001:db8::1"), Port: 443, CumulativeWeight: 100},
		},
	}
	b, err := EncodeRouteValue(v, FamilyUnified)
	require.NoError(t, err)
	require.Len(t, b, RouteValueSizeUnified)

	got, err := DecodeRouteValue(b, FamilyUnified)
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestRouteValueRejectsBadTargetCount(t *testing.T) {
	_, err := EncodeRouteValue(RouteValue{Targets: nil}, FamilyIPv4)
	assert.Error(t, err)

	targets := make([]RouteTarget, MaxTargets+1)
	_, err = EncodeRouteValue(RouteValue{Targets: targets}, FamilyIPv4)
	assert.Error(t, err)
}

func TestSNIHashIsCaseInsensitive(t *testing.T) {
	assert.Equal(t, HashSNI("Example.COM"), HashSNI("example.com"))
	assert.Equal(t, HashSNI("api.example.com"), HashSNI("API.EXAMPLE.COM"))
}

func TestSNIHashConstants(t *testing.T) {
	// FNV-1a-64 of the empty string is the offset basis itself.
	assert.Equal(t, uint64(0xcbf29ce484222325), HashSNI(""))
}

func TestConntrackValueRoundTrip64(t *testing.T) {
	v := ConntrackValue{
		OrigDstAddr: netip.MustParseAddr("10.0.0.1"),
		OrigDstPort: 80,
		NATDstAddr:  netip.MustParseAddr("10.0.0.2"),
		NATDstPort:  8080,
		CreatedNs:   100,
		LastSeenNs:  200,
		PacketsFwd:  1,
		PacketsRev:  2,
		BytesFwd:    3,
		BytesRev:    4,
	}
	b, err := EncodeConntrackValue(v, ConntrackValueSize64)
	require.NoError(t, err)
	require.Len(t, b, ConntrackValueSize64)

	got, err := DecodeConntrackValue(b)
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestConntrackValueRoundTrip128WithProxyProtocol(t *testing.T) {
	v := ConntrackValue{
		OrigDstAddr: netip.MustParseAddr("10.0.0.1"),
		NATDstAddr:  netip.MustParseAddr("10.0.0.2"),
		ProxyProtocol: &ProxyProtocolState{
			ConnState:      1,
			ProxyFlags:     2,
			SeqOffset:      42,
			OrigClientAddr: netip.MustParseAddr("203.0.113.5"),
			OrigClientPort: 12345,
		},
	}
	b, err := EncodeConntrackValue(v, ConntrackValueSize128)
	require.NoError(t, err)
	require.Len(t, b, ConntrackValueSize128)

	got, err := DecodeConntrackValue(b)
	require.NoError(t, err)
	require.NotNil(t, got.ProxyProtocol)
	assert.Equal(t, *v.ProxyProtocol, *got.ProxyProtocol)
}

func TestConntrackValueRejects64WithProxyProtocol(t *testing.T) {
	_, err := EncodeConntrackValue(ConntrackValue{ProxyProtocol: &ProxyProtocolState{}}, ConntrackValueSize64)
	assert.Error(t, err)
}

func TestMergeConntrackValuesSumsAndTakesMax(t *testing.T) {
	a := ConntrackValue{LastSeenNs: 10, PacketsFwd: 1, BytesFwd: 100, NATDstAddr: netip.MustParseAddr("0.0.0.0")}
	b := ConntrackValue{LastSeenNs: 20, PacketsFwd: 3, BytesFwd: 300, NATDstAddr: netip.MustParseAddr("10.0.0.5")}

	merged := MergeConntrackValues([]ConntrackValue{a, b})
	assert.Equal(t, uint64(4), merged.PacketsFwd)
	assert.Equal(t, uint64(400), merged.BytesFwd)
	assert.Equal(t, uint64(20), merged.LastSeenNs)
	assert.Equal(t, netip.MustParseAddr("10.0.0.5"), merged.NATDstAddr)
}

func TestStatsEventRoundTrip(t *testing.T) {
	e := StatsEvent{
		Type:        StatsEventNewConn,
		TimestampNs: 123456,
		SrcAddr:     netip.MustParseAddr("10.0.0.1"),
		DstAddr:     netip.MustParseAddr("10.0.0.2"),
		SrcPort:     1234,
		DstPort:     443,
		TargetAddr:  netip.MustParseAddr("10.0.1.1"),
		TargetPort:  443,
		PacketsFwd:  1,
		BytesFwd:    64,
		PacketsRev:  0,
		BytesRev:    0,
	}
	b, err := EncodeStatsEvent(e)
	require.NoError(t, err)
	require.Len(t, b, StatsEventSize)

	got, err := DecodeStatsEvent(b)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestStatsEventUnknownDiscriminator(t *testing.T) {
	_, err := EncodeStatsEvent(StatsEvent{Type: 99})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	b := make([]byte, StatsEventSize)
	b[0] = 99
	_, err = DecodeStatsEvent(b)
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestRateLimitScaling(t *testing.T) {
	cfg := NewRateLimitConfig(1.5, 10)
	assert.Equal(t, uint64(1500), cfg.RateScaled)
	assert.Equal(t, uint64(10000), cfg.BurstScaled)

	b := EncodeRateLimitConfig(cfg)
	require.Len(t, b, RateLimitConfigSize)
	got, err := DecodeRateLimitConfig(b)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestRateLimitBucketRoundTrip(t *testing.T) {
	bucket := RateLimitBucket{TokensScaled: 4200, LastUpdateNs: 99}
	b := EncodeRateLimitBucket(bucket)
	require.Len(t, b, RateLimitBucketSize)
	got, err := DecodeRateLimitBucket(b)
	require.NoError(t, err)
	assert.Equal(t, bucket, got)
}

func TestSettingsArrayEncoding(t *testing.T) {
	entries := EncodeSettingsArray(SettingsArray{
		StatsEnabled:       true,
		ConnTimeoutSeconds: 30,
		MaxConnections:     100000,
	})

	v, err := DecodeSettingsEntry(entries[SettingsIdxStatsEnabled])
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v)

	v, err = DecodeSettingsEntry(entries[SettingsIdxConnTimeoutSeconds])
	require.NoError(t, err)
	assert.Equal(t, uint32(30), v)

	v, err = DecodeSettingsEntry(entries[SettingsIdxMaxConnections])
	require.NoError(t, err)
	assert.Equal(t, uint32(100000), v)
}

func TestProxyProtocolHeaderV4(t *testing.T) {
	h := ProxyProtocolHeader{
		SrcAddr: netip.MustParseAddr("203.0.113.1"),
		DstAddr: netip.MustParseAddr("10.0.0.1"),
		SrcPort: 12345,
		DstPort: 443,
	}
	b, err := h.Encode()
	require.NoError(t, err)
	require.Len(t, b, 16+12)
	assert.Equal(t, proxyProtoSignature[:], b[0:12])
	assert.Equal(t, byte(0x21), b[12])
	assert.Equal(t, byte(0x11), b[13])
	assert.Equal(t, uint16(12), networkEndian.Uint16(b[14:16]))
}

func TestProxyProtocolHeaderRejectsMixedFamilies(t *testing.T) {
	h := ProxyProtocolHeader{
		SrcAddr: netip.MustParseAddr("203.0.113.1"),
		DstAddr: netip.MustParseAddr("2001:db8::1"),
	}
	_, err := h.Encode()
	assert.Error(t, err)
}

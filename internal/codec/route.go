package codec

import "net/netip"

const (
	// MaxTargets is the maximum number of weighted targets in one route value.
	MaxTargets = 8

	routeHeaderSize   = 8
	targetSlotSizeV4  = 8
	targetSlotSizeUni = 20

	// RouteValueSizeV4 is the fixed size of a weighted-route value in the
	// classic IPv4-only family: 8-byte header + 8 * 8-byte slots.
	RouteValueSizeV4 = routeHeaderSize + MaxTargets*targetSlotSizeV4
	// RouteValueSizeUnified is the fixed size of a weighted-route value in
	// the unified family: 8-byte header + 8 * 20-byte slots.
	RouteValueSizeUnified = routeHeaderSize + MaxTargets*targetSlotSizeUni
)

// RouteFlags are the header flags of a weighted-route value.
type RouteFlags uint16

const (
	// RouteFlagStatsEnabled enables per-route statistics counting.
	RouteFlagStatsEnabled RouteFlags = 1 << 0
	// RouteFlagSessionPersistence routes on hash(source_ip) modulo the
	// cumulative total instead of a fresh per-packet random draw.
	RouteFlagSessionPersistence RouteFlags = 1 << 1
	// RouteFlagProxyProtocolV2 requests PROXY-protocol-v2 emission on
	// egress for connections through this route.
	RouteFlagProxyProtocolV2 RouteFlags = 1 << 2
)

// RouteTarget is one weighted-route target slot: an address/port plus its
// cumulative weight (prefix sum of effective weights up to and including
// this slot).
type RouteTarget struct {
	Addr             netip.Addr
	Port             uint16
	CumulativeWeight uint16 // 1..100
}

// RouteValue is the full weighted-route map value decoded/encoded to the
// fixed 72-byte (classic) or 168-byte (unified) layout.
type RouteValue struct {
	Flags   RouteFlags
	Targets []RouteTarget // 1..MaxTargets, in slot order
}

func valueSize(family Family) (int, int, error) {
	switch family {
	case FamilyIPv4:
		return RouteValueSizeV4, targetSlotSizeV4, nil
	case FamilyUnified:
		return RouteValueSizeUnified, targetSlotSizeUni, nil
	default:
		return 0, 0, &ErrInvalidField{Field: "family", Reason: "unknown map family"}
	}
}

// EncodeRouteValue encodes v into the fixed, zero-padded layout for family.
// len(v.Targets) must be in 1..MaxTargets.
func EncodeRouteValue(v RouteValue, family Family) ([]byte, error) {
	total, slotSize, err := valueSize(family)
	if err != nil {
		return nil, err
	}
	n := len(v.Targets)
	if n < 1 || n > MaxTargets {
		return nil, &ErrInvalidField{Field: "target_count", Reason: "must be in 1..8"}
	}

	buf := make([]byte, total)
	buf[0] = uint8(n)
	// buf[1:4] reserved, left zero
	nativeEndian.PutUint16(buf[4:6], uint16(v.Flags))
	// buf[6:8] reserved, left zero

	for i, t := range v.Targets {
		off := routeHeaderSize + i*slotSize
		slot := buf[off : off+slotSize]
		switch family {
		case FamilyIPv4:
			ip4 := t.Addr.As4()
			copy(slot[0:4], ip4[:])
			networkEndian.PutUint16(slot[4:6], t.Port)
			networkEndian.PutUint16(slot[6:8], t.CumulativeWeight)
		case FamilyUnified:
			putUnifiedAddr(slot[0:16], t.Addr)
			networkEndian.PutUint16(slot[16:18], t.Port)
			networkEndian.PutUint16(slot[18:20], t.CumulativeWeight)
		}
	}

	return buf, nil
}

// DecodeRouteValue decodes b (must be exactly the fixed size for family)
// into a RouteValue, reading only the first target_count slots.
func DecodeRouteValue(b []byte, family Family) (RouteValue, error) {
	total, slotSize, err := valueSize(family)
	if err != nil {
		return RouteValue{}, err
	}
	if err := requireLen(b, total); err != nil {
		return RouteValue{}, err
	}

	count := int(b[0])
	if count < 1 || count > MaxTargets {
		return RouteValue{}, &ErrInvalidField{Field: "target_count", Reason: "decoded value outside 1..8"}
	}
	flags := RouteFlags(nativeEndian.Uint16(b[4:6]))

	targets := make([]RouteTarget, count)
	for i := range targets {
		off := routeHeaderSize + i*slotSize
		slot := b[off : off+slotSize]
		switch family {
		case FamilyIPv4:
			targets[i] = RouteTarget{
				Addr:             netip.AddrFrom4([4]byte(slot[0:4])),
				Port:             networkEndian.Uint16(slot[4:6]),
				CumulativeWeight: networkEndian.Uint16(slot[6:8]),
			}
		case FamilyUnified:
			targets[i] = RouteTarget{
				Addr:             unifiedAddr(slot[0:16]),
				Port:             networkEndian.Uint16(slot[16:18]),
				CumulativeWeight: networkEndian.Uint16(slot[18:20]),
			}
		}
	}

	return RouteValue{Flags: flags, Targets: targets}, nil
}

package codec

import "net/netip"

// StatsEventSize is the fixed size of a stats ring-buffer event.
const StatsEventSize = 64

// StatsEventType discriminates the kind of a stats ring-buffer event.
type StatsEventType uint8

const (
	StatsEventNewConn      StatsEventType = 1
	StatsEventConnClosed   StatsEventType = 2
	StatsEventPeriodicStat StatsEventType = 3
)

// StatsEvent is one decoded stats ring-buffer record. IP/port fields are
// network byte order (read directly from packet headers); the timestamp
// and counters are native byte order, matching the conntrack value's
// convention of native order for anything written via a single-CPU atomic.
type StatsEvent struct {
	Type        StatsEventType
	TimestampNs uint64
	SrcAddr     netip.Addr
	DstAddr     netip.Addr
	SrcPort     uint16
	DstPort     uint16
	TargetAddr  netip.Addr
	TargetPort  uint16
	PacketsFwd  uint64
	BytesFwd    uint64
	PacketsRev  uint64
	BytesRev    uint64
}

// EncodeStatsEvent encodes e into the fixed 64-byte layout.
func EncodeStatsEvent(e StatsEvent) ([]byte, error) {
	switch e.Type {
	case StatsEventNewConn, StatsEventConnClosed, StatsEventPeriodicStat:
	default:
		return nil, ErrUnknownEvent
	}

	buf := make([]byte, StatsEventSize)
	buf[0] = uint8(e.Type)
	nativeEndian.PutUint64(buf[4:12], e.TimestampNs)

	src := as4(e.SrcAddr)
	copy(buf[12:16], src[:])
	dst := as4(e.DstAddr)
	copy(buf[16:20], dst[:])
	networkEndian.PutUint16(buf[20:22], e.SrcPort)
	networkEndian.PutUint16(buf[22:24], e.DstPort)

	target := as4(e.TargetAddr)
	copy(buf[24:28], target[:])
	networkEndian.PutUint16(buf[28:30], e.TargetPort)

	nativeEndian.PutUint64(buf[32:40], e.PacketsFwd)
	nativeEndian.PutUint64(buf[40:48], e.BytesFwd)
	nativeEndian.PutUint64(buf[48:56], e.PacketsRev)
	nativeEndian.PutUint64(buf[56:64], e.BytesRev)

	return buf, nil
}

// DecodeStatsEvent decodes b (at least 64 bytes) into a StatsEvent.
// It returns ErrUnknownEvent for a discriminator byte it does not
// recognize.
func DecodeStatsEvent(b []byte) (StatsEvent, error) {
	if err := requireLen(b, StatsEventSize); err != nil {
		return StatsEvent{}, err
	}

	typ := StatsEventType(b[0])
	switch typ {
	case StatsEventNewConn, StatsEventConnClosed, StatsEventPeriodicStat:
	default:
		return StatsEvent{}, ErrUnknownEvent
	}

	return StatsEvent{
		Type:        typ,
		TimestampNs: nativeEndian.Uint64(b[4:12]),
		SrcAddr:     netip.AddrFrom4([4]byte(b[12:16])),
		DstAddr:     netip.AddrFrom4([4]byte(b[16:20])),
		SrcPort:     networkEndian.Uint16(b[20:22]),
		DstPort:     networkEndian.Uint16(b[22:24]),
		TargetAddr:  netip.AddrFrom4([4]byte(b[24:28])),
		TargetPort:  networkEndian.Uint16(b[28:30]),
		PacketsFwd:  nativeEndian.Uint64(b[32:40]),
		BytesFwd:    nativeEndian.Uint64(b[40:48]),
		PacketsRev:  nativeEndian.Uint64(b[48:56]),
		BytesRev:    nativeEndian.Uint64(b[56:64]),
	}, nil
}

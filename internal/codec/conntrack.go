package codec

import (
	"net/netip"
	"time"
)

const (
	// ConntrackKeySizeV4 is the fixed size of a classic conntrack key.
	ConntrackKeySizeV4 = 16
	// ConntrackKeySizeUnified is the fixed size of a unified-family
	// conntrack key.
	ConntrackKeySizeUnified = 40

	// ConntrackValueSize64 is the compact conntrack value layout (no
	// PROXY-protocol state block).
	ConntrackValueSize64 = 64
	// ConntrackValueSize128 is the extended conntrack value layout,
	// carrying the PROXY-protocol-v2 state block.
	ConntrackValueSize128 = 128
)

// Protocol is the L4 transport protocol of a tracked connection.
type Protocol uint8

const (
	ProtocolTCP Protocol = 6
	ProtocolUDP Protocol = 17
)

// ConntrackKey identifies one tracked connection. All fields are network
// byte order to mirror packet bytes directly.
type ConntrackKey struct {
	SrcAddr  netip.Addr
	DstAddr  netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Protocol Protocol
}

// EncodeConntrackKey encodes k into the fixed 16-byte (classic) or 40-byte
// (unified) layout.
func EncodeConntrackKey(k ConntrackKey, family Family) ([]byte, error) {
	switch family {
	case FamilyIPv4:
		buf := make([]byte, ConntrackKeySizeV4)
		src := k.SrcAddr.As4()
		dst := k.DstAddr.As4()
		copy(buf[0:4], src[:])
		copy(buf[4:8], dst[:])
		networkEndian.PutUint16(buf[8:10], k.SrcPort)
		networkEndian.PutUint16(buf[10:12], k.DstPort)
		buf[12] = uint8(k.Protocol)
		return buf, nil
	case FamilyUnified:
		buf := make([]byte, ConntrackKeySizeUnified)
		putUnifiedAddr(buf[0:16], k.SrcAddr)
		putUnifiedAddr(buf[16:32], k.DstAddr)
		networkEndian.PutUint16(buf[32:34], k.SrcPort)
		networkEndian.PutUint16(buf[34:36], k.DstPort)
		buf[36] = uint8(k.Protocol)
		return buf, nil
	default:
		return nil, &ErrInvalidField{Field: "family", Reason: "unknown map family"}
	}
}

// DecodeConntrackKey decodes b into a ConntrackKey for the given family.
func DecodeConntrackKey(b []byte, family Family) (ConntrackKey, error) {
	switch family {
	case FamilyIPv4:
		if err := requireLen(b, ConntrackKeySizeV4); err != nil {
			return ConntrackKey{}, err
		}
		return ConntrackKey{
			SrcAddr:  netip.AddrFrom4([4]byte(b[0:4])),
			DstAddr:  netip.AddrFrom4([4]byte(b[4:8])),
			SrcPort:  networkEndian.Uint16(b[8:10]),
			DstPort:  networkEndian.Uint16(b[10:12]),
			Protocol: Protocol(b[12]),
		}, nil
	case FamilyUnified:
		if err := requireLen(b, ConntrackKeySizeUnified); err != nil {
			return ConntrackKey{}, err
		}
		return ConntrackKey{
			SrcAddr:  unifiedAddr(b[0:16]),
			DstAddr:  unifiedAddr(b[16:32]),
			SrcPort:  networkEndian.Uint16(b[32:34]),
			DstPort:  networkEndian.Uint16(b[34:36]),
			Protocol: Protocol(b[36]),
		}, nil
	default:
		return ConntrackKey{}, &ErrInvalidField{Field: "family", Reason: "unknown map family"}
	}
}

// ProxyProtocolState is the optional PROXY-protocol-v2 state block carried
// in the 128-byte conntrack value, prepared by user space and consumed by
// the TC egress program when emitting the header.
type ProxyProtocolState struct {
	ConnState      uint8
	ProxyFlags     uint8
	SeqOffset      uint32
	OrigClientAddr netip.Addr
	OrigClientPort uint16
}

// ConntrackValue is the decoded conntrack map value. Counters are
// native byte order (written by the kernel with single-CPU atomics);
// addresses/ports are network byte order (read/written from packet bytes).
type ConntrackValue struct {
	OrigDstAddr   netip.Addr
	OrigDstPort   uint16
	NATDstAddr    netip.Addr
	NATDstPort    uint16
	CreatedNs     uint64
	LastSeenNs    uint64
	PacketsFwd    uint64
	PacketsRev    uint64
	BytesFwd      uint64
	BytesRev      uint64
	ProxyProtocol *ProxyProtocolState // non-nil only when decoded from a 128-byte value
}

// Age returns how long ago the entry was last seen, given the current
// kernel timestamp. Both values share the kernel's boot-relative clock.
func (v ConntrackValue) Age(nowNs uint64) time.Duration {
	if nowNs < v.LastSeenNs {
		return 0
	}
	return time.Duration(nowNs-v.LastSeenNs) * time.Nanosecond
}

// EncodeConntrackValue encodes v into a value of size bytes, which must be
// ConntrackValueSize64 or ConntrackValueSize128. Only the 128-byte layout
// carries PROXY-protocol state; a 64-byte size with a non-nil
// v.ProxyProtocol is rejected. The original and NAT destination addresses
// are always written as 4-byte IPv4 values.
func EncodeConntrackValue(v ConntrackValue, size int) ([]byte, error) {
	if size != ConntrackValueSize64 && size != ConntrackValueSize128 {
		return nil, &ErrInvalidField{Field: "size", Reason: "must be 64 or 128"}
	}
	if size == ConntrackValueSize64 && v.ProxyProtocol != nil {
		return nil, &ErrInvalidField{Field: "proxy_protocol", Reason: "64-byte value cannot carry PROXY-protocol state"}
	}

	buf := make([]byte, size)
	origIP := as4(v.OrigDstAddr)
	copy(buf[0:4], origIP[:])
	networkEndian.PutUint16(buf[4:6], v.OrigDstPort)
	natIP := as4(v.NATDstAddr)
	copy(buf[8:12], natIP[:])
	networkEndian.PutUint16(buf[12:14], v.NATDstPort)

	nativeEndian.PutUint64(buf[16:24], v.CreatedNs)
	nativeEndian.PutUint64(buf[24:32], v.LastSeenNs)
	nativeEndian.PutUint64(buf[32:40], v.PacketsFwd)
	nativeEndian.PutUint64(buf[40:48], v.PacketsRev)
	nativeEndian.PutUint64(buf[48:56], v.BytesFwd)
	nativeEndian.PutUint64(buf[56:64], v.BytesRev)

	if size == ConntrackValueSize128 && v.ProxyProtocol != nil {
		pp := buf[96:128]
		pp[0] = v.ProxyProtocol.ConnState
		pp[1] = v.ProxyProtocol.ProxyFlags
		nativeEndian.PutUint32(pp[4:8], v.ProxyProtocol.SeqOffset)
		ip16 := v.ProxyProtocol.OrigClientAddr.As16()
		copy(pp[8:24], ip16[:])
		networkEndian.PutUint16(pp[24:26], v.ProxyProtocol.OrigClientPort)
	}

	return buf, nil
}

// DecodeConntrackValue decodes b, which must be exactly 64 or 128 bytes.
func DecodeConntrackValue(b []byte) (ConntrackValue, error) {
	if len(b) != ConntrackValueSize64 && len(b) != ConntrackValueSize128 {
		return ConntrackValue{}, ErrShortBuffer
	}

	v := ConntrackValue{
		OrigDstAddr: netip.AddrFrom4([4]byte(b[0:4])),
		OrigDstPort: networkEndian.Uint16(b[4:6]),
		NATDstAddr:  netip.AddrFrom4([4]byte(b[8:12])),
		NATDstPort:  networkEndian.Uint16(b[12:14]),
		CreatedNs:   nativeEndian.Uint64(b[16:24]),
		LastSeenNs:  nativeEndian.Uint64(b[24:32]),
		PacketsFwd:  nativeEndian.Uint64(b[32:40]),
		PacketsRev:  nativeEndian.Uint64(b[40:48]),
		BytesFwd:    nativeEndian.Uint64(b[48:56]),
		BytesRev:    nativeEndian.Uint64(b[56:64]),
	}

	if len(b) == ConntrackValueSize128 {
		pp := b[96:128]
		v.ProxyProtocol = &ProxyProtocolState{
			ConnState:      pp[0],
			ProxyFlags:     pp[1],
			SeqOffset:      nativeEndian.Uint32(pp[4:8]),
			OrigClientAddr: netip.AddrFrom16([16]byte(pp[8:24])).Unmap(),
			OrigClientPort: networkEndian.Uint16(pp[24:26]),
		}
	}

	return v, nil
}

// MergeConntrackValues aggregates per-CPU conntrack values into a single
// logical value: forward/reverse packet and byte counters are summed,
// last_seen_ns takes the maximum, and the (possibly zero-on-unused-CPU)
// NAT/original destination fields take the first non-zero observation.
func MergeConntrackValues(perCPU []ConntrackValue) ConntrackValue {
	var out ConntrackValue
	for _, v := range perCPU {
		out.PacketsFwd += v.PacketsFwd
		out.PacketsRev += v.PacketsRev
		out.BytesFwd += v.BytesFwd
		out.BytesRev += v.BytesRev

		if v.LastSeenNs > out.LastSeenNs {
			out.LastSeenNs = v.LastSeenNs
		}
		if out.CreatedNs == 0 || (v.CreatedNs != 0 && v.CreatedNs < out.CreatedNs) {
			out.CreatedNs = v.CreatedNs
		}
		if !out.OrigDstAddr.IsValid() || out.OrigDstAddr.IsUnspecified() {
			if v.OrigDstAddr.IsValid() && !v.OrigDstAddr.IsUnspecified() {
				out.OrigDstAddr = v.OrigDstAddr
				out.OrigDstPort = v.OrigDstPort
			}
		}
		if !out.NATDstAddr.IsValid() || out.NATDstAddr.IsUnspecified() {
			if v.NATDstAddr.IsValid() && !v.NATDstAddr.IsUnspecified() {
				out.NATDstAddr = v.NATDstAddr
				out.NATDstPort = v.NATDstPort
			}
		}
	}
	return out
}

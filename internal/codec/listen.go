package codec

// ListenKeySize is the fixed size of a listen-map key in both families.
const ListenKeySize = 8

// AddressFamily discriminates IPv4/IPv6 in the unified listen key.
type AddressFamily uint8

const (
	AddressFamilyV4 AddressFamily = 4
	AddressFamilyV6 AddressFamily = 6
)

// ListenKey identifies one (interface, port) pair a proxy is bound to.
// Ifindex is native byte order (it is never read from packet bytes, only
// used by the kernel as a local lookup key); Port is network byte order so
// the kernel can compare it directly against a packet's destination port.
type ListenKey struct {
	Ifindex uint32
	Port    uint16
	// Family is only meaningful when encoding/decoding in FamilyUnified;
	// ignored for FamilyIPv4.
	Family AddressFamily
}

// EncodeListenKey encodes k into the fixed 8-byte layout for the given
// family. Classic: ifindex u32(native) | port u16(network) | pad u16(native,
// zero). Unified: ifindex u32(native) | port u16(network) | family u8 | pad
// u8(zero).
func EncodeListenKey(k ListenKey, family Family) ([]byte, error) {
	buf := make([]byte, ListenKeySize)
	nativeEndian.PutUint32(buf[0:4], k.Ifindex)
	networkEndian.PutUint16(buf[4:6], k.Port)
	switch family {
	case FamilyIPv4:
		buf[6] = 0
		buf[7] = 0
	case FamilyUnified:
		buf[6] = byte(k.Family)
		buf[7] = 0
	default:
		return nil, &ErrInvalidField{Field: "family", Reason: "unknown map family"}
	}
	return buf, nil
}

// DecodeListenKey decodes b into a ListenKey for the given family.
func DecodeListenKey(b []byte, family Family) (ListenKey, error) {
	if err := requireLen(b, ListenKeySize); err != nil {
		return ListenKey{}, err
	}
	k := ListenKey{
		Ifindex: nativeEndian.Uint32(b[0:4]),
		Port:    networkEndian.Uint16(b[4:6]),
	}
	if family == FamilyUnified {
		k.Family = AddressFamily(b[6])
	}
	return k, nil
}

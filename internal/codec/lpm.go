package codec

import "net/netip"

// LPMKeySizeV4 is the fixed size of a classic IPv4-only LPM source-route key.
const LPMKeySizeV4 = 8

// LPMKeySizeUnified is the fixed size of a unified-family LPM source-route key.
const LPMKeySizeUnified = 20

// LPMKey is the LPM-trie key of a SourceRoute: prefix length plus the
// routed IP address. PrefixLen and the address are both network byte
// order on the wire, matching the key layout the packet programs compare
// against.
type LPMKey struct {
	PrefixLen uint32
	Addr      netip.Addr
}

// EncodeLPMKey encodes k into the fixed-size layout for the given family:
// classic (8 bytes: prefix_len u32 | ip u32, both network byte order) or
// unified (20 bytes: prefix_len u32 | ip 16 bytes, both network byte order,
// IPv4 addresses occupying the last 4 bytes of the 16-byte field).
func EncodeLPMKey(k LPMKey, family Family) ([]byte, error) {
	switch family {
	case FamilyIPv4:
		buf := make([]byte, LPMKeySizeV4)
		networkEndian.PutUint32(buf[0:4], k.PrefixLen)
		ip4 := k.Addr.As4()
		copy(buf[4:8], ip4[:])
		return buf, nil
	case FamilyUnified:
		buf := make([]byte, LPMKeySizeUnified)
		networkEndian.PutUint32(buf[0:4], k.PrefixLen)
		putUnifiedAddr(buf[4:20], k.Addr)
		return buf, nil
	default:
		return nil, &ErrInvalidField{Field: "family", Reason: "unknown map family"}
	}
}

// DecodeLPMKey decodes b into an LPMKey for the given family.
func DecodeLPMKey(b []byte, family Family) (LPMKey, error) {
	switch family {
	case FamilyIPv4:
		if err := requireLen(b, LPMKeySizeV4); err != nil {
			return LPMKey{}, err
		}
		prefixLen := networkEndian.Uint32(b[0:4])
		addr := netip.AddrFrom4([4]byte(b[4:8]))
		return LPMKey{PrefixLen: prefixLen, Addr: addr}, nil
	case FamilyUnified:
		if err := requireLen(b, LPMKeySizeUnified); err != nil {
			return LPMKey{}, err
		}
		prefixLen := networkEndian.Uint32(b[0:4])
		addr := unifiedAddr(b[4:20])
		return LPMKey{PrefixLen: prefixLen, Addr: addr}, nil
	default:
		return LPMKey{}, &ErrInvalidField{Field: "family", Reason: "unknown map family"}
	}
}

// putUnifiedAddr writes addr into a 16-byte unified-family field: IPv4
// addresses occupy bytes 12..15, the first 12 bytes zero.
func putUnifiedAddr(dst []byte, addr netip.Addr) {
	for i := range dst {
		dst[i] = 0
	}
	if addr.Is4() {
		ip4 := addr.As4()
		copy(dst[12:16], ip4[:])
		return
	}
	ip16 := addr.As16()
	copy(dst, ip16[:])
}

// unifiedAddr reads a 16-byte unified-family address field back into a
// netip.Addr, recognizing the IPv4-in-the-last-4-bytes convention.
func unifiedAddr(src []byte) netip.Addr {
	var zero12 [12]byte
	if [12]byte(src[0:12]) == zero12 {
		return netip.AddrFrom4([4]byte(src[12:16]))
	}
	return netip.AddrFrom16([16]byte(src[0:16]))
}

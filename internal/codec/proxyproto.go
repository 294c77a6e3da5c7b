package codec

import "net/netip"

// proxyProtoSignature is the fixed 12-byte PROXY-protocol-v2 signature.
var proxyProtoSignature = [12]byte{
	0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A,
}

const (
	proxyProtoVerCmd = 0x21

	proxyProtoFamProtoV4 = 0x11 // IPv4/TCP
	proxyProtoFamProtoV6 = 0x21 // IPv6/TCP

	proxyProtoAddrLenV4 = 12
	proxyProtoAddrLenV6 = 36
)

// ProxyProtocolHeader is the data user space prepares for the TC egress
// program to emit as a PROXY-protocol-v2 header; the program itself reads
// orig_client_ip/port from the conntrack value's ProxyProtocolState.
type ProxyProtocolHeader struct {
	SrcAddr netip.Addr
	DstAddr netip.Addr
	SrcPort uint16
	DstPort uint16
}

// Encode prepares the full PROXY-protocol-v2 header bytes: 16-byte fixed
// header (signature, ver_cmd, fam_proto, addr_len) followed by the
// addresses and ports in network byte order. SrcAddr and DstAddr must be
// the same IP version.
func (h ProxyProtocolHeader) Encode() ([]byte, error) {
	if h.SrcAddr.Is4() != h.DstAddr.Is4() {
		return nil, &ErrInvalidField{Field: "addr", Reason: "src and dst must share an IP version"}
	}

	var famProto byte
	var addrLen uint16
	if h.SrcAddr.Is4() {
		famProto = proxyProtoFamProtoV4
		addrLen = proxyProtoAddrLenV4
	} else {
		famProto = proxyProtoFamProtoV6
		addrLen = proxyProtoAddrLenV6
	}

	buf := make([]byte, 16+int(addrLen))
	copy(buf[0:12], proxyProtoSignature[:])
	buf[12] = proxyProtoVerCmd
	buf[13] = famProto
	networkEndian.PutUint16(buf[14:16], addrLen)

	body := buf[16:]
	if h.SrcAddr.Is4() {
		src := h.SrcAddr.As4()
		dst := h.DstAddr.As4()
		copy(body[0:4], src[:])
		copy(body[4:8], dst[:])
		networkEndian.PutUint16(body[8:10], h.SrcPort)
		networkEndian.PutUint16(body[10:12], h.DstPort)
	} else {
		src := h.SrcAddr.As16()
		dst := h.DstAddr.As16()
		copy(body[0:16], src[:])
		copy(body[16:32], dst[:])
		networkEndian.PutUint16(body[32:34], h.SrcPort)
		networkEndian.PutUint16(body[34:36], h.DstPort)
	}

	return buf, nil
}

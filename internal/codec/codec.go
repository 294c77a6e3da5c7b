// Package codec implements the bit-exact binary encoding shared with the
// in-kernel XDP/TC packet-steering programs. Every exported Encode/Decode
// pair produces or consumes exactly the byte layout documented alongside
// it; nothing here allocates more than one fixed-size buffer per call.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// ErrShortBuffer is returned by a Decode function when the input is smaller
// than the type's fixed on-wire size.
var ErrShortBuffer = errors.New("codec: buffer shorter than fixed encoded size")

// ErrUnknownEvent is returned when a ring-buffer event carries an
// unrecognized discriminator byte.
var ErrUnknownEvent = errors.New("codec: unrecognized ring-buffer event type")

// ErrInvalidField is returned when a value cannot be represented in its
// on-wire field (e.g. a target count outside 1..8).
type ErrInvalidField struct {
	Field  string
	Reason string
}

func (e *ErrInvalidField) Error() string {
	return fmt.Sprintf("codec: invalid field %s: %s", e.Field, e.Reason)
}

// Family selects between the classic IPv4-only map family and the unified
// (dual-stack) map family. The two families differ only in key and value
// sizes; the field semantics are identical.
type Family uint8

const (
	// FamilyIPv4 is the classic, IPv4-only map family: 8-byte LPM keys,
	// 72-byte weighted-route values, 16-byte conntrack keys.
	FamilyIPv4 Family = iota
	// FamilyUnified is the dual-stack map family: 20-byte LPM keys,
	// 168-byte weighted-route values, 40-byte conntrack keys, with an
	// explicit address-family byte in the listen key.
	FamilyUnified
)

func requireLen(b []byte, n int) error {
	if len(b) < n {
		return ErrShortBuffer
	}
	return nil
}

var nativeEndian = binary.NativeEndian
var networkEndian = binary.BigEndian

// as4 returns addr's IPv4 bytes, or all-zero for the invalid zero Addr.
// Zero addresses appear legitimately in kernel-written values (unused
// per-CPU slots) and in partially-filled events.
func as4(addr netip.Addr) [4]byte {
	if !addr.IsValid() {
		return [4]byte{}
	}
	return addr.As4()
}

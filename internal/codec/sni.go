package codec

import (
	"hash/fnv"
	"strings"
)

// SNIKeySize is the fixed size of an SNI-route map key.
const SNIKeySize = 8

// HashSNI returns the FNV-1a-64 hash of the lowercased hostname, matching
// the offset basis 0xcbf29ce484222325 and prime 0x100000001B3 that
// hash/fnv's 64-bit FNV-1a implementation already uses.
func HashSNI(hostname string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(hostname)))
	return h.Sum64()
}

// EncodeSNIKey encodes the FNV-1a-64 hash of hostname as an 8-byte,
// native-byte-order map key.
func EncodeSNIKey(hostname string) []byte {
	buf := make([]byte, SNIKeySize)
	nativeEndian.PutUint64(buf, HashSNI(hostname))
	return buf
}

// DecodeSNIKey decodes an 8-byte SNI map key back into its raw hash value.
func DecodeSNIKey(b []byte) (uint64, error) {
	if err := requireLen(b, SNIKeySize); err != nil {
		return 0, err
	}
	return nativeEndian.Uint64(b), nil
}

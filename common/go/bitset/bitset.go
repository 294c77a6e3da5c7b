// Package bitset provides a fixed-capacity bitset for the small, bounded
// index sets the control plane tracks per target group (target slots,
// healthy/draining masks).
package bitset

import (
	"fmt"
	"math/bits"
)

// MaxBits is the bitset capacity. Target groups hold at most 8 slots, so
// two words leave generous headroom without making the value expensive to
// copy or compare.
const MaxBits = 128

// TinyBitset is a constant-length bitset. The zero value is empty and
// ready to use, and the struct is comparable, so it can key a map.
type TinyBitset struct {
	words [MaxBits / 64]uint64
}

// Insert sets the bit at idx.
func (m *TinyBitset) Insert(idx uint32) {
	if idx >= MaxBits {
		panic(fmt.Sprintf("index %d is too big: must be less than %d", idx, MaxBits))
	}

	m.words[idx/64] |= 1 << (idx % 64)
}

// Remove clears the bit at idx. Clearing an unset bit is a no-op.
func (m *TinyBitset) Remove(idx uint32) {
	if idx >= MaxBits {
		return
	}

	m.words[idx/64] &^= 1 << (idx % 64)
}

// Contains reports whether the bit at idx is set.
func (m *TinyBitset) Contains(idx uint32) bool {
	if idx >= MaxBits {
		return false
	}

	return m.words[idx/64]&(1<<(idx%64)) != 0
}

// Count returns the number of bits set.
func (m *TinyBitset) Count() uint {
	count := uint(0)
	for _, word := range m.words {
		count += uint(bits.OnesCount64(word))
	}

	return count
}

// Empty reports whether no bit is set.
func (m *TinyBitset) Empty() bool {
	for _, word := range m.words {
		if word != 0 {
			return false
		}
	}

	return true
}

// Traverse calls fn for each set bit, from the least significant upward,
// stopping early if fn returns false.
func (m *TinyBitset) Traverse(fn func(uint32) bool) {
	for idx, word := range m.words {
		for word > 0 {
			r := bits.TrailingZeros64(word)
			word &= word - 1

			if !fn(64*uint32(idx) + uint32(r)) {
				return
			}
		}
	}
}

// AsSlice returns the set bit positions in ascending order.
func (m *TinyBitset) AsSlice() []uint32 {
	out := make([]uint32, 0, m.Count())

	m.Traverse(func(idx uint32) bool {
		out = append(out, idx)
		return true
	})

	return out
}

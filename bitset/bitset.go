// Package bitset implements the string-serialized bit vector used for open tracking.
package bitset

import (
	"errors"
	"fmt"
)

// ErrIndexOutOfRange is returned by Set when the index falls outside the vector.
var ErrIndexOutOfRange = errors.New("index out of range")

// BitSet is a fixed-width vector of bits. The width never changes after construction.
type BitSet struct {
	bits []byte
}

// New returns an all-zero vector of the given width.
func New(width int) *BitSet {
	if width < 0 {
		width = 0
	}
	return &BitSet{bits: make([]byte, width)}
}

// Parse reconstructs a vector from a string of '0' and '1' characters, one per bit.
// Leading zeros are significant.
func Parse(s string) (*BitSet, error) {
	b := &BitSet{bits: make([]byte, len(s))}
	for i := range len(s) {
		switch s[i] {
		case '0':
		case '1':
			b.bits[i] = 1
		default:
			return nil, fmt.Errorf("parse bitset: invalid digit %q at %d", s[i], i)
		}
	}
	return b, nil
}

// Len returns the width of the vector.
func (b *BitSet) Len() int {
	return len(b.bits)
}

// Get returns the bit at index, or -1 when the index is out of range.
func (b *BitSet) Get(index int) int {
	if index < 0 || index >= len(b.bits) {
		return -1
	}
	return int(b.bits[index])
}

// Set sets or clears the bit at index.
func (b *BitSet) Set(index int, value bool) error {
	if index < 0 || index >= len(b.bits) {
		return fmt.Errorf("set bit %d of %d: %w", index, len(b.bits), ErrIndexOutOfRange)
	}
	if value {
		b.bits[index] = 1
	} else {
		b.bits[index] = 0
	}
	return nil
}

// PopCount returns the number of set bits.
func (b *BitSet) PopCount() int {
	n := 0
	for _, v := range b.bits {
		n += int(v)
	}
	return n
}

// String serializes the vector back into its digit form.
func (b *BitSet) String() string {
	out := make([]byte, len(b.bits))
	for i, v := range b.bits {
		out[i] = '0' + v
	}
	return string(out)
}

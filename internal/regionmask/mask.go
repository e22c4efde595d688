// Package regionmask implements the fixed-width cell bitset used to restrict
// heatmap evaluation to the relevant part of the print bed.
package regionmask

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

const (
	// Words is the number of 64-bit words backing a Mask.
	Words = 7
	// Bits is the total number of addressable cells.
	Bits = Words * 64

	// DefaultRows and DefaultCols describe the grid the setup flow draws on.
	DefaultRows = 14
	DefaultCols = 28
	// DefaultCells is DefaultRows*DefaultCols.
	DefaultCells = DefaultRows * DefaultCols
)

// ErrInvalidHex is returned when a mask string cannot be parsed.
var ErrInvalidHex = errors.New("invalid region mask hex")

// Mask is a value-type bitset. Copying a Mask copies its bits.
type Mask [Words]uint64

// AllOnes returns a mask with the first n bits set. n is clamped to [0, Bits].
func AllOnes(n int) Mask {
	var m Mask
	if n <= 0 {
		return m
	}
	if n > Bits {
		n = Bits
	}
	full := n / 64
	for i := 0; i < full; i++ {
		m[i] = ^uint64(0)
	}
	if rem := n % 64; rem != 0 {
		m[full] = (uint64(1) << uint(rem)) - 1
	}
	return m
}

// Clear resets every bit.
func (m *Mask) Clear() {
	*m = Mask{}
}

// Set sets bit i. Out of range indices are ignored.
func (m *Mask) Set(i int) {
	if i < 0 || i >= Bits {
		return
	}
	m[i/64] |= uint64(1) << uint(i%64)
}

// Unset clears bit i.
func (m *Mask) Unset(i int) {
	if i < 0 || i >= Bits {
		return
	}
	m[i/64] &^= uint64(1) << uint(i%64)
}

// Test reports whether bit i is set.
func (m Mask) Test(i int) bool {
	if i < 0 || i >= Bits {
		return false
	}
	return m[i/64]&(uint64(1)<<uint(i%64)) != 0
}

// IsZero reports whether no bit is set.
func (m Mask) IsZero() bool {
	for _, w := range m {
		if w != 0 {
			return false
		}
	}
	return true
}

// Count returns the number of set bits.
func (m Mask) Count() int {
	n := 0
	for _, w := range m {
		n += bits.OnesCount64(w)
	}
	return n
}

// Hex encodes the mask as colon separated 16-digit words, most significant
// word first ("w6:w5:...:w0").
func (m Mask) Hex() string {
	var sb strings.Builder
	sb.Grow(Words*17 - 1)
	for i := Words - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, "%016x", m[i])
		if i > 0 {
			sb.WriteByte(':')
		}
	}
	return sb.String()
}

func (m Mask) String() string { return m.Hex() }

// LegacyWords is the word count of masks saved for the old 14x14 grid.
const LegacyWords = 4

// ParseHex decodes a mask string. Shorter forms fill the low words, leaving
// the rest zero; saved masks go through ParseStored.
func ParseHex(s string) (Mask, error) {
	var m Mask
	s = strings.TrimSpace(s)
	if s == "" {
		return m, fmt.Errorf("%w: empty", ErrInvalidHex)
	}
	parts := strings.Split(s, ":")
	if len(parts) > Words {
		return m, fmt.Errorf("%w: %d words (max %d)", ErrInvalidHex, len(parts), Words)
	}
	for i, p := range parts {
		p = strings.TrimPrefix(strings.TrimSpace(p), "0x")
		if p == "" || len(p) > 16 {
			return m, fmt.Errorf("%w: word %q", ErrInvalidHex, p)
		}
		v, err := strconv.ParseUint(p, 16, 64)
		if err != nil {
			return m, fmt.Errorf("%w: %v", ErrInvalidHex, err)
		}
		m[len(parts)-1-i] = v
	}
	return m, nil
}

// ParseStored decodes a mask read from a config file. A LegacyWords mask was
// drawn on the 14x14 grid, whose row stride no longer matches, so it becomes
// the full default grid and migrated is true.
func ParseStored(s string) (m Mask, migrated bool, err error) {
	m, err = ParseHex(s)
	if err != nil {
		return m, false, err
	}
	if strings.Count(strings.TrimSpace(s), ":") == LegacyWords-1 {
		return AllOnes(DefaultCells), true, nil
	}
	return m, false, nil
}

// MarshalText implements encoding.TextMarshaler.
func (m Mask) MarshalText() ([]byte, error) {
	return []byte(m.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mask) UnmarshalText(b []byte) error {
	parsed, err := ParseHex(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

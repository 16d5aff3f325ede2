package model

import "fmt"

// MixedOffset packs a FileSelector and a 31-bit raw log offset into a
// single int32: bit 31 is the selector, bits 0..30 the offset.
type MixedOffset int32

// MaxRawOffset is the largest raw offset a MixedOffset can address.
// Appends past this point must be refused by the log engine.
const MaxRawOffset = int64(1<<31 - 1)

// selectorBits maps a FileSelector to its header bit pattern.
// The selector space is fixed at {snapshot, post}; widening it changes
// the on-disk index format and requires a codec redesign.
var selectorBits = [2]uint32{0x00000000, 0x80000000}

// ToMixed packs f and the raw offset off into a MixedOffset.
// off must be in [0, MaxRawOffset] and f one of the two selectors;
// anything else is a programming error.
func ToMixed(f FileSelector, off int64) MixedOffset {
	if f > SelectorPost {
		panic(fmt.Sprintf("model: invalid file selector %d", f))
	}
	if off < 0 || off > MaxRawOffset {
		panic(fmt.Sprintf("model: raw offset %d out of range", off))
	}
	return MixedOffset(uint32(off) | selectorBits[f])
}

// FromMixed unpacks m into its file selector and raw offset.
func FromMixed(m MixedOffset) (FileSelector, int64) {
	return FileSelector(uint32(m) >> 31), int64(uint32(m) & 0x7FFFFFFF)
}

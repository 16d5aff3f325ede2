// Package hashoffsets provides a compact multimap from 32-bit key hashes
// to lists of packed log offsets, partitioned by column.
//
// The map is the heart of the table's read path: one lookup per point
// read, one insert or in-place substitution per write. Collisions are
// expected but rare and the list per hash is short (usually one entry),
// so lists live in a single shared int32 pool per column instead of
// per-entry allocations. Open addressing with linear probing over a flat
// key array keeps lookups cache-friendly.
//
// The zero hash is a valid key; the empty-slot sentinel is NoKey
// (math.MinInt32), which callers promise never to produce as a key hash.
package hashoffsets

import "math"

// NoKey marks an empty slot in the key array. Callers must never use it
// as a key hash; hash functions feeding this map normalize it away.
const NoKey int32 = math.MinInt32

const (
	minTableSize   = 1 << 10
	loadFactorNum  = 3
	loadFactorDen  = 4
	tableGrowth    = 2
	initialListCap = 1
)

// slot describes one entry's offset list as a window into the column pool.
type slot struct {
	off int32 // start position in pool
	n   int32 // live length
	cap int32 // reserved length
}

type column struct {
	keys  []int32 // NoKey = empty
	slots []slot  // parallel to keys
	pool  []int32 // compact offset-list storage, grown by append
	used  int
	mask  uint32
}

// HashOffsets maps (column, key hash) to an insertion-ordered list of
// mixed offsets. It performs no internal locking; the owning table
// serializes access.
type HashOffsets struct {
	cols []column
}

// New creates a HashOffsets with numColumns columns. capacityHint sizes
// the initial key table per column; it is rounded up to a power of two
// with headroom for the load factor.
func New(numColumns, capacityHint int) *HashOffsets {
	h := &HashOffsets{cols: make([]column, numColumns)}
	size := nextPow2(capacityHint * tableGrowth)
	if size < minTableSize {
		size = minTableSize
	}
	for i := range h.cols {
		h.cols[i] = newColumn(size)
	}
	return h
}

func newColumn(size int) column {
	c := column{
		keys:  make([]int32, size),
		slots: make([]slot, size),
		mask:  uint32(size - 1),
	}
	for i := range c.keys {
		c.keys[i] = NoKey
	}
	return c
}

func nextPow2(n int) int {
	s := 1
	for s < n {
		s <<= 1
	}
	return s
}

// Put appends mixed to the offset list at (col, hash), creating the
// entry if absent. Duplicates are permitted and order is preserved.
func (h *HashOffsets) Put(hash, mixed int32, col int) {
	c := &h.cols[col]
	i, ok := c.find(hash)
	if !ok {
		c.insert(i, hash, mixed)
		h.maybeGrow(col)
		return
	}
	c.appendOffset(i, mixed)
}

// Replace substitutes old with new in the offset list at (col, hash),
// preserving list order. The list is scanned from the tail since the
// offset being superseded is almost always the newest. If the entry or
// old is absent, Replace degrades to Put(hash, new, col).
func (h *HashOffsets) Replace(hash, old, new int32, col int) {
	c := &h.cols[col]
	i, ok := c.find(hash)
	if !ok {
		c.insert(i, hash, new)
		h.maybeGrow(col)
		return
	}
	s := c.slots[i]
	list := c.pool[s.off : s.off+s.n]
	for j := len(list) - 1; j >= 0; j-- {
		if list[j] == old {
			list[j] = new
			return
		}
	}
	c.appendOffset(i, new)
}

// Get returns the offset list at (col, hash) in insertion order, or nil
// if no entry exists. The returned slice aliases internal storage and is
// only valid until the next mutation.
func (h *HashOffsets) Get(hash int32, col int) []int32 {
	c := &h.cols[col]
	i, ok := c.find(hash)
	if !ok {
		return nil
	}
	s := c.slots[i]
	return c.pool[s.off : s.off+s.n]
}

// Size returns the count of distinct (column, hash) keys across all columns.
func (h *HashOffsets) Size() int {
	n := 0
	for i := range h.cols {
		n += h.cols[i].used
	}
	return n
}

// find probes for hash and returns the slot index. ok reports whether the
// slot holds hash; otherwise the index is the first empty slot of the
// probe chain.
func (c *column) find(hash int32) (int, bool) {
	i := uint32(hash) & c.mask
	for {
		k := c.keys[i]
		if k == NoKey {
			return int(i), false
		}
		if k == hash {
			return int(i), true
		}
		i = (i + 1) & c.mask
	}
}

func (c *column) insert(i int, hash, mixed int32) {
	c.keys[i] = hash
	c.slots[i] = slot{off: int32(len(c.pool)), n: 1, cap: initialListCap}
	c.pool = append(c.pool, mixed)
	c.used++
}

// appendOffset extends the list in slot i. A full list is relocated to
// the end of the pool with doubled reservation; the hole it leaves is
// never reclaimed, which is acceptable because multi-offset entries are
// rare hash collisions.
func (c *column) appendOffset(i int, mixed int32) {
	s := &c.slots[i]
	if s.n < s.cap {
		c.pool[s.off+s.n] = mixed
		s.n++
		return
	}
	newCap := s.cap * 2
	newOff := int32(len(c.pool))
	c.pool = append(c.pool, c.pool[s.off:s.off+s.n]...)
	for pad := s.cap; pad < newCap; pad++ {
		c.pool = append(c.pool, 0)
	}
	c.pool[newOff+s.n] = mixed
	s.off = newOff
	s.n++
	s.cap = newCap
}

func (h *HashOffsets) maybeGrow(col int) {
	c := &h.cols[col]
	if c.used*loadFactorDen <= len(c.keys)*loadFactorNum {
		return
	}
	old := *c
	next := newColumn(len(old.keys) * tableGrowth)
	next.pool = old.pool
	next.used = old.used
	for i, k := range old.keys {
		if k == NoKey {
			continue
		}
		j, _ := next.find(k)
		next.keys[j] = k
		next.slots[j] = old.slots[i]
	}
	h.cols[col] = next
}

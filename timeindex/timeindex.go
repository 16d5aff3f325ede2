// Package timeindex maps write timestamps to the key that wrote last at
// that timestamp.
//
// Storage is a dense growable array indexed by the timestamp, paired with
// a roaring bitmap of populated slots so a grown-but-never-written slot is
// distinguishable from a written one without sentinel key values. The
// owning table guards Put with its write lock and Get with its read lock;
// the index performs no locking of its own.
package timeindex

import (
	"math"

	"github.com/RoaringBitmap/roaring/v2"
)

const growthFactor = 1.2

// Index maps non-negative timestamps to key bytes, most recent writer wins.
type Index struct {
	keys      [][]byte
	populated *roaring.Bitmap
}

// New creates an empty time index.
func New() *Index {
	return &Index{
		populated: roaring.New(),
	}
}

// Put records key as the most recent writer at ts, copying the key bytes.
// Negative or oversized timestamps are ignored.
func (x *Index) Put(ts int64, key []byte) {
	if ts < 0 || ts > math.MaxUint32 {
		return
	}
	if ts >= int64(len(x.keys)) {
		x.grow(ts)
	}
	x.keys[ts] = append([]byte(nil), key...)
	x.populated.Add(uint32(ts))
}

// Get returns the key most recently written at ts, or false if the slot
// was never written or ts is out of range.
func (x *Index) Get(ts int64) ([]byte, bool) {
	if ts < 0 || ts >= int64(len(x.keys)) || !x.populated.Contains(uint32(ts)) {
		return nil, false
	}
	return x.keys[ts], true
}

// Len returns the current slot count of the backing array.
func (x *Index) Len() int {
	return len(x.keys)
}

// Cardinality returns the number of populated timestamps.
func (x *Index) Cardinality() uint64 {
	return x.populated.GetCardinality()
}

func (x *Index) grow(ts int64) {
	next := int64(math.Ceil(float64(len(x.keys)) * growthFactor))
	if next < ts+1 {
		next = ts + 1
	}
	grown := make([][]byte, next)
	copy(grown, x.keys)
	x.keys = grown
}

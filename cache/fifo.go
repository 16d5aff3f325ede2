// Package cache provides the per-topic FIFO value cache used by the table.
//
// The cache maps key hashes to the most recently written value and its
// packed log offset. Eviction is strict insertion order regardless of
// access recency: a Get never reorders entries, so lookups only take the
// read side of the internal lock. Cache misses are installed by readers
// holding the table's read lock, which is why the cache synchronizes
// internally instead of leaning on the table's write lock alone.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/logtable/model"
)

// DefaultSize is the per-topic entry bound used when no size is configured.
const DefaultSize = 10000

// Entry is a cached value together with the packed offset of the record
// it came from. Key is the full record key: entries are indexed by key
// hash, and the winner of a hash collision would otherwise be
// indistinguishable from the loser. Timestamp is negative when the record
// carried none.
type Entry struct {
	Key       []byte
	Value     []byte
	Timestamp int64
	Mixed     model.MixedOffset
}

type fifoItem struct {
	key model.KeyHash
	ent Entry
}

// FIFO is a bounded insertion-order cache from key hash to Entry.
type FIFO struct {
	mu        sync.RWMutex
	capacity  int
	items     map[model.KeyHash]*list.Element
	evictList *list.List

	hits   atomic.Int64
	misses atomic.Int64
}

// NewFIFO creates a FIFO cache bounded to capacity entries.
// A non-positive capacity falls back to DefaultSize.
func NewFIFO(capacity int) *FIFO {
	if capacity <= 0 {
		capacity = DefaultSize
	}
	return &FIFO{
		capacity:  capacity,
		items:     make(map[model.KeyHash]*list.Element),
		evictList: list.New(),
	}
}

// Get returns the cached entry for kh. The returned value bytes must be
// treated as read-only. Every call is counted for hit/miss statistics.
func (c *FIFO) Get(kh model.KeyHash) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if el, ok := c.items[kh]; ok {
		c.hits.Add(1)
		return el.Value.(*fifoItem).ent, true
	}
	c.misses.Add(1)
	return Entry{}, false
}

// Put stores ent under kh, copying the key and value bytes so callers may
// recycle buffers. An existing entry is updated in place and keeps its
// position in the eviction order; a new entry may evict the oldest one.
func (c *FIFO) Put(kh model.KeyHash, ent Entry) {
	ent.Key = append([]byte(nil), ent.Key...)
	ent.Value = append([]byte(nil), ent.Value...)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[kh]; ok {
		el.Value.(*fifoItem).ent = ent
		return
	}

	for c.evictList.Len() >= c.capacity {
		oldest := c.evictList.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
	}

	c.items[kh] = c.evictList.PushFront(&fifoItem{key: kh, ent: ent})
}

// Remove evicts the entries for all given key hashes. Missing hashes are
// ignored.
func (c *FIFO) Remove(khs ...model.KeyHash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, kh := range khs {
		if el, ok := c.items[kh]; ok {
			c.removeElement(el)
		}
	}
}

// removeElement unlinks el. Caller holds the write lock.
func (c *FIFO) removeElement(el *list.Element) {
	c.evictList.Remove(el)
	delete(c.items, el.Value.(*fifoItem).key)
}

// Len returns the number of cached entries.
func (c *FIFO) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.evictList.Len()
}

// ReadCount returns the total number of Get calls since the last reset.
func (c *FIFO) ReadCount() int64 {
	return c.hits.Load() + c.misses.Load()
}

// HitRate returns the fraction of Get calls that hit, or 0 before any read.
func (c *FIFO) HitRate() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// MissRate returns the fraction of Get calls that missed, or 0 before any read.
func (c *FIFO) MissRate() float64 {
	misses := c.misses.Load()
	total := misses + c.hits.Load()
	if total == 0 {
		return 0
	}
	return float64(misses) / float64(total)
}

// ResetHitRate zeroes the hit/miss counters.
func (c *FIFO) ResetHitRate() {
	c.hits.Store(0)
	c.misses.Store(0)
}

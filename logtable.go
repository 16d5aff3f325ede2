package logtable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/logtable/cache"
	"github.com/hupe1980/logtable/hashoffsets"
	"github.com/hupe1980/logtable/logengine"
	"github.com/hupe1980/logtable/model"
	"github.com/hupe1980/logtable/timeindex"
)

// Topic name suffixes. External tooling depends on these, do not change.
const (
	postSuffix  = "~"
	indexSuffix = "_idx"
)

// PostTopic returns the post-events data topic for topic.
func PostTopic(topic string) string { return topic + postSuffix }

// IndexTopic returns the index-log topic for a data topic.
func IndexTopic(topic string) string { return topic + indexSuffix }

// KV is one input record for Write.
// A negative Timestamp means "unset".
type KV struct {
	Key       []byte
	Value     []byte
	Timestamp int64
}

// Table is a hash-indexed key/value overlay over an append-only log.
//
// All mutable state (hash index, value caches, time index) lives behind a
// single RWMutex: point reads and scans take the read lock, writes and
// removes the write lock. Log engine calls happen while the lock is held
// so that index updates observe offsets in append order.
type Table struct {
	mu      sync.RWMutex
	db      logengine.Engine
	topics  []string
	columns map[string]model.Column
	offsets *hashoffsets.HashOffsets
	caches  []*cache.FIFO
	timeIdx *timeindex.Index
	opts    options
}

// New constructs a Table over db for the given ordered topic list and
// rebuilds the in-memory hash index from the index logs before returning.
// Columns load in parallel, one loader per column plus one for the time
// index when WithTimeToKey is set.
func New(db logengine.Engine, topics []string, optFns ...Option) (*Table, error) {
	if len(topics) == 0 {
		return nil, ErrNoTopics
	}

	opts := applyOptions(optFns)

	t := &Table{
		db:      db,
		topics:  append([]string(nil), topics...),
		columns: make(map[string]model.Column, len(topics)),
		offsets: hashoffsets.New(len(topics), opts.indexCapacityHint),
		caches:  make([]*cache.FIFO, len(topics)),
		timeIdx: timeindex.New(),
		opts:    opts,
	}
	for i, topic := range t.topics {
		if _, ok := t.columns[topic]; ok {
			return nil, &ErrDuplicateTopic{Topic: topic}
		}
		t.columns[topic] = model.Column(i)
		t.caches[i] = cache.NewFIFO(opts.cacheSize)
	}

	// No readers exist yet, so the loaders share the index without locks.
	var g errgroup.Group
	for col := range t.topics {
		col := col
		g.Go(func() error {
			return t.loadColumn(col)
		})
	}
	if opts.withTimeToKey {
		g.Go(t.loadTimeIndex)
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("logtable: index load: %w", err)
	}

	return t, nil
}

// loadColumn replays the two index logs of a column, snapshot first.
func (t *Table) loadColumn(col int) error {
	start := time.Now()
	records := 0
	for _, sel := range []model.FileSelector{model.SelectorSnapshot, model.SelectorPost} {
		idxTopic := IndexTopic(t.topicFor(sel, col))
		err := t.db.IterateOver(idxTopic, 0, t.opts.fetchMaxBytes, func(r logengine.Record) error {
			if len(r.Key) != 4 || !r.HasValue || len(r.Value) != 4 {
				return nil
			}
			hash := int32(binary.BigEndian.Uint32(r.Key))
			raw := int64(binary.BigEndian.Uint32(r.Value))
			t.offsets.Put(hash, int32(model.ToMixed(sel, raw)), col)
			records++
			return nil
		})
		if err != nil {
			t.opts.logger.LogLoad(idxTopic, records, time.Since(start), err)
			return err
		}
	}
	t.opts.logger.LogLoad(t.topics[col], records, time.Since(start), nil)
	t.opts.metricsCollector.RecordLoad(col, records, time.Since(start))
	return nil
}

// loadTimeIndex replays the first column's data logs, snapshot first, so a
// timestamp written in both files resolves to the post file's key.
func (t *Table) loadTimeIndex() error {
	for _, sel := range []model.FileSelector{model.SelectorSnapshot, model.SelectorPost} {
		dataTopic := t.topicFor(sel, 0)
		err := t.db.IterateOver(dataTopic, 0, t.opts.fetchMaxBytes, func(r logengine.Record) error {
			if r.Key != nil && r.HasValue {
				t.timeIdx.Put(r.Timestamp, r.Key)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Topics returns the table's topic list in column order.
func (t *Table) Topics() []string {
	return append([]string(nil), t.topics...)
}

// IndexSize returns the count of distinct (column, key hash) index entries.
func (t *Table) IndexSize() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.offsets.Size()
}

func (t *Table) column(topic string) (model.Column, error) {
	col, ok := t.columns[topic]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	return col, nil
}

// physicalColumn resolves a data topic name that may be either the
// snapshot topic or its post variant.
func (t *Table) physicalColumn(topic string) (model.Column, error) {
	if col, ok := t.columns[topic]; ok {
		return col, nil
	}
	if base, ok := strings.CutSuffix(topic, postSuffix); ok {
		if col, ok := t.columns[base]; ok {
			return col, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
}

func (t *Table) topicFor(f model.FileSelector, col int) string {
	if f == model.SelectorPost {
		return PostTopic(t.topics[col])
	}
	return t.topics[col]
}

// Read resolves key in topic. It consults the value cache first; on a
// miss it walks the candidate offsets newest-first, fetching a bounded
// record window per candidate and accepting the record at the exact
// offset whose key matches. With bypassCache the resolved value is not
// installed into the cache.
func (t *Table) Read(key []byte, topic string, bypassCache bool) (model.Entry, bool, error) {
	start := time.Now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	col, err := t.column(topic)
	if err != nil {
		return model.Entry{}, false, err
	}

	kh := t.opts.hasher(key)

	// A cached entry under the same hash may belong to a colliding key;
	// only a full key match is a hit.
	if ent, ok := t.caches[col].Get(kh); ok && bytes.Equal(ent.Key, key) {
		t.opts.metricsCollector.RecordRead(time.Since(start), true)
		t.opts.logger.LogRead(topic, true, true, nil)
		return model.Entry{Value: ent.Value, Timestamp: ent.Timestamp}, true, nil
	}

	offs := t.offsets.Get(int32(kh), int(col))
	if offs == nil {
		t.opts.metricsCollector.RecordRead(time.Since(start), false)
		t.opts.logger.LogRead(topic, false, false, nil)
		return model.Entry{}, false, nil
	}

candidates:
	for i := len(offs) - 1; i >= 0; i-- {
		m := model.MixedOffset(offs[i])
		f, o := model.FromMixed(m)
		dataTopic := t.topicFor(f, int(col))

		for _, fetch := range t.db.Read(dataTopic, o, t.opts.fetchMaxBytes) {
			if fetch.Err != nil {
				t.opts.logger.Error("fetch failed",
					"topic", dataTopic,
					"offset", o,
					"error", fetch.Err,
				)
				continue
			}
			for _, r := range fetch.Records {
				if r.Offset != o {
					continue
				}
				if !bytes.Equal(r.Key, key) {
					// Hash collision at this offset, try the next candidate.
					continue candidates
				}
				if !r.HasValue {
					// Tombstone is the newest record for this key.
					t.opts.metricsCollector.RecordRead(time.Since(start), false)
					t.opts.logger.LogRead(topic, false, false, nil)
					return model.Entry{}, false, nil
				}
				if !bypassCache {
					t.caches[col].Put(kh, cache.Entry{
						Key:       r.Key,
						Value:     r.Value,
						Timestamp: r.Timestamp,
						Mixed:     m,
					})
				}
				t.opts.metricsCollector.RecordRead(time.Since(start), false)
				t.opts.logger.LogRead(topic, false, true, nil)
				return model.Entry{Value: r.Value, Timestamp: r.Timestamp}, true, nil
			}
		}
	}

	t.opts.metricsCollector.RecordRead(time.Since(start), false)
	t.opts.logger.LogRead(topic, false, false, nil)
	return model.Entry{}, false, nil
}

// Write appends kvs to the snapshot file of topic. See WriteTo.
func (t *Table) Write(kvs []KV, topic string) (int, error) {
	return t.WriteTo(kvs, topic, model.SelectorSnapshot)
}

// WriteSnap appends kvs to the snapshot file of topic.
func (t *Table) WriteSnap(kvs []KV, topic string) (int, error) {
	return t.WriteTo(kvs, topic, model.SelectorSnapshot)
}

// WritePost appends kvs to the post file of topic.
func (t *Table) WritePost(kvs []KV, topic string) (int, error) {
	return t.WriteTo(kvs, topic, model.SelectorPost)
}

type pendingWrite struct {
	kh      model.KeyHash
	kv      KV
	prev    model.MixedOffset
	hasPrev bool
}

// WriteTo appends kvs to the selected file of topic, updates the hash
// index and value cache, and mirrors (hash, offset) pairs into the
// matching index log. Records whose value is byte-equal to the cached
// value for the same full key are elided. Returns the number of index
// records written.
func (t *Table) WriteTo(kvs []KV, topic string, f model.FileSelector) (int, error) {
	start := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	col, err := t.column(topic)
	if err != nil {
		return 0, err
	}

	elided := 0
	batch := make([]pendingWrite, 0, len(kvs))
	for _, kv := range kvs {
		kh := t.opts.hasher(kv.Key)
		p := pendingWrite{kh: kh, kv: kv}
		// A cached entry under the same hash counts as the previous offset
		// of this record only when the full key matches; a colliding key's
		// entry must neither elide the write nor be substituted away.
		if ent, ok := t.caches[col].Get(kh); ok && bytes.Equal(ent.Key, kv.Key) {
			if bytes.Equal(ent.Value, kv.Value) {
				elided++
				continue
			}
			p.prev = ent.Mixed
			p.hasPrev = true
		}
		batch = append(batch, p)
	}
	// The log batch runs in reverse input order; per-record offsets below
	// must line up with exactly this order.
	for i, j := 0, len(batch)-1; i < j; i, j = i+1, j-1 {
		batch[i], batch[j] = batch[j], batch[i]
	}

	if len(batch) == 0 {
		t.opts.metricsCollector.RecordWrite(0, elided, time.Since(start))
		return 0, nil
	}

	records := make([]logengine.Record, len(batch))
	for i, p := range batch {
		records[i] = logengine.Record{
			Key:       p.kv.Key,
			Value:     p.kv.Value,
			Timestamp: p.kv.Timestamp,
			HasValue:  true,
		}
	}

	dataTopic := t.topicFor(f, int(col))
	written := 0
	for _, res := range t.db.Write(dataTopic, records, t.opts.compression) {
		if res.Err != nil {
			t.opts.logger.LogWrite(dataTopic, 0, elided, res.Err)
			continue
		}
		if res.Info.NumMessages == 0 {
			continue
		}
		written += t.applyAppend(batch, res.Info, f, col, dataTopic)
	}

	t.opts.metricsCollector.RecordWrite(written, elided, time.Since(start))
	t.opts.logger.LogWrite(dataTopic, written, elided, nil)
	return written, nil
}

// applyAppend installs one successful append into the hash index, cache,
// time index and index log. Caller holds the write lock.
func (t *Table) applyAppend(batch []pendingWrite, info logengine.AppendInfo, f model.FileSelector, col model.Column, dataTopic string) int {
	n := int64(len(batch))
	if info.LastOffset != info.FirstOffset+n-1 {
		panic(fmt.Sprintf(
			"logtable: log engine protocol violation on %q: first=%d last=%d batch=%d",
			dataTopic, info.FirstOffset, info.LastOffset, n,
		))
	}

	idxRecords := make([]logengine.Record, 0, len(batch))
	for i, p := range batch {
		o := info.FirstOffset + int64(i)
		m := model.ToMixed(f, o)

		if p.hasPrev {
			t.offsets.Replace(int32(p.kh), int32(p.prev), int32(m), int(col))
		} else {
			t.offsets.Put(int32(p.kh), int32(m), int(col))
		}
		t.caches[col].Put(p.kh, cache.Entry{
			Key:       p.kv.Key,
			Value:     p.kv.Value,
			Timestamp: p.kv.Timestamp,
			Mixed:     m,
		})
		t.timeIdx.Put(p.kv.Timestamp, p.kv.Key)

		idxRecords = append(idxRecords, indexRecord(p.kh, o))
	}

	written := 0
	idxTopic := IndexTopic(dataTopic)
	for _, res := range t.db.Write(idxTopic, idxRecords, t.opts.compression) {
		if res.Err != nil {
			t.opts.logger.Error("index append failed",
				"topic", idxTopic,
				"error", res.Err,
			)
			continue
		}
		written += int(res.Info.NumMessages)
	}
	return written
}

// indexRecord builds one index-log record: big-endian key hash as the
// key, big-endian raw offset as the value. The file selector is implicit
// in which index topic stores the record.
func indexRecord(kh model.KeyHash, rawOffset int64) logengine.Record {
	key := make([]byte, 4)
	val := make([]byte, 4)
	binary.BigEndian.PutUint32(key, uint32(int32(kh)))
	binary.BigEndian.PutUint32(val, uint32(rawOffset))
	return logengine.Record{Key: key, Value: val, HasValue: true}
}

// Remove appends tombstones for keys. Tombstones always go to the post
// file and their offsets are appended to the hash index rather than
// substituted, so prior offsets for a removed key stay in place;
// reclaiming them is deferred to avoid a locate read during delete.
func (t *Table) Remove(keys [][]byte, topic string) (int, error) {
	start := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	col, err := t.column(topic)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	khs := make([]model.KeyHash, len(keys))
	for i, key := range keys {
		khs[i] = t.opts.hasher(key)
	}
	t.caches[col].Remove(khs...)

	records := make([]logengine.Record, len(keys))
	for i, key := range keys {
		records[i] = logengine.Record{Key: key, Timestamp: -1}
	}

	dataTopic := PostTopic(t.topics[col])
	written := 0
	for _, res := range t.db.Write(dataTopic, records, t.opts.compression) {
		if res.Err != nil {
			t.opts.logger.LogRemove(topic, len(keys), res.Err)
			continue
		}
		if res.Info.NumMessages == 0 {
			continue
		}
		n := int64(len(records))
		if res.Info.LastOffset != res.Info.FirstOffset+n-1 {
			panic(fmt.Sprintf(
				"logtable: log engine protocol violation on %q: first=%d last=%d batch=%d",
				dataTopic, res.Info.FirstOffset, res.Info.LastOffset, n,
			))
		}

		idxRecords := make([]logengine.Record, 0, len(keys))
		for i := range keys {
			o := res.Info.FirstOffset + int64(i)
			t.offsets.Put(int32(khs[i]), int32(model.ToMixed(model.SelectorPost, o)), int(col))
			idxRecords = append(idxRecords, indexRecord(khs[i], o))
		}

		idxTopic := IndexTopic(dataTopic)
		for _, idxRes := range t.db.Write(idxTopic, idxRecords, t.opts.compression) {
			if idxRes.Err != nil {
				t.opts.logger.Error("index append failed",
					"topic", idxTopic,
					"error", idxRes.Err,
				)
				continue
			}
			written += int(idxRes.Info.NumMessages)
		}
	}

	t.opts.metricsCollector.RecordRemove(len(keys), time.Since(start))
	t.opts.logger.LogRemove(topic, len(keys), nil)
	return written, nil
}

// IterateOver streams every record of a data topic from fetchOffset
// through op. topic may be a declared topic or its post variant.
func (t *Table) IterateOver(fetchOffset int64, topic string, op logengine.RecordOp) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, err := t.physicalColumn(topic); err != nil {
		return err
	}
	return t.db.IterateOver(topic, fetchOffset, t.opts.fetchMaxBytes, op)
}

// ReadOnce streams a single batch of a data topic from fetchOffset
// through op. topic may be a declared topic or its post variant.
func (t *Table) ReadOnce(fetchOffset int64, topic string, op logengine.RecordOp) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, err := t.physicalColumn(topic); err != nil {
		return err
	}
	return t.db.ReadOnce(topic, fetchOffset, t.opts.fetchMaxBytes, op)
}

// GetKeyByTime returns the key most recently written with timestamp ts.
// Always absent unless the table was constructed with WithTimeToKey.
func (t *Table) GetKeyByTime(ts int64) ([]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.opts.withTimeToKey {
		return nil, false
	}
	return t.timeIdx.Get(ts)
}

// PutTimeToKey records key as the most recent writer at ts.
func (t *Table) PutTimeToKey(ts int64, key []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.timeIdx.Put(ts, key)
}

// HitRate returns the value-cache hit rate for topic.
func (t *Table) HitRate(topic string) (float64, error) {
	col, err := t.column(topic)
	if err != nil {
		return 0, err
	}
	return t.caches[col].HitRate(), nil
}

// MissRate returns the value-cache miss rate for topic.
func (t *Table) MissRate(topic string) (float64, error) {
	col, err := t.column(topic)
	if err != nil {
		return 0, err
	}
	return t.caches[col].MissRate(), nil
}

// ReadCount returns the number of value-cache lookups for topic since the
// last reset.
func (t *Table) ReadCount(topic string) (int64, error) {
	col, err := t.column(topic)
	if err != nil {
		return 0, err
	}
	return t.caches[col].ReadCount(), nil
}

// ResetHitRate zeroes the value-cache statistics for topic.
func (t *Table) ResetHitRate(topic string) error {
	col, err := t.column(topic)
	if err != nil {
		return err
	}
	t.caches[col].ResetHitRate()
	return nil
}

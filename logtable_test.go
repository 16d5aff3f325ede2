package logtable

import (
	"fmt"
	"sync"
	"testing"

	"github.com/hupe1980/logtable/logengine"
	"github.com/hupe1980/logtable/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T, optFns ...Option) (*Table, *logengine.MemoryEngine) {
	t.Helper()
	db := logengine.NewMemoryEngine()
	tbl, err := New(db, []string{"accounts", "sessions"}, optFns...)
	require.NoError(t, err)
	return tbl, db
}

func TestWriteRead(t *testing.T) {
	tbl, _ := newTestTable(t)

	n, err := tbl.Write([]KV{{Key: []byte("alice"), Value: []byte("100"), Timestamp: 10}}, "accounts")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ent, ok, err := tbl.Read([]byte("alice"), "accounts", false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("100"), ent.Value)
	assert.Equal(t, int64(10), ent.Timestamp)

	// Two cache lookups so far: the write's elision check (miss) and the
	// read (hit, the write installed the value).
	hit, err := tbl.HitRate("accounts")
	require.NoError(t, err)
	assert.Equal(t, 0.5, hit)

	reads, err := tbl.ReadCount("accounts")
	require.NoError(t, err)
	assert.Equal(t, int64(2), reads)
}

func TestRewriteWinsByRecency(t *testing.T) {
	tbl, _ := newTestTable(t)

	for i, v := range []string{"100", "200", "300"} {
		_, err := tbl.Write([]KV{{Key: []byte("alice"), Value: []byte(v), Timestamp: int64(10 + i)}}, "accounts")
		require.NoError(t, err)
	}

	ent, ok, err := tbl.Read([]byte("alice"), "accounts", false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("300"), ent.Value)
	assert.Equal(t, int64(12), ent.Timestamp)

	// Rewrites substitute the previous offset, they do not grow the list.
	assert.Equal(t, 1, tbl.IndexSize())
	assert.Len(t, tbl.offsets.Get(int32(DefaultHasher([]byte("alice"))), 0), 1)
}

func TestWriteElision(t *testing.T) {
	tbl, db := newTestTable(t)

	kvs := []KV{{Key: []byte("alice"), Value: []byte("200"), Timestamp: 11}}
	_, err := tbl.Write(kvs, "accounts")
	require.NoError(t, err)
	require.Equal(t, 1, db.TopicLen("accounts"))

	// Identical value: no new log record, no new index record.
	n, err := tbl.Write([]KV{{Key: []byte("alice"), Value: []byte("200"), Timestamp: 12}}, "accounts")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, db.TopicLen("accounts"))
	assert.Equal(t, 1, db.TopicLen(IndexTopic("accounts")))

	// A different value for the same key does append.
	_, err = tbl.Write([]KV{{Key: []byte("alice"), Value: []byte("300"), Timestamp: 13}}, "accounts")
	require.NoError(t, err)
	assert.Equal(t, 2, db.TopicLen("accounts"))
}

func TestWriteBatch(t *testing.T) {
	tbl, db := newTestTable(t)

	n, err := tbl.Write([]KV{
		{Key: []byte("alice"), Value: []byte("1"), Timestamp: 1},
		{Key: []byte("john"), Value: []byte("2"), Timestamp: 2},
		{Key: []byte("carol"), Value: []byte("3"), Timestamp: 3},
	}, "accounts")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, db.TopicLen("accounts"))

	for key, want := range map[string]string{"alice": "1", "john": "2", "carol": "3"} {
		ent, ok, err := tbl.Read([]byte(key), "accounts", false)
		require.NoError(t, err)
		require.True(t, ok, "key %q", key)
		assert.Equal(t, []byte(want), ent.Value)
	}
}

func TestRemove(t *testing.T) {
	tbl, db := newTestTable(t)

	_, err := tbl.Write([]KV{{Key: []byte("alice"), Value: []byte("100"), Timestamp: 10}}, "accounts")
	require.NoError(t, err)

	n, err := tbl.Remove([][]byte{[]byte("alice")}, "accounts")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Tombstones always land in the post file, with matching index log.
	assert.Equal(t, 1, db.TopicLen(PostTopic("accounts")))
	assert.Equal(t, 1, db.TopicLen(IndexTopic(PostTopic("accounts"))))

	_, ok, err := tbl.Read([]byte("alice"), "accounts", false)
	require.NoError(t, err)
	assert.False(t, ok)

	// Still absent on a second read (the tombstone is not cached).
	_, ok, err = tbl.Read([]byte("alice"), "accounts", false)
	require.NoError(t, err)
	assert.False(t, ok)

	// A remove appends to the offset list, it does not substitute.
	assert.Equal(t, 1, tbl.IndexSize())
	assert.Len(t, tbl.offsets.Get(int32(DefaultHasher([]byte("alice"))), 0), 2)

	// Rewriting after a remove makes the key visible again.
	_, err = tbl.Write([]KV{{Key: []byte("alice"), Value: []byte("150"), Timestamp: 20}}, "accounts")
	require.NoError(t, err)

	ent, ok, err := tbl.Read([]byte("alice"), "accounts", false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("150"), ent.Value)
}

func TestRemoveMissingKey(t *testing.T) {
	tbl, db := newTestTable(t)

	n, err := tbl.Remove([][]byte{[]byte("ghost")}, "accounts")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, db.TopicLen(PostTopic("accounts")))

	_, ok, err := tbl.Read([]byte("ghost"), "accounts", false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashCollisionTolerance(t *testing.T) {
	// All keys share one hash; resolution must fall back to full keys.
	tbl, _ := newTestTable(t, WithHasher(func([]byte) model.KeyHash { return 7 }))

	_, err := tbl.Write([]KV{{Key: []byte("k1"), Value: []byte("A"), Timestamp: 1}}, "accounts")
	require.NoError(t, err)
	_, err = tbl.Write([]KV{{Key: []byte("k2"), Value: []byte("B"), Timestamp: 2}}, "accounts")
	require.NoError(t, err)

	// One hash, two offsets.
	assert.Equal(t, 1, tbl.IndexSize())
	assert.Len(t, tbl.offsets.Get(7, 0), 2)

	ent, ok, err := tbl.Read([]byte("k1"), "accounts", false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("A"), ent.Value)

	ent, ok, err = tbl.Read([]byte("k2"), "accounts", false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("B"), ent.Value)

	// A colliding third key that was never written stays absent.
	_, ok, err = tbl.Read([]byte("k3"), "accounts", false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTopicIsolation(t *testing.T) {
	tbl, _ := newTestTable(t)

	_, err := tbl.Write([]KV{{Key: []byte("alice"), Value: []byte("acc"), Timestamp: 1}}, "accounts")
	require.NoError(t, err)
	_, err = tbl.Write([]KV{{Key: []byte("alice"), Value: []byte("sess"), Timestamp: 2}}, "sessions")
	require.NoError(t, err)

	ent, ok, err := tbl.Read([]byte("alice"), "accounts", false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("acc"), ent.Value)

	ent, ok, err = tbl.Read([]byte("alice"), "sessions", false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("sess"), ent.Value)
}

func TestWritePost(t *testing.T) {
	tbl, db := newTestTable(t)

	_, err := tbl.WritePost([]KV{{Key: []byte("alice"), Value: []byte("100"), Timestamp: 1}}, "accounts")
	require.NoError(t, err)

	assert.Equal(t, 0, db.TopicLen("accounts"))
	assert.Equal(t, 1, db.TopicLen(PostTopic("accounts")))
	assert.Equal(t, 1, db.TopicLen(IndexTopic(PostTopic("accounts"))))

	ent, ok, err := tbl.Read([]byte("alice"), "accounts", false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("100"), ent.Value)
}

func TestUnknownTopic(t *testing.T) {
	tbl, _ := newTestTable(t)

	_, _, err := tbl.Read([]byte("k"), "nope", false)
	assert.ErrorIs(t, err, ErrUnknownTopic)

	_, err = tbl.Write([]KV{{Key: []byte("k"), Value: []byte("v")}}, "nope")
	assert.ErrorIs(t, err, ErrUnknownTopic)

	_, err = tbl.Remove([][]byte{[]byte("k")}, "nope")
	assert.ErrorIs(t, err, ErrUnknownTopic)

	err = tbl.IterateOver(0, "nope", func(logengine.Record) error { return nil })
	assert.ErrorIs(t, err, ErrUnknownTopic)

	_, err = tbl.HitRate("nope")
	assert.ErrorIs(t, err, ErrUnknownTopic)
}

func TestConstructionErrors(t *testing.T) {
	db := logengine.NewMemoryEngine()

	_, err := New(db, nil)
	assert.ErrorIs(t, err, ErrNoTopics)

	_, err = New(db, []string{"a", "a"})
	var dup *ErrDuplicateTopic
	assert.ErrorAs(t, err, &dup)
}

func TestRebuildFromIndexLogs(t *testing.T) {
	db := logengine.NewMemoryEngine()
	tbl, err := New(db, []string{"accounts"})
	require.NoError(t, err)

	_, err = tbl.Write([]KV{
		{Key: []byte("alice"), Value: []byte("100"), Timestamp: 1},
		{Key: []byte("john"), Value: []byte("200"), Timestamp: 2},
	}, "accounts")
	require.NoError(t, err)
	_, err = tbl.Write([]KV{{Key: []byte("alice"), Value: []byte("300"), Timestamp: 3}}, "accounts")
	require.NoError(t, err)
	_, err = tbl.Remove([][]byte{[]byte("john")}, "accounts")
	require.NoError(t, err)

	// A second table over the same logs resolves every key identically.
	tbl2, err := New(db, []string{"accounts"})
	require.NoError(t, err)

	assert.Equal(t, tbl.IndexSize(), tbl2.IndexSize())

	ent, ok, err := tbl2.Read([]byte("alice"), "accounts", false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("300"), ent.Value)

	_, ok, err = tbl2.Read([]byte("john"), "accounts", false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBypassCache(t *testing.T) {
	db := logengine.NewMemoryEngine()
	tbl, err := New(db, []string{"accounts"})
	require.NoError(t, err)
	_, err = tbl.Write([]KV{{Key: []byte("alice"), Value: []byte("100"), Timestamp: 1}}, "accounts")
	require.NoError(t, err)

	// Fresh table, fresh (empty) cache over the same logs.
	tbl2, err := New(db, []string{"accounts"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		ent, ok, err := tbl2.Read([]byte("alice"), "accounts", true)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("100"), ent.Value)
	}

	// Bypass reads resolved from the log both times.
	hit, err := tbl2.HitRate("accounts")
	require.NoError(t, err)
	assert.Equal(t, 0.0, hit)

	// A regular read installs the value; the next one hits.
	_, _, err = tbl2.Read([]byte("alice"), "accounts", false)
	require.NoError(t, err)
	_, ok, err := tbl2.Read([]byte("alice"), "accounts", false)
	require.NoError(t, err)
	require.True(t, ok)

	reads, err := tbl2.ReadCount("accounts")
	require.NoError(t, err)
	assert.Equal(t, int64(4), reads)
	hit, err = tbl2.HitRate("accounts")
	require.NoError(t, err)
	assert.Equal(t, 0.25, hit)

	require.NoError(t, tbl2.ResetHitRate("accounts"))
	reads, err = tbl2.ReadCount("accounts")
	require.NoError(t, err)
	assert.Equal(t, int64(0), reads)
}

func TestTimeToKey(t *testing.T) {
	tbl, db := newTestTable(t, WithTimeToKey())

	_, err := tbl.Write([]KV{{Key: []byte("x"), Value: []byte("1"), Timestamp: 5}}, "accounts")
	require.NoError(t, err)

	key, ok := tbl.GetKeyByTime(5)
	require.True(t, ok)
	assert.Equal(t, []byte("x"), key)

	// Last writer at a timestamp wins.
	_, err = tbl.Write([]KV{{Key: []byte("y"), Value: []byte("2"), Timestamp: 5}}, "accounts")
	require.NoError(t, err)

	key, ok = tbl.GetKeyByTime(5)
	require.True(t, ok)
	assert.Equal(t, []byte("y"), key)

	_, ok = tbl.GetKeyByTime(4)
	assert.False(t, ok)

	// Unset timestamps never reach the index.
	_, err = tbl.Write([]KV{{Key: []byte("z"), Value: []byte("3"), Timestamp: -1}}, "accounts")
	require.NoError(t, err)
	_, ok = tbl.GetKeyByTime(-1)
	assert.False(t, ok)

	// The loader rebuilds the index from the first column's data logs.
	tbl2, err := New(db, []string{"accounts", "sessions"}, WithTimeToKey())
	require.NoError(t, err)
	key, ok = tbl2.GetKeyByTime(5)
	require.True(t, ok)
	assert.Equal(t, []byte("y"), key)

	// Manual insertion is served too.
	tbl.PutTimeToKey(99, []byte("manual"))
	key, ok = tbl.GetKeyByTime(99)
	require.True(t, ok)
	assert.Equal(t, []byte("manual"), key)
}

func TestTimeToKeyDisabled(t *testing.T) {
	tbl, _ := newTestTable(t)

	_, err := tbl.Write([]KV{{Key: []byte("x"), Value: []byte("1"), Timestamp: 5}}, "accounts")
	require.NoError(t, err)

	// Writes record into the index regardless, but reads report absent
	// without the option.
	_, ok := tbl.GetKeyByTime(5)
	assert.False(t, ok)
}

func TestIterateOver(t *testing.T) {
	tbl, _ := newTestTable(t)

	for i := 0; i < 5; i++ {
		_, err := tbl.Write([]KV{{
			Key:       []byte(fmt.Sprintf("key-%d", i)),
			Value:     []byte(fmt.Sprintf("val-%d", i)),
			Timestamp: int64(i),
		}}, "accounts")
		require.NoError(t, err)
	}

	var keys []string
	err := tbl.IterateOver(2, "accounts", func(r logengine.Record) error {
		keys = append(keys, string(r.Key))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"key-2", "key-3", "key-4"}, keys)

	// The post topic is addressable as well.
	_, err = tbl.Remove([][]byte{[]byte("key-0")}, "accounts")
	require.NoError(t, err)

	var tombstones int
	err = tbl.IterateOver(0, PostTopic("accounts"), func(r logengine.Record) error {
		if !r.HasValue {
			tombstones++
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, tombstones)
}

func TestReadOnce(t *testing.T) {
	tbl, _ := newTestTable(t)

	for i := 0; i < 3; i++ {
		_, err := tbl.Write([]KV{{
			Key:   []byte(fmt.Sprintf("key-%d", i)),
			Value: []byte("0123456789"),
		}}, "accounts")
		require.NoError(t, err)
	}

	var n int
	err := tbl.ReadOnce(0, "accounts", func(logengine.Record) error {
		n++
		return nil
	})
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	tbl, _ := newTestTable(t)

	const keys = 64

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < keys; i++ {
			_, err := tbl.Write([]KV{{
				Key:       []byte(fmt.Sprintf("key-%d", i)),
				Value:     []byte(fmt.Sprintf("val-%d", i)),
				Timestamp: int64(i),
			}}, "accounts")
			assert.NoError(t, err)
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < keys; i++ {
				key := []byte(fmt.Sprintf("key-%d", i%keys))
				ent, ok, err := tbl.Read(key, "accounts", false)
				assert.NoError(t, err)
				if ok {
					assert.Equal(t, []byte(fmt.Sprintf("val-%d", i%keys)), ent.Value)
				}
			}
		}()
	}
	wg.Wait()

	// Everything the writer published is readable afterwards.
	for i := 0; i < keys; i++ {
		ent, ok, err := tbl.Read([]byte(fmt.Sprintf("key-%d", i)), "accounts", false)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte(fmt.Sprintf("val-%d", i)), ent.Value)
	}
}

func TestMetricsCollector(t *testing.T) {
	metrics := &BasicMetricsCollector{}
	tbl, _ := newTestTable(t, WithMetricsCollector(metrics))

	_, err := tbl.Write([]KV{{Key: []byte("alice"), Value: []byte("100"), Timestamp: 1}}, "accounts")
	require.NoError(t, err)
	_, err = tbl.Write([]KV{{Key: []byte("alice"), Value: []byte("100"), Timestamp: 2}}, "accounts")
	require.NoError(t, err)
	_, _, err = tbl.Read([]byte("alice"), "accounts", false)
	require.NoError(t, err)
	_, err = tbl.Remove([][]byte{[]byte("alice")}, "accounts")
	require.NoError(t, err)

	stats := metrics.GetStats()
	assert.Equal(t, int64(1), stats.ReadCount)
	assert.Equal(t, int64(1), stats.ReadHits)
	assert.Equal(t, int64(2), stats.WriteCount)
	assert.Equal(t, int64(1), stats.WriteAppended)
	assert.Equal(t, int64(1), stats.WriteElided)
	assert.Equal(t, int64(1), stats.RemoveCount)
}

func TestTableOverDiskEngine(t *testing.T) {
	dir := t.TempDir()

	db, err := logengine.OpenDisk(dir)
	require.NoError(t, err)

	tbl, err := New(db, []string{"accounts"}, WithCompression(logengine.CompressionZstd), WithTimeToKey())
	require.NoError(t, err)

	_, err = tbl.Write([]KV{
		{Key: []byte("alice"), Value: []byte("100"), Timestamp: 10},
		{Key: []byte("john"), Value: []byte("200"), Timestamp: 11},
	}, "accounts")
	require.NoError(t, err)
	_, err = tbl.Remove([][]byte{[]byte("john")}, "accounts")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Reopen the store, rebuild the table, resolve through real files.
	db2, err := logengine.OpenDisk(dir)
	require.NoError(t, err)
	defer db2.Close()

	tbl2, err := New(db2, []string{"accounts"}, WithCompression(logengine.CompressionZstd), WithTimeToKey())
	require.NoError(t, err)

	ent, ok, err := tbl2.Read([]byte("alice"), "accounts", false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("100"), ent.Value)
	assert.Equal(t, int64(10), ent.Timestamp)

	_, ok, err = tbl2.Read([]byte("john"), "accounts", false)
	require.NoError(t, err)
	assert.False(t, ok)

	key, ok := tbl2.GetKeyByTime(11)
	require.True(t, ok)
	assert.Equal(t, []byte("john"), key)
}

// Package logtable provides a hash-indexed key/value overlay on top of an
// append-only record log.
//
// For a fixed set of named topics, a Table keeps an in-memory index from
// the 32-bit hash of each key to the log offsets where records for keys
// of that hash were appended. Point reads resolve a key by walking the
// candidate offsets newest-first, fetching a small record window per
// candidate, and selecting the record whose full key matches. Writes
// append to the log, update the index and a per-topic FIFO value cache,
// and mirror (hash, offset) pairs into an index log from which the
// in-memory index is rebuilt at startup.
//
// Each topic is physically split into a snapshot file and a post file;
// offsets into either are packed into one int32 with the top bit as the
// file selector. Tombstones always go to the post file.
//
// # Quick Start
//
//	db := logengine.NewMemoryEngine()
//	tbl, _ := logtable.New(db, []string{"accounts"})
//
//	tbl.Write([]logtable.KV{{Key: []byte("alice"), Value: []byte("100"), Timestamp: 10}}, "accounts")
//
//	ent, ok, _ := tbl.Read([]byte("alice"), "accounts", false)
//	// ok == true, ent.Value == []byte("100"), ent.Timestamp == 10
//
// A file-backed log engine with per-batch compression lives in the
// logengine package; pass logengine.OpenDisk's result instead of the
// memory engine for persistence.
//
// The Table is safe for concurrent use: reads run in parallel, writes
// serialize behind a single write lock, and the index is rebuilt before
// the constructor returns, so no locking is needed during startup load.
package logtable

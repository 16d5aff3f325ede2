package logengine

import (
	"sync"

	"github.com/hupe1980/logtable/model"
)

// readBackoff is how many records a fetch window starts before the
// requested offset. Returning earlier records mimics log services that
// fetch at batch granularity and keeps callers honest about matching on
// exact offsets.
const readBackoff = 2

// MemoryEngine is an in-memory Engine for tests and embedding.
// All records live on the Go heap; offsets are dense from zero and every
// topic has a single partition 0.
type MemoryEngine struct {
	mu     sync.Mutex
	topics map[string][]Record
}

var _ Engine = (*MemoryEngine)(nil)

// NewMemoryEngine creates an empty MemoryEngine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		topics: make(map[string][]Record),
	}
}

// Write appends records to topic. Compression is accepted for interface
// compatibility and ignored. Key and value bytes are copied.
func (e *MemoryEngine) Write(topic string, records []Record, _ Compression) []AppendResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(records) == 0 {
		return []AppendResult{{Partition: 0, Info: AppendInfo{FirstOffset: -1, LastOffset: -1}}}
	}

	log := e.topics[topic]
	first := int64(len(log))
	last := first + int64(len(records)) - 1
	if last > model.MaxRawOffset {
		return []AppendResult{{Partition: 0, Err: &ErrOffsetOverflow{Topic: topic, Offset: last}}}
	}

	for i, r := range records {
		log = append(log, Record{
			Offset:    first + int64(i),
			Key:       append([]byte(nil), r.Key...),
			Value:     append([]byte(nil), r.Value...),
			Timestamp: r.Timestamp,
			HasValue:  r.HasValue,
		})
	}
	e.topics[topic] = log

	return []AppendResult{{
		Partition: 0,
		Info: AppendInfo{
			FirstOffset: first,
			LastOffset:  last,
			NumMessages: int32(len(records)),
		},
	}}
}

// Read returns a batch starting at or before offset. The record at the
// requested offset is always included when it exists; later records are
// added while the payload stays under maxBytes.
func (e *MemoryEngine) Read(topic string, offset int64, maxBytes int) []FetchResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	log := e.topics[topic]
	if offset < 0 || offset >= int64(len(log)) {
		return []FetchResult{{Partition: 0}}
	}

	start := offset - readBackoff
	if start < 0 {
		start = 0
	}

	var (
		batch []Record
		size  int
	)
	for i := start; i < int64(len(log)); i++ {
		r := log[i]
		size += len(r.Key) + len(r.Value)
		if i > offset && size > maxBytes {
			break
		}
		batch = append(batch, r)
	}

	return []FetchResult{{Partition: 0, Records: batch}}
}

// IterateOver streams all records from fromOffset through op.
func (e *MemoryEngine) IterateOver(topic string, fromOffset int64, _ int, op RecordOp) error {
	e.mu.Lock()
	log := e.topics[topic]
	e.mu.Unlock()

	if fromOffset < 0 {
		fromOffset = 0
	}
	for i := fromOffset; i < int64(len(log)); i++ {
		if err := op(log[i]); err != nil {
			return err
		}
	}
	return nil
}

// ReadOnce streams a single batch of at most maxBytes payload from fromOffset.
// The first record is always delivered, even when it alone exceeds maxBytes.
func (e *MemoryEngine) ReadOnce(topic string, fromOffset int64, maxBytes int, op RecordOp) error {
	e.mu.Lock()
	log := e.topics[topic]
	e.mu.Unlock()

	if fromOffset < 0 {
		fromOffset = 0
	}
	size := 0
	for i := fromOffset; i < int64(len(log)); i++ {
		r := log[i]
		size += len(r.Key) + len(r.Value)
		if i > fromOffset && size > maxBytes {
			break
		}
		if err := op(r); err != nil {
			return err
		}
	}
	return nil
}

// TopicLen returns the number of records appended to topic. Test helper.
func (e *MemoryEngine) TopicLen(topic string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.topics[topic])
}

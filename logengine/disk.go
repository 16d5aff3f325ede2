package logengine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/hupe1980/logtable/model"
	"github.com/hupe1980/logtable/resource"
)

var (
	manifestMagic = [4]byte{'L', 'T', 'M', '0'}
	topicMagic    = [4]byte{'L', 'T', 'L', '0'}
)

const (
	formatVersion  = uint16(1)
	manifestLen    = 4 + 2 + 16
	topicHeaderLen = 4 + 2 + 16
	manifestName   = "MANIFEST"
)

// ErrStoreMismatch indicates a topic file that belongs to a different
// store than the manifest it was opened under.
type ErrStoreMismatch struct {
	Path string
	Want uuid.UUID
	Got  uuid.UUID
}

func (e *ErrStoreMismatch) Error() string {
	return fmt.Sprintf("logengine: %s belongs to store %s, not %s", e.Path, e.Got, e.Want)
}

// DiskOptions configures a DiskEngine.
type DiskOptions struct {
	// SyncWrites fsyncs after every append. Slow; use when the log is the
	// only copy of the data.
	SyncWrites bool

	// Controller throttles fetch concurrency and IO throughput.
	// Nil disables throttling.
	Controller *resource.Controller
}

// DiskEngine is a file-backed Engine. Each topic is one append-only file
// of compressed record frames under the store directory; a manifest
// carries the store identity, which every topic file repeats so files
// from different stores cannot be mixed. Partition is always 0.
type DiskEngine struct {
	mu      sync.Mutex
	dir     string
	storeID uuid.UUID
	topics  map[string]*topicLog
	opts    DiskOptions
	closed  bool
}

var _ Engine = (*DiskEngine)(nil)

type frameIndex struct {
	firstOffset int64
	pos         int64
}

type topicLog struct {
	f          *os.File
	size       int64
	nextOffset int64
	frames     []frameIndex
}

// OpenDisk opens or creates a disk-backed log store at dir.
func OpenDisk(dir string, optFns ...func(*DiskOptions)) (*DiskEngine, error) {
	var opts DiskOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("logengine: create store dir: %w", err)
	}

	id, err := loadOrCreateManifest(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, err
	}

	return &DiskEngine{
		dir:     dir,
		storeID: id,
		topics:  make(map[string]*topicLog),
		opts:    opts,
	}, nil
}

// StoreID returns the identity of the store.
func (e *DiskEngine) StoreID() uuid.UUID {
	return e.storeID
}

// Close closes all topic files. Further operations fail with ErrClosed.
func (e *DiskEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	var firstErr error
	for _, t := range e.topics {
		if err := t.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func loadOrCreateManifest(path string) (uuid.UUID, error) {
	buf, err := os.ReadFile(path) //nolint:gosec // path is under the configured store dir
	switch {
	case errors.Is(err, os.ErrNotExist):
		id := uuid.New()
		out := make([]byte, 0, manifestLen)
		out = append(out, manifestMagic[:]...)
		out = binary.LittleEndian.AppendUint16(out, formatVersion)
		out = append(out, id[:]...)
		if err := os.WriteFile(path, out, 0o600); err != nil {
			return uuid.Nil, fmt.Errorf("logengine: write manifest: %w", err)
		}
		return id, nil
	case err != nil:
		return uuid.Nil, fmt.Errorf("logengine: read manifest: %w", err)
	}

	if len(buf) < manifestLen || [4]byte(buf[:4]) != manifestMagic {
		return uuid.Nil, fmt.Errorf("logengine: invalid manifest %s", path)
	}
	if v := binary.LittleEndian.Uint16(buf[4:6]); v != formatVersion {
		return uuid.Nil, fmt.Errorf("logengine: unsupported manifest version %d", v)
	}
	id, err := uuid.FromBytes(buf[6 : 6+16])
	if err != nil {
		return uuid.Nil, fmt.Errorf("logengine: manifest store id: %w", err)
	}
	return id, nil
}

func (e *DiskEngine) topicPath(topic string) string {
	return filepath.Join(e.dir, topic+".log")
}

// openTopic returns the topic state, opening and scanning the file on
// first use. Caller holds e.mu.
func (e *DiskEngine) openTopic(topic string, create bool) (*topicLog, error) {
	if t, ok := e.topics[topic]; ok {
		return t, nil
	}

	path := e.topicPath(topic)
	if !create {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600) //nolint:gosec // path is under the configured store dir
	if err != nil {
		return nil, fmt.Errorf("logengine: open topic %q: %w", topic, err)
	}

	t := &topicLog{f: f}
	if err := e.scanTopic(t, path); err != nil {
		_ = f.Close()
		return nil, err
	}
	e.topics[topic] = t
	return t, nil
}

// scanTopic reads or writes the header and rebuilds the frame index.
func (e *DiskEngine) scanTopic(t *topicLog, path string) error {
	st, err := t.f.Stat()
	if err != nil {
		return fmt.Errorf("logengine: stat %s: %w", path, err)
	}

	if st.Size() == 0 {
		head := make([]byte, 0, topicHeaderLen)
		head = append(head, topicMagic[:]...)
		head = binary.LittleEndian.AppendUint16(head, formatVersion)
		head = append(head, e.storeID[:]...)
		if _, err := t.f.Write(head); err != nil {
			return fmt.Errorf("logengine: write topic header: %w", err)
		}
		t.size = topicHeaderLen
		return nil
	}

	head := make([]byte, topicHeaderLen)
	if _, err := io.ReadFull(t.f, head); err != nil {
		return fmt.Errorf("logengine: read topic header %s: %w", path, err)
	}
	if [4]byte(head[:4]) != topicMagic {
		return fmt.Errorf("logengine: %s is not a topic file", path)
	}
	if v := binary.LittleEndian.Uint16(head[4:6]); v != formatVersion {
		return fmt.Errorf("logengine: unsupported topic version %d in %s", v, path)
	}
	id, err := uuid.FromBytes(head[6 : 6+16])
	if err != nil {
		return fmt.Errorf("logengine: topic store id: %w", err)
	}
	if id != e.storeID {
		return &ErrStoreMismatch{Path: path, Want: e.storeID, Got: id}
	}

	pos := int64(topicHeaderLen)
	for pos < st.Size() {
		h, err := readFrameHeader(io.NewSectionReader(t.f, pos, st.Size()-pos))
		if err != nil {
			return fmt.Errorf("logengine: scan %s at %d: %w", path, pos, err)
		}
		t.frames = append(t.frames, frameIndex{firstOffset: h.firstOffset, pos: pos})
		t.nextOffset = h.firstOffset + int64(h.count)
		pos += int64(4 + frameHeaderLen + h.payloadLen)
	}
	t.size = pos

	if _, err := t.f.Seek(t.size, io.SeekStart); err != nil {
		return fmt.Errorf("logengine: seek %s: %w", path, err)
	}
	return nil
}

// Write appends records to topic as one compressed frame.
func (e *DiskEngine) Write(topic string, records []Record, compression Compression) []AppendResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return []AppendResult{{Partition: 0, Err: ErrClosed}}
	}
	if len(records) == 0 {
		return []AppendResult{{Partition: 0, Info: AppendInfo{FirstOffset: -1, LastOffset: -1}}}
	}

	t, err := e.openTopic(topic, true)
	if err != nil {
		return []AppendResult{{Partition: 0, Err: err}}
	}

	first := t.nextOffset
	last := first + int64(len(records)) - 1
	if last > model.MaxRawOffset {
		return []AppendResult{{Partition: 0, Err: &ErrOffsetOverflow{Topic: topic, Offset: last}}}
	}

	raw := encodePayload(records)
	payload, codec, err := compress(compression, raw)
	if err != nil {
		return []AppendResult{{Partition: 0, Err: err}}
	}

	if err := e.opts.Controller.AcquireIO(context.Background(), len(payload)); err != nil {
		return []AppendResult{{Partition: 0, Err: err}}
	}

	n, err := writeFrame(t.f, codec, len(records), first, len(raw), payload)
	if err != nil {
		return []AppendResult{{Partition: 0, Err: fmt.Errorf("logengine: append to %q: %w", topic, err)}}
	}
	if e.opts.SyncWrites {
		if err := t.f.Sync(); err != nil {
			return []AppendResult{{Partition: 0, Err: fmt.Errorf("logengine: sync %q: %w", topic, err)}}
		}
	}

	t.frames = append(t.frames, frameIndex{firstOffset: first, pos: t.size})
	t.size += n
	t.nextOffset = last + 1

	return []AppendResult{{
		Partition: 0,
		Info: AppendInfo{
			FirstOffset: first,
			LastOffset:  last,
			NumMessages: int32(len(records)),
		},
	}}
}

// frameAt returns the index of the frame containing offset, or -1.
func (t *topicLog) frameAt(offset int64) int {
	if offset < 0 || offset >= t.nextOffset || len(t.frames) == 0 {
		return -1
	}
	i := sort.Search(len(t.frames), func(i int) bool {
		return t.frames[i].firstOffset > offset
	})
	return i - 1
}

// readFrameAt decodes the frame at index i. Caller holds e.mu.
func (e *DiskEngine) readFrameAt(t *topicLog, i int) (frameHeader, []Record, error) {
	pos := t.frames[i].pos
	sr := io.NewSectionReader(t.f, pos, t.size-pos)
	h, records, err := readFrame(sr)
	if err != nil {
		return frameHeader{}, nil, err
	}
	if err := e.opts.Controller.AcquireIO(context.Background(), h.payloadLen); err != nil {
		return frameHeader{}, nil, err
	}
	return h, records, nil
}

// Read returns a batch starting at or before offset: the full frame the
// offset lives in, plus following frames while under maxBytes of decoded
// payload.
func (e *DiskEngine) Read(topic string, offset int64, maxBytes int) []FetchResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return []FetchResult{{Partition: 0, Err: ErrClosed}}
	}

	if err := e.opts.Controller.AcquireFetch(context.Background()); err != nil {
		return []FetchResult{{Partition: 0, Err: err}}
	}
	defer e.opts.Controller.ReleaseFetch()

	t, err := e.openTopic(topic, false)
	if err != nil {
		return []FetchResult{{Partition: 0, Err: err}}
	}
	if t == nil {
		return []FetchResult{{Partition: 0}}
	}

	i := t.frameAt(offset)
	if i < 0 {
		return []FetchResult{{Partition: 0}}
	}

	var (
		batch []Record
		size  int
	)
	for ; i < len(t.frames); i++ {
		h, records, err := e.readFrameAt(t, i)
		if err != nil {
			return []FetchResult{{Partition: 0, Err: err}}
		}
		batch = append(batch, records...)
		size += h.rawLen
		if size > maxBytes {
			break
		}
	}
	return []FetchResult{{Partition: 0, Records: batch}}
}

// IterateOver streams all records from fromOffset through op.
func (e *DiskEngine) IterateOver(topic string, fromOffset int64, maxBytes int, op RecordOp) error {
	return e.stream(topic, fromOffset, maxBytes, op, false)
}

// ReadOnce streams a single batch of roughly maxBytes from fromOffset.
func (e *DiskEngine) ReadOnce(topic string, fromOffset int64, maxBytes int, op RecordOp) error {
	return e.stream(topic, fromOffset, maxBytes, op, true)
}

func (e *DiskEngine) stream(topic string, fromOffset int64, maxBytes int, op RecordOp, once bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	if err := e.opts.Controller.AcquireFetch(context.Background()); err != nil {
		return err
	}
	defer e.opts.Controller.ReleaseFetch()

	t, err := e.openTopic(topic, false)
	if err != nil {
		return err
	}
	if t == nil || t.nextOffset == 0 {
		return nil
	}

	if fromOffset < 0 {
		fromOffset = 0
	}
	i := t.frameAt(fromOffset)
	if i < 0 {
		if fromOffset >= t.nextOffset {
			return nil
		}
		i = 0
	}

	size := 0
	for ; i < len(t.frames); i++ {
		h, records, err := e.readFrameAt(t, i)
		if err != nil {
			return err
		}
		for _, r := range records {
			if r.Offset < fromOffset {
				continue
			}
			if err := op(r); err != nil {
				return err
			}
		}
		size += h.rawLen
		if once && size >= maxBytes {
			return nil
		}
	}
	return nil
}

package logtable

import (
	"hash/fnv"
	"log/slog"
	"math"

	"github.com/hupe1980/logtable/cache"
	"github.com/hupe1980/logtable/hashoffsets"
	"github.com/hupe1980/logtable/logengine"
	"github.com/hupe1980/logtable/model"
)

// Hasher derives the 32-bit key hash the index is built on. The hash
// function is part of the persisted index-log contract: changing it
// invalidates every index log written with the old one.
type Hasher func(key []byte) model.KeyHash

// DefaultHasher hashes keys with 32-bit FNV-1a. The hashoffsets empty-slot
// sentinel is remapped so it can never collide with a real key hash.
func DefaultHasher(key []byte) model.KeyHash {
	h := fnv.New32a()
	_, _ = h.Write(key)
	v := int32(h.Sum32())
	if v == hashoffsets.NoKey {
		v = math.MaxInt32
	}
	return model.KeyHash(v)
}

// DefaultFetchMaxBytes bounds the record window fetched per candidate
// offset during point reads.
const DefaultFetchMaxBytes = 64 * 1024

type options struct {
	cacheSize         int
	fetchMaxBytes     int
	indexCapacityHint int
	withTimeToKey     bool
	compression       logengine.Compression
	hasher            Hasher
	logger            *Logger
	metricsCollector  MetricsCollector
}

// Option configures Table construction.
type Option func(*options)

// WithCacheSize bounds each topic's value cache to n entries.
func WithCacheSize(n int) Option {
	return func(o *options) {
		o.cacheSize = n
	}
}

// WithFetchMaxBytes sets the record-window size fetched per candidate
// offset during point reads. Larger windows tolerate bigger records at
// the cost of read amplification.
func WithFetchMaxBytes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.fetchMaxBytes = n
		}
	}
}

// WithIndexCapacityHint pre-sizes the per-column hash index for roughly n
// distinct key hashes.
func WithIndexCapacityHint(n int) Option {
	return func(o *options) {
		o.indexCapacityHint = n
	}
}

// WithTimeToKey enables the timestamp-to-key index: it is loaded from the
// first topic's data logs at startup and served by GetKeyByTime. Without
// this option GetKeyByTime always reports absent, though writes still
// record into the index.
func WithTimeToKey() Option {
	return func(o *options) {
		o.withTimeToKey = true
	}
}

// WithCompression selects the codec for log appends issued by the table.
func WithCompression(c logengine.Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithHasher overrides the key hash function.
// Pass nil to keep DefaultHasher.
func WithHasher(h Hasher) Option {
	return func(o *options) {
		if h != nil {
			o.hasher = h
		}
	}
}

// WithLogger configures structured logging for operations.
//
// Example with JSON logging:
//
//	logger := logtable.NewJSONLogger(slog.LevelInfo)
//	tbl, _ := logtable.New(db, topics, logtable.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc != nil {
			o.metricsCollector = mc
		}
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		cacheSize:        cache.DefaultSize,
		fetchMaxBytes:    DefaultFetchMaxBytes,
		compression:      logengine.CompressionNone,
		hasher:           DefaultHasher,
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

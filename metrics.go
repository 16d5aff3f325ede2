package logtable

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordRead is called after each point read.
	// hit reports whether the value cache served the read.
	RecordRead(duration time.Duration, hit bool)

	// RecordWrite is called after each batch write.
	// appended is the number of records handed to the log, elided the
	// number skipped because their value matched the cache.
	RecordWrite(appended, elided int, duration time.Duration)

	// RecordRemove is called after each remove batch.
	RecordRemove(count int, duration time.Duration)

	// RecordLoad is called once per column after the startup index load.
	RecordLoad(column, records int, duration time.Duration)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordRead(time.Duration, bool)      {}
func (NoopMetricsCollector) RecordWrite(int, int, time.Duration) {}
func (NoopMetricsCollector) RecordRemove(int, time.Duration)     {}
func (NoopMetricsCollector) RecordLoad(int, int, time.Duration)  {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	ReadCount      atomic.Int64
	ReadHits       atomic.Int64
	ReadTotalNanos atomic.Int64
	WriteCount     atomic.Int64
	WriteAppended  atomic.Int64
	WriteElided    atomic.Int64
	RemoveCount    atomic.Int64
	LoadRecords    atomic.Int64
}

// RecordRead implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRead(duration time.Duration, hit bool) {
	b.ReadCount.Add(1)
	b.ReadTotalNanos.Add(duration.Nanoseconds())
	if hit {
		b.ReadHits.Add(1)
	}
}

// RecordWrite implements MetricsCollector.
func (b *BasicMetricsCollector) RecordWrite(appended, elided int, _ time.Duration) {
	b.WriteCount.Add(1)
	b.WriteAppended.Add(int64(appended))
	b.WriteElided.Add(int64(elided))
}

// RecordRemove implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRemove(count int, _ time.Duration) {
	b.RemoveCount.Add(int64(count))
}

// RecordLoad implements MetricsCollector.
func (b *BasicMetricsCollector) RecordLoad(_, records int, _ time.Duration) {
	b.LoadRecords.Add(int64(records))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		ReadCount:     b.ReadCount.Load(),
		ReadHits:      b.ReadHits.Load(),
		ReadAvgNanos:  b.getAvgReadNanos(),
		WriteCount:    b.WriteCount.Load(),
		WriteAppended: b.WriteAppended.Load(),
		WriteElided:   b.WriteElided.Load(),
		RemoveCount:   b.RemoveCount.Load(),
		LoadRecords:   b.LoadRecords.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgReadNanos() int64 {
	count := b.ReadCount.Load()
	if count == 0 {
		return 0
	}
	return b.ReadTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	ReadCount     int64
	ReadHits      int64
	ReadAvgNanos  int64
	WriteCount    int64
	WriteAppended int64
	WriteElided   int64
	RemoveCount   int64
	LoadRecords   int64
}

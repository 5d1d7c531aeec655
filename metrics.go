package lancevec

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems; a ready
// Prometheus implementation is provided by NewPrometheusCollector.
type MetricsCollector interface {
	// RecordAdd is called after each add operation (single or batch).
	// count is the number of vectors attempted, err is nil if successful.
	RecordAdd(count int, duration time.Duration, err error)

	// RecordSearch is called after each search operation.
	// k is the number of neighbors requested, duration is the time taken,
	// err is nil if successful.
	RecordSearch(k int, duration time.Duration, err error)

	// RecordDelete is called after each delete operation.
	RecordDelete(count int, duration time.Duration, err error)

	// RecordMerge is called after each merge operation. merged is the
	// number of rows confirmed copied before any failure.
	RecordMerge(merged int, duration time.Duration, err error)

	// RecordIndexBuild is called after each index build.
	RecordIndexBuild(kind string, duration time.Duration, err error)

	// RecordCompact is called after each compaction.
	RecordCompact(duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordAdd(int, time.Duration, error)          {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error)       {}
func (NoopMetricsCollector) RecordDelete(int, time.Duration, error)       {}
func (NoopMetricsCollector) RecordMerge(int, time.Duration, error)        {}
func (NoopMetricsCollector) RecordIndexBuild(string, time.Duration, error) {}
func (NoopMetricsCollector) RecordCompact(time.Duration, error)           {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	AddCount         atomic.Int64
	AddVectors       atomic.Int64
	AddErrors        atomic.Int64
	AddTotalNanos    atomic.Int64
	SearchCount      atomic.Int64
	SearchErrors     atomic.Int64
	SearchTotalNanos atomic.Int64
	DeleteCount      atomic.Int64
	DeleteErrors     atomic.Int64
	MergeCount       atomic.Int64
	MergeRows        atomic.Int64
	MergeErrors      atomic.Int64
	IndexBuildCount  atomic.Int64
	IndexBuildErrors atomic.Int64
	CompactCount     atomic.Int64
	CompactErrors    atomic.Int64
}

// RecordAdd implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAdd(count int, duration time.Duration, err error) {
	b.AddCount.Add(1)
	b.AddVectors.Add(int64(count))
	b.AddTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.AddErrors.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(k int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(count int, duration time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordMerge implements MetricsCollector.
func (b *BasicMetricsCollector) RecordMerge(merged int, duration time.Duration, err error) {
	b.MergeCount.Add(1)
	b.MergeRows.Add(int64(merged))
	if err != nil {
		b.MergeErrors.Add(1)
	}
}

// RecordIndexBuild implements MetricsCollector.
func (b *BasicMetricsCollector) RecordIndexBuild(kind string, duration time.Duration, err error) {
	b.IndexBuildCount.Add(1)
	if err != nil {
		b.IndexBuildErrors.Add(1)
	}
}

// RecordCompact implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCompact(duration time.Duration, err error) {
	b.CompactCount.Add(1)
	if err != nil {
		b.CompactErrors.Add(1)
	}
}

// MetricsStats is a point-in-time snapshot of a BasicMetricsCollector.
type MetricsStats struct {
	AddCount       int64
	AddVectors     int64
	AddErrors      int64
	AddAvgNanos    int64
	SearchCount    int64
	SearchErrors   int64
	SearchAvgNanos int64
	DeleteCount    int64
	MergeCount     int64
	MergeRows      int64
}

// GetStats returns a snapshot of the collected metrics.
func (b *BasicMetricsCollector) GetStats() MetricsStats {
	s := MetricsStats{
		AddCount:     b.AddCount.Load(),
		AddVectors:   b.AddVectors.Load(),
		AddErrors:    b.AddErrors.Load(),
		SearchCount:  b.SearchCount.Load(),
		SearchErrors: b.SearchErrors.Load(),
		DeleteCount:  b.DeleteCount.Load(),
		MergeCount:   b.MergeCount.Load(),
		MergeRows:    b.MergeRows.Load(),
	}
	if s.AddCount > 0 {
		s.AddAvgNanos = b.AddTotalNanos.Load() / s.AddCount
	}
	if s.SearchCount > 0 {
		s.SearchAvgNanos = b.SearchTotalNanos.Load() / s.SearchCount
	}
	return s
}

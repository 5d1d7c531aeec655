package lancevec

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements MetricsCollector on top of
// prometheus/client_golang. All collectors are registered with the given
// registerer under the "lancevec" namespace.
type PrometheusCollector struct {
	ops        *prometheus.CounterVec
	errors     *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	rowsAdded  prometheus.Counter
	rowsMerged prometheus.Counter
}

// NewPrometheusCollector creates and registers a PrometheusCollector.
// Pass prometheus.DefaultRegisterer for the process-global registry.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	c := &PrometheusCollector{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lancevec",
			Name:      "operations_total",
			Help:      "Total operations by kind.",
		}, []string{"op"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lancevec",
			Name:      "operation_errors_total",
			Help:      "Failed operations by kind.",
		}, []string{"op"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lancevec",
			Name:      "operation_duration_seconds",
			Help:      "Operation latency by kind.",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 12),
		}, []string{"op"}),
		rowsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lancevec",
			Name:      "rows_added_total",
			Help:      "Total vectors added.",
		}),
		rowsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lancevec",
			Name:      "rows_merged_total",
			Help:      "Total rows copied by merges.",
		}),
	}
	for _, col := range []prometheus.Collector{c.ops, c.errors, c.latency, c.rowsAdded, c.rowsMerged} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *PrometheusCollector) record(op string, duration time.Duration, err error) {
	c.ops.WithLabelValues(op).Inc()
	c.latency.WithLabelValues(op).Observe(duration.Seconds())
	if err != nil {
		c.errors.WithLabelValues(op).Inc()
	}
}

// RecordAdd implements MetricsCollector.
func (c *PrometheusCollector) RecordAdd(count int, duration time.Duration, err error) {
	c.record("add", duration, err)
	if err == nil {
		c.rowsAdded.Add(float64(count))
	}
}

// RecordSearch implements MetricsCollector.
func (c *PrometheusCollector) RecordSearch(k int, duration time.Duration, err error) {
	c.record("search", duration, err)
}

// RecordDelete implements MetricsCollector.
func (c *PrometheusCollector) RecordDelete(count int, duration time.Duration, err error) {
	c.record("delete", duration, err)
}

// RecordMerge implements MetricsCollector.
func (c *PrometheusCollector) RecordMerge(merged int, duration time.Duration, err error) {
	c.record("merge", duration, err)
	c.rowsMerged.Add(float64(merged))
}

// RecordIndexBuild implements MetricsCollector.
func (c *PrometheusCollector) RecordIndexBuild(kind string, duration time.Duration, err error) {
	c.record("index_build", duration, err)
}

// RecordCompact implements MetricsCollector.
func (c *PrometheusCollector) RecordCompact(duration time.Duration, err error) {
	c.record("compact", duration, err)
}

var _ MetricsCollector = (*PrometheusCollector)(nil)

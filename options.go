package lancevec

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/decisiongraph/lancevec/codec"
	"github.com/decisiongraph/lancevec/engine"
	"github.com/decisiongraph/lancevec/engine/local"
	"github.com/decisiongraph/lancevec/scheduler"
)

// Connector opens a storage engine for a dataset path. The default connector
// opens the bundled local engine; hosts embedding a different columnar
// engine inject their own.
type Connector func(ctx context.Context, path string) (engine.Connection, error)

type options struct {
	codec     codec.Codec
	logger    *Logger
	metrics   MetricsCollector
	pool      *scheduler.Pool
	mem       memory.Allocator
	connector Connector
}

// Option configures index constructor behavior.
type Option func(*options)

// WithCodec configures the codec used for metadata blobs.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metrics = mc
	}
}

// WithScheduler runs storage operations on the given pool instead of the
// process-wide shared one. The index does not close the pool.
func WithScheduler(pool *scheduler.Pool) Option {
	return func(o *options) {
		o.pool = pool
	}
}

// WithAllocator sets the Arrow allocator used for batches assembled by the
// index.
func WithAllocator(mem memory.Allocator) Option {
	return func(o *options) {
		if mem != nil {
			o.mem = mem
		}
	}
}

// WithConnector replaces the storage-engine connector.
func WithConnector(c Connector) Option {
	return func(o *options) {
		if c != nil {
			o.connector = c
		}
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		codec:   codec.Default,
		logger:  NoopLogger(),
		metrics: NoopMetricsCollector{},
		mem:     memory.DefaultAllocator,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.connector == nil {
		// The bundled engine shares the index's allocator and codec so that
		// WithAllocator and WithCodec cover both sides of the connector.
		mem, c := o.mem, o.codec
		o.connector = func(ctx context.Context, path string) (engine.Connection, error) {
			return local.Open(path, local.WithAllocator(mem), local.WithCodec(c))
		}
	}
	return o
}

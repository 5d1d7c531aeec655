// Package lancevec is a detached vector-index manager: it sits between a
// host query engine and a columnar dataset, exposing create, add, search,
// delete, merge and index-build operations over fixed-dimension float32
// vectors plus optional side columns.
//
// The manager owns label allocation and recovery, schema derivation
// (including zero-copy import of externally authored Arrow schemas), batch
// assembly, the merge protocol with label remapping, and the search
// pipeline. The columnar storage itself is an opaque collaborator behind the
// engine contract; a reference engine over blob storage ships in
// engine/local and is used by default.
//
// # Quick start
//
//	ctx := context.Background()
//	idx, err := lancevec.Create(ctx, "./data", 128, metric.L2, "embeddings")
//	if err != nil {
//	    panic(err)
//	}
//	defer idx.Close()
//
//	label, err := idx.Add(ctx, vector)
//
//	matches, err := idx.Search(query).
//	    K(10).
//	    NProbes(20).
//	    Execute(ctx)
//
// Every operation is synchronous from the caller's perspective; internally
// storage work runs on a small shared worker pool (see WithScheduler). Label
// ranges are reserved lock-free, so concurrent adds never collide, but their
// append order is unspecified.
package lancevec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/decisiongraph/lancevec/engine"
	"github.com/decisiongraph/lancevec/exchange"
	"github.com/decisiongraph/lancevec/metric"
	"github.com/decisiongraph/lancevec/scheduler"
)

// Index is one open dataset/table binding. All methods are safe for
// concurrent use; the storage engine is solely responsible for
// concurrent-append safety, the index adds no locking of its own.
type Index struct {
	conn      engine.Connection
	table     engine.Table
	tableName string
	path      string
	dim       int
	metric    metric.Kind
	schema    *arrow.Schema
	labels    *LabelAllocator
	opts      options
	closed    atomic.Bool
}

// Create creates a new index with the minimal label+vector schema, dropping
// any existing table of the same name first.
func Create(ctx context.Context, path string, dimension int, m metric.Kind, tableName string, optFns ...Option) (*Index, error) {
	if dimension <= 0 {
		return nil, translateError("create", fmt.Errorf("dimension must be positive, got %d", dimension))
	}
	idx, err := create(ctx, path, vectorSchema(dimension), dimension, m, tableName, optFns)
	if err != nil {
		return nil, translateError("create", err)
	}
	return idx, nil
}

// CreateFromSchema creates a new index whose stored schema is derived from a
// caller-authored one: the label column is prepended and the first
// fixed-size float32 list column determines the dimension. Any other columns
// are preserved as extra columns.
func CreateFromSchema(ctx context.Context, path string, external *arrow.Schema, m metric.Kind, tableName string, optFns ...Option) (*Index, error) {
	schema, dim, err := schemaFromExternal(external)
	if err != nil {
		return nil, translateError("create from schema", err)
	}
	idx, err := create(ctx, path, schema, dim, m, tableName, optFns)
	if err != nil {
		return nil, translateError("create from schema", err)
	}
	return idx, nil
}

func create(ctx context.Context, path string, schema *arrow.Schema, dim int, m metric.Kind, tableName string, optFns []Option) (*Index, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid metric")
	}
	opts := applyOptions(optFns)

	conn, err := opts.connector(ctx, path)
	if err != nil {
		return nil, err
	}

	idx := &Index{
		conn:      conn,
		tableName: tableName,
		path:      path,
		dim:       dim,
		metric:    m,
		schema:    schema,
		labels:    NewLabelAllocator(0),
		opts:      opts,
	}
	err = idx.run(ctx, func() error {
		var terr error
		idx.table, terr = conn.CreateTable(ctx, tableName, schema)
		return terr
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return idx, nil
}

// Open opens an existing index. The schema is read back from storage, the
// dimension is recovered from its vector column, and the label counter is
// recovered as one past the maximum stored label. Row count is useless for
// that once deletions have happened, which is why the counter comes from a
// scan of the label column.
func Open(ctx context.Context, path string, tableName string, m metric.Kind, optFns ...Option) (*Index, error) {
	idx, err := open(ctx, path, tableName, m, applyOptions(optFns))
	if err != nil {
		return nil, translateError("open", err)
	}
	next, err := idx.maxLabelScan(ctx)
	if err != nil {
		_ = idx.conn.Close()
		return nil, translateError("open", err)
	}
	idx.labels = NewLabelAllocator(next)
	return idx, nil
}

func open(ctx context.Context, path string, tableName string, m metric.Kind, opts options) (*Index, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid metric")
	}

	conn, err := opts.connector(ctx, path)
	if err != nil {
		return nil, err
	}

	idx := &Index{
		conn:      conn,
		tableName: tableName,
		path:      path,
		metric:    m,
		labels:    NewLabelAllocator(0),
		opts:      opts,
	}
	err = idx.run(ctx, func() error {
		var terr error
		idx.table, terr = conn.OpenTable(ctx, tableName)
		if terr != nil {
			return terr
		}
		idx.schema, terr = idx.table.Schema(ctx)
		return terr
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	idx.dim, err = dimensionOf(idx.schema)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return idx, nil
}

// OpenFromMetadata reopens an index from a snapshot produced by Metadata.
// The blob's checksum, version and contents are verified first; a blob that
// does not decode cleanly is rejected, and a blob whose dimension disagrees
// with storage is discarded in favor of scan recovery. The label counter is
// never trusted below the stored maximum: a snapshot serialized before later
// writes cannot cause labels already on disk to be reassigned. Callers that
// lost the blob entirely reopen with Open instead.
func OpenFromMetadata(ctx context.Context, path string, blob []byte, optFns ...Option) (*Index, error) {
	opts := applyOptions(optFns)

	m, err := decodeMetadata(opts.codec, blob)
	if err != nil {
		return nil, translateError("open from metadata", err)
	}
	mk, err := metric.Parse(m.Metric)
	if err != nil {
		return nil, translateError("open from metadata", err)
	}

	idx, err := open(ctx, path, m.TableName, mk, opts)
	if err != nil {
		return nil, translateError("open from metadata", err)
	}

	// Storage stays the ground truth: the snapshot may predate later writes,
	// so its counter is only an optimization floor, never an override.
	next, serr := idx.maxLabelScan(ctx)
	if serr != nil {
		_ = idx.conn.Close()
		return nil, translateError("open from metadata", serr)
	}
	if idx.dim == m.Dimension && m.NextLabel > next {
		next = m.NextLabel
	}
	idx.labels = NewLabelAllocator(next)
	return idx, nil
}

// Metadata serializes the reopen snapshot: {dimension, metric, next label,
// table name} plus a format version and checksum.
func (idx *Index) Metadata() ([]byte, error) {
	if idx.closed.Load() {
		return nil, translateError("metadata", ErrNotOpen)
	}
	blob, err := encodeMetadata(idx.opts.codec, metadataBlob{
		Dimension: idx.dim,
		Metric:    idx.metric.String(),
		NextLabel: idx.labels.Peek(),
		TableName: idx.tableName,
	})
	if err != nil {
		return nil, translateError("metadata", err)
	}
	return blob, nil
}

// Add appends a single vector and returns its label.
func (idx *Index) Add(ctx context.Context, vector []float32) (int64, error) {
	labels, err := idx.addVectors(ctx, [][]float32{vector})
	if err != nil {
		return -1, err
	}
	return labels[0], nil
}

// AddBatch appends count vectors from a row-major flat buffer and returns
// their labels. The buffer length must be exactly count * Dimension.
func (idx *Index) AddBatch(ctx context.Context, flat []float32, count int) ([]int64, error) {
	start := time.Now()
	labels, err := idx.addFlat(ctx, flat, count)
	idx.opts.metrics.RecordAdd(count, time.Since(start), err)
	if err != nil {
		idx.opts.logger.LogAdd(count, -1, time.Since(start), err)
		return nil, translateError("add batch", err)
	}
	first := int64(-1)
	if len(labels) > 0 {
		first = labels[0]
	}
	idx.opts.logger.LogAdd(count, first, time.Since(start), nil)
	return labels, nil
}

func (idx *Index) addVectors(ctx context.Context, vectors [][]float32) ([]int64, error) {
	start := time.Now()
	labels, err := func() ([]int64, error) {
		if idx.closed.Load() {
			return nil, ErrNotOpen
		}
		for _, v := range vectors {
			if len(v) != idx.dim {
				return nil, &ErrDimensionMismatch{Expected: idx.dim, Actual: len(v)}
			}
		}
		first := idx.labels.Reserve(len(vectors))
		labels := labelRange(first, len(vectors))
		rec, err := assembleVectors(idx.opts.mem, idx.schema, labels, vectors, idx.dim)
		if err != nil {
			return nil, err
		}
		defer rec.Release()
		if err := idx.run(ctx, func() error { return idx.table.Append(ctx, rec) }); err != nil {
			return nil, err
		}
		return labels, nil
	}()
	idx.opts.metrics.RecordAdd(len(vectors), time.Since(start), err)
	if err != nil {
		idx.opts.logger.LogAdd(len(vectors), -1, time.Since(start), err)
		return nil, translateError("add", err)
	}
	idx.opts.logger.LogAdd(len(vectors), labels[0], time.Since(start), nil)
	return labels, nil
}

func (idx *Index) addFlat(ctx context.Context, flat []float32, count int) ([]int64, error) {
	if idx.closed.Load() {
		return nil, ErrNotOpen
	}
	if count < 0 {
		return nil, fmt.Errorf("count must be non-negative, got %d", count)
	}
	if len(flat) != count*idx.dim {
		return nil, &ErrSizeMismatch{Expected: count * idx.dim, Actual: len(flat)}
	}
	if count == 0 {
		return []int64{}, nil
	}

	first := idx.labels.Reserve(count)
	labels := labelRange(first, count)
	rec, err := assembleFlat(idx.opts.mem, idx.schema, labels, flat, idx.dim)
	if err != nil {
		return nil, err
	}
	defer rec.Release()
	if err := idx.run(ctx, func() error { return idx.table.Append(ctx, rec) }); err != nil {
		return nil, err
	}
	return labels, nil
}

// AddPayload ingests caller-owned columnar data through the zero-copy
// exchange boundary: the payload's arrays are taken (the caller's handle is
// left empty and safe to release), the schema is only borrowed. Columns are
// cast to the stored column types where layouts agree; an unreconcilable
// column fails the whole call naming that column. Zero rows is an empty
// result, not an error.
func (idx *Index) AddPayload(ctx context.Context, external *arrow.Schema, payload *exchange.Payload) ([]int64, error) {
	start := time.Now()
	labels, err := idx.addPayload(ctx, external, payload)
	idx.opts.metrics.RecordAdd(len(labels), time.Since(start), err)
	if err != nil {
		return nil, translateError("add payload", err)
	}
	return labels, nil
}

func (idx *Index) addPayload(ctx context.Context, external *arrow.Schema, payload *exchange.Payload) ([]int64, error) {
	if idx.closed.Load() {
		return nil, ErrNotOpen
	}

	imported, err := exchange.Import(external, payload)
	if err != nil {
		return nil, err
	}
	defer imported.Release()

	n := int(imported.NumRows())
	if n == 0 {
		return []int64{}, nil
	}
	if int(imported.NumCols()) != idx.schema.NumFields()-1 {
		return nil, &ErrSchemaMismatch{
			Column: -1,
			Reason: fmt.Sprintf("expected %d columns, got %d", idx.schema.NumFields()-1, imported.NumCols()),
		}
	}

	first := idx.labels.Reserve(n)
	labels := labelRange(first, n)

	cols := make([]arrow.Array, idx.schema.NumFields())
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()

	lb := array.NewInt64Builder(idx.opts.mem)
	lb.AppendValues(labels, nil)
	cols[0] = lb.NewInt64Array()
	lb.Release()

	for i := 1; i < idx.schema.NumFields(); i++ {
		cast, cerr := exchange.CastTo(imported.Column(i-1), idx.schema.Field(i).Type)
		if cerr != nil {
			return nil, &ErrSchemaMismatch{Column: i - 1, Reason: "cannot cast to stored type", cause: cerr}
		}
		cols[i] = cast
	}

	rec := array.NewRecord(idx.schema, cols, int64(n))
	defer rec.Release()

	if err := idx.run(ctx, func() error { return idx.table.Append(ctx, rec) }); err != nil {
		return nil, err
	}
	return labels, nil
}

// Delete tombstones a single label. Deleting an absent label is a no-op.
func (idx *Index) Delete(ctx context.Context, label int64) error {
	return idx.DeleteBatch(ctx, []int64{label})
}

// DeleteBatch tombstones every given label atomically for the whole call.
// Labels are never renumbered and the counter is unaffected.
func (idx *Index) DeleteBatch(ctx context.Context, labels []int64) error {
	start := time.Now()
	err := func() error {
		if idx.closed.Load() {
			return ErrNotOpen
		}
		if len(labels) == 0 {
			return nil
		}
		pred := engine.LabelIn(labels)
		return idx.run(ctx, func() error { return idx.table.Delete(ctx, pred) })
	}()
	idx.opts.metrics.RecordDelete(len(labels), time.Since(start), err)
	idx.opts.logger.LogDelete(len(labels), time.Since(start), err)
	if err != nil {
		return translateError("delete", err)
	}
	return nil
}

// Count returns the number of live rows.
func (idx *Index) Count(ctx context.Context) (int64, error) {
	if idx.closed.Load() {
		return 0, translateError("count", ErrNotOpen)
	}
	var n int64
	err := idx.run(ctx, func() error {
		var cerr error
		n, cerr = idx.table.CountRows(ctx)
		return cerr
	})
	if err != nil {
		return 0, translateError("count", err)
	}
	return n, nil
}

// GetVector returns the stored vector for a label. Absent labels, including
// tombstoned ones, fail with ErrNotFound.
func (idx *Index) GetVector(ctx context.Context, label int64) ([]float32, error) {
	if idx.closed.Load() {
		return nil, translateError("get vector", ErrNotOpen)
	}
	pred := engine.LabelEquals(label)
	labels, vectors, err := idx.scanVectors(ctx, &pred)
	if err != nil {
		return nil, translateError("get vector", err)
	}
	if len(labels) == 0 {
		return nil, translateError("get vector", fmt.Errorf("%w: label %d", ErrNotFound, label))
	}
	return vectors[:idx.dim], nil
}

// GetAllVectors returns every live label and the matching vectors as one
// row-major flat buffer of len(labels) * Dimension values.
func (idx *Index) GetAllVectors(ctx context.Context) ([]int64, []float32, error) {
	if idx.closed.Load() {
		return nil, nil, translateError("get all vectors", ErrNotOpen)
	}
	labels, vectors, err := idx.scanVectors(ctx, nil)
	if err != nil {
		return nil, nil, translateError("get all vectors", err)
	}
	return labels, vectors, nil
}

// BuildIVFPQ builds (or rebuilds) a partitioned, product-quantized
// approximate index on the vector column. Zero for either parameter selects
// an engine-chosen default.
func (idx *Index) BuildIVFPQ(ctx context.Context, numPartitions, numSubVectors int) error {
	return idx.buildIndex(ctx, "ivf_pq", engine.VectorIndexConfig{
		Kind:          engine.IvfPq,
		Metric:        idx.metric,
		NumPartitions: numPartitions,
		NumSubVectors: numSubVectors,
	})
}

// BuildHNSW builds (or rebuilds) a partitioned graph index with scalar
// quantization. Zero for either parameter selects an engine-chosen default.
func (idx *Index) BuildHNSW(ctx context.Context, m, efConstruction int) error {
	return idx.buildIndex(ctx, "ivf_hnsw_sq", engine.VectorIndexConfig{
		Kind:           engine.IvfHnswSq,
		Metric:         idx.metric,
		M:              m,
		EfConstruction: efConstruction,
	})
}

func (idx *Index) buildIndex(ctx context.Context, kind string, cfg engine.VectorIndexConfig) error {
	start := time.Now()
	err := func() error {
		if idx.closed.Load() {
			return ErrNotOpen
		}
		return idx.run(ctx, func() error { return idx.table.CreateVectorIndex(ctx, cfg) })
	}()
	idx.opts.metrics.RecordIndexBuild(kind, time.Since(start), err)
	idx.opts.logger.LogIndexBuild(kind, time.Since(start), err)
	if err != nil {
		return translateError("build index", err)
	}
	return nil
}

// Compact rewrites storage to remove tombstoned rows. Live rows, labels,
// schema and counter are unaffected; it may be invoked repeatedly.
func (idx *Index) Compact(ctx context.Context) error {
	start := time.Now()
	err := func() error {
		if idx.closed.Load() {
			return ErrNotOpen
		}
		return idx.run(ctx, func() error { return idx.table.Optimize(ctx) })
	}()
	idx.opts.metrics.RecordCompact(time.Since(start), err)
	idx.opts.logger.LogCompact(time.Since(start), err)
	if err != nil {
		return translateError("compact", err)
	}
	return nil
}

// Dimension returns the configured vector dimension.
func (idx *Index) Dimension() int { return idx.dim }

// Metric returns the distance metric configured at creation time.
func (idx *Index) Metric() metric.Kind { return idx.metric }

// TableName returns the bound table's name.
func (idx *Index) TableName() string { return idx.tableName }

// Schema returns the stored schema.
func (idx *Index) Schema() *arrow.Schema { return idx.schema }

// HasExtraColumns reports whether the schema carries caller-defined columns
// beyond label and vector.
func (idx *Index) HasExtraColumns() bool { return hasExtraColumns(idx.schema) }

// Close releases the dataset handles. Close is idempotent; every other
// operation after Close fails with ErrNotOpen.
func (idx *Index) Close() error {
	if idx.closed.Swap(true) {
		return nil
	}
	if err := idx.conn.Close(); err != nil {
		return translateError("close", err)
	}
	return nil
}

// run executes fn on the configured worker pool and blocks until it
// completes. Storage operations funnel through here so a host can bound the
// manager's storage concurrency with one pool.
func (idx *Index) run(ctx context.Context, fn func() error) error {
	pool := idx.opts.pool
	if pool == nil {
		pool = scheduler.Shared()
	}
	return pool.Run(ctx, fn)
}

// maxLabelScan recovers the label counter as max(label)+1 over live rows,
// 0 when the table is empty.
func (idx *Index) maxLabelScan(ctx context.Context) (int64, error) {
	var stream engine.RecordStream
	err := idx.run(ctx, func() error {
		var serr error
		stream, serr = idx.table.Scan(ctx, engine.ScanOptions{Columns: []string{engine.LabelColumn}})
		return serr
	})
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	var next int64
	for {
		var rec arrow.Record
		err := idx.run(ctx, func() error {
			var nerr error
			rec, nerr = stream.Next(ctx)
			return nerr
		})
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		labels := rec.Column(0).(*array.Int64)
		for r := 0; r < labels.Len(); r++ {
			if l := labels.Value(r); l+1 > next {
				next = l + 1
			}
		}
		rec.Release()
	}
	return next, nil
}

// scanVectors streams live rows and collects labels plus flattened vectors.
func (idx *Index) scanVectors(ctx context.Context, pred *engine.Predicate) ([]int64, []float32, error) {
	vecName := idx.schema.Field(engine.VectorFieldIndex(idx.schema)).Name

	var stream engine.RecordStream
	err := idx.run(ctx, func() error {
		var serr error
		stream, serr = idx.table.Scan(ctx, engine.ScanOptions{
			Columns:   []string{engine.LabelColumn, vecName},
			Predicate: pred,
		})
		return serr
	})
	if err != nil {
		return nil, nil, err
	}
	defer stream.Close()

	labels := []int64{}
	vectors := []float32{}
	for {
		var rec arrow.Record
		err := idx.run(ctx, func() error {
			var nerr error
			rec, nerr = stream.Next(ctx)
			return nerr
		})
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, err
		}

		lcol := rec.Column(0).(*array.Int64)
		vcol, ok := rec.Column(1).(*array.FixedSizeList)
		if !ok {
			rec.Release()
			return nil, nil, &ErrSchemaMismatch{Column: 1, Reason: "vector column is not a fixed-size list"}
		}
		values := vcol.ListValues().(*array.Float32).Float32Values()
		width := int(vcol.DataType().(*arrow.FixedSizeListType).Len())
		for r := 0; r < lcol.Len(); r++ {
			labels = append(labels, lcol.Value(r))
			off := (vcol.Offset() + r) * width
			vectors = append(vectors, values[off:off+width]...)
		}
		rec.Release()
	}
	return labels, vectors, nil
}

func labelRange(first int64, n int) []int64 {
	labels := make([]int64, n)
	for i := range labels {
		labels[i] = first + int64(i)
	}
	return labels
}

// Package engine defines the storage-engine contract the index manager is
// written against.
//
// The engine is consumed as an opaque collaborator: the manager never sees
// file formats, index algorithms, or transaction internals. Implementations
// must make Append and Delete atomic per call and safe under concurrent use;
// the manager adds no locking of its own.
package engine

import (
	"context"
	"errors"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/decisiongraph/lancevec/metric"
)

var (
	// ErrTableNotFound is returned when opening or dropping a missing table.
	ErrTableNotFound = errors.New("engine: table not found")

	// ErrClosed is returned by operations on a closed connection or table.
	ErrClosed = errors.New("engine: closed")
)

// LabelColumn is the name of the mandatory identifier column.
const LabelColumn = "label"

// VectorColumn is the name of the mandatory vector column.
const VectorColumn = "vector"

// DistanceColumn is the name of the distance column in search result streams.
const DistanceColumn = "_distance"

// VectorFieldIndex returns the index of the vector column: the field named
// VectorColumn when present, otherwise the first fixed-size list of float32.
// Returns -1 when the schema has no such field.
func VectorFieldIndex(schema *arrow.Schema) int {
	if idx := schema.FieldIndices(VectorColumn); len(idx) > 0 {
		return idx[0]
	}
	for i, f := range schema.Fields() {
		if fsl, ok := f.Type.(*arrow.FixedSizeListType); ok {
			if arrow.TypeEqual(fsl.Elem(), arrow.PrimitiveTypes.Float32) {
				return i
			}
		}
	}
	return -1
}

// Connection is one open dataset. Tables returned from it are cheap handles
// that may be used concurrently; the engine reference-counts the underlying
// dataset state.
type Connection interface {
	// CreateTable creates a table with the given schema, replacing any
	// existing table of the same name.
	CreateTable(ctx context.Context, name string, schema *arrow.Schema) (Table, error)

	// OpenTable opens an existing table.
	// Returns ErrTableNotFound if it does not exist.
	OpenTable(ctx context.Context, name string) (Table, error)

	// DropTable removes a table and its data. Dropping a missing table
	// returns ErrTableNotFound.
	DropTable(ctx context.Context, name string) error

	// Close releases the connection. Tables obtained from it become invalid.
	Close() error
}

// Table is one open table binding.
type Table interface {
	// Name returns the table name.
	Name() string

	// Schema returns the stored schema.
	Schema(ctx context.Context) (*arrow.Schema, error)

	// Append durably appends one record batch. The record must conform to
	// the stored schema; the engine does not retain it after returning.
	Append(ctx context.Context, rec arrow.Record) error

	// Scan streams live rows (tombstoned rows excluded) in the engine's
	// natural batch order. A nil predicate selects everything.
	Scan(ctx context.Context, opts ScanOptions) (RecordStream, error)

	// Delete tombstones every live row matching the predicate, atomically
	// for the whole call. Labels are never renumbered.
	Delete(ctx context.Context, pred Predicate) error

	// CountRows returns the number of live rows.
	CountRows(ctx context.Context) (int64, error)

	// VectorSearch streams up to K (label, _distance) rows for the query,
	// nearest first under the query's metric.
	VectorSearch(ctx context.Context, q VectorQuery) (RecordStream, error)

	// CreateVectorIndex builds (or replaces) an approximate index on the
	// vector column.
	CreateVectorIndex(ctx context.Context, cfg VectorIndexConfig) error

	// Optimize compacts storage. Live rows, labels and schema are
	// unaffected.
	Optimize(ctx context.Context) error
}

// RecordStream is a stream of record batches. Next returns io.EOF after the
// last batch; any other error aborts the stream. Returned records are owned
// by the caller, which must Release them. Close is idempotent.
type RecordStream interface {
	Next(ctx context.Context) (arrow.Record, error)
	Close() error
}

// ScanOptions configures a Scan.
type ScanOptions struct {
	// Columns restricts the streamed columns. Nil means all columns.
	Columns []string

	// Predicate filters rows by label. Nil means no filter.
	Predicate *Predicate
}

// Predicate is a label-set membership filter. The zero value matches nothing.
type Predicate struct {
	labels map[int64]struct{}
}

// LabelEquals selects the single row with the given label.
func LabelEquals(label int64) Predicate {
	return LabelIn([]int64{label})
}

// LabelIn selects rows whose label is in the given set.
func LabelIn(labels []int64) Predicate {
	set := make(map[int64]struct{}, len(labels))
	for _, l := range labels {
		set[l] = struct{}{}
	}
	return Predicate{labels: set}
}

// Matches reports whether the predicate selects the given label.
func (p Predicate) Matches(label int64) bool {
	_, ok := p.labels[label]
	return ok
}

// Empty reports whether the predicate can match anything.
func (p Predicate) Empty() bool {
	return len(p.labels) == 0
}

// VectorQuery describes one approximate nearest-neighbor query.
type VectorQuery struct {
	// Query is the query vector; its length must equal the vector column
	// width.
	Query []float32

	// K is the maximum number of results.
	K int

	// Metric selects the distance function.
	Metric metric.Kind

	// NProbes is the number of index partitions to scan. 0 selects an
	// engine-chosen default. Ignored when no approximate index exists.
	NProbes int

	// RefineFactor re-ranks K*RefineFactor candidates exactly before
	// truncation. 0 disables re-ranking. Engines computing exact distances
	// may ignore it.
	RefineFactor int
}

// VectorIndexKind enumerates the approximate index flavors an engine may
// support.
type VectorIndexKind uint8

const (
	// IvfPq is a partitioned, product-quantized index.
	IvfPq VectorIndexKind = iota

	// IvfHnswSq is a partitioned graph index with scalar quantization.
	IvfHnswSq
)

// VectorIndexConfig carries index-build parameters. Zero-valued numeric
// fields select engine-chosen defaults.
type VectorIndexConfig struct {
	Kind   VectorIndexKind
	Metric metric.Kind

	// IvfPq parameters.
	NumPartitions int
	NumSubVectors int

	// IvfHnswSq parameters.
	M              int
	EfConstruction int
}

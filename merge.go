package lancevec

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/decisiongraph/lancevec/engine"
)

// Remap records one merged row: the label it had in the source index and the
// fresh label it received in the target.
type Remap struct {
	Old int64
	New int64
}

// Merge copies every row of source whose label is in liveLabels into idx,
// assigning each copied row a fresh label, and returns the (old, new) pairs
// in the order rows were read from source. An empty liveLabels is a no-op
// with an empty mapping.
//
// Rows are copied batch by batch and each target append is durable on its
// own, so a failure mid-merge leaves earlier batches committed. The returned
// mapping then covers exactly the committed rows; callers must treat a merge
// error as unknown completion state and reconcile against the partial
// mapping rather than retrying blindly.
func (idx *Index) Merge(ctx context.Context, source *Index, liveLabels []int64) ([]Remap, error) {
	start := time.Now()
	mapping, err := idx.merge(ctx, source, liveLabels)
	idx.opts.metrics.RecordMerge(len(mapping), time.Since(start), err)
	idx.opts.logger.LogMerge(len(liveLabels), len(mapping), time.Since(start), err)
	if err != nil {
		return mapping, translateError("merge", err)
	}
	return mapping, nil
}

func (idx *Index) merge(ctx context.Context, source *Index, liveLabels []int64) ([]Remap, error) {
	if idx.closed.Load() {
		return nil, ErrNotOpen
	}
	if source == nil || source.closed.Load() {
		return nil, ErrNotOpen
	}
	mapping := []Remap{}
	if len(liveLabels) == 0 {
		return mapping, nil
	}

	pred := engine.LabelIn(liveLabels)
	var stream engine.RecordStream
	err := idx.run(ctx, func() error {
		var serr error
		stream, serr = source.table.Scan(ctx, engine.ScanOptions{Predicate: &pred})
		return serr
	})
	if err != nil {
		return mapping, err
	}
	defer stream.Close()

	labelIdx := source.schema.FieldIndices(engine.LabelColumn)
	if len(labelIdx) == 0 {
		return mapping, &ErrSchemaMismatch{Column: -1, Reason: "source has no label column"}
	}

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
			return mapping, err
		}

		n := int(rec.NumRows())
		if n == 0 {
			rec.Release()
			continue
		}
		first := idx.labels.Reserve(n)

		old := rec.Column(labelIdx[0]).(*array.Int64)
		out, err := replaceLabelColumn(idx, rec, labelIdx[0], first)
		if err != nil {
			rec.Release()
			return mapping, err
		}

		err = idx.run(ctx, func() error {
			return idx.table.Append(ctx, out)
		})
		if err != nil {
			out.Release()
			rec.Release()
			return mapping, err
		}

		for r := 0; r < n; r++ {
			mapping = append(mapping, Remap{Old: old.Value(r), New: first + int64(r)})
		}
		out.Release()
		rec.Release()
	}

	return mapping, nil
}

// replaceLabelColumn rebuilds rec with only the label column swapped for
// fresh consecutive labels starting at first. Every other column is shared
// verbatim.
func replaceLabelColumn(idx *Index, rec arrow.Record, labelCol int, first int64) (arrow.Record, error) {
	b := array.NewInt64Builder(idx.opts.mem)
	defer b.Release()
	for r := 0; r < int(rec.NumRows()); r++ {
		b.Append(first + int64(r))
	}
	labels := b.NewInt64Array()
	defer labels.Release()

	cols := make([]arrow.Array, rec.NumCols())
	for i := range cols {
		if i == labelCol {
			cols[i] = labels
		} else {
			cols[i] = rec.Column(i)
		}
	}
	return array.NewRecord(rec.Schema(), cols, rec.NumRows()), nil
}

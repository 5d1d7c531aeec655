package lancevec

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/decisiongraph/lancevec/engine"
)

// assembleFlat builds one schema-conformant record from freshly reserved
// labels and a row-major flat vector buffer. The buffer length must be
// exactly len(labels) * dim; anything else is a size mismatch, never a
// partial batch.
//
// Extra columns of the schema are filled with nulls. A non-nullable extra
// column cannot be filled this way; such rows have to come in through
// AddPayload with the caller's own column data.
func assembleFlat(mem memory.Allocator, schema *arrow.Schema, labels []int64, flat []float32, dim int) (arrow.Record, error) {
	if len(flat) != len(labels)*dim {
		return nil, &ErrSizeMismatch{Expected: len(labels) * dim, Actual: len(flat)}
	}

	labelIdx := schema.FieldIndices(engine.LabelColumn)
	vecIdx := engine.VectorFieldIndex(schema)
	if len(labelIdx) == 0 || vecIdx < 0 {
		return nil, &ErrSchemaMismatch{Column: -1, Reason: "schema has no label or vector column"}
	}

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	lb := b.Field(labelIdx[0]).(*array.Int64Builder)
	lb.AppendValues(labels, nil)

	vb := b.Field(vecIdx).(*array.FixedSizeListBuilder)
	fb := vb.ValueBuilder().(*array.Float32Builder)
	for i := range labels {
		vb.Append(true)
		fb.AppendValues(flat[i*dim:(i+1)*dim], nil)
	}

	for i, f := range schema.Fields() {
		if i == labelIdx[0] || i == vecIdx {
			continue
		}
		if !f.Nullable {
			return nil, &ErrSchemaMismatch{Column: i, Reason: "non-nullable column " + f.Name + " has no data"}
		}
		fb := b.Field(i)
		for range labels {
			fb.AppendNull()
		}
	}

	return b.NewRecord(), nil
}

// assembleVectors builds one record from n separate vectors, validating each
// vector's length before any allocation.
func assembleVectors(mem memory.Allocator, schema *arrow.Schema, labels []int64, vectors [][]float32, dim int) (arrow.Record, error) {
	for _, v := range vectors {
		if len(v) != dim {
			return nil, &ErrDimensionMismatch{Expected: dim, Actual: len(v)}
		}
	}
	flat := make([]float32, 0, len(vectors)*dim)
	for _, v := range vectors {
		flat = append(flat, v...)
	}
	return assembleFlat(mem, schema, labels, flat, dim)
}

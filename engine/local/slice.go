package local

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// supportedType reports whether the engine can store and row-filter a column
// of the given type. This bounds the schema surface the same way the
// original engine's type switch does.
func supportedType(dt arrow.DataType) bool {
	switch dt.ID() {
	case arrow.INT32, arrow.INT64, arrow.FLOAT32, arrow.FLOAT64, arrow.STRING, arrow.BOOL:
		return true
	case arrow.FIXED_SIZE_LIST:
		fsl := dt.(*arrow.FixedSizeListType)
		return fsl.Elem().ID() == arrow.FLOAT32
	default:
		return false
	}
}

func validateSchema(schema *arrow.Schema) error {
	for i := 0; i < schema.NumFields(); i++ {
		f := schema.Field(i)
		if !supportedType(f.Type) {
			return fmt.Errorf("local: unsupported column type %s (column %q)", f.Type, f.Name)
		}
	}
	return nil
}

// takeRows builds a record containing the given rows of rec, in order.
// rows must be valid indices into rec.
func takeRows(mem memory.Allocator, rec arrow.Record, rows []int) (arrow.Record, error) {
	schema := rec.Schema()
	cols := make([]arrow.Array, rec.NumCols())

	release := func(n int) {
		for i := 0; i < n; i++ {
			cols[i].Release()
		}
	}

	for c := 0; c < int(rec.NumCols()); c++ {
		col, err := takeArray(mem, rec.Column(c), rows)
		if err != nil {
			release(c)
			return nil, err
		}
		cols[c] = col
	}

	out := array.NewRecord(schema, cols, int64(len(rows)))
	release(len(cols))
	return out, nil
}

func takeArray(mem memory.Allocator, arr arrow.Array, rows []int) (arrow.Array, error) {
	switch a := arr.(type) {
	case *array.Int64:
		b := array.NewInt64Builder(mem)
		defer b.Release()
		for _, r := range rows {
			if a.IsNull(r) {
				b.AppendNull()
			} else {
				b.Append(a.Value(r))
			}
		}
		return b.NewArray(), nil

	case *array.Int32:
		b := array.NewInt32Builder(mem)
		defer b.Release()
		for _, r := range rows {
			if a.IsNull(r) {
				b.AppendNull()
			} else {
				b.Append(a.Value(r))
			}
		}
		return b.NewArray(), nil

	case *array.Float32:
		b := array.NewFloat32Builder(mem)
		defer b.Release()
		for _, r := range rows {
			if a.IsNull(r) {
				b.AppendNull()
			} else {
				b.Append(a.Value(r))
			}
		}
		return b.NewArray(), nil

	case *array.Float64:
		b := array.NewFloat64Builder(mem)
		defer b.Release()
		for _, r := range rows {
			if a.IsNull(r) {
				b.AppendNull()
			} else {
				b.Append(a.Value(r))
			}
		}
		return b.NewArray(), nil

	case *array.String:
		b := array.NewStringBuilder(mem)
		defer b.Release()
		for _, r := range rows {
			if a.IsNull(r) {
				b.AppendNull()
			} else {
				b.Append(a.Value(r))
			}
		}
		return b.NewArray(), nil

	case *array.Boolean:
		b := array.NewBooleanBuilder(mem)
		defer b.Release()
		for _, r := range rows {
			if a.IsNull(r) {
				b.AppendNull()
			} else {
				b.Append(a.Value(r))
			}
		}
		return b.NewArray(), nil

	case *array.FixedSizeList:
		fsl := a.DataType().(*arrow.FixedSizeListType)
		width := int(fsl.Len())
		values, ok := a.ListValues().(*array.Float32)
		if !ok {
			return nil, fmt.Errorf("local: unsupported list element type %s", fsl.Elem())
		}
		flat := values.Float32Values()

		b := array.NewFixedSizeListBuilderWithField(mem, fsl.Len(), fsl.ElemField())
		defer b.Release()
		vb := b.ValueBuilder().(*array.Float32Builder)
		for _, r := range rows {
			if a.IsNull(r) {
				b.AppendNull()
				continue
			}
			b.Append(true)
			start := (a.Offset() + r) * width
			vb.AppendValues(flat[start:start+width], nil)
		}
		return b.NewArray(), nil

	default:
		return nil, fmt.Errorf("local: unsupported column type %s", arr.DataType())
	}
}

// projectRecord returns a record restricted to the named columns, sharing
// the underlying arrays.
func projectRecord(rec arrow.Record, columns []string) (arrow.Record, error) {
	schema := rec.Schema()
	fields := make([]arrow.Field, 0, len(columns))
	cols := make([]arrow.Array, 0, len(columns))

	for _, name := range columns {
		idxs := schema.FieldIndices(name)
		if len(idxs) == 0 {
			return nil, fmt.Errorf("local: no column %q", name)
		}
		fields = append(fields, schema.Field(idxs[0]))
		cols = append(cols, rec.Column(idxs[0]))
	}

	return array.NewRecord(arrow.NewSchema(fields, nil), cols, rec.NumRows()), nil
}

package lancevec

import (
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/decisiongraph/lancevec/engine"
)

// vectorSchema builds the minimal stored schema: a non-nullable int64 label
// column followed by a fixed-size float32 list of the given width.
func vectorSchema(dim int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: engine.LabelColumn, Type: arrow.PrimitiveTypes.Int64},
		{Name: engine.VectorColumn, Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)},
	}, nil)
}

// schemaFromExternal derives the stored schema from a caller-authored one:
// the label column is prepended, every external field follows in its original
// order, and the vector column's element field is normalized to the canonical
// Arrow naming. Column names and all other fields are preserved verbatim.
//
// The vector column is the first fixed-size list of float32; its width is the
// returned dimension. An external schema without one cannot be stored.
func schemaFromExternal(external *arrow.Schema) (*arrow.Schema, int, error) {
	vecIdx := -1
	dim := 0
	for i, f := range external.Fields() {
		fsl, ok := f.Type.(*arrow.FixedSizeListType)
		if !ok || !arrow.TypeEqual(fsl.Elem(), arrow.PrimitiveTypes.Float32) {
			continue
		}
		vecIdx = i
		dim = int(fsl.Len())
		break
	}
	if vecIdx < 0 {
		return nil, 0, &ErrSchemaMismatch{Column: -1, Reason: "no fixed-size list of float32 column found"}
	}

	fields := make([]arrow.Field, 0, external.NumFields()+1)
	fields = append(fields, arrow.Field{Name: engine.LabelColumn, Type: arrow.PrimitiveTypes.Int64})
	for i, f := range external.Fields() {
		if i == vecIdx {
			f.Type = arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)
		}
		fields = append(fields, f)
	}
	return arrow.NewSchema(fields, nil), dim, nil
}

// dimensionOf recovers the vector dimension from a stored schema.
func dimensionOf(schema *arrow.Schema) (int, error) {
	idx := engine.VectorFieldIndex(schema)
	if idx < 0 {
		return 0, &ErrSchemaMismatch{Column: -1, Reason: "cannot determine dimension from table schema"}
	}
	fsl, ok := schema.Field(idx).Type.(*arrow.FixedSizeListType)
	if !ok {
		return 0, &ErrSchemaMismatch{Column: idx, Reason: "cannot determine dimension from table schema"}
	}
	return int(fsl.Len()), nil
}

// hasExtraColumns reports whether the schema carries caller-defined columns
// beyond the mandatory label and vector pair.
func hasExtraColumns(schema *arrow.Schema) bool {
	return schema.NumFields() > 2
}

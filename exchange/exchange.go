// Package exchange imports caller-owned columnar data into the index
// manager's batches without copying buffers.
//
// The contract mirrors the C data interface it stands in for: the array
// payload is owned and is consumed by the importer, while the schema is only
// borrowed. A Payload that has been taken is left empty, so the original
// owner may always call Release without double-freeing.
package exchange

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// Payload holds ownership of one array of row data (a struct array whose
// fields are the data columns). Constructing a Payload transfers the
// caller's reference into it.
type Payload struct {
	arr arrow.Array
}

// NewPayload wraps arr, taking ownership of the caller's reference.
// The caller must not Release arr itself afterwards; it releases the
// Payload instead.
func NewPayload(arr arrow.Array) *Payload {
	return &Payload{arr: arr}
}

// Take transfers the array out of the payload, leaving it empty.
// Returns nil if the payload was already taken.
func (p *Payload) Take() arrow.Array {
	arr := p.arr
	p.arr = nil
	return arr
}

// Taken reports whether the payload has been consumed.
func (p *Payload) Taken() bool {
	return p == nil || p.arr == nil
}

// Release frees the payload's array if it still owns one. Safe to call after
// Take, and more than once.
func (p *Payload) Release() {
	if p == nil || p.arr == nil {
		return
	}
	p.arr.Release()
	p.arr = nil
}

// Import consumes the payload and materializes it as a record over the
// borrowed schema. The schema's fields must match the struct array's fields
// positionally; the record's rows are the struct's rows.
//
// The returned record owns the payload's buffers; releasing it releases
// them. A zero-row payload imports to a zero-row record, not an error.
func Import(schema *arrow.Schema, p *Payload) (arrow.Record, error) {
	arr := p.Take()
	if arr == nil {
		return nil, fmt.Errorf("exchange: payload already consumed")
	}

	st, ok := arr.(*array.Struct)
	if !ok {
		arr.Release()
		return nil, fmt.Errorf("exchange: payload is %s, want struct of columns", arr.DataType())
	}
	defer st.Release()

	if st.NumField() != schema.NumFields() {
		return nil, fmt.Errorf("exchange: payload has %d columns, schema has %d",
			st.NumField(), schema.NumFields())
	}

	cols := make([]arrow.Array, st.NumField())
	for i := range cols {
		col := st.Field(i)
		col.Retain()
		cols[i] = col
	}

	rec := array.NewRecord(schema, cols, int64(st.Len()))
	for _, c := range cols {
		c.Release()
	}
	return rec, nil
}

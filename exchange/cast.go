package exchange

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// CastTo reconciles an imported column with the stored column type. The only
// supported conversions are layout-preserving: identical types pass through,
// and fixed-size lists whose element field differs only in name or
// nullability (external writers commonly name the element "" where the store
// uses "item") are rewrapped over the same buffers.
//
// The returned array holds its own reference; the input is not consumed.
func CastTo(col arrow.Array, target arrow.DataType) (arrow.Array, error) {
	if arrow.TypeEqual(col.DataType(), target) {
		col.Retain()
		return col, nil
	}

	src, srcOK := col.DataType().(*arrow.FixedSizeListType)
	dst, dstOK := target.(*arrow.FixedSizeListType)
	if srcOK && dstOK && src.Len() == dst.Len() && arrow.TypeEqual(src.Elem(), dst.Elem()) {
		data := col.Data()
		rewrapped := array.NewData(target, data.Len(), data.Buffers(), data.Children(), data.NullN(), data.Offset())
		defer rewrapped.Release()
		return array.MakeFromData(rewrapped), nil
	}

	return nil, fmt.Errorf("exchange: cannot cast %s to %s", col.DataType(), target)
}

package lancevec

import "sync/atomic"

// LabelAllocator hands out monotonically increasing row labels. Ranges are
// reserved with a single fetch-and-add, so concurrent callers never observe
// overlapping labels and no lock is held across reservations.
type LabelAllocator struct {
	next atomic.Int64
}

// NewLabelAllocator returns an allocator whose first label will be next.
func NewLabelAllocator(next int64) *LabelAllocator {
	a := &LabelAllocator{}
	a.next.Store(next)
	return a
}

// Next reserves and returns a single label.
func (a *LabelAllocator) Next() int64 {
	return a.Reserve(1)
}

// Reserve atomically reserves n consecutive labels and returns the first.
// The reserved range is [first, first+n).
func (a *LabelAllocator) Reserve(n int) int64 {
	return a.next.Add(int64(n)) - int64(n)
}

// Peek returns the label the next reservation would start at.
func (a *LabelAllocator) Peek() int64 {
	return a.next.Load()
}

package lancevec

import (
	"errors"
	"fmt"

	"github.com/decisiongraph/lancevec/engine"
)

var (
	// ErrNotOpen is returned by every operation on a closed index.
	ErrNotOpen = errors.New("index is not open")

	// ErrNotFound is returned when a label is absent, including tombstoned.
	ErrNotFound = errors.New("not found")

	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// ErrSizeMismatch indicates a flat vector buffer whose length is not
// count * dimension.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrSizeMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrSizeMismatch) Error() string {
	return fmt.Sprintf("size mismatch: expected %d values, got %d", e.Expected, e.Actual)
}

func (e *ErrSizeMismatch) Unwrap() error { return e.cause }

// ErrSchemaMismatch indicates an external schema that cannot be reconciled
// with the stored one: no vector column present, or a column whose type
// cannot be cast. Column is -1 when no single column is at fault.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrSchemaMismatch struct {
	Column int
	Reason string
	cause  error
}

func (e *ErrSchemaMismatch) Error() string {
	if e.Column >= 0 {
		return fmt.Sprintf("schema mismatch at column %d: %s", e.Column, e.Reason)
	}
	return fmt.Sprintf("schema mismatch: %s", e.Reason)
}

func (e *ErrSchemaMismatch) Unwrap() error { return e.cause }

// translateError normalizes engine errors into the package's error kinds and
// prefixes everything with the failing operation. All façade methods route
// their returns through here, so callers only ever match on this package's
// errors.
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, engine.ErrTableNotFound) {
		err = fmt.Errorf("%w: %w", ErrNotFound, err)
	} else if errors.Is(err, engine.ErrClosed) {
		err = fmt.Errorf("%w: %w", ErrNotOpen, err)
	}

	return fmt.Errorf("lancevec: %s: %w", op, err)
}

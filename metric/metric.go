// Package metric defines the distance metrics supported by an index and the
// float32 kernels used by the reference engine.
//
// A metric is fixed at index creation time and must be supplied again on
// open; the stored dataset does not record it.
package metric

import (
	"fmt"
	"math"
)

// Kind identifies a distance metric.
type Kind uint8

const (
	// L2 is the squared Euclidean distance.
	L2 Kind = iota

	// Cosine is the cosine distance (1 - cosine similarity).
	Cosine

	// Dot is the negated dot product, so that smaller is closer.
	Dot
)

// Parse maps a metric name to its Kind. Accepted spellings follow the
// conventions of common vector stores: "l2"/"euclidean", "cosine",
// "dot"/"ip".
func Parse(s string) (Kind, error) {
	switch s {
	case "l2", "euclidean":
		return L2, nil
	case "cosine":
		return Cosine, nil
	case "dot", "ip":
		return Dot, nil
	default:
		return 0, fmt.Errorf("metric: unknown metric %q", s)
	}
}

// String returns the canonical name of the metric.
func (k Kind) String() string {
	switch k {
	case L2:
		return "l2"
	case Cosine:
		return "cosine"
	case Dot:
		return "dot"
	default:
		return fmt.Sprintf("metric(%d)", uint8(k))
	}
}

// Valid reports whether k is a known metric.
func (k Kind) Valid() bool {
	return k <= Dot
}

// Distance computes the distance between a and b under metric k.
// Assumes len(a) == len(b); the caller validates dimensions.
func (k Kind) Distance(a, b []float32) float32 {
	switch k {
	case Cosine:
		return CosineDistance(a, b)
	case Dot:
		return DotDistance(a, b)
	default:
		return SquaredL2(a, b)
	}
}

// SquaredL2 computes the squared Euclidean distance between two vectors.
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// DotProduct computes the dot product of two vectors.
func DotProduct(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// DotDistance is the dot product negated into a distance (smaller is closer).
func DotDistance(a, b []float32) float32 {
	return -DotProduct(a, b)
}

// CosineDistance computes 1 - cosine similarity. Zero-norm inputs yield a
// distance of 1 (treated as orthogonal).
func CosineDistance(a, b []float32) float32 {
	dot := DotProduct(a, b)
	na := DotProduct(a, a)
	nb := DotProduct(b, b)
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/float32(math.Sqrt(float64(na)*float64(nb)))
}

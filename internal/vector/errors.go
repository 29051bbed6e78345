package vector

import (
	"errors"
	"fmt"
)

var (
	// ErrDimensionMismatch is matched (via errors.Is) by every *DimensionError.
	ErrDimensionMismatch = errors.New("vector: dimension mismatch")

	// ErrEmptyIndex is returned by Search when the index holds no vectors.
	// Callers should treat it as "no neighbours" rather than a failure.
	ErrEmptyIndex = errors.New("vector: index is empty")

	// ErrInvalidK is returned by Search when k < 1.
	ErrInvalidK = errors.New("vector: k must be positive")

	// ErrImmutable is returned by Add on a memory-mapped index.
	ErrImmutable = errors.New("vector: memory-mapped index is immutable")

	// ErrCorruptFile is returned when a vector file has a bad header or size.
	ErrCorruptFile = errors.New("vector: corrupt index file")
)

// DimensionError reports a vector whose length disagrees with the index.
type DimensionError struct {
	// Expected is the dimension fixed for the index.
	Expected int
	// Actual is the length of the offending vector.
	Actual int
}

// Error implements the error interface.
func (e *DimensionError) Error() string {
	return fmt.Sprintf("vector: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Is reports whether target is ErrDimensionMismatch.
func (e *DimensionError) Is(target error) bool {
	return target == ErrDimensionMismatch
}

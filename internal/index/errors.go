package index

import (
	"errors"

	"github.com/54b3r/sonitag/internal/metadata"
	"github.com/54b3r/sonitag/internal/vector"
)

var (
	// ErrReadOnly is returned by Add, AddBatch, Save and Commit on an index
	// opened in ModeReadOnly or ModeMapped.
	ErrReadOnly = errors.New("index: index is read-only")

	// ErrBatchLength is returned by AddBatch when the vector and record
	// slices differ in length.
	ErrBatchLength = errors.New("index: vectors and records differ in length")
)

// Re-exported so callers of this package rarely need to import vector or
// metadata just to compare errors.
var (
	ErrDimensionMismatch = vector.ErrDimensionMismatch
	ErrEmptyIndex        = vector.ErrEmptyIndex
	ErrInvalidK          = vector.ErrInvalidK
	ErrOutOfRange        = metadata.ErrOutOfRange
)

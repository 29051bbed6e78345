// Package vector implements an exact nearest-neighbour index over
// fixed-dimension float32 vectors. Distances are squared Euclidean (L2),
// computed with the SIMD kernels from vecgo. Brute force is fast enough for
// the corpus sizes sonitag indexes (tens of thousands of tracks); callers
// only depend on Add/Search/Save so an approximate structure can replace it.
package vector

import (
	"cmp"
	"slices"
	"sync"

	"github.com/hupe1980/vecgo/distance"
)

// Hit is a single search result.
type Hit struct {
	// Position is the insertion position of the matched vector.
	Position int
	// Distance is the squared L2 distance between the query and the vector.
	// Smaller is more similar.
	Distance float32
}

// Flat is a brute-force L2 index. Vectors are stored row-major in one
// contiguous slice. It is safe for concurrent use.
type Flat struct {
	// mu guards dim, data and count.
	mu sync.RWMutex
	// dim is the fixed vector length. Zero until the first Add when the
	// index was created without a dimension.
	dim int
	// data holds count*dim floats, row-major.
	data []float32
	// count is the number of stored vectors.
	count int
	// release unmaps the backing file for mapped indices; nil otherwise.
	release func() error
}

// NewFlat returns an empty index. A dim of zero defers fixing the dimension
// to the first Add.
func NewFlat(dim int) *Flat {
	if dim < 0 {
		dim = 0
	}
	return &Flat{dim: dim}
}

// Dim returns the index dimension (zero if not yet fixed).
func (f *Flat) Dim() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dim
}

// Len returns the number of stored vectors.
func (f *Flat) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// Mapped reports whether the index is backed by a memory-mapped file.
func (f *Flat) Mapped() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.release != nil
}

// Add appends vectors. Every vector is validated before any is appended, so
// a dimension error leaves the index unchanged. Empty input is a no-op.
func (f *Flat) Add(vectors ...[]float32) error {
	if len(vectors) == 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.release != nil {
		return ErrImmutable
	}

	dim := f.dim
	if dim == 0 {
		dim = len(vectors[0])
	}
	for _, v := range vectors {
		if len(v) == 0 || len(v) != dim {
			return &DimensionError{Expected: dim, Actual: len(v)}
		}
	}

	f.dim = dim
	f.data = slices.Grow(f.data, len(vectors)*dim)
	for _, v := range vectors {
		f.data = append(f.data, v...)
	}
	f.count += len(vectors)
	return nil
}

// Search returns up to k hits ordered by ascending distance. Ties are broken
// by insertion order. When the index holds fewer than k vectors all of them
// are returned.
func (f *Flat) Search(query []float32, k int) ([]Hit, error) {
	if k < 1 {
		return nil, ErrInvalidK
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.count == 0 {
		return nil, ErrEmptyIndex
	}
	if len(query) != f.dim {
		return nil, &DimensionError{Expected: f.dim, Actual: len(query)}
	}

	hits := make([]Hit, f.count)
	for i := range f.count {
		row := f.data[i*f.dim : (i+1)*f.dim]
		hits[i] = Hit{Position: i, Distance: distance.SquaredL2(query, row)}
	}
	slices.SortStableFunc(hits, func(a, b Hit) int {
		return cmp.Compare(a.Distance, b.Distance)
	})

	if k < len(hits) {
		hits = hits[:k:k]
	}
	return hits, nil
}

// Vector returns a copy of the vector stored at pos.
func (f *Flat) Vector(pos int) ([]float32, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if pos < 0 || pos >= f.count {
		return nil, false
	}
	return slices.Clone(f.data[pos*f.dim : (pos+1)*f.dim]), true
}

// Truncate drops every vector at position n or later. A mapped index
// rejects it with ErrImmutable; n at or beyond Len is a no-op.
func (f *Flat) Truncate(n int) error {
	if n < 0 {
		n = 0
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.release != nil {
		return ErrImmutable
	}
	if n >= f.count {
		return nil
	}
	f.data = f.data[: n*f.dim : n*f.dim]
	f.count = n
	return nil
}

// Close releases the file mapping of a mapped index and empties it. It is a
// no-op for heap-backed indices.
func (f *Flat) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.release == nil {
		return nil
	}
	err := f.release()
	f.release = nil
	f.data = nil
	f.count = 0
	return err
}

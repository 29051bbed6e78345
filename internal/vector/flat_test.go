package vector

import (
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
)

func Test_Flat_AddFixesDimension(t *testing.T) {
	t.Parallel()
	f := NewFlat(0)

	if err := f.Add([]float32{1, 2, 3}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if f.Dim() != 3 {
		t.Errorf("want dim 3, got %d", f.Dim())
	}

	err := f.Add([]float32{1, 2})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("want ErrDimensionMismatch, got %v", err)
	}
	var de *DimensionError
	if !errors.As(err, &de) || de.Expected != 3 || de.Actual != 2 {
		t.Errorf("want DimensionError{3,2}, got %+v", de)
	}
}

func Test_Flat_AddBatchIsAllOrNothing(t *testing.T) {
	t.Parallel()
	f := NewFlat(2)

	err := f.Add([]float32{1, 1}, []float32{2, 2}, []float32{3})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("want ErrDimensionMismatch, got %v", err)
	}
	if f.Len() != 0 {
		t.Errorf("failed batch must not append, got len %d", f.Len())
	}
}

func Test_Flat_AddEmptyIsNoop(t *testing.T) {
	t.Parallel()
	f := NewFlat(4)
	if err := f.Add(); err != nil {
		t.Fatalf("add: %v", err)
	}
	if f.Len() != 0 {
		t.Errorf("want len 0, got %d", f.Len())
	}
}

func Test_Flat_SearchEmpty(t *testing.T) {
	t.Parallel()
	f := NewFlat(3)
	if _, err := f.Search([]float32{0, 0, 0}, 1); !errors.Is(err, ErrEmptyIndex) {
		t.Errorf("want ErrEmptyIndex, got %v", err)
	}
}

func Test_Flat_SearchInvalidK(t *testing.T) {
	t.Parallel()
	f := NewFlat(1)
	if err := f.Add([]float32{1}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Search([]float32{1}, 0); !errors.Is(err, ErrInvalidK) {
		t.Errorf("want ErrInvalidK, got %v", err)
	}
}

func Test_Flat_SearchDimensionMismatch(t *testing.T) {
	t.Parallel()
	f := NewFlat(2)
	if err := f.Add([]float32{1, 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Search([]float32{1, 1, 1}, 1); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("want ErrDimensionMismatch, got %v", err)
	}
}

func Test_Flat_SearchReturnsAllWhenFewerThanK(t *testing.T) {
	t.Parallel()
	f := NewFlat(1)
	if err := f.Add([]float32{5}, []float32{1}, []float32{3}); err != nil {
		t.Fatal(err)
	}

	hits, err := f.Search([]float32{0}, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	want := []Hit{{1, 1}, {2, 9}, {0, 25}}
	if !reflect.DeepEqual(hits, want) {
		t.Errorf("want %v, got %v", want, hits)
	}
}

func Test_Flat_SearchTiesBrokenByInsertionOrder(t *testing.T) {
	t.Parallel()
	f := NewFlat(2)
	if err := f.Add([]float32{1, 0}, []float32{0, 1}, []float32{-1, 0}, []float32{0, -1}); err != nil {
		t.Fatal(err)
	}

	hits, err := f.Search([]float32{0, 0}, 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for i, h := range hits {
		if h.Position != i {
			t.Errorf("hit %d: want position %d, got %d", i, i, h.Position)
		}
	}
}

// Test_Flat_SearchMatchesBruteForce compares Search against an independent
// sort of all distances on random data.
func Test_Flat_SearchMatchesBruteForce(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(1, 2))
	const dim, n, k = 16, 300, 7

	f := NewFlat(dim)
	vecs := make([][]float32, n)
	for i := range vecs {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()
		}
		vecs[i] = v
	}
	if err := f.Add(vecs...); err != nil {
		t.Fatal(err)
	}

	q := make([]float32, dim)
	for j := range q {
		q[j] = rng.Float32()
	}

	type pair struct {
		pos int
		d   float64
	}
	all := make([]pair, n)
	for i, v := range vecs {
		var d float64
		for j := range v {
			diff := float64(v[j] - q[j])
			d += diff * diff
		}
		all[i] = pair{i, d}
	}
	sort.SliceStable(all, func(a, b int) bool { return all[a].d < all[b].d })

	hits, err := f.Search(q, k)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != k {
		t.Fatalf("want %d hits, got %d", k, len(hits))
	}
	for i, h := range hits {
		if h.Position != all[i].pos {
			t.Errorf("rank %d: want position %d, got %d", i, all[i].pos, h.Position)
		}
	}
}

func Test_Flat_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "idx.vec")

	f := NewFlat(3)
	if err := f.Add([]float32{1, 0, 0}, []float32{0, 1, 0}, []float32{0.5, 0.25, -1}); err != nil {
		t.Fatal(err)
	}
	if err := f.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	g, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if g.Dim() != 3 || g.Len() != 3 {
		t.Fatalf("want dim 3 len 3, got dim %d len %d", g.Dim(), g.Len())
	}

	q := []float32{0.9, 0.1, 0.05}
	want, _ := f.Search(q, 3)
	got, err := g.Search(q, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(want, got) {
		t.Errorf("round trip changed results: want %v, got %v", want, got)
	}
}

func Test_Flat_MapIsReadOnly(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "idx.vec")

	f := NewFlat(2)
	if err := f.Add([]float32{1, 2}, []float32{3, 4}); err != nil {
		t.Fatal(err)
	}
	if err := f.Save(path); err != nil {
		t.Fatal(err)
	}

	m, err := Map(path)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	if !m.Mapped() {
		t.Error("want mapped index")
	}
	if err := m.Add([]float32{5, 6}); !errors.Is(err, ErrImmutable) {
		t.Errorf("want ErrImmutable, got %v", err)
	}

	hits, err := m.Search([]float32{3, 4}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if hits[0].Position != 1 || hits[0].Distance != 0 {
		t.Errorf("want exact match at 1, got %+v", hits[0])
	}

	v, ok := m.Vector(0)
	if !ok || !reflect.DeepEqual(v, []float32{1, 2}) {
		t.Errorf("vector 0: got %v", v)
	}
}

func Test_Flat_LoadRejectsCorruptFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	cases := map[string][]byte{
		"short":     []byte("SNV"),
		"bad magic": append([]byte("XXXX"), make([]byte, 20)...),
		"truncated": func() []byte {
			f := NewFlat(2)
			_ = f.Add([]float32{1, 2})
			p := filepath.Join(dir, "full.vec")
			_ = f.Save(p)
			b, _ := os.ReadFile(p)
			return b[:len(b)-2]
		}(),
		"huge dimension": header(0xFFFFFFFF, 0),
		"huge dimension with count": header(0xFFFFFFFF, 1<<30),
		"dimension just over max": header(MaxDim+1, 0),
	}
	for name, data := range cases {
		p := filepath.Join(dir, name+".vec")
		if err := os.WriteFile(p, data, 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(p); !errors.Is(err, ErrCorruptFile) {
			t.Errorf("%s: want ErrCorruptFile, got %v", name, err)
		}
	}
}

// header builds a bare vector file header.
func header(dim uint32, count uint64) []byte {
	b := make([]byte, headerSize)
	copy(b, fileMagic)
	binary.LittleEndian.PutUint32(b[4:8], formatVersion)
	binary.LittleEndian.PutUint32(b[8:12], dim)
	binary.LittleEndian.PutUint64(b[16:24], count)
	return b
}

func Test_Flat_LoadAcceptsMaxDim(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "max.vec")
	if err := os.WriteFile(p, header(MaxDim, 0), 0o644); err != nil {
		t.Fatal(err)
	}
	g, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if g.Dim() != MaxDim || g.Len() != 0 {
		t.Errorf("want dim %d len 0, got %d/%d", MaxDim, g.Dim(), g.Len())
	}
}

func Test_Flat_Truncate(t *testing.T) {
	t.Parallel()
	f := NewFlat(2)
	if err := f.Add([]float32{0, 0}, []float32{1, 1}, []float32{2, 2}); err != nil {
		t.Fatal(err)
	}

	if err := f.Truncate(5); err != nil || f.Len() != 3 {
		t.Fatalf("truncate beyond len: err %v, len %d", err, f.Len())
	}
	if err := f.Truncate(1); err != nil {
		t.Fatal(err)
	}
	if f.Len() != 1 {
		t.Fatalf("want len 1, got %d", f.Len())
	}
	if _, ok := f.Vector(1); ok {
		t.Error("position 1 survived truncation")
	}

	if err := f.Add([]float32{7, 7}); err != nil {
		t.Fatal(err)
	}
	v, ok := f.Vector(1)
	if !ok || !reflect.DeepEqual(v, []float32{7, 7}) {
		t.Errorf("vector 1 after re-add: got %v", v)
	}
}

func Test_Flat_TruncateMappedIsImmutable(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "m.vec")
	f := NewFlat(1)
	if err := f.Add([]float32{1}, []float32{2}); err != nil {
		t.Fatal(err)
	}
	if err := f.Save(path); err != nil {
		t.Fatal(err)
	}
	m, err := Map(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = m.Close() })

	if err := m.Truncate(1); !errors.Is(err, ErrImmutable) {
		t.Errorf("want ErrImmutable, got %v", err)
	}
	if m.Len() != 2 {
		t.Errorf("mapped len changed to %d", m.Len())
	}
}

func Test_Flat_SaveEmptyIndex(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "empty.vec")

	if err := NewFlat(512).Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	g, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if g.Dim() != 512 || g.Len() != 0 {
		t.Errorf("want dim 512 len 0, got %d/%d", g.Dim(), g.Len())
	}
}

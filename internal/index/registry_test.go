package index

import (
	"bytes"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/sonitag/internal/metadata"
)

// newTestRegistry builds a Registry with an isolated metrics registry.
func newTestRegistry(t *testing.T, capacity int, log *slog.Logger) (*Registry, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	r, err := NewRegistry(RegistryConfig{
		Capacity: capacity,
		Logger:   log,
		Metrics:  NewMetrics(reg),
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return r, reg
}

// keyIn returns a writable key for files named name in dir.
func keyIn(dir, name string) Key {
	return Key{
		VectorPath:   filepath.Join(dir, name+".vec"),
		MetadataPath: filepath.Join(dir, name+".json"),
		Mode:         ModeWritable,
	}
}

// counterValue returns the value of a gathered counter, or -1 if absent.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return -1
}

func Test_Registry_ConcurrentGetSharesInstance(t *testing.T) {
	t.Parallel()
	r, reg := newTestRegistry(t, 0, nil)
	key := keyIn(t.TempDir(), "shared")

	const n = 16
	got := make([]*EmbeddingIndex, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			x, err := r.Get(key, 2)
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			got[i] = x
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatalf("caller %d received a different instance", i)
		}
	}
	if v := counterValue(t, reg, "sonitag_registry_loads_total"); v != 1 {
		t.Errorf("want exactly one load, got %v", v)
	}

	// A mutation through one handle is visible through another.
	if err := got[0].Add([]float32{1, 1}, metadata.Record{"id": "z"}); err != nil {
		t.Fatal(err)
	}
	again, err := r.Get(key, 2)
	if err != nil {
		t.Fatal(err)
	}
	if again.VectorCount() != 1 {
		t.Errorf("want shared mutation visible, got %d entries", again.VectorCount())
	}
}

func Test_Registry_ModesAreDistinctEntries(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t, 0, nil)
	key := keyIn(t.TempDir(), "m")

	w, err := r.Get(key, 2)
	if err != nil {
		t.Fatal(err)
	}
	key.Mode = ModeReadOnly
	ro, err := r.Get(key, 2)
	if err != nil {
		t.Fatal(err)
	}
	if w == ro {
		t.Error("writable and read-only keys must not share an instance")
	}
	if r.Len() != 2 {
		t.Errorf("want 2 cached, got %d", r.Len())
	}
}

func Test_Registry_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	r, reg := newTestRegistry(t, 2, log)
	dir := t.TempDir()

	first, err := r.Get(keyIn(dir, "a"), 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Add([]float32{1}, nil); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"b", "c"} {
		if _, err := r.Get(keyIn(dir, name), 1); err != nil {
			t.Fatal(err)
		}
	}

	if r.Len() != 2 {
		t.Errorf("want capacity-bounded len 2, got %d", r.Len())
	}
	if v := counterValue(t, reg, "sonitag_registry_evictions_total"); v != 1 {
		t.Errorf("want 1 eviction, got %v", v)
	}
	if !strings.Contains(buf.String(), "unsaved") {
		t.Errorf("want unsaved-entries warning on eviction, got %q", buf.String())
	}

	reloaded, err := r.Get(keyIn(dir, "a"), 1)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded == first {
		t.Error("evicted entry must be reloaded as a new instance")
	}
	if reloaded.VectorCount() != 0 {
		t.Errorf("unsaved entry must not survive eviction, got %d", reloaded.VectorCount())
	}
}

func Test_Registry_PurgeUnmapsMappedIndices(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	w, err := Open(Config{
		VectorPath:   filepath.Join(dir, "p.vec"),
		MetadataPath: filepath.Join(dir, "p.json"),
		Dimension:    2,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Commit([]float32{1, 2}, metadata.Record{"id": 1}); err != nil {
		t.Fatal(err)
	}

	r, _ := newTestRegistry(t, 0, nil)
	key := keyIn(dir, "p")
	key.Mode = ModeMapped
	m, err := r.Get(key, 2)
	if err != nil {
		t.Fatal(err)
	}
	if m.VectorCount() != 1 {
		t.Fatalf("want 1 mapped vector, got %d", m.VectorCount())
	}

	r.Purge()
	if r.Len() != 0 {
		t.Errorf("want empty registry, got %d", r.Len())
	}
	if m.VectorCount() != 0 {
		t.Errorf("purged mapped index must be released, got %d vectors", m.VectorCount())
	}
}

func Test_Registry_FailedLoadIsNotCached(t *testing.T) {
	t.Parallel()
	r, reg := newTestRegistry(t, 0, nil)
	dir := t.TempDir()

	w, err := Open(Config{
		VectorPath:   filepath.Join(dir, "d.vec"),
		MetadataPath: filepath.Join(dir, "d.json"),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Commit([]float32{1, 2, 3}, nil); err != nil {
		t.Fatal(err)
	}

	_, err = r.Get(keyIn(dir, "d"), 5)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("want ErrDimensionMismatch, got %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("failed load must not be cached")
	}
	if v := counterValue(t, reg, "sonitag_registry_load_errors_total"); v != 1 {
		t.Errorf("want 1 load error, got %v", v)
	}

	if _, err := r.Get(keyIn(dir, "d"), 3); err != nil {
		t.Errorf("retry with matching dimension: %v", err)
	}
}

func Test_Key_String(t *testing.T) {
	t.Parallel()
	k := Key{VectorPath: "a.vec", MetadataPath: "a.json", Mode: ModeMapped}
	if got, want := k.String(), "mapped|a.vec|a.json"; got != want {
		t.Errorf("want %q, got %q", want, got)
	}
}

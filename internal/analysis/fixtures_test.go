package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/54b3r/sonitag/internal/index"
	"github.com/54b3r/sonitag/internal/metadata"
	"github.com/54b3r/sonitag/internal/planner"
	"github.com/54b3r/sonitag/internal/sidecar"
	"github.com/54b3r/sonitag/internal/store"
	"github.com/54b3r/sonitag/internal/tagger"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

const (
	clapDim = 4
	ttmrDim = 2
	textDim = 3
)

// fakeSidecar serves canned separation, energy, features and embeddings.
type fakeSidecar struct {
	energy  map[string]float64
	failFor string
}

func (f *fakeSidecar) Separate(_ context.Context, path string) (sidecar.Stems, error) {
	dir := filepath.Join("/stems", filepath.Base(path))
	out := sidecar.Stems{}
	for _, n := range sidecar.StemNames {
		out[n] = filepath.Join(dir, n+".wav")
	}
	return out, nil
}

func (f *fakeSidecar) Energy(_ context.Context, path string) (float64, error) {
	name := filepath.Base(path)
	return f.energy[name[:len(name)-len(".wav")]], nil
}

func (f *fakeSidecar) Features(_ context.Context, path string) (*sidecar.Features, error) {
	return &sidecar.Features{DurationSec: 30, TempoBPM: 120, Chroma: []float64{float64(len(path)) / 100}}, nil
}

func (f *fakeSidecar) CLAP(_ context.Context, path string) ([]float32, error) {
	if f.failFor != "" && f.failFor == filepath.Base(path) {
		return nil, errors.New("model crashed")
	}
	return []float32{1, 0, 0, float32(len(path)) / 100}, nil
}

func (f *fakeSidecar) TTMR(_ context.Context, path string) ([]float32, error) {
	return []float32{0, float32(len(path)) / 100}, nil
}

// fakeTagger answers with the stem name as the only tag and records inputs.
type fakeTagger struct {
	mu       sync.Mutex
	inputs   map[string]tagger.Input
	unparsed map[string]bool
	delay    time.Duration
	inFlight int
	peak     int
}

func newFakeTagger() *fakeTagger {
	return &fakeTagger{inputs: map[string]tagger.Input{}, unparsed: map[string]bool{}}
}

func (f *fakeTagger) Generate(_ context.Context, in *tagger.Input) (tagger.Result, error) {
	f.mu.Lock()
	f.inputs[in.StemType] = *in
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	unparsed := f.unparsed[in.StemType]
	f.mu.Unlock()

	time.Sleep(f.delay)

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if unparsed {
		return tagger.Fallback(), fmt.Errorf("tagger: %w", tagger.ErrParse)
	}
	name := in.StemType
	if name == "" {
		name = "track"
	}
	return tagger.Result{Tags: []string{name + "-tag"}, Summary: "About the " + name + "."}, nil
}

func (f *fakeTagger) input(stem string) tagger.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs[stem]
}

// lengthEmbedder embeds text deterministically by its length.
type lengthEmbedder struct {
	fail bool
}

func (e lengthEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if e.fail {
		return nil, errors.New("embedder offline")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 0, 1}
	}
	return out, nil
}

// upsert is one recorded mirror call.
type upsert struct {
	collection string
	position   int
}

type fakeMirror struct {
	mu    sync.Mutex
	calls []upsert
}

func (m *fakeMirror) Upsert(_ context.Context, collection string, position int, _ []float32, _ metadata.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, upsert{collection, position})
	return nil
}

// fixture wires a Processor over seeded reference indices in a temp dir.
type fixture struct {
	dir      string
	registry *index.Registry
	planner  *planner.Planner
	tagger   *fakeTagger
	sidecar  *fakeSidecar
	history  *store.SQLiteStore
	mirror   *fakeMirror
	internal Target
	text     Target
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	seed(t, dir, "clap", clapDim,
		[][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}},
		[]metadata.Record{{"title": "Near Clap", "artist": "A"}, {"title": "Far Clap", "artist": "B"}})
	seed(t, dir, "ttmr", ttmrDim,
		[][]float32{{0, 0}},
		[]metadata.Record{{"title": "Near TTMR", "artist": "C"}})
	seed(t, dir, "ttmr_artist", ttmrDim,
		[][]float32{{0, 0}},
		[]metadata.Record{{"artist_name": "Similar Artist", "track_ids": []any{"1", "2"}}})

	reg, err := index.NewRegistry(index.RegistryConfig{Logger: discard})
	if err != nil {
		t.Fatal(err)
	}
	pl, err := planner.New(reg,
		space(dir, planner.KindContent, "clap", clapDim),
		space(dir, planner.KindAudioText, "ttmr", ttmrDim),
		space(dir, planner.KindArtist, "ttmr_artist", ttmrDim),
	)
	if err != nil {
		t.Fatal(err)
	}
	hist, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = hist.Close() })

	return &fixture{
		dir:      dir,
		registry: reg,
		planner:  pl,
		tagger:   newFakeTagger(),
		sidecar:  &fakeSidecar{energy: map[string]float64{"vocals": 0.5, "drums": 0.1, "bass": 0, "other": 0.1}},
		history:  hist,
		mirror:   &fakeMirror{},
		internal: target(dir, "internal", clapDim),
		text:     target(dir, "text", textDim),
	}
}

func (f *fixture) processor(t *testing.T, mutate func(*Config)) *Processor {
	t.Helper()
	cfg := Config{
		Sidecar:  f.sidecar,
		Tagger:   f.tagger,
		Planner:  f.planner,
		Resolver: f.registry,
		Embedder: lengthEmbedder{},
		Internal: f.internal,
		Text:     f.text,
		History:  f.history,
		Mirror:   f.mirror,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewProcessor(cfg)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	return p
}

// count returns the entries of a target as a fresh read-only instance sees
// them on disk.
func (f *fixture) count(t *testing.T, tg Target) int {
	t.Helper()
	cfg := index.Config{VectorPath: tg.Key.VectorPath, MetadataPath: tg.Key.MetadataPath, Dimension: tg.Dimension, Mode: index.ModeReadOnly}
	x, err := index.Open(cfg, discard)
	if err != nil {
		t.Fatalf("open %s: %v", tg.Key.VectorPath, err)
	}
	return x.VectorCount()
}

func seed(t *testing.T, dir, name string, dim int, vecs [][]float32, recs []metadata.Record) {
	t.Helper()
	x, err := index.Open(index.Config{
		VectorPath:   filepath.Join(dir, name+".vec"),
		MetadataPath: filepath.Join(dir, name+".json"),
		Dimension:    dim,
		Mode:         index.ModeWritable,
	}, discard)
	if err != nil {
		t.Fatal(err)
	}
	if err := x.AddBatch(vecs, recs); err != nil {
		t.Fatal(err)
	}
	if err := x.Save(); err != nil {
		t.Fatal(err)
	}
}

func space(dir string, kind planner.Kind, name string, dim int) planner.Space {
	return planner.Space{
		Kind:         kind,
		VectorPath:   filepath.Join(dir, name+".vec"),
		MetadataPath: filepath.Join(dir, name+".json"),
		Dimension:    dim,
		Mode:         index.ModeReadOnly,
	}
}

func target(dir, name string, dim int) Target {
	return Target{
		Key: index.Key{
			VectorPath:   filepath.Join(dir, name+".vec"),
			MetadataPath: filepath.Join(dir, name+".json"),
			Mode:         index.ModeWritable,
		},
		Dimension:  dim,
		Collection: name,
	}
}

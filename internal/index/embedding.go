// Package index pairs a vector index with its metadata store so that vector
// i and record i always describe the same item. An EmbeddingIndex is opened
// in one of three modes: writable (add and save), read-only (heap copy) or
// mapped (read-only, vector file memory-mapped). Instances are usually
// obtained through a Registry, which shares one instance per backing file
// pair across the process.
package index

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/54b3r/sonitag/internal/metadata"
	"github.com/54b3r/sonitag/internal/vector"
)

// Mode selects how an EmbeddingIndex may be used. It is fixed at Open.
type Mode int

const (
	// ModeWritable allows Add and Save.
	ModeWritable Mode = iota
	// ModeReadOnly loads both files into memory and rejects mutation.
	ModeReadOnly
	// ModeMapped memory-maps the vector file and rejects mutation.
	ModeMapped
)

// String returns the lower-case mode name used in logs and metric labels.
func (m Mode) String() string {
	switch m {
	case ModeWritable:
		return "writable"
	case ModeReadOnly:
		return "readonly"
	case ModeMapped:
		return "mapped"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ReadOnly reports whether the mode rejects Add and Save.
func (m Mode) ReadOnly() bool {
	return m != ModeWritable
}

// Config describes the backing files of one index.
type Config struct {
	// VectorPath is the binary vector file.
	VectorPath string

	// MetadataPath is the JSON metadata file.
	MetadataPath string

	// Dimension is the expected vector length. When the vector file exists
	// its dimension must match. Zero accepts whatever the file or the first
	// Add provides.
	Dimension int

	// Mode is the access mode.
	Mode Mode
}

// Neighbor is one query result.
type Neighbor struct {
	// Distance is the squared L2 distance to the query. Smaller is closer.
	Distance float32

	// Record is the metadata stored alongside the matched vector.
	Record metadata.Record
}

// EmbeddingIndex is a vector index plus its positional metadata. It is safe
// for concurrent use.
type EmbeddingIndex struct {
	// cfg is the configuration the index was opened with.
	cfg Config

	// log receives load warnings and save events.
	log *slog.Logger

	// mu guards the vectors/meta pair and unsaved. Writers hold it
	// exclusively so no reader observes one store ahead of the other.
	mu sync.RWMutex

	// vectors holds the embeddings.
	vectors *vector.Flat

	// meta holds record i for vector i.
	meta *metadata.Store

	// unsaved counts entries appended since the last successful Save.
	unsaved int

	// commitMu serialises Commit so at most one add-then-save runs per
	// instance.
	commitMu sync.Mutex
}

// Open loads the index described by cfg. Missing files yield an empty index
// of cfg.Dimension. A corrupt metadata file is logged and treated as empty;
// a corrupt or mismatched vector file is an error. Writable indices create
// the parent directories of both paths; read-only ones never touch disk
// beyond reading.
func Open(cfg Config, log *slog.Logger) (*EmbeddingIndex, error) {
	if cfg.VectorPath == "" || cfg.MetadataPath == "" {
		return nil, fmt.Errorf("index: vector and metadata paths are required")
	}
	if cfg.Dimension < 0 {
		return nil, fmt.Errorf("index: negative dimension %d", cfg.Dimension)
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("index", cfg.VectorPath), slog.String("mode", cfg.Mode.String()))

	if !cfg.Mode.ReadOnly() {
		for _, p := range []string{cfg.VectorPath, cfg.MetadataPath} {
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return nil, fmt.Errorf("index: create directory for %s: %w", p, err)
			}
		}
	}

	vectors, err := openVectors(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Dimension > 0 && vectors.Dim() != 0 && vectors.Dim() != cfg.Dimension {
		got := vectors.Dim()
		_ = vectors.Close()
		return nil, fmt.Errorf("index: %s: %w", cfg.VectorPath,
			&vector.DimensionError{Expected: cfg.Dimension, Actual: got})
	}

	meta := metadata.Load(cfg.MetadataPath, log)
	if err := reconcile(cfg.Mode, vectors, meta, log); err != nil {
		_ = vectors.Close()
		return nil, err
	}

	log.Debug("index: opened",
		slog.Int("vectors", vectors.Len()),
		slog.Int("dimension", vectors.Dim()),
	)

	return &EmbeddingIndex{
		cfg:     cfg,
		log:     log,
		vectors: vectors,
		meta:    meta,
	}, nil
}

// reconcile handles a vector/metadata count mismatch, which a crash
// between the two writes of Save leaves behind. A read-only index only
// ignores the unmatched positions. A writable index truncates both sides
// to the shorter one so the next append keeps vectors and records paired;
// entries dropped this way are missing from the id set and get rebuilt.
func reconcile(mode Mode, vectors *vector.Flat, meta *metadata.Store, log *slog.Logger) error {
	nv, nm := vectors.Len(), meta.Len()
	if nv == nm {
		return nil
	}
	if mode.ReadOnly() {
		log.Warn("index: vector and metadata counts differ; unmatched positions are ignored",
			slog.Int("vectors", nv),
			slog.Int("records", nm),
		)
		return nil
	}

	keep := min(nv, nm)
	if err := vectors.Truncate(keep); err != nil {
		return fmt.Errorf("index: truncate vectors to %d: %w", keep, err)
	}
	meta.Truncate(keep)
	log.Warn("index: vector and metadata counts differ; truncated to the shorter side",
		slog.Int("vectors", nv),
		slog.Int("records", nm),
		slog.Int("kept", keep),
	)
	return nil
}

// openVectors loads, maps or creates the vector index for cfg.
func openVectors(cfg Config) (*vector.Flat, error) {
	_, err := os.Stat(cfg.VectorPath)
	if errors.Is(err, fs.ErrNotExist) {
		return vector.NewFlat(cfg.Dimension), nil
	}
	if err != nil {
		return nil, fmt.Errorf("index: stat %s: %w", cfg.VectorPath, err)
	}

	var v *vector.Flat
	if cfg.Mode == ModeMapped {
		v, err = vector.Map(cfg.VectorPath)
	} else {
		v, err = vector.Load(cfg.VectorPath)
	}
	if err != nil {
		return nil, fmt.Errorf("index: %w", err)
	}
	return v, nil
}

// Add appends one vector and its record. The vector length and the record's
// JSON encoding are checked before either store changes, so a failed Add
// leaves both stores as they were.
func (x *EmbeddingIndex) Add(vec []float32, rec metadata.Record) error {
	return x.AddBatch([][]float32{vec}, []metadata.Record{rec})
}

// AddBatch appends vecs[i] with recs[i] for every i, or nothing at all.
func (x *EmbeddingIndex) AddBatch(vecs [][]float32, recs []metadata.Record) error {
	_, err := x.appendBatch(vecs, recs)
	return err
}

// appendBatch implements AddBatch and returns the position of the first
// appended entry.
func (x *EmbeddingIndex) appendBatch(vecs [][]float32, recs []metadata.Record) (int, error) {
	if x.cfg.Mode.ReadOnly() {
		return 0, ErrReadOnly
	}
	if len(vecs) != len(recs) {
		return 0, fmt.Errorf("%w: %d vectors, %d records", ErrBatchLength, len(vecs), len(recs))
	}
	for i, rec := range recs {
		if err := metadata.Validate(rec); err != nil {
			return 0, fmt.Errorf("index: record %d: %w", i, err)
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	start := x.meta.Len()
	if len(vecs) == 0 {
		return start, nil
	}
	if err := x.vectors.Add(vecs...); err != nil {
		return 0, fmt.Errorf("index: add: %w", err)
	}
	for _, rec := range recs {
		x.meta.Append(rec)
	}
	x.unsaved += len(vecs)
	return start, nil
}

// Save persists the vector file and then the metadata file.
func (x *EmbeddingIndex) Save() error {
	if x.cfg.Mode.ReadOnly() {
		return ErrReadOnly
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.vectors.Save(x.cfg.VectorPath); err != nil {
		return fmt.Errorf("index: save vectors: %w", err)
	}
	if err := x.meta.Save(x.cfg.MetadataPath); err != nil {
		return fmt.Errorf("index: save metadata: %w", err)
	}

	x.log.Debug("index: saved",
		slog.Int("entries", x.meta.Len()),
		slog.Int("new", x.unsaved),
	)
	x.unsaved = 0
	return nil
}

// Commit adds one entry and saves. Concurrent Commits on the same instance
// run one at a time. If the save fails the entry stays in memory and is
// written by the next successful Save.
func (x *EmbeddingIndex) Commit(vec []float32, rec metadata.Record) error {
	_, err := x.CommitAt(vec, rec)
	return err
}

// CommitAt is Commit that also reports the position the entry was stored
// at. The position is valid even when the save fails.
func (x *EmbeddingIndex) CommitAt(vec []float32, rec metadata.Record) (int, error) {
	x.commitMu.Lock()
	defer x.commitMu.Unlock()

	pos, err := x.appendBatch([][]float32{vec}, []metadata.Record{rec})
	if err != nil {
		return 0, err
	}
	return pos, x.Save()
}

// QueryNeighbors returns up to k neighbours of vec, closest first. Positions
// without a metadata record are dropped. ErrEmptyIndex is returned unchanged
// so callers can treat it as "no neighbours".
func (x *EmbeddingIndex) QueryNeighbors(vec []float32, k int) ([]Neighbor, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	hits, err := x.vectors.Search(vec, k)
	if err != nil {
		return nil, fmt.Errorf("index: query %s: %w", x.cfg.VectorPath, err)
	}

	out := make([]Neighbor, 0, len(hits))
	for _, h := range hits {
		rec, err := x.meta.Get(h.Position)
		if err != nil {
			continue
		}
		out = append(out, Neighbor{Distance: h.Distance, Record: rec})
	}
	return out, nil
}

// Records is QueryNeighbors without the distances.
func (x *EmbeddingIndex) Records(vec []float32, k int) ([]metadata.Record, error) {
	ns, err := x.QueryNeighbors(vec, k)
	if err != nil {
		return nil, err
	}
	recs := make([]metadata.Record, len(ns))
	for i, n := range ns {
		recs[i] = n.Record
	}
	return recs, nil
}

// VectorCount returns the number of stored vectors.
func (x *EmbeddingIndex) VectorCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.vectors.Len()
}

// MetadataCount returns the number of stored records.
func (x *EmbeddingIndex) MetadataCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.meta.Len()
}

// Unsaved returns the number of entries added since the last Save.
func (x *EmbeddingIndex) Unsaved() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.unsaved
}

// Dim returns the vector dimension, falling back to the configured one for
// an index that has not seen a vector yet.
func (x *EmbeddingIndex) Dim() int {
	if d := x.vectors.Dim(); d != 0 {
		return d
	}
	return x.cfg.Dimension
}

// Mode returns the access mode.
func (x *EmbeddingIndex) Mode() Mode {
	return x.cfg.Mode
}

// Config returns the configuration the index was opened with.
func (x *EmbeddingIndex) Config() Config {
	return x.cfg
}

// Vector returns a copy of the vector at pos.
func (x *EmbeddingIndex) Vector(pos int) ([]float32, bool) {
	return x.vectors.Vector(pos)
}

// Record returns the record at pos.
func (x *EmbeddingIndex) Record(pos int) (metadata.Record, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.meta.Get(pos)
}

// IDs returns the set of values stored under key across all records.
func (x *EmbeddingIndex) IDs(key string) map[string]struct{} {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.meta.IDs(key)
}

// Close releases the file mapping of a mapped index. Heap-backed indices
// have nothing to release. A closed mapped index behaves as empty.
func (x *EmbeddingIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.vectors.Close()
}

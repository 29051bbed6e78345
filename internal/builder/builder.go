// Package builder populates an embedding index from a corpus of audio files.
// A run walks the corpus once, skips items whose id is already indexed,
// embeds the rest and flushes them to disk in batches. The ids stored in the
// index metadata are the only checkpoint, so an interrupted run resumes by
// simply running again. This pipeline is invoked by `sonitag index build`.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"os"
	"time"

	"github.com/54b3r/sonitag/internal/metadata"
)

// Item is one corpus entry.
type Item struct {
	// ID identifies the item across runs. It is written to the record under
	// Config.IDKey and compared against the ids already in the index.
	ID string

	// Path is the audio file to embed.
	Path string

	// Record is the metadata stored with the vector. It is copied, never
	// modified.
	Record metadata.Record
}

// EmbedFunc turns an audio file into a vector.
type EmbedFunc func(ctx context.Context, path string) ([]float32, error)

// Index is the subset of *index.EmbeddingIndex a build writes to.
type Index interface {
	// IDs returns the values stored under key across all records.
	IDs(key string) map[string]struct{}
	// AddBatch appends vectors and records together.
	AddBatch(vecs [][]float32, recs []metadata.Record) error
	// Save persists the index.
	Save() error
	// Dim returns the index dimension, zero if not yet fixed.
	Dim() int
}

// Config holds the configuration for a build.
type Config struct {
	// BatchSize is the number of embedded items buffered before a flush.
	// Defaults to 50 if zero.
	BatchSize int

	// Dimension is the expected embedding length. Defaults to the index
	// dimension; zero there too accepts the first embedding's length.
	Dimension int

	// IDKey is the record key holding the item id. Defaults to "id".
	IDKey string

	// Logger receives progress and per-item warnings. Defaults to
	// slog.Default.
	Logger *slog.Logger
}

// Stats summarises a run.
type Stats struct {
	// Processed is the number of items embedded and buffered.
	Processed int
	// SkippedExisting counts items whose id was already indexed.
	SkippedExisting int
	// SkippedMissing counts items whose audio file does not exist.
	SkippedMissing int
	// SkippedInvalid counts items with no id, or whose embedding had the
	// wrong length or non-finite values.
	SkippedInvalid int
	// Crashed counts items whose embedding call failed.
	Crashed int
	// Flushes counts successful add-and-save cycles.
	Flushes int
	// Duration is the wall-clock time of the run.
	Duration time.Duration
}

// LogValue renders the stats as a structured log group.
func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("processed", s.Processed),
		slog.Int("skipped_existing", s.SkippedExisting),
		slog.Int("skipped_missing", s.SkippedMissing),
		slog.Int("skipped_invalid", s.SkippedInvalid),
		slog.Int("crashed", s.Crashed),
		slog.Int("flushes", s.Flushes),
		slog.Duration("duration", s.Duration),
	)
}

// Builder runs embed-and-flush over a corpus. It is single-threaded.
type Builder struct {
	// idx receives the embeddings.
	idx Index

	// embed computes one embedding.
	embed EmbedFunc

	// cfg holds the resolved configuration.
	cfg *Config

	// log receives progress events.
	log *slog.Logger
}

// New constructs a Builder from the provided dependencies and config.
func New(idx Index, embed EmbedFunc, cfg *Config) (*Builder, error) {
	if idx == nil {
		return nil, fmt.Errorf("builder: index must not be nil")
	}
	if embed == nil {
		return nil, fmt.Errorf("builder: embed function must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = idx.Dim()
	}
	if cfg.IDKey == "" {
		cfg.IDKey = "id"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Builder{idx: idx, embed: embed, cfg: cfg, log: cfg.Logger}, nil
}

// batch buffers embedded items between flushes.
type batch struct {
	vecs [][]float32
	recs []metadata.Record
}

func (b *batch) len() int { return len(b.vecs) }

func (b *batch) reset() {
	b.vecs = b.vecs[:0]
	b.recs = b.recs[:0]
}

// Run processes corpus in order. When ctx is cancelled the run stops taking
// new items, flushes what it has buffered and returns ctx.Err() with the
// stats so far. A flush failure ends the run with that error.
func (b *Builder) Run(ctx context.Context, corpus []Item) (Stats, error) {
	start := time.Now()
	var stats Stats

	seen := b.idx.IDs(b.cfg.IDKey)
	dim := b.cfg.Dimension
	buf := &batch{}

	b.log.Info("builder: starting run",
		slog.Int("items", len(corpus)),
		slog.Int("already_indexed", len(seen)),
		slog.Int("batch_size", b.cfg.BatchSize),
	)

	for _, it := range corpus {
		if ctx.Err() != nil {
			break
		}

		if it.ID == "" {
			b.log.Warn("builder: item without id", slog.String("path", it.Path))
			stats.SkippedInvalid++
			continue
		}
		if _, ok := seen[it.ID]; ok {
			stats.SkippedExisting++
			continue
		}
		if _, err := os.Stat(it.Path); err != nil {
			b.log.Debug("builder: audio file missing",
				slog.String("id", it.ID),
				slog.String("path", it.Path),
			)
			stats.SkippedMissing++
			continue
		}

		vec, err := b.embed(ctx, it.Path)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				break
			}
			b.log.Warn("builder: embedding failed",
				slog.String("id", it.ID),
				slog.String("path", it.Path),
				slog.Any("error", err),
			)
			stats.Crashed++
			continue
		}

		if dim == 0 {
			dim = len(vec)
		}
		if !validVector(vec, dim) {
			b.log.Warn("builder: invalid embedding",
				slog.String("id", it.ID),
				slog.Int("length", len(vec)),
				slog.Int("want", dim),
			)
			stats.SkippedInvalid++
			continue
		}

		rec := make(metadata.Record, len(it.Record)+1)
		maps.Copy(rec, it.Record)
		rec[b.cfg.IDKey] = it.ID

		buf.vecs = append(buf.vecs, vec)
		buf.recs = append(buf.recs, rec)
		seen[it.ID] = struct{}{}
		stats.Processed++

		if buf.len() >= b.cfg.BatchSize {
			if err := b.flush(buf, &stats); err != nil {
				stats.Duration = time.Since(start)
				return stats, err
			}
		}
	}

	// Flushed regardless of ctx: an interrupt must not lose embedded items.
	if err := b.flush(buf, &stats); err != nil {
		stats.Duration = time.Since(start)
		return stats, err
	}

	stats.Duration = time.Since(start)
	if err := ctx.Err(); err != nil {
		b.log.Warn("builder: run interrupted, progress saved", slog.Any("stats", stats))
		return stats, err
	}
	b.log.Info("builder: run complete", slog.Any("stats", stats))
	return stats, nil
}

// flush appends the buffered items and saves the index. An empty buffer is
// a no-op.
func (b *Builder) flush(buf *batch, stats *Stats) error {
	if buf.len() == 0 {
		return nil
	}
	if err := b.idx.AddBatch(buf.vecs, buf.recs); err != nil {
		return fmt.Errorf("builder: add batch: %w", err)
	}
	if err := b.idx.Save(); err != nil {
		return fmt.Errorf("builder: save: %w", err)
	}
	stats.Flushes++
	b.log.Info("builder: flushed batch",
		slog.Int("items", buf.len()),
		slog.Int("processed", stats.Processed),
	)
	buf.reset()
	return nil
}

// validVector reports whether vec has length dim and only finite values.
func validVector(vec []float32, dim int) bool {
	if len(vec) == 0 || len(vec) != dim {
		return false
	}
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

package builder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/54b3r/sonitag/internal/metadata"
)

// Source is the read side of *index.EmbeddingIndex used for aggregation.
type Source interface {
	// VectorCount returns the number of stored vectors.
	VectorCount() int
	// Vector returns a copy of the vector at pos.
	Vector(pos int) ([]float32, bool)
	// Record returns the record at pos.
	Record(pos int) (metadata.Record, error)
}

// AggregateConfig configures AggregateArtists.
type AggregateConfig struct {
	// MinTracks is the minimum number of tracks an artist needs to be
	// indexed. Defaults to 2 if zero.
	MinTracks int

	// BatchSize is the number of artists buffered before a flush. Defaults
	// to 50 if zero.
	BatchSize int

	// ArtistKey is the source record key holding the artist name. Defaults
	// to "artist".
	ArtistKey string

	// IDKey is the source record key holding the track id. Defaults to "id".
	IDKey string

	// Similarity, when set, adds the top SimilarLimit co-listed artists to
	// each record as "sim_artist_names".
	Similarity ArtistSimilarity

	// SimilarLimit defaults to 5 if zero.
	SimilarLimit int

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// AggregateStats summarises an aggregation run.
type AggregateStats struct {
	// Artists is the number of artist vectors written.
	Artists int
	// SkippedExisting counts artists already in the target.
	SkippedExisting int
	// SkippedSmall counts artists with fewer than MinTracks tracks.
	SkippedSmall int
	// Flushes counts successful add-and-save cycles.
	Flushes int
	// Duration is the wall-clock time of the run.
	Duration time.Duration
}

// artistKey is the target record key holding the artist name.
const artistKey = "artist_name"

// artistGroup accumulates the tracks of one artist.
type artistGroup struct {
	name     string
	sum      []float64
	tracks   int
	trackIDs []string
}

// AggregateArtists builds one vector per artist in target as the mean of
// that artist's track vectors in source. Records are {"artist_name",
// "track_ids"}, plus "sim_artist_names" when cfg.Similarity is set.
// Artists already present in target are skipped, so the run is resumable
// like Run, and an interrupt flushes what was buffered.
func AggregateArtists(ctx context.Context, source Source, target Index, cfg AggregateConfig) (AggregateStats, error) {
	if cfg.MinTracks <= 0 {
		cfg.MinTracks = 2
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.ArtistKey == "" {
		cfg.ArtistKey = "artist"
	}
	if cfg.IDKey == "" {
		cfg.IDKey = "id"
	}
	if cfg.SimilarLimit <= 0 {
		cfg.SimilarLimit = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	log := cfg.Logger
	start := time.Now()
	var stats AggregateStats

	groups, err := groupByArtist(source, cfg)
	if err != nil {
		return stats, err
	}
	existing := target.IDs(artistKey)

	b := &Builder{idx: target, cfg: &Config{BatchSize: cfg.BatchSize}, log: log}
	buf := &batch{}
	var bstats Stats

	for _, g := range groups {
		if ctx.Err() != nil {
			break
		}
		if _, ok := existing[g.name]; ok {
			stats.SkippedExisting++
			continue
		}
		if g.tracks < cfg.MinTracks {
			stats.SkippedSmall++
			continue
		}

		mean := make([]float32, len(g.sum))
		for i, s := range g.sum {
			mean[i] = float32(s / float64(g.tracks))
		}
		rec := metadata.Record{
			artistKey:   g.name,
			"track_ids": g.trackIDs,
		}
		if cfg.Similarity != nil {
			rec["sim_artist_names"] = cfg.Similarity.Similar(g.name, cfg.SimilarLimit)
		}
		buf.vecs = append(buf.vecs, mean)
		buf.recs = append(buf.recs, rec)
		stats.Artists++
		bstats.Processed = stats.Artists

		if buf.len() >= cfg.BatchSize {
			if err := b.flush(buf, &bstats); err != nil {
				stats.Flushes = bstats.Flushes
				stats.Duration = time.Since(start)
				return stats, err
			}
		}
	}

	err = b.flush(buf, &bstats)
	stats.Flushes = bstats.Flushes
	stats.Duration = time.Since(start)
	if err != nil {
		return stats, err
	}

	log.Info("builder: artist aggregation finished",
		slog.Int("artists", stats.Artists),
		slog.Int("skipped_existing", stats.SkippedExisting),
		slog.Int("skipped_small", stats.SkippedSmall),
		slog.Int("flushes", stats.Flushes),
		slog.Duration("duration", stats.Duration),
	)
	return stats, ctx.Err()
}

// groupByArtist collects the vectors of source per artist, in order of each
// artist's first appearance. Records without an artist are ignored; a
// record without a track id still counts towards the mean.
func groupByArtist(source Source, cfg AggregateConfig) ([]*artistGroup, error) {
	byName := make(map[string]*artistGroup)
	var order []*artistGroup

	for pos := range source.VectorCount() {
		rec, err := source.Record(pos)
		if err != nil {
			continue
		}
		raw, ok := rec[cfg.ArtistKey]
		if !ok || raw == nil {
			continue
		}
		name := strings.TrimSpace(metadata.IDString(raw))
		if name == "" {
			continue
		}
		vec, ok := source.Vector(pos)
		if !ok {
			continue
		}

		g := byName[name]
		if g == nil {
			g = &artistGroup{name: name, sum: make([]float64, len(vec)), trackIDs: []string{}}
			byName[name] = g
			order = append(order, g)
		}
		if len(vec) != len(g.sum) {
			return nil, fmt.Errorf("builder: artist %q: vector length %d, want %d", name, len(vec), len(g.sum))
		}
		for i, v := range vec {
			g.sum[i] += float64(v)
		}
		g.tracks++
		if id := rec[cfg.IDKey]; id != nil {
			g.trackIDs = append(g.trackIDs, metadata.IDString(id))
		}
	}
	return order, nil
}

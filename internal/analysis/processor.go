// Package analysis composes the per-upload pipeline: stem separation, track
// classification, audio embeddings, neighbour lookups, LLM tagging for the
// track and each stem, and the commits that make the upload searchable.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/54b3r/sonitag/internal/embedder"
	"github.com/54b3r/sonitag/internal/index"
	"github.com/54b3r/sonitag/internal/logging"
	"github.com/54b3r/sonitag/internal/metadata"
	"github.com/54b3r/sonitag/internal/planner"
	"github.com/54b3r/sonitag/internal/sidecar"
	"github.com/54b3r/sonitag/internal/store"
	"github.com/54b3r/sonitag/internal/tagger"
)

// ErrEmbedding marks a failed audio or text embedding on the serving path.
var ErrEmbedding = errors.New("analysis: embedding failed")

const (
	// DefaultNeighbors is the per-space neighbour count.
	DefaultNeighbors = 3
	// DefaultStemWorkers bounds concurrent stem analyses.
	DefaultStemWorkers = 2
	// DefaultSilenceThreshold is the mean RMS below which a stem is treated
	// as silent (about -60 dBFS).
	DefaultSilenceThreshold = 1e-3
)

// Sidecar is the subset of the inference sidecar the processor uses.
// *sidecar.Client satisfies it.
type Sidecar interface {
	Separate(ctx context.Context, path string) (sidecar.Stems, error)
	Energy(ctx context.Context, path string) (float64, error)
	Features(ctx context.Context, path string) (*sidecar.Features, error)
	CLAP(ctx context.Context, path string) ([]float32, error)
	TTMR(ctx context.Context, path string) ([]float32, error)
}

// Tagger produces tags and a summary. *tagger.Tagger satisfies it.
type Tagger interface {
	Generate(ctx context.Context, in *tagger.Input) (tagger.Result, error)
}

// Querier fans embeddings out to the reference spaces. *planner.Planner
// satisfies it.
type Querier interface {
	QueryByKind(ctx context.Context, embeddings map[planner.Kind][]float32, k int) (map[planner.Kind][]index.Neighbor, error)
}

// Mirror receives every committed entry. Failures are logged, never fatal.
type Mirror interface {
	Upsert(ctx context.Context, collection string, position int, vec []float32, rec metadata.Record) error
}

// Target names a writable index by registry key.
type Target struct {
	// Key is the registry key; Mode must be index.ModeWritable.
	Key index.Key
	// Dimension is the vector length.
	Dimension int
	// Collection is the mirror collection name.
	Collection string
}

// Upload describes one analysis request.
type Upload struct {
	// PreviewPath is the clip used for separation and embeddings.
	PreviewPath string
	// FullPath is the full-length file used for features. Empty means the
	// preview is the full track.
	FullPath string
	// Title, Artist and Genre are optional user-supplied metadata.
	Title  string
	Artist string
	Genre  string
}

// Config holds the collaborators and settings of a Processor.
type Config struct {
	// Sidecar serves separation, features, energy and audio embeddings.
	Sidecar Sidecar
	// Tagger produces tags and summaries.
	Tagger Tagger
	// Planner queries the reference spaces.
	Planner Querier
	// Resolver supplies the writable indices.
	Resolver planner.Resolver
	// Embedder embeds text blobs.
	Embedder embedder.Embedder
	// Internal is the writable index of uploaded tracks (CLAP vectors).
	Internal Target
	// Text is the writable text index.
	Text Target
	// History stores finished analyses. Optional.
	History store.AnalysisStore
	// Mirror receives committed entries. Optional.
	Mirror Mirror
	// Neighbors is k per space. Defaults to DefaultNeighbors.
	Neighbors int
	// StemWorkers bounds concurrent stem analyses. Defaults to
	// DefaultStemWorkers.
	StemWorkers int
	// SilenceThreshold is the silent-stem RMS cut-off. Defaults to
	// DefaultSilenceThreshold.
	SilenceThreshold float64
}

// Processor runs the analysis pipeline. It is safe for concurrent use.
type Processor struct {
	cfg Config
}

// NewProcessor validates cfg and applies defaults.
func NewProcessor(cfg Config) (*Processor, error) {
	switch {
	case cfg.Sidecar == nil:
		return nil, fmt.Errorf("analysis: sidecar must not be nil")
	case cfg.Tagger == nil:
		return nil, fmt.Errorf("analysis: tagger must not be nil")
	case cfg.Planner == nil:
		return nil, fmt.Errorf("analysis: planner must not be nil")
	case cfg.Resolver == nil:
		return nil, fmt.Errorf("analysis: resolver must not be nil")
	case cfg.Embedder == nil:
		return nil, fmt.Errorf("analysis: embedder must not be nil")
	}
	for _, t := range []Target{cfg.Internal, cfg.Text} {
		if t.Key.Mode != index.ModeWritable {
			return nil, fmt.Errorf("analysis: target %s must be writable", t.Key.VectorPath)
		}
	}
	if cfg.Neighbors <= 0 {
		cfg.Neighbors = DefaultNeighbors
	}
	if cfg.StemWorkers <= 0 {
		cfg.StemWorkers = DefaultStemWorkers
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = DefaultSilenceThreshold
	}
	return &Processor{cfg: cfg}, nil
}

// ProcessAudio analyses previewPath (and fullPath for features, when set).
// It is ProcessUpload without user-supplied metadata.
func (p *Processor) ProcessAudio(ctx context.Context, previewPath, fullPath string) (*Result, error) {
	return p.ProcessUpload(ctx, &Upload{PreviewPath: previewPath, FullPath: fullPath})
}

// ProcessUpload runs the full pipeline for u and commits the result to the
// internal and text indices.
func (p *Processor) ProcessUpload(ctx context.Context, u *Upload) (*Result, error) {
	start := time.Now()
	id := uuid.NewString()
	ctx, log := logging.With(ctx, slog.String("analysis_id", id))

	fullPath := u.FullPath
	if fullPath == "" {
		fullPath = u.PreviewPath
	}

	stems, err := p.cfg.Sidecar.Separate(ctx, u.PreviewPath)
	if err != nil {
		return nil, fmt.Errorf("analysis: separate stems: %w", err)
	}
	energy, err := p.energies(ctx, stems)
	if err != nil {
		return nil, err
	}
	info := Classify(energy)

	clap, ttmr, err := p.embedAudio(ctx, u.PreviewPath)
	if err != nil {
		return nil, err
	}

	features, err := p.cfg.Sidecar.Features(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("analysis: features: %w", err)
	}

	res := &Result{
		ID: id,
		Metadata: TrackMetadata{
			Features:    *features,
			Title:       u.Title,
			Artist:      u.Artist,
			Genre:       u.Genre,
			TrackType:   info.Type,
			TrackInfo:   info,
			PreviewFile: filepath.Base(u.PreviewPath),
		},
		StemTags:      make(map[string][]string, len(sidecar.StemNames)),
		StemSummaries: make(map[string]string, len(sidecar.StemNames)),
	}
	if u.FullPath != "" {
		res.Metadata.FullFile = filepath.Base(u.FullPath)
	}

	nb, err := p.neighbors(ctx, clap, ttmr)
	if err != nil {
		return nil, err
	}
	res.ClapNeighbors = records(nb[planner.KindContent])
	res.TTMRNeighbors = records(nb[planner.KindAudioText])
	res.SimilarArtists = records(nb[planner.KindArtist])

	base := tagger.Input{
		Title:     u.Title,
		Artist:    u.Artist,
		Genre:     u.Genre,
		TempoBPM:  features.TempoBPM,
		Chroma:    features.Chroma,
		TrackType: string(info.Type),
	}
	track := base
	track.Neighbors = append(append([]metadata.Record{}, res.ClapNeighbors...), res.TTMRNeighbors...)
	track.ArtistNeighbors = res.SimilarArtists
	tr, err := p.tag(ctx, &track)
	if err != nil {
		return nil, err
	}
	res.Tags, res.Summary = tr.Tags, tr.Summary

	if err := p.tagStems(ctx, stems, energy, &base, res); err != nil {
		return nil, err
	}

	// Embed before either commit so a failure leaves both indices untouched.
	blob := TextBlob(res)
	textVec, err := embedder.EmbedOne(ctx, p.cfg.Embedder, blob)
	if err != nil {
		return nil, fmt.Errorf("%w: text: %w", ErrEmbedding, err)
	}

	rec, err := res.Record()
	if err != nil {
		return nil, err
	}
	if err := p.commit(ctx, p.cfg.Internal, clap, rec); err != nil {
		return nil, err
	}

	res.TextBlob = blob
	rec, err = res.Record()
	if err != nil {
		return nil, err
	}
	if err := p.commit(ctx, p.cfg.Text, textVec, rec); err != nil {
		return nil, err
	}

	p.remember(ctx, res)

	log.Info("analysis: processed",
		slog.String("track_type", string(info.Type)),
		slog.Int("tags", len(res.Tags)),
		slog.Duration("duration", time.Since(start)),
	)
	return res, nil
}

// energies measures every stem concurrently.
func (p *Processor) energies(ctx context.Context, stems sidecar.Stems) (map[string]float64, error) {
	var mu sync.Mutex
	out := make(map[string]float64, len(stems))

	g, gctx := errgroup.WithContext(ctx)
	for name, path := range stems {
		g.Go(func() error {
			e, err := p.cfg.Sidecar.Energy(gctx, path)
			if err != nil {
				return fmt.Errorf("analysis: energy of %s: %w", name, err)
			}
			mu.Lock()
			out[name] = e
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// embedAudio returns the CLAP and TTMR++ embeddings of path.
func (p *Processor) embedAudio(ctx context.Context, path string) (clap, ttmr []float32, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := p.cfg.Sidecar.CLAP(gctx, path)
		if err != nil {
			return fmt.Errorf("%w: clap %s: %w", ErrEmbedding, filepath.Base(path), err)
		}
		clap = v
		return nil
	})
	g.Go(func() error {
		v, err := p.cfg.Sidecar.TTMR(gctx, path)
		if err != nil {
			return fmt.Errorf("%w: ttmr %s: %w", ErrEmbedding, filepath.Base(path), err)
		}
		ttmr = v
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return clap, ttmr, nil
}

// neighbors queries the content, audio-text and artist spaces.
func (p *Processor) neighbors(ctx context.Context, clap, ttmr []float32) (map[planner.Kind][]index.Neighbor, error) {
	nb, err := p.cfg.Planner.QueryByKind(ctx, map[planner.Kind][]float32{
		planner.KindContent:   clap,
		planner.KindAudioText: ttmr,
		planner.KindArtist:    ttmr,
	}, p.cfg.Neighbors)
	if err != nil {
		return nil, fmt.Errorf("analysis: neighbours: %w", err)
	}
	return nb, nil
}

// tag runs the tagger, substituting the fallback for unparseable answers.
func (p *Processor) tag(ctx context.Context, in *tagger.Input) (tagger.Result, error) {
	res, err := p.cfg.Tagger.Generate(ctx, in)
	if errors.Is(err, tagger.ErrParse) {
		return tagger.Fallback(), nil
	}
	if err != nil {
		return tagger.Result{}, fmt.Errorf("analysis: %w", err)
	}
	return res, nil
}

// stemResult is the outcome for one stem.
type stemResult struct {
	tags    []string
	summary string
}

// tagStems analyses every stem with at most StemWorkers in flight and
// stores the outcome on res.
func (p *Processor) tagStems(ctx context.Context, stems sidecar.Stems, energy map[string]float64, base *tagger.Input, res *Result) error {
	slots := make([]stemResult, len(sidecar.StemNames))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.StemWorkers)
	for i, name := range sidecar.StemNames {
		g.Go(func() error {
			if energy[name] < p.cfg.SilenceThreshold {
				logging.FromContext(gctx).Debug("analysis: silent stem", slog.String("stem", name))
				slots[i] = stemResult{
					tags:    []string{},
					summary: fmt.Sprintf("Empty stem. The %s is silent and does not contain any audio content.", name),
				}
				return nil
			}
			r, err := p.tagStem(gctx, name, stems[name], base)
			if err != nil {
				return err
			}
			slots[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, name := range sidecar.StemNames {
		res.StemTags[name] = slots[i].tags
		res.StemSummaries[name] = slots[i].summary
	}
	return nil
}

// tagStem runs features, embeddings, neighbours and tagging for one stem.
func (p *Processor) tagStem(ctx context.Context, name, path string, base *tagger.Input) (stemResult, error) {
	features, err := p.cfg.Sidecar.Features(ctx, path)
	if err != nil {
		return stemResult{}, fmt.Errorf("analysis: features of %s: %w", name, err)
	}
	clap, ttmr, err := p.embedAudio(ctx, path)
	if err != nil {
		return stemResult{}, err
	}
	nb, err := p.neighbors(ctx, clap, ttmr)
	if err != nil {
		return stemResult{}, err
	}

	in := *base
	in.StemType = name
	in.StemChroma = features.Chroma
	in.Neighbors = append(records(nb[planner.KindContent]), records(nb[planner.KindAudioText])...)
	in.ArtistNeighbors = records(nb[planner.KindArtist])

	r, err := p.tag(ctx, &in)
	if err != nil {
		return stemResult{}, err
	}
	return stemResult{tags: r.Tags, summary: r.Summary}, nil
}

// commit adds one entry to t and mirrors it when a mirror is configured.
func (p *Processor) commit(ctx context.Context, t Target, vec []float32, rec metadata.Record) error {
	x, err := p.cfg.Resolver.Get(t.Key, t.Dimension)
	if err != nil {
		return fmt.Errorf("analysis: resolve %s: %w", t.Key.VectorPath, err)
	}
	pos, err := x.CommitAt(vec, rec)
	if err != nil {
		return fmt.Errorf("analysis: commit %s: %w", t.Key.VectorPath, err)
	}
	if p.cfg.Mirror != nil && t.Collection != "" {
		if err := p.cfg.Mirror.Upsert(ctx, t.Collection, pos, vec, rec); err != nil {
			logging.FromContext(ctx).Warn("analysis: mirror upsert failed",
				slog.String("collection", t.Collection),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

// remember stores res in the history. Failures are logged; the analysis is
// already committed to the indices.
func (p *Processor) remember(ctx context.Context, res *Result) {
	if p.cfg.History == nil {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		logging.FromContext(ctx).Warn("analysis: encode history entry", slog.Any("error", err))
		return
	}
	a := &store.Analysis{
		ID:          res.ID,
		PreviewFile: res.Metadata.PreviewFile,
		FullFile:    res.Metadata.FullFile,
		TrackType:   string(res.Metadata.TrackType),
		Tags:        res.Tags,
		Summary:     res.Summary,
		Result:      raw,
	}
	if err := p.cfg.History.Put(ctx, a); err != nil {
		logging.FromContext(ctx).Warn("analysis: history put failed", slog.Any("error", err))
	}
}

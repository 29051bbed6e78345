// Package tagger asks a chat model for semantic tags and a short summary of a
// track or one of its stems, given its audio features and the metadata of its
// nearest neighbours in the reference indices.
package tagger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"

	"github.com/54b3r/sonitag/internal/budget"
	"github.com/54b3r/sonitag/internal/logging"
	"github.com/54b3r/sonitag/internal/metadata"
)

const (
	// FallbackSummary is the summary recorded when the model output could
	// not be parsed.
	FallbackSummary = "Unable to generate summary."
	// FallbackTag is the single tag recorded when the model output could not
	// be parsed.
	FallbackTag = "unknown"

	// DefaultMaxNeighbors caps the similar tracks listed in one prompt.
	DefaultMaxNeighbors = 5
)

// Result is the parsed model answer.
type Result struct {
	// Tags are lowercase descriptive tags, deduplicated, in model order.
	Tags []string `json:"tags"`
	// Summary is a one to three sentence description.
	Summary string `json:"summary"`
}

// Fallback returns the result recorded when tagging fails to parse.
func Fallback() Result {
	return Result{Tags: []string{FallbackTag}, Summary: FallbackSummary}
}

// IsFallback reports whether r is the parse-failure placeholder.
func (r Result) IsFallback() bool {
	return r.Summary == FallbackSummary
}

// Input describes the track or stem being tagged.
type Input struct {
	// Title, Artist and Genre are optional user-supplied track metadata.
	Title  string
	Artist string
	Genre  string
	// Tags are optional user-supplied tags.
	Tags []string
	// TempoBPM is the estimated tempo of the full track.
	TempoBPM float64
	// Chroma is the 12-bin chroma vector of the full track.
	Chroma []float64
	// TrackType is the track classification (acapella, instrumental, song).
	TrackType string
	// StemType is empty for the full track, or one of vocals, drums, bass,
	// other.
	StemType string
	// StemChroma is the chroma vector of the stem when StemType is set.
	StemChroma []float64
	// Neighbors are the nearest reference tracks, most similar first.
	Neighbors []metadata.Record
	// ArtistNeighbors are the nearest reference artists, most similar first.
	ArtistNeighbors []metadata.Record
}

// Config holds the tagger settings.
type Config struct {
	// MaxNeighbors caps the similar tracks listed per prompt. Defaults to
	// DefaultMaxNeighbors.
	MaxNeighbors int
	// MaxContextTokens is the estimated input budget. Neighbour lines are
	// dropped farthest-first to fit. Defaults to
	// budget.DefaultMaxContextTokens.
	MaxContextTokens int
}

// Tagger produces tags and summaries. It is safe for concurrent use when the
// underlying chat model is.
type Tagger struct {
	// model is the chat model constructed by the provider factory.
	model model.BaseChatModel
	// maxNeighbors caps the similar tracks listed per prompt.
	maxNeighbors int
	// maxContextTokens is the estimated input budget.
	maxContextTokens int
}

// New constructs a Tagger. cfg may be nil.
func New(m model.BaseChatModel, cfg *Config) (*Tagger, error) {
	if m == nil {
		return nil, fmt.Errorf("tagger: chat model must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	maxN := cfg.MaxNeighbors
	if maxN <= 0 {
		maxN = DefaultMaxNeighbors
	}
	maxCtx := cfg.MaxContextTokens
	if maxCtx <= 0 {
		maxCtx = budget.DefaultMaxContextTokens
	}
	return &Tagger{model: m, maxNeighbors: maxN, maxContextTokens: maxCtx}, nil
}

// Generate asks the model for tags and a summary of in. When the answer
// cannot be parsed it returns Fallback together with an error wrapping
// ErrParse; model failures are returned as-is.
func (t *Tagger) Generate(ctx context.Context, in *Input) (Result, error) {
	log := logging.FromContext(ctx)

	msgs := t.buildMessages(ctx, in)
	resp, err := t.model.Generate(ctx, msgs)
	if err != nil {
		return Result{}, fmt.Errorf("tagger: generate %s: %w", subject(in), err)
	}

	res, err := Parse(resp.Content)
	if err != nil {
		log.Warn("tagger: unparseable model output, using fallback",
			slog.String("subject", subject(in)),
			slog.String("raw", truncate(resp.Content, 500)),
		)
		return Fallback(), fmt.Errorf("tagger: %s: %w", subject(in), err)
	}

	log.Debug("tagger: tagged",
		slog.String("subject", subject(in)),
		slog.Int("tags", len(res.Tags)),
	)
	return res, nil
}

// subject names what is being tagged, for logs and errors.
func subject(in *Input) string {
	if in.StemType != "" {
		return "stem " + in.StemType
	}
	return "track"
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

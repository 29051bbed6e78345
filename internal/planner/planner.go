// Package planner fans a set of query embeddings out to the indices of their
// embedding spaces and merges the answers. Each embedding kind maps to one
// index; results are concatenated kind by kind in a fixed priority order
// with no cross-kind re-ranking, because distances from different spaces are
// not comparable.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/54b3r/sonitag/internal/index"
	"github.com/54b3r/sonitag/internal/logging"
	"github.com/54b3r/sonitag/internal/metadata"
)

// Kind names an embedding space.
type Kind int

// Kinds in priority order. The numeric order is the output order of
// QueryHybrid.
const (
	// KindContent is the CLAP audio-content space.
	KindContent Kind = iota
	// KindAudioText is the TTMR++ joint audio-text space.
	KindAudioText
	// KindArtist is the per-artist averaged TTMR++ space.
	KindArtist
	// KindText is the sentence-embedding space over analysis text blobs.
	KindText
)

// Kinds lists every kind in priority order.
var Kinds = []Kind{KindContent, KindAudioText, KindArtist, KindText}

// ErrUnknownKind is returned for an embedding whose kind has no configured
// space, and by ParseKind for an unrecognised name.
var ErrUnknownKind = errors.New("planner: unknown embedding kind")

// String returns the configuration name of the kind.
func (k Kind) String() string {
	switch k {
	case KindContent:
		return "content"
	case KindAudioText:
		return "audiotext"
	case KindArtist:
		return "artist"
	case KindText:
		return "text"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Space binds a kind to its backing files.
type Space struct {
	// Kind is the embedding space.
	Kind Kind

	// VectorPath is the binary vector file.
	VectorPath string

	// MetadataPath is the JSON metadata file.
	MetadataPath string

	// Dimension is the vector length of the space.
	Dimension int

	// Mode is the access mode the planner requests. Serving uses
	// index.ModeReadOnly or index.ModeMapped.
	Mode index.Mode
}

// Key converts the space to a registry key.
func (s Space) Key() index.Key {
	return index.Key{VectorPath: s.VectorPath, MetadataPath: s.MetadataPath, Mode: s.Mode}
}

// Resolver supplies indices by key. *index.Registry satisfies it.
type Resolver interface {
	Get(key index.Key, dimension int) (*index.EmbeddingIndex, error)
}

// Planner resolves query embeddings against their spaces.
type Planner struct {
	// resolver loads or returns cached indices.
	resolver Resolver

	// spaces maps each configured kind to its space.
	spaces map[Kind]Space
}

// New constructs a Planner. Each kind may be configured at most once.
func New(resolver Resolver, spaces ...Space) (*Planner, error) {
	if resolver == nil {
		return nil, fmt.Errorf("planner: resolver must not be nil")
	}
	m := make(map[Kind]Space, len(spaces))
	for _, s := range spaces {
		if s.Kind < KindContent || s.Kind > KindText {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKind, s.Kind)
		}
		if _, dup := m[s.Kind]; dup {
			return nil, fmt.Errorf("planner: kind %s configured twice", s.Kind)
		}
		if s.VectorPath == "" || s.MetadataPath == "" {
			return nil, fmt.Errorf("planner: kind %s: vector and metadata paths are required", s.Kind)
		}
		m[s.Kind] = s
	}
	return &Planner{resolver: resolver, spaces: m}, nil
}

// Space returns the configured space for kind.
func (p *Planner) Space(kind Kind) (Space, bool) {
	s, ok := p.spaces[kind]
	return s, ok
}

// QueryHybrid returns up to k records per supplied kind, concatenated in
// priority order. Nil embeddings are treated as absent. An empty index
// contributes nothing.
func (p *Planner) QueryHybrid(ctx context.Context, embeddings map[Kind][]float32, k int) ([]metadata.Record, error) {
	byKind, err := p.QueryByKind(ctx, embeddings, k)
	if err != nil {
		return nil, err
	}

	var out []metadata.Record
	for _, kind := range Kinds {
		for _, n := range byKind[kind] {
			out = append(out, n.Record)
		}
	}
	return out, nil
}

// QueryByKind runs the same fan-out as QueryHybrid and returns the
// neighbours of each supplied kind separately, distances included. Lookups
// run concurrently; the first error cancels the rest.
func (p *Planner) QueryByKind(ctx context.Context, embeddings map[Kind][]float32, k int) (map[Kind][]index.Neighbor, error) {
	if k < 1 {
		return nil, fmt.Errorf("planner: %w", index.ErrInvalidK)
	}
	for kind, vec := range embeddings {
		if vec == nil {
			continue
		}
		if _, ok := p.spaces[kind]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
		}
	}

	log := logging.FromContext(ctx)
	slots := make([][]index.Neighbor, len(Kinds))

	g, gctx := errgroup.WithContext(ctx)
	for kind, vec := range embeddings {
		if vec == nil {
			continue
		}
		space := p.spaces[kind]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			x, err := p.resolver.Get(space.Key(), space.Dimension)
			if err != nil {
				return fmt.Errorf("planner: resolve %s: %w", kind, err)
			}
			ns, err := x.QueryNeighbors(vec, k)
			if errors.Is(err, index.ErrEmptyIndex) {
				log.Debug("planner: empty index contributes nothing", slog.String("kind", kind.String()))
				return nil
			}
			if err != nil {
				return fmt.Errorf("planner: query %s: %w", kind, err)
			}
			slots[kind] = ns
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[Kind][]index.Neighbor, len(embeddings))
	for _, kind := range Kinds {
		if slots[kind] != nil {
			out[kind] = slots[kind]
		}
	}
	return out, nil
}

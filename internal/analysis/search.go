package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/54b3r/sonitag/internal/embedder"
	"github.com/54b3r/sonitag/internal/index"
	"github.com/54b3r/sonitag/internal/planner"
)

// ErrEmptyQuery is returned by Search for a blank query.
var ErrEmptyQuery = errors.New("analysis: empty search query")

// Searcher answers free-text queries against the text index.
type Searcher struct {
	embedder embedder.Embedder
	resolver planner.Resolver
	text     Target
}

// NewSearcher constructs a Searcher over the text index named by text.
func NewSearcher(e embedder.Embedder, r planner.Resolver, text Target) (*Searcher, error) {
	if e == nil || r == nil {
		return nil, fmt.Errorf("analysis: searcher needs an embedder and a resolver")
	}
	return &Searcher{embedder: e, resolver: r, text: text}, nil
}

// Search embeds query and returns up to k analyses, closest first. An empty
// text index yields no results.
func (s *Searcher) Search(ctx context.Context, query string, k int) ([]index.Neighbor, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	vec, err := embedder.EmbedOne(ctx, s.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %w", ErrEmbedding, err)
	}
	x, err := s.resolver.Get(s.text.Key, s.text.Dimension)
	if err != nil {
		return nil, fmt.Errorf("analysis: resolve text index: %w", err)
	}
	ns, err := x.QueryNeighbors(vec, k)
	if errors.Is(err, index.ErrEmptyIndex) {
		return []index.Neighbor{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("analysis: search: %w", err)
	}
	return ns, nil
}

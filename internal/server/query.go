package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/54b3r/sonitag/internal/analysis"
	"github.com/54b3r/sonitag/internal/logging"
	"github.com/54b3r/sonitag/internal/store"
)

const (
	// defaultSearchK is the result count when k is absent.
	defaultSearchK = 10
	// maxSearchK caps k.
	maxSearchK = 100
	// defaultListLimit is the page size of GET /api/analyses.
	defaultListLimit = 20
	// maxListLimit caps limit.
	maxListLimit = 200
)

// handleSearch handles GET /api/search?q=&k=.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.searcher == nil {
		writeError(w, r, http.StatusServiceUnavailable, "search is not configured")
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	k, ok := intParam(r, "k", defaultSearchK, maxSearchK)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "k must be a positive integer")
		return
	}

	hits, err := s.searcher.Search(r.Context(), q, k)
	switch {
	case errors.Is(err, analysis.ErrEmptyQuery):
		writeError(w, r, http.StatusBadRequest, "q is required")
		return
	case errors.Is(err, analysis.ErrEmbedding):
		logging.FromContext(r.Context()).Error("search embedding failed", slog.Any("error", err))
		writeError(w, r, http.StatusBadGateway, "embedding failed")
		return
	case err != nil:
		logging.FromContext(r.Context()).Error("search failed", slog.Any("error", err))
		writeError(w, r, http.StatusInternalServerError, "search failed")
		return
	}

	resp := searchResponse{Query: q, Results: make([]searchHit, 0, len(hits))}
	for _, h := range hits {
		resp.Results = append(resp.Results, searchHit{Distance: h.Distance, Analysis: h.Record})
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// handleAnalyses handles GET /api/analyses?limit=, newest first.
func (s *Server) handleAnalyses(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, r, http.StatusServiceUnavailable, "history is disabled")
		return
	}
	limit, ok := intParam(r, "limit", defaultListLimit, maxListLimit)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	list, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		logging.FromContext(r.Context()).Error("history list failed", slog.Any("error", err))
		writeError(w, r, http.StatusInternalServerError, "could not list analyses")
		return
	}

	out := make([]analysisSummary, 0, len(list))
	for _, a := range list {
		out = append(out, analysisSummary{
			ID:          a.ID,
			PreviewFile: a.PreviewFile,
			FullFile:    a.FullFile,
			TrackType:   a.TrackType,
			Tags:        a.Tags,
			Summary:     a.Summary,
			CreatedAt:   a.CreatedAt,
		})
	}
	writeJSON(w, r, http.StatusOK, out)
}

// handleAnalysis handles GET /api/analyses/{id} and returns the stored
// result document unchanged.
func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, r, http.StatusServiceUnavailable, "history is disabled")
		return
	}
	a, err := s.history.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "analysis not found")
		return
	}
	if err != nil {
		logging.FromContext(r.Context()).Error("history get failed", slog.Any("error", err))
		writeError(w, r, http.StatusInternalServerError, "could not load analysis")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(a.Result)
}

// intParam parses a positive integer query parameter, clamped to max.
func intParam(r *http.Request, name string, def, max int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return min(n, max), true
}

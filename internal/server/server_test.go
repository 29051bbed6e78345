package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/sonitag/internal/analysis"
	"github.com/54b3r/sonitag/internal/index"
	"github.com/54b3r/sonitag/internal/metadata"
	"github.com/54b3r/sonitag/internal/store"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeAnalyzer records the uploads it receives and answers with err or a
// result carrying the upload's title.
type fakeAnalyzer struct {
	mu      sync.Mutex
	uploads []analysis.Upload
	// existed reports whether the preview file was on disk during the call.
	existed bool
	err     error
}

func (f *fakeAnalyzer) ProcessUpload(_ context.Context, u *analysis.Upload) (*analysis.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, *u)
	_, statErr := os.Stat(u.PreviewPath)
	f.existed = statErr == nil
	if f.err != nil {
		return nil, f.err
	}
	return &analysis.Result{
		ID:       "analysis-1",
		Metadata: analysis.TrackMetadata{Title: u.Title, TrackType: analysis.TypeSong},
		Tags:     []string{"warm"},
	}, nil
}

// fakeSearcher returns hits for any non-blank query.
type fakeSearcher struct {
	lastK int
}

func (f *fakeSearcher) Search(_ context.Context, q string, k int) ([]index.Neighbor, error) {
	f.lastK = k
	if strings.TrimSpace(q) == "" {
		return nil, analysis.ErrEmptyQuery
	}
	if q == "offline" {
		return nil, fmt.Errorf("%w: query: down", analysis.ErrEmbedding)
	}
	return []index.Neighbor{{Distance: 0.5, Record: metadata.Record{"id": "a", "summary": "dreamy"}}}, nil
}

// newTestServer builds a bare *Server for calling handlers directly.
func newTestServer() *Server {
	return &Server{cfg: &Config{Port: 8080}, log: discardLogger}
}

// newAPITestServer builds a fully wired Server over the given deps.
func newAPITestServer(t *testing.T, deps Deps, mutate func(*Config)) *Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg := &Config{
		UploadDir:       t.TempDir(),
		Logger:          discardLogger,
		MetricsRegistry: reg,
		MetricsGatherer: reg,
	}
	if mutate != nil {
		mutate(cfg)
	}
	s, err := New(deps, cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return s
}

// postUpload sends a multipart POST /api/analyze with one part per entry
// of files (form field to client file name) plus the text fields.
func postUpload(t *testing.T, h http.Handler, files, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for field, name := range files {
		fw, err := mw.CreateFormFile(field, name)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write([]byte("not really audio"))
	}
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/analyze", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func Test_New_RequiresAnalyzer(t *testing.T) {
	t.Parallel()
	if _, err := New(Deps{}, &Config{UploadDir: t.TempDir()}); err == nil {
		t.Error("want error without analyzer")
	}
}

func Test_Analyze_StoresUploadsAndReturnsResult(t *testing.T) {
	t.Parallel()
	fa := &fakeAnalyzer{}
	s := newAPITestServer(t, Deps{Analyzer: fa}, nil)

	w := postUpload(t, s.Handler(),
		map[string]string{"preview": "My Song (clip).MP3", "full": "../../etc/full.wav"},
		map[string]string{"title": "  My Song ", "genre": "Pop"},
	)
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", w.Code, w.Body.String())
	}

	var res analysis.Result
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.ID != "analysis-1" || res.Metadata.Title != "My Song" {
		t.Errorf("unexpected result %+v", res)
	}

	if len(fa.uploads) != 1 {
		t.Fatalf("want 1 upload, got %d", len(fa.uploads))
	}
	u := fa.uploads[0]
	if !fa.existed {
		t.Error("preview file was not on disk during analysis")
	}
	for _, p := range []string{u.PreviewPath, u.FullPath} {
		if filepath.Dir(p) != s.cfg.UploadDir {
			t.Errorf("upload %s escaped the upload dir", p)
		}
	}
	if !strings.HasSuffix(u.PreviewPath, "-preview-My_Song__clip_.mp3") {
		t.Errorf("unexpected preview name %s", filepath.Base(u.PreviewPath))
	}
	if u.Genre != "Pop" {
		t.Errorf("genre = %q", u.Genre)
	}
}

func Test_Analyze_Validation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		files map[string]string
	}{
		{"missing preview", map[string]string{"full": "a.mp3"}},
		{"unsupported preview", map[string]string{"preview": "a.flac"}},
		{"unsupported full", map[string]string{"preview": "a.mp3", "full": "a.ogg"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fa := &fakeAnalyzer{}
			s := newAPITestServer(t, Deps{Analyzer: fa}, nil)
			w := postUpload(t, s.Handler(), tc.files, nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("want 400, got %d", w.Code)
			}
			if len(fa.uploads) != 0 {
				t.Error("analyzer should not run on invalid input")
			}
		})
	}
}

func Test_Analyze_NotMultipart(t *testing.T) {
	t.Parallel()
	s := newAPITestServer(t, Deps{Analyzer: &fakeAnalyzer{}}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/analyze", strings.NewReader(`{"preview":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("want 400, got %d", w.Code)
	}
}

func Test_Analyze_OversizedUploadRejected(t *testing.T) {
	t.Parallel()
	fa := &fakeAnalyzer{}
	s := newAPITestServer(t, Deps{Analyzer: fa}, func(c *Config) { c.MaxUploadBytes = 16 })
	w := postUpload(t, s.Handler(), map[string]string{"preview": "a.mp3"}, nil)
	if w.Code == http.StatusOK {
		t.Error("want oversized upload rejected")
	}
	if len(fa.uploads) != 0 {
		t.Error("analyzer should not run for an oversized upload")
	}
}

func Test_Analyze_ErrorMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"embedding", fmt.Errorf("%w: clap: boom", analysis.ErrEmbedding), http.StatusBadGateway},
		{"timeout", fmt.Errorf("analysis: separate stems: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"other", errors.New("sidecar: exploded"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newAPITestServer(t, Deps{Analyzer: &fakeAnalyzer{err: tc.err}}, nil)
			w := postUpload(t, s.Handler(), map[string]string{"preview": "a.wav"}, nil)
			if w.Code != tc.want {
				t.Errorf("want %d, got %d", tc.want, w.Code)
			}
			if strings.Contains(w.Body.String(), "exploded") {
				t.Error("internal error text leaked to the client")
			}
		})
	}
}

func Test_Analyze_RequiresTokenWhenConfigured(t *testing.T) {
	t.Parallel()
	s := newAPITestServer(t, Deps{Analyzer: &fakeAnalyzer{}}, func(c *Config) { c.APIKey = "secret" })

	if w := postUpload(t, s.Handler(), map[string]string{"preview": "a.mp3"}, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("want 401 without token, got %d", w.Code)
	}

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("health must stay public, got %d", w.Code)
	}
}

func Test_Search(t *testing.T) {
	t.Parallel()
	fs := &fakeSearcher{}
	s := newAPITestServer(t, Deps{Analyzer: &fakeAnalyzer{}, Searcher: fs}, nil)

	get := func(url string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, url, nil))
		return w
	}

	w := get("/api/search?q=dreamy+synths&k=500")
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp searchResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Query != "dreamy synths" || len(resp.Results) != 1 || resp.Results[0].Analysis["summary"] != "dreamy" {
		t.Errorf("unexpected response %+v", resp)
	}
	if fs.lastK != maxSearchK {
		t.Errorf("k should be clamped to %d, got %d", maxSearchK, fs.lastK)
	}

	if w := get("/api/search?q=+"); w.Code != http.StatusBadRequest {
		t.Errorf("blank query: want 400, got %d", w.Code)
	}
	if w := get("/api/search?q=x&k=zero"); w.Code != http.StatusBadRequest {
		t.Errorf("bad k: want 400, got %d", w.Code)
	}
	if w := get("/api/search?q=offline"); w.Code != http.StatusBadGateway {
		t.Errorf("embedding failure: want 502, got %d", w.Code)
	}
}

func Test_Search_NotConfigured(t *testing.T) {
	t.Parallel()
	s := newAPITestServer(t, Deps{Analyzer: &fakeAnalyzer{}}, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/search?q=x", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("want 503, got %d", w.Code)
	}
}

func Test_Analyses_ListAndGet(t *testing.T) {
	t.Parallel()
	hist, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = hist.Close() })

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "new"} {
		if err := hist.Put(t.Context(), &store.Analysis{
			ID:          id,
			PreviewFile: id + ".mp3",
			TrackType:   "song",
			Tags:        []string{"tag-" + id},
			Result:      json.RawMessage(`{"id":"` + id + `"}`),
			CreatedAt:   base.Add(time.Duration(i) * time.Hour),
		}); err != nil {
			t.Fatal(err)
		}
	}

	s := newAPITestServer(t, Deps{Analyzer: &fakeAnalyzer{}, History: hist}, nil)
	get := func(url string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, url, nil))
		return w
	}

	w := get("/api/analyses?limit=1")
	if w.Code != http.StatusOK {
		t.Fatalf("list: want 200, got %d", w.Code)
	}
	var list []analysisSummary
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "new" {
		t.Errorf("want newest entry only, got %+v", list)
	}

	w = get("/api/analyses/old")
	if w.Code != http.StatusOK {
		t.Fatalf("get: want 200, got %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"id":"old"}` {
		t.Errorf("want stored result unchanged, got %s", got)
	}

	if w := get("/api/analyses/missing"); w.Code != http.StatusNotFound {
		t.Errorf("missing: want 404, got %d", w.Code)
	}
}

func Test_Analyses_HistoryDisabled(t *testing.T) {
	t.Parallel()
	s := newAPITestServer(t, Deps{Analyzer: &fakeAnalyzer{}}, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/analyses", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("want 503, got %d", w.Code)
	}
}

func Test_RequestID_EchoedOrGenerated(t *testing.T) {
	t.Parallel()
	s := newAPITestServer(t, Deps{Analyzer: &fakeAnalyzer{}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if got := w.Header().Get(requestIDHeader); got != "abc-123" {
		t.Errorf("want echoed request id, got %q", got)
	}

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if len(w.Header().Get(requestIDHeader)) != 36 {
		t.Errorf("want generated uuid request id, got %q", w.Header().Get(requestIDHeader))
	}
}

func Test_Pingers(t *testing.T) {
	t.Parallel()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) }))
	t.Cleanup(up.Close)
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadGateway) }))
	t.Cleanup(down.Close)

	if err := NewHTTPPinger("ollama", up.URL).Ping(t.Context()); err != nil {
		t.Errorf("4xx should count as reachable: %v", err)
	}
	if err := NewHTTPPinger("ollama", down.URL).Ping(t.Context()); err == nil {
		t.Error("want error for 5xx")
	}

	p := NewPinger("sidecar", func(context.Context) error { return errors.New("no route") })
	if p.Name() != "sidecar" || p.Ping(t.Context()) == nil {
		t.Error("func pinger should report name and error")
	}
}

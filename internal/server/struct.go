package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/sonitag/internal/analysis"
	"github.com/54b3r/sonitag/internal/index"
	"github.com/54b3r/sonitag/internal/logging"
	"github.com/54b3r/sonitag/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request,
	// including the uploaded audio.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response. It
	// must exceed AnalyzeTimeout.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// AnalyzeTimeout bounds one POST /api/analyze pipeline run (default: 10m).
	AnalyzeTimeout time.Duration
	// UploadDir is where uploaded audio is stored. The inference sidecar
	// must be able to read it.
	UploadDir string
	// MaxUploadBytes caps the multipart body of POST /api/analyze
	// (default: 100 MiB).
	MaxUploadBytes int64
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// MetricsRegistry receives the server metrics. Defaults to
	// prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer backs GET /metrics. Defaults to
	// prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
}

// analyzer runs the analysis pipeline for an upload.
// *analysis.Processor satisfies it; tests inject a fake.
type analyzer interface {
	ProcessUpload(ctx context.Context, u *analysis.Upload) (*analysis.Result, error)
}

// searcher answers free-text queries. *analysis.Searcher satisfies it.
type searcher interface {
	Search(ctx context.Context, query string, k int) ([]index.Neighbor, error)
}

// Deps are the collaborators the handlers call.
type Deps struct {
	// Analyzer runs POST /api/analyze. Required.
	Analyzer analyzer
	// Searcher runs GET /api/search. Optional; the route answers 503
	// without it.
	Searcher searcher
	// History backs GET /api/analyses. Optional; the routes answer 503
	// without it.
	History store.AnalysisStore
}

// Server is the HTTP front of the analysis pipeline.
type Server struct {
	// analyzer runs uploads through the pipeline.
	analyzer analyzer
	// searcher answers text queries; may be nil.
	searcher searcher
	// history lists stored analyses; may be nil.
	history store.AnalysisStore
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus collectors owned by this server.
	metrics *serverMetrics
}

// searchHit is one GET /api/search result.
type searchHit struct {
	// Distance is the squared L2 distance to the query.
	Distance float32 `json:"distance"`
	// Analysis is the stored text index record.
	Analysis map[string]any `json:"analysis"`
}

// searchResponse is the JSON response for GET /api/search.
type searchResponse struct {
	// Query echoes the trimmed query.
	Query string `json:"query"`
	// Results are ordered closest first.
	Results []searchHit `json:"results"`
}

// analysisSummary is one entry of GET /api/analyses.
type analysisSummary struct {
	ID          string    `json:"id"`
	PreviewFile string    `json:"preview_file"`
	FullFile    string    `json:"full_file,omitempty"`
	TrackType   string    `json:"track_type"`
	Tags        []string  `json:"tags"`
	Summary     string    `json:"summary"`
	CreatedAt   time.Time `json:"created_at"`
}

// errorResponse is the JSON body of every API error.
type errorResponse struct {
	// Error is a human-readable message.
	Error string `json:"error"`
}

// writeJSON encodes v with status. Encoding failures are logged only; the
// header is already sent.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("response encode error", slog.Any("error", err))
	}
}

// writeError writes an errorResponse with status.
func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, errorResponse{Error: msg})
}

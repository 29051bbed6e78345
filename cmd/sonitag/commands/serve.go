package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/54b3r/sonitag/internal/analysis"
	"github.com/54b3r/sonitag/internal/config"
	"github.com/54b3r/sonitag/internal/embedder"
	"github.com/54b3r/sonitag/internal/index"
	"github.com/54b3r/sonitag/internal/logging"
	"github.com/54b3r/sonitag/internal/mirror"
	"github.com/54b3r/sonitag/internal/planner"
	"github.com/54b3r/sonitag/internal/provider"
	"github.com/54b3r/sonitag/internal/server"
	"github.com/54b3r/sonitag/internal/store"
	"github.com/54b3r/sonitag/internal/tagger"
	"github.com/54b3r/sonitag/internal/tracing"
)

// llmPingTTL is how long a successful generate-based readiness probe is
// trusted.
const llmPingTTL = 5 * time.Minute

// NewServeCmd constructs the `sonitag serve` command, which starts the HTTP
// analysis and search API.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sonitag HTTP API",
		Long: `Start the sonitag HTTP API.

Uploads posted to /api/analyze are separated into stems, embedded, compared
against the reference indices and tagged by the configured chat model. Each
analysis is appended to the internal and text indices and, when
SONITAG_HISTORY_DB is not "disabled", to the analysis history.

Do not run 'sonitag index' against the internal or text index while the
server is running: both processes would append to the same files.

Examples:
  sonitag serve
  sonitag serve --port 9090
  QDRANT_HOST=localhost MODEL_PROVIDER=openai sonitag serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			log.Info("serve starting", slog.String("provider", os.Getenv("MODEL_PROVIDER")))

			// Langfuse tracing is opt-in and a no-op if keys are absent.
			flush, ok := tracing.Install()
			defer flush()
			if ok {
				log.Info("langfuse tracing enabled")
			} else {
				log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
			}

			providerCfg := provider.ConfigFromEnv()
			chatModel, err := provider.New(ctx, providerCfg)
			if err != nil {
				return fmt.Errorf("serve: failed to initialise model provider: %w", err)
			}
			log.Info("provider initialised",
				slog.String("provider", string(providerCfg.Backend)),
				slog.String("model", providerCfg.ModelName()),
			)

			tg, err := tagger.New(chatModel, nil)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			if err := embedder.Validate(log); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			emb, err := embedder.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("serve: failed to initialise embedder: %w", err)
			}
			log.Info("embedder initialised",
				slog.String("backend", embedder.Backend()),
				slog.Int("dimensions", embedder.Dimensions()),
			)

			side := newSidecar(log)

			capacity, err := registryCapacity(config.EnvInt("SONITAG_REGISTRY_CAPACITY", 0), servedIndices)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			reg, err := index.NewRegistry(index.RegistryConfig{
				Capacity: capacity,
				Logger:   log,
				Metrics:  index.NewMetrics(prometheus.DefaultRegisterer),
			})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer reg.Purge()

			dir := dataDir()
			plan, internal, text, err := buildSpaces(reg, dir)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			log.Info("indices configured", slog.String("data_dir", dir))

			history, closeHistory := openHistory(log)
			defer closeHistory()

			procCfg := analysis.Config{
				Sidecar:     side,
				Tagger:      tg,
				Planner:     plan,
				Resolver:    reg,
				Embedder:    emb,
				Internal:    internal,
				Text:        text,
				Neighbors:   config.EnvInt("SONITAG_NEIGHBORS", 0),
				StemWorkers: config.EnvInt("SONITAG_STEM_WORKERS", 0),
			}
			if history != nil {
				procCfg.History = history
			}

			pingers := []server.Pinger{
				server.NewPinger("sidecar", side.Ping),
			}

			// The mirror is opt-in: QDRANT_HOST must be set explicitly.
			if os.Getenv("QDRANT_HOST") != "" {
				m, err := mirror.New(mirrorConfig(log))
				if err != nil {
					return fmt.Errorf("serve: %w", err)
				}
				defer func() { _ = m.Close() }()
				procCfg.Mirror = m
				pingers = append(pingers, server.NewPinger("qdrant", m.Ping))
				log.Info("qdrant mirror enabled", slog.String("host", os.Getenv("QDRANT_HOST")))
			}

			proc, err := analysis.NewProcessor(procCfg)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			searcher, err := analysis.NewSearcher(emb, reg, text)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			pingers = append(pingers, modelPinger(chatModel, providerCfg))

			deps := server.Deps{Analyzer: proc, Searcher: searcher}
			if history != nil {
				deps.History = history
			}

			srv, err := server.New(deps, &server.Config{
				Host:      host,
				Port:      port,
				Logger:    log,
				Pingers:   pingers,
				APIKey:    os.Getenv("SONITAG_API_KEY"),
				UploadDir: config.Env("SONITAG_UPLOAD_DIR", filepath.Join(dir, "uploads")),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", config.Env("SONITAG_HOST", "127.0.0.1"), "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", config.EnvInt("SONITAG_PORT", 8080), "TCP port to listen on")

	return cmd
}

// searchSpaces are the planner's indices. The internal index is the only
// other one the server opens.
var searchSpaces = []struct {
	kind planner.Kind
	name string
	mode index.Mode
}{
	{planner.KindContent, "clap", index.ModeMapped},
	{planner.KindAudioText, "ttmr", index.ModeMapped},
	{planner.KindArtist, "ttmr_artist", index.ModeMapped},
	{planner.KindText, "text", index.ModeWritable},
}

// servedIndices is the number of registry keys the server uses.
var servedIndices = len(searchSpaces) + 1

// registryCapacity resolves the configured registry capacity. Unset means
// the registry default, raised to fit every served index. An explicit
// capacity below indices is an error: the writable indices must never be
// evicted while the server holds them.
func registryCapacity(configured, indices int) (int, error) {
	if configured <= 0 {
		return max(index.DefaultCapacity, indices), nil
	}
	if configured < indices {
		return 0, fmt.Errorf("SONITAG_REGISTRY_CAPACITY=%d is below the %d indices served", configured, indices)
	}
	return configured, nil
}

// buildSpaces registers the reference spaces with a planner and returns the
// writable internal and text targets. Reference indices are memory-mapped;
// the text space is writable because the processor appends to it.
func buildSpaces(reg *index.Registry, dir string) (*planner.Planner, analysis.Target, analysis.Target, error) {
	var list []planner.Space
	for _, s := range searchSpaces {
		key, dim, err := indexKey(dir, s.name, s.mode)
		if err != nil {
			return nil, analysis.Target{}, analysis.Target{}, err
		}
		list = append(list, planner.Space{
			Kind:         s.kind,
			VectorPath:   key.VectorPath,
			MetadataPath: key.MetadataPath,
			Dimension:    dim,
			Mode:         s.mode,
		})
	}
	plan, err := planner.New(reg, list...)
	if err != nil {
		return nil, analysis.Target{}, analysis.Target{}, err
	}

	internalKey, internalDim, err := indexKey(dir, "internal", index.ModeWritable)
	if err != nil {
		return nil, analysis.Target{}, analysis.Target{}, err
	}
	textSpace, _ := plan.Space(planner.KindText)

	internal := analysis.Target{Key: internalKey, Dimension: internalDim, Collection: "internal"}
	text := analysis.Target{Key: textSpace.Key(), Dimension: textSpace.Dimension, Collection: "text"}
	return plan, internal, text, nil
}

// openHistory opens the analysis history. SONITAG_HISTORY_DB overrides the
// default path (~/.sonitag/history.db); "disabled" turns it off. Failures
// disable history rather than the server.
func openHistory(log *slog.Logger) (*store.SQLiteStore, func()) {
	dbPath := os.Getenv("SONITAG_HISTORY_DB")
	if dbPath == "disabled" {
		log.Info("history: disabled via SONITAG_HISTORY_DB=disabled")
		return nil, func() {}
	}
	if dbPath == "" {
		p, err := store.DefaultDBPath()
		if err != nil {
			log.Warn("history: could not resolve default DB path, disabling", slog.Any("error", err))
			return nil, func() {}
		}
		dbPath = p
	}
	hs, err := store.Open(dbPath)
	if err != nil {
		log.Warn("history: failed to open store, disabling", slog.Any("error", err))
		return nil, func() {}
	}
	log.Info("history: store opened", slog.String("path", dbPath))
	return hs, func() { _ = hs.Close() }
}

// modelPinger probes the chat backend. Ollama exposes a free model listing;
// hosted backends are probed with a cached generate call.
func modelPinger(m model.BaseChatModel, cfg *provider.Config) server.Pinger {
	name := string(cfg.Backend)
	if cfg.Backend == provider.BackendOllama {
		return server.NewHTTPPinger(name, strings.TrimRight(cfg.Ollama.Host, "/")+"/api/tags")
	}
	return server.NewLLMPinger(m, name, llmPingTTL)
}

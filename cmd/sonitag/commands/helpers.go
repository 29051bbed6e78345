package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/54b3r/sonitag/internal/config"
	"github.com/54b3r/sonitag/internal/embedder"
	"github.com/54b3r/sonitag/internal/index"
	"github.com/54b3r/sonitag/internal/mirror"
	"github.com/54b3r/sonitag/internal/sidecar"
)

// namedIndex is one <name>.vec / <name>.json pair below the data directory.
type namedIndex struct {
	// rel is the pair's path below the data directory, without extension.
	rel string
	// dim is the vector length. Zero means the text embedding dimension.
	dim int
}

// Dimensions of the audio embedding spaces.
const (
	clapDim = 512
	ttmrDim = 128
)

// indices lists every index sonitag reads or writes.
var indices = map[string]namedIndex{
	"clap":        {rel: "tagging/clap", dim: clapDim},
	"ttmr":        {rel: "tagging/ttmr", dim: ttmrDim},
	"ttmr_artist": {rel: "tagging/ttmr_artist", dim: ttmrDim},
	"text":        {rel: "matching/text"},
	"internal":    {rel: "matching/internal", dim: clapDim},
}

// indexNames returns the known index names, sorted.
func indexNames() []string {
	names := make([]string, 0, len(indices))
	for name := range indices {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// dataDir returns SONITAG_DATA_DIR, defaulting to ./data.
func dataDir() string {
	return config.Env("SONITAG_DATA_DIR", "data")
}

// indexConfig resolves the named index under dir with the given mode.
func indexConfig(dir, name string, mode index.Mode) (index.Config, error) {
	ni, ok := indices[name]
	if !ok {
		return index.Config{}, fmt.Errorf("unknown index %q (valid: %v)", name, indexNames())
	}
	dim := ni.dim
	if dim == 0 {
		dim = embedder.Dimensions()
	}
	base := filepath.Join(dir, filepath.FromSlash(ni.rel))
	return index.Config{
		VectorPath:   base + ".vec",
		MetadataPath: base + ".json",
		Dimension:    dim,
		Mode:         mode,
	}, nil
}

// indexKey is indexConfig as a registry key plus its dimension.
func indexKey(dir, name string, mode index.Mode) (index.Key, int, error) {
	cfg, err := indexConfig(dir, name, mode)
	if err != nil {
		return index.Key{}, 0, err
	}
	return index.Key{VectorPath: cfg.VectorPath, MetadataPath: cfg.MetadataPath, Mode: mode}, cfg.Dimension, nil
}

// newSidecar builds the sidecar client from SIDECAR_URL and SIDECAR_TIMEOUT.
func newSidecar(log *slog.Logger) *sidecar.Client {
	cfg := &sidecar.Config{BaseURL: config.Env("SIDECAR_URL", "http://localhost:8765")}
	if raw := config.Env("SIDECAR_TIMEOUT", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			log.Warn("sidecar: ignoring invalid SIDECAR_TIMEOUT", slog.String("value", raw))
		} else {
			cfg.Timeout = d
		}
	}
	log.Info("sidecar configured", slog.String("url", cfg.BaseURL))
	return sidecar.New(cfg)
}

// mirrorConfig reads the QDRANT_* variables.
func mirrorConfig(log *slog.Logger) *mirror.Config {
	return &mirror.Config{
		Host:   config.Env("QDRANT_HOST", "localhost"),
		Port:   config.EnvInt("QDRANT_PORT", 6334),
		APIKey: os.Getenv("QDRANT_API_KEY"),
		UseTLS: os.Getenv("QDRANT_TLS") == "true",
		Logger: log,
	}
}

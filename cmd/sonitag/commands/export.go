package commands

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/54b3r/sonitag/internal/index"
	"github.com/54b3r/sonitag/internal/logging"
	"github.com/54b3r/sonitag/internal/mirror"
)

// NewExportCmd constructs the `sonitag export` command, which copies an
// embedding index into a Qdrant collection.
func NewExportCmd() *cobra.Command {
	var name string
	var collection string
	var batchSize int

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy an embedding index into Qdrant",
		Long: `Copy every entry of an embedding index into a Qdrant collection. The
collection is created with the index dimension and Euclidean distance if it
does not exist. Point ids derive from the collection and position, so
re-running an export overwrites rather than duplicates.

Environment variables:
  QDRANT_HOST          Qdrant server hostname (default: localhost)
  QDRANT_PORT          Qdrant gRPC port (default: 6334)
  QDRANT_API_KEY       Optional API key for authenticated clusters
  QDRANT_TLS           "true" to enable TLS

Examples:
  sonitag export --index internal
  sonitag export --index clap --collection fma-clap`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			idxCfg, err := indexConfig(dataDir(), name, index.ModeReadOnly)
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			idx, err := index.Open(idxCfg, log)
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			defer func() { _ = idx.Close() }()

			mcfg := mirrorConfig(log)
			mcfg.BatchSize = batchSize
			m, err := mirror.New(mcfg)
			if err != nil {
				return fmt.Errorf("export: failed to connect to Qdrant at %s:%d: %w", mcfg.Host, mcfg.Port, err)
			}
			defer func() { _ = m.Close() }()

			if collection == "" {
				collection = name
			}
			n, err := m.Export(ctx, collection, idx)
			log.Info("export finished",
				slog.String("index", name),
				slog.String("collection", collection),
				slog.Int("points", n),
			)
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d of %d entries to %s\n", n, idx.VectorCount(), collection)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "index", "internal", "Index to export")
	cmd.Flags().StringVar(&collection, "collection", "", "Qdrant collection (default: the index name)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Points per upsert (default 256)")

	return cmd
}

package commands

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/54b3r/sonitag/internal/builder"
	"github.com/54b3r/sonitag/internal/index"
	"github.com/54b3r/sonitag/internal/logging"
	"github.com/54b3r/sonitag/internal/sidecar"
)

// NewIndexCmd constructs the `sonitag index` command group, which builds the
// reference embedding indices offline.
func NewIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build the reference embedding indices",
		Long: `Build the reference embedding indices under SONITAG_DATA_DIR.

Builds are resumable: items whose id is already indexed are skipped, and an
interrupted run (Ctrl-C) flushes what it has embedded before exiting.

Do not run a build against an index that 'sonitag serve' is writing to.`,
	}
	cmd.AddCommand(newIndexBuildCmd(), newIndexArtistsCmd())
	return cmd
}

// newIndexBuildCmd constructs `sonitag index build`.
func newIndexBuildCmd() *cobra.Command {
	var model string
	var name string
	var audioDir string
	var manifest string
	var scan bool
	var batchSize int

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Embed an audio corpus into a reference index",
		Long: `Embed every track of an audio corpus with CLAP or TTMR++ and append it to
a reference index.

The corpus is read from a CSV manifest (id,title,artist,genre,tags with
"|"-separated tags) whose audio files follow the FMA layout
<audio-dir>/000/000123.mp3, or by scanning <audio-dir> for <digits>.mp3
files. With both --manifest and --scan, scanned files carry the manifest
records of their ids.

Examples:
  sonitag index build --model clap --audio-dir fma_large --manifest tracks.csv
  sonitag index build --model ttmr --audio-dir fma_large --manifest tracks.csv
  sonitag index build --model clap --audio-dir ./mp3 --index internal`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			side := newSidecar(log)
			var embed builder.EmbedFunc
			switch model {
			case sidecar.ModelCLAP:
				embed = side.CLAP
			case sidecar.ModelTTMR:
				embed = side.TTMR
			default:
				return fmt.Errorf("index build: unknown model %q (valid: clap, ttmr)", model)
			}
			if name == "" {
				name = model
			}

			items, err := loadCorpus(audioDir, manifest, scan)
			if err != nil {
				return fmt.Errorf("index build: %w", err)
			}
			log.Info("corpus loaded", slog.Int("items", len(items)))

			idxCfg, err := indexConfig(dataDir(), name, index.ModeWritable)
			if err != nil {
				return fmt.Errorf("index build: %w", err)
			}
			idx, err := index.Open(idxCfg, log)
			if err != nil {
				return fmt.Errorf("index build: %w", err)
			}
			defer func() { _ = idx.Close() }()

			b, err := builder.New(idx, embed, &builder.Config{
				BatchSize: batchSize,
				Dimension: idxCfg.Dimension,
				Logger:    log,
			})
			if err != nil {
				return fmt.Errorf("index build: %w", err)
			}

			stats, err := b.Run(ctx, items)
			log.Info("index build finished", slog.String("index", name), slog.Any("stats", stats))
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d embedded, %d already indexed, %d total\n",
				name, stats.Processed, stats.SkippedExisting, idx.VectorCount())
			if err != nil {
				return fmt.Errorf("index build: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", sidecar.ModelCLAP, "Audio embedding model: clap or ttmr")
	cmd.Flags().StringVar(&name, "index", "", "Target index name (default: the model name)")
	cmd.Flags().StringVar(&audioDir, "audio-dir", "", "Root directory of the audio corpus")
	cmd.Flags().StringVar(&manifest, "manifest", "", "CSV manifest of track metadata")
	cmd.Flags().BoolVar(&scan, "scan", false, "Scan --audio-dir for files (implied without --manifest)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Items embedded between flushes (default 50)")
	_ = cmd.MarkFlagRequired("audio-dir")

	return cmd
}

// loadCorpus reads the manifest, scans audioDir, or both.
func loadCorpus(audioDir, manifest string, scan bool) ([]builder.Item, error) {
	if manifest == "" {
		return builder.ScanDir(audioDir)
	}
	listed, err := builder.LoadManifest(manifest, audioDir)
	if err != nil {
		return nil, err
	}
	if !scan {
		return listed, nil
	}
	scanned, err := builder.ScanDir(audioDir)
	if err != nil {
		return nil, err
	}
	return builder.Merge(scanned, listed), nil
}

// newIndexArtistsCmd constructs `sonitag index artists`.
func newIndexArtistsCmd() *cobra.Command {
	var source string
	var target string
	var minTracks int
	var batchSize int
	var similarPath string

	cmd := &cobra.Command{
		Use:   "artists",
		Short: "Aggregate per-artist vectors from a track index",
		Long: `Average the track vectors of every artist in the source index into one
vector per artist and append them to the target index. Artists with fewer
than --min-tracks tracks, and artists already in the target, are skipped.
With --similar-artists, each record also lists the artists most often
co-listed with it in a local OLGA-style JSON-lines file.

Examples:
  sonitag index artists
  sonitag index artists --min-tracks 5
  sonitag index artists --similar-artists data/olga.jsonl`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)
			dir := dataDir()

			var sim builder.ArtistSimilarity
			if similarPath != "" {
				var err error
				if sim, err = builder.LoadArtistSimilarity(similarPath); err != nil {
					return fmt.Errorf("index artists: %w", err)
				}
				log.Info("loaded artist similarity", slog.Int("artists", len(sim)))
			}

			srcCfg, err := indexConfig(dir, source, index.ModeReadOnly)
			if err != nil {
				return fmt.Errorf("index artists: %w", err)
			}
			src, err := index.Open(srcCfg, log)
			if err != nil {
				return fmt.Errorf("index artists: %w", err)
			}
			defer func() { _ = src.Close() }()

			dstCfg, err := indexConfig(dir, target, index.ModeWritable)
			if err != nil {
				return fmt.Errorf("index artists: %w", err)
			}
			dst, err := index.Open(dstCfg, log)
			if err != nil {
				return fmt.Errorf("index artists: %w", err)
			}
			defer func() { _ = dst.Close() }()

			stats, err := builder.AggregateArtists(ctx, src, dst, builder.AggregateConfig{
				MinTracks:  minTracks,
				BatchSize:  batchSize,
				Similarity: sim,
				Logger:     log,
			})
			log.Info("artist aggregation finished",
				slog.Int("artists", stats.Artists),
				slog.Int("skipped_existing", stats.SkippedExisting),
				slog.Int("skipped_small", stats.SkippedSmall),
				slog.Duration("duration", stats.Duration),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d artists added, %d total\n", target, stats.Artists, dst.VectorCount())
			if err != nil {
				return fmt.Errorf("index artists: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "ttmr", "Track index to aggregate")
	cmd.Flags().StringVar(&target, "target", "ttmr_artist", "Artist index to append to")
	cmd.Flags().IntVar(&minTracks, "min-tracks", 0, "Minimum tracks per artist (default 2)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Artists written between flushes (default 50)")
	cmd.Flags().StringVar(&similarPath, "similar-artists", "", "JSON-lines artist similarity file to enrich records with")

	return cmd
}

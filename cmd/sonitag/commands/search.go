package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/sonitag/internal/analysis"
	"github.com/54b3r/sonitag/internal/embedder"
	"github.com/54b3r/sonitag/internal/index"
	"github.com/54b3r/sonitag/internal/logging"
)

// NewSearchCmd constructs the `sonitag search` command, which runs a
// free-text query against the text index.
func NewSearchCmd() *cobra.Command {
	var k int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search analysed tracks by description",
		Long: `Embed a free-text description and list the closest analysed tracks from
the text index, nearest first.

Examples:
  sonitag search "dreamy lo-fi with soft female vocals"
  sonitag search -k 3 --json "aggressive drum and bass"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			if err := embedder.Validate(log); err != nil {
				return fmt.Errorf("search: %w", err)
			}
			emb, err := embedder.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("search: failed to initialise embedder: %w", err)
			}

			reg, err := index.NewRegistry(index.RegistryConfig{Capacity: 1, Logger: log})
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			defer reg.Purge()

			key, dim, err := indexKey(dataDir(), "text", index.ModeReadOnly)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			s, err := analysis.NewSearcher(emb, reg, analysis.Target{Key: key, Dimension: dim})
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			hits, err := s.Search(ctx, strings.Join(args, " "), k)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(hits)
			}
			if len(hits) == 0 {
				fmt.Fprintln(out, "no results")
				return nil
			}
			for i, h := range hits {
				fmt.Fprintf(out, "%2d. %.4f  %v\n    %v\n", i+1, h.Distance, h.Record["id"], h.Record["summary"])
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&k, "k", "k", 5, "Number of results")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")

	return cmd
}

// Package commands defines the cobra command tree of the sonitag binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/54b3r/sonitag/internal/audit"
	"github.com/54b3r/sonitag/internal/config"
	"github.com/54b3r/sonitag/internal/logging"
)

// NewRootCmd constructs the root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "sonitag",
		Short: "sonitag: semantic tags, summaries and similarity search for audio",
		Long: `sonitag turns uploaded audio into semantic tags, a natural-language
summary and a searchable embedding.

Reference embedding indices (CLAP, TTMR++, per-artist TTMR++) are built
offline with 'sonitag index'. 'sonitag serve' answers analysis uploads and
free-text searches, appending every analysis to the internal and text
indices under SONITAG_DATA_DIR.

Settings come from environment variables, optionally filled in from a YAML
file (--config, SONITAG_CONFIG, ~/.sonitag/config.yaml or ./sonitag.yaml).
Variables already set in the environment win over the file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(configPath, logging.New())
			if err != nil {
				return err
			}
			// Rebuilt so LOG_LEVEL and LOG_FORMAT from the file take effect.
			audit.LogCommandStart(logging.New(), cmd.CommandPath(), loaded)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")

	root.AddCommand(
		NewServeCmd(),
		NewIndexCmd(),
		NewSearchCmd(),
		NewExportCmd(),
		NewVersionCmd(),
	)
	return root
}

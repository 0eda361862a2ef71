package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/seantiz/simforge/internal/config"
)

var (
	configPath string
	cfg        config.Config
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "simforge",
	Short: "Run building energy simulations in parallel with a shared result cache",
	Long: `simforge runs batches of building energy simulations with a local engine,
reusing the results of identical inputs from a content-addressed cache.

Examples:
  simforge run batch.yaml             # Run a manifest and print a summary
  simforge run --stream batch.yaml    # Report each job as it finishes
  simforge serve                      # Start the HTTP API
  simforge cache key model.idf        # Print the cache key of a model
  simforge cache clear                # Remove every cached result`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env file is normal.
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return errors.Wrap(err, "load configuration")
		}
		logger = config.NewLogger(os.Stderr, cfg.LogLevel)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file (default ./simforge.toml if present)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cacheCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
		}
		os.Exit(1)
	}
}

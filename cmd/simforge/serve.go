package main

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/seantiz/simforge/internal/api"
	"github.com/seantiz/simforge/internal/engine"
	"github.com/seantiz/simforge/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API for submitting batches, following their progress and
managing the cache. Batches are recorded in the run ledger at db_path.
Paths in requests are confined to work_dir; without one, clients can only
send inline models and read results from the cache.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveListen string

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveListen != "" {
		cfg.ListenAddr = serveListen
	}

	logger.Info("simforge: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"engine", cfg.Engine.Executable,
		"work_dir", cfg.WorkDir,
	)
	if cfg.WorkDir == "" {
		logger.Warn("work_dir is not set, requests naming files or output directories will be rejected")
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	defer db.Close()

	c, closeCache, err := openCache(cmd.Context())
	if err != nil {
		return err
	}
	defer closeCache()

	sched := newScheduler(c, engine.Options{
		Ledger:   db,
		Observer: engine.NewLogObserver(logger),
	})

	srv := api.NewServer(cfg.ListenAddr, db, sched, cfg.WorkDir, logger)
	return srv.Run()
}

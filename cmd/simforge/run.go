package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/seantiz/simforge/internal/engine"
	"github.com/seantiz/simforge/internal/model"
	"github.com/seantiz/simforge/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run <manifest.yaml>",
	Short: "Run the jobs of a batch manifest",
	Long: `Run every job of a YAML batch manifest with a pool of engine processes.

By default the whole batch runs and a summary is printed at the end. With
--stream each job is reported as it finishes and new jobs only start while
results are being read.`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

var (
	runStream      bool
	runObserver    string
	runNoCache     bool
	runRecord      bool
	runJSON        bool
	runConcurrency int
)

func init() {
	runCmd.Flags().BoolVar(&runStream, "stream", false, "Report jobs as they finish")
	runCmd.Flags().StringVar(&runObserver, "progress", "bar", "Progress display: bar, log or none")
	runCmd.Flags().BoolVar(&runNoCache, "no-cache", false, "Run every job even if a cached result exists")
	runCmd.Flags().BoolVar(&runRecord, "record", false, "Record the batch in the run ledger")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the batch outcome as JSON")
	runCmd.Flags().IntVarP(&runConcurrency, "concurrency", "j", 0, "Maximum engine processes (default from config)")
}

func runBatch(cmd *cobra.Command, args []string) error {
	jobs, err := loadManifest(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runConcurrency > 0 {
		cfg.Engine.MaxConcurrency = runConcurrency
	}
	if runNoCache {
		cfg.Cache.URL = ""
	}
	c, closeCache, err := openCache(ctx)
	if err != nil {
		return err
	}
	defer closeCache()

	opts := engine.Options{}
	if !runStream && !runJSON {
		obs, err := engine.ResolveObserver(runObserver, logger)
		if err != nil {
			return err
		}
		opts.Observer = obs
	}
	if runRecord {
		db, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return errors.Wrap(err, "open run ledger")
		}
		defer db.Close()
		opts.Ledger = db
	}
	sched := newScheduler(c, opts)

	var out model.BatchOutcome
	if runStream {
		out, err = streamBatch(ctx, sched, jobs)
	} else {
		out, err = sched.Run(ctx, jobs)
	}
	if err != nil {
		return err
	}

	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return errors.Wrap(err, "encode outcome")
		}
	} else {
		printSummary(jobs, out)
	}

	if n := out.Failed + out.Cancelled; n > 0 {
		return errors.Newf("%d of %d jobs did not complete", n, len(jobs))
	}
	return nil
}

// streamBatch prints one line per finished job while the batch runs.
func streamBatch(ctx context.Context, sched *engine.Scheduler, jobs []model.JobSpec) (model.BatchOutcome, error) {
	st, err := sched.Stream(ctx, jobs)
	if err != nil {
		return model.BatchOutcome{}, err
	}
	for ev := range st.Events() {
		if runJSON {
			continue
		}
		status := pterm.Green(string(ev.Phase))
		if ev.Phase != model.PhaseComplete {
			status = pterm.Red(string(ev.Phase))
		}
		pterm.Printf("[%d/%d] %s %s %s\n", ev.Completed, ev.Total, status, ev.Label, pterm.Gray(ev.Message))
	}
	return st.Outcome(), nil
}

func printSummary(jobs []model.JobSpec, out model.BatchOutcome) {
	rows := pterm.TableData{{"#", "Label", "Result", "Cached", "Duration", "Output"}}
	for i, o := range out.Outcomes {
		result := pterm.Green("ok")
		if !o.Success {
			result = pterm.Red(describeFailure(o))
		}
		cached := ""
		if o.Cached {
			cached = "yes"
		}
		rows = append(rows, []string{
			strconv.Itoa(i),
			jobs[i].DisplayLabel(i),
			result,
			cached,
			o.Duration.Round(time.Millisecond).String(),
			o.OutputDir,
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		logger.Error("render summary", "error", err)
	}

	pterm.Printf("%d succeeded, %d failed, %d cancelled, %d from cache in %s\n",
		out.Succeeded, out.Failed, out.Cancelled, out.CacheHits, out.Elapsed.Round(time.Millisecond))

	for i, o := range out.Outcomes {
		if o.Success || o.Stderr == "" {
			continue
		}
		pterm.Println()
		pterm.Println(pterm.Red(fmt.Sprintf("%s stderr:", jobs[i].DisplayLabel(i))))
		pterm.Println(o.Stderr)
	}
}

func describeFailure(o model.ExecutionOutcome) string {
	switch {
	case o.Exit == model.ExitNormal && o.ExitCode != nil:
		return fmt.Sprintf("exit %d", *o.ExitCode)
	case o.Error != "":
		return string(o.Exit) + ": " + o.Error
	default:
		return string(o.Exit)
	}
}

package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/tutosearch/internal/async"
	"github.com/Aman-CERP/tutosearch/internal/daemon"
	"github.com/Aman-CERP/tutosearch/internal/index"
	"github.com/Aman-CERP/tutosearch/internal/output"
	"github.com/Aman-CERP/tutosearch/internal/ui"
)

// progressInterval is how often reindex progress is sampled for display.
const progressInterval = 500 * time.Millisecond

// reindexOptions holds CLI flags for reindex.
type reindexOptions struct {
	local      bool
	seedPath   string
	detach     bool
	plain      bool
	noColor    bool
	jsonOutput bool
}

func newReindexCmd(a *app) *cobra.Command {
	var opts reindexOptions

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the search index from the content store",
		Long: `Rebuild the index from every published tutorial.

The rebuild loads a new generation while the current one keeps serving
queries, then swaps it in. When more documents fail than
reindex.failure_threshold allows, the new generation is discarded and
the live index is left untouched.

With a running daemon the rebuild runs there; otherwise, or with --local,
it runs in this process.`,
		Example: `  # Rebuild through the daemon and watch progress
  tutosearch reindex

  # Start a rebuild and return immediately
  tutosearch reindex --detach

  # Rebuild a local index from a seed file
  tutosearch reindex --local --seed tutorials.json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runReindex(ctx, cmd, a, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.local, "local", false, "Rebuild in this process, bypassing the daemon")
	cmd.Flags().StringVar(&opts.seedPath, "seed", "", "With --local: read tutorials from a JSON file")
	cmd.Flags().BoolVar(&opts.detach, "detach", false, "Start the rebuild on the daemon and return")
	cmd.Flags().BoolVar(&opts.plain, "plain", false, "Plain line-per-batch progress output")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "Disable colors")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Print the final report as JSON")

	return cmd
}

// reindexOutcome is the JSON form of a finished rebuild.
type reindexOutcome struct {
	Status string               `json:"status"`
	Report *index.ReindexReport `json:"report,omitempty"`
	Error  string               `json:"error,omitempty"`
}

func runReindex(ctx context.Context, cmd *cobra.Command, a *app, opts reindexOptions) error {
	out := output.New(cmd.OutOrStdout())

	client := daemon.NewClient(daemon.FromConfig(a.cfg.Server))
	useDaemon := !opts.local && client.IsRunning()

	if opts.detach {
		if !useDaemon {
			return errNoDaemon
		}
		res, err := client.Reindex(ctx, false)
		if err != nil {
			return err
		}
		out.Success("Reindex started on the daemon")
		out.Statusf("", "Follow it with 'tutosearch status' (generation %s)", orPending(res.Progress.Generation))
		return nil
	}

	var renderer ui.Renderer = nopRenderer{}
	if !opts.jsonOutput {
		renderer = ui.NewRenderer(ui.NewConfig(cmd.OutOrStdout(),
			ui.WithForcePlain(opts.plain),
			ui.WithNoColor(opts.noColor || ui.DetectNoColor())))
	}

	var (
		summary ui.Summary
		report  *index.ReindexReport
		err     error
	)
	if useDaemon {
		summary, report, err = reindexViaDaemon(ctx, client, renderer)
	} else {
		summary, report, err = reindexLocal(ctx, a, opts.seedPath, renderer)
	}
	if err != nil {
		return err
	}

	if opts.jsonOutput {
		if jerr := out.JSON(reindexOutcome{Status: summary.Status, Report: report, Error: summary.Err}); jerr != nil {
			return jerr
		}
	} else {
		renderer.Complete(summary)
	}
	if !summary.Succeeded() {
		return errReported
	}
	return nil
}

// reindexViaDaemon runs a waited rebuild on the daemon while polling its
// status for progress. A returned error means the rebuild never started.
func reindexViaDaemon(ctx context.Context, client *daemon.Client, renderer ui.Renderer) (ui.Summary, *index.ReindexReport, error) {
	stop := watchProgress(ctx, renderer, func(ctx context.Context) (async.ProgressSnapshot, bool) {
		st, err := client.Status(ctx)
		if err != nil {
			return async.ProgressSnapshot{}, false
		}
		return st.Reindex, true
	})
	res, err := client.Reindex(ctx, true)
	stop()

	var rpcErr *daemon.Error
	if errors.As(err, &rpcErr) {
		res = &daemon.ReindexResult{}
		rpcErr.Decode(res)
	}
	if res == nil || res.Report == nil {
		if err == nil {
			err = errors.New("daemon returned no reindex report")
		}
		return ui.Summary{}, nil, err
	}

	summary := ui.SummaryFromReport(res.Report, err)
	// The daemon's error codes are not ours; the final progress carries the outcome
	if res.Progress.Status != "" && res.Progress.Status != string(async.StatusRunning) {
		summary.Status = res.Progress.Status
	}
	return summary, res.Report, nil
}

// reindexLocal builds the subsystem in-process and runs one rebuild.
func reindexLocal(ctx context.Context, a *app, seedPath string, renderer ui.Renderer) (ui.Summary, *index.ReindexReport, error) {
	comps, err := buildComponents(ctx, a.cfg, a.log(), buildOptions{seedPath: seedPath})
	if err != nil {
		return ui.Summary{}, nil, err
	}
	defer comps.Close()

	progress := comps.reindexer.Progress()
	stop := watchProgress(ctx, renderer, func(context.Context) (async.ProgressSnapshot, bool) {
		return progress.Snapshot(), true
	})
	report, err := comps.reindexer.ReindexAll(ctx)
	stop()

	if report == nil && err != nil {
		return ui.Summary{}, nil, err
	}
	return ui.SummaryFromReport(report, err), report, nil
}

// watchProgress feeds running snapshots to renderer until the returned
// stop function is called.
func watchProgress(ctx context.Context, renderer ui.Renderer, sample func(context.Context) (async.ProgressSnapshot, bool)) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if snap, ok := sample(ctx); ok && snap.Status == string(async.StatusRunning) {
					renderer.Update(snap)
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func orPending(generation string) string {
	if generation == "" {
		return "pending"
	}
	return generation
}

// nopRenderer discards progress, used for JSON output.
type nopRenderer struct{}

func (nopRenderer) Update(async.ProgressSnapshot) {}
func (nopRenderer) Complete(ui.Summary)           {}

// errReported marks a failure whose details were already printed.
var errReported = errors.New("command failed")

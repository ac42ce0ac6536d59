package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/tutosearch/internal/daemon"
	"github.com/Aman-CERP/tutosearch/internal/schedule"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		seedPath       string
		reindexOnStart bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the search daemon",
		Long: `Run the search daemon in the foreground until interrupted.

The daemon opens the configured backend and then:
  - answers search, status and reindex requests on its Unix socket
  - serves /healthz, /status, /search, /reindex and /metrics on the ops address
  - consumes lifecycle events from the Redis stream (events.enabled)
  - runs reconciliation reindexes on reindex.schedule`,
		Example: `  # Serve with the portal database
  TUTOSEARCH_DATABASE_URL=postgres://... tutosearch serve

  # Serve a local seed file and build the index right away
  tutosearch serve --seed tutorials.json --reindex`,
		Annotations: map[string]string{annotationDaemon: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, a, seedPath, reindexOnStart)
		},
	}

	cmd.Flags().StringVar(&seedPath, "seed", "", "Read tutorials from a JSON file instead of the portal database")
	cmd.Flags().BoolVar(&reindexOnStart, "reindex", false, "Start a full reindex once the daemon is up")

	return cmd
}

func runServe(ctx context.Context, a *app, seedPath string, reindexOnStart bool) error {
	cfg, logger := a.cfg, a.log()

	comps, err := buildComponents(ctx, cfg, logger, buildOptions{seedPath: seedPath, withEvents: true})
	if err != nil {
		return err
	}
	defer comps.Close()
	// Runs before Close so a rebuild never outlives its backend
	defer comps.service.Stop()

	opts := []daemon.Option{
		daemon.WithLogger(logger),
		daemon.WithGatherer(comps.registry),
	}
	if comps.consumer != nil {
		opts = append(opts, daemon.WithRunner("events", comps.consumer))
	}
	if cfg.Reindex.Schedule != "" {
		sched, err := schedule.New(schedule.Config{
			Spec:         cfg.Reindex.Schedule,
			OnlyWithGaps: cfg.Reindex.OnlyWithGaps,
			Gaps:         comps.gaps,
			Job: func(ctx context.Context) error {
				_, err := comps.service.Reindex(ctx, true)
				return err
			},
			Logger: logger,
		})
		if err != nil {
			return err
		}
		opts = append(opts, daemon.WithRunner("schedule", sched))
	}

	d, err := daemon.NewDaemon(daemon.FromConfig(cfg.Server), comps.service, opts...)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if reindexOnStart {
		if _, err := comps.service.Reindex(ctx, false); err != nil {
			return fmt.Errorf("failed to start reindex: %w", err)
		}
	}

	logger.Info("daemon_starting",
		slog.String("backend", string(comps.backend.Kind())),
		slog.String("socket", cfg.Server.SocketPath),
		slog.String("http_addr", cfg.Server.HTTPAddr),
		slog.Bool("events", comps.consumer != nil),
		slog.String("schedule", cfg.Reindex.Schedule))

	err = d.Start(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

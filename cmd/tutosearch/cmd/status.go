package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/tutosearch/internal/daemon"
	"github.com/Aman-CERP/tutosearch/internal/output"
	"github.com/Aman-CERP/tutosearch/internal/search"
	"github.com/Aman-CERP/tutosearch/internal/status"
	"github.com/Aman-CERP/tutosearch/internal/store"
	"github.com/Aman-CERP/tutosearch/internal/ui"
)

func newStatusCmd(a *app) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show index health and sync status",
		Long: `Display the health of the search index:
  - backend kind, availability and circuit breaker state
  - number of indexed documents
  - time since the last successful sync and open reconciliation gaps
  - progress or outcome of the latest reindex

Without a running daemon only the backend itself is inspected.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), cmd, a, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runStatus(ctx context.Context, cmd *cobra.Command, a *app, jsonOutput bool) error {
	info, live, err := collectStatus(ctx, a)
	if err != nil {
		return fmt.Errorf("failed to collect status: %w", err)
	}

	renderer := ui.NewStatusRenderer(cmd.OutOrStdout(), ui.DetectNoColor() || !ui.IsTTY(cmd.OutOrStdout()))
	if jsonOutput {
		return renderer.RenderJSON(info)
	}

	if !live {
		out := output.New(cmd.OutOrStdout())
		out.Warning("Daemon not running; showing the backend only")
		out.Newline()
	}
	return renderer.Render(info)
}

// collectStatus asks the daemon, or inspects the backend directly when no
// daemon is running. live reports which one answered.
func collectStatus(ctx context.Context, a *app) (info ui.StatusInfo, live bool, err error) {
	client := daemon.NewClient(daemon.FromConfig(a.cfg.Server))
	if client.IsRunning() {
		res, err := client.Status(ctx)
		if err != nil {
			return ui.StatusInfo{}, false, err
		}
		return ui.StatusInfo{Status: res.Status, PID: res.PID, Uptime: res.Uptime}, true, nil
	}

	backend, err := store.New(a.cfg.Backend, a.log())
	if err != nil {
		return ui.StatusInfo{}, false, err
	}
	defer func() { _ = backend.Close() }()

	gateway, err := search.New(backend, a.cfg.Search, search.WithLogger(a.log()))
	if err != nil {
		return ui.StatusInfo{}, false, err
	}

	cfg := status.Config{
		Backend: backend.Kind(),
		Health:  gateway,
		Logger:  a.log(),
	}
	if counter, ok := backend.(store.Counter); ok {
		cfg.Counter = counter
	}
	return ui.StatusInfo{Status: status.NewReporter(cfg).Status(ctx)}, false, nil
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/tutosearch/internal/logging"
	"github.com/Aman-CERP/tutosearch/internal/ui"
)

// logsOptions holds CLI flags for logs.
type logsOptions struct {
	follow  bool
	lines   int
	level   string
	filter  string
	noColor bool
	file    string
}

func newLogsCmd(a *app) *cobra.Command {
	var opts logsOptions

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View daemon logs",
		Long: `View and tail the daemon's JSON log file.

The file is logging.file from the configuration, or ~/.tutosearch/logs/tutosearch.log
when unset (the location --debug writes to).`,
		Example: `  # Show the last 50 lines
  tutosearch logs

  # Follow warnings and errors
  tutosearch logs -f --level warn

  # Only reindex lines
  tutosearch logs --filter reindex`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.file == "" {
				opts.file = a.cfg.Logging.File
			}
			if opts.file == "" {
				opts.file = logging.DefaultLogPath()
			}
			opts.noColor = opts.noColor || ui.DetectNoColor() || !ui.IsTTY(cmd.OutOrStdout())
			return runLogs(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "Follow log output (like tail -f)")
	cmd.Flags().IntVarP(&opts.lines, "lines", "n", 50, "Number of lines to show")
	cmd.Flags().StringVar(&opts.level, "level", "", "Minimum level to show (debug|info|warn|error)")
	cmd.Flags().StringVar(&opts.filter, "filter", "", "Only lines matching this regular expression")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	cmd.Flags().StringVar(&opts.file, "file", "", "Log file path")

	return cmd
}

func runLogs(ctx context.Context, cmd *cobra.Command, opts logsOptions) error {
	if opts.level != "" && !logging.ValidLevel(opts.level) {
		return fmt.Errorf("invalid level %q: use debug, info, warn or error", opts.level)
	}
	var pattern *regexp.Regexp
	if opts.filter != "" {
		var err error
		if pattern, err = regexp.Compile(opts.filter); err != nil {
			return fmt.Errorf("invalid filter pattern: %w", err)
		}
	}

	viewer := logging.NewViewer(logging.ViewerConfig{
		MinLevel: opts.level,
		Pattern:  pattern,
		NoColor:  opts.noColor,
	})
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()

	entries, err := viewer.Tail(opts.file, opts.lines)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("no log file at %s: run the daemon with --debug or set logging.file", opts.file)
		}
		return err
	}
	for _, e := range entries {
		_, _ = fmt.Fprintln(out, viewer.Format(e))
	}

	if !opts.follow {
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	_, _ = fmt.Fprintf(errOut, "Following %s (Ctrl+C to stop)\n", opts.file)
	return viewer.Follow(ctx, opts.file, func(e logging.Entry) {
		_, _ = fmt.Fprintln(out, viewer.Format(e))
	})
}

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/tutosearch/internal/content"
	tserrors "github.com/Aman-CERP/tutosearch/internal/errors"
	"github.com/Aman-CERP/tutosearch/internal/events"
	"github.com/Aman-CERP/tutosearch/internal/output"
)

// backfillPageSize is how many records one backfill page reads.
const backfillPageSize = 500

// emitOptions holds CLI flags for emit.
type emitOptions struct {
	version    int64
	recordPath string
	backfill   bool
	seedPath   string
	maxLen     int64
}

func newEmitCmd(a *app) *cobra.Command {
	var opts emitOptions

	cmd := &cobra.Command{
		Use:   "emit [id state]",
		Short: "Publish lifecycle events to the event stream",
		Long: `Publish a tutorial lifecycle event to the Redis stream the daemon consumes.

State is one of draft, pending, published, rejected, archived or deleted.
With --backfill, a published event is emitted for every published record
in the content store instead.`,
		Example: `  # Announce that tutorial 42 was published at revision 7
  tutosearch emit 42 published --version 7

  # Carry the record so the daemon does not read it back
  tutosearch emit 42 published --version 7 --record tutorial-42.json

  # Re-announce everything published
  tutosearch emit --backfill`,
		Args: func(cmd *cobra.Command, args []string) error {
			if opts.backfill {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEmit(cmd.Context(), cmd, a, args, opts)
		},
	}

	cmd.Flags().Int64Var(&opts.version, "version", 0, "Record version (default: the attached record's version, else the current time in nanoseconds)")
	cmd.Flags().StringVar(&opts.recordPath, "record", "", "JSON file with the full record to carry")
	cmd.Flags().BoolVar(&opts.backfill, "backfill", false, "Emit a published event for every published record")
	cmd.Flags().StringVar(&opts.seedPath, "seed", "", "With --backfill: read records from a JSON file")
	cmd.Flags().Int64Var(&opts.maxLen, "max-len", 0, "Trim the stream to about this many entries (0 keeps all)")

	return cmd
}

func runEmit(ctx context.Context, cmd *cobra.Command, a *app, args []string, opts emitOptions) error {
	if a.cfg.Events.RedisURL == "" {
		return tserrors.ConfigError("events.redis_url is not set", nil).
			WithSuggestion("Set TUTOSEARCH_REDIS_URL or events.redis_url")
	}
	client, err := events.NewClient(a.cfg.Events.RedisURL)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	pub := events.NewPublisher(client, a.cfg.Events.Stream, opts.maxLen)
	out := output.New(cmd.OutOrStdout())

	if opts.backfill {
		return runBackfill(ctx, out, a, pub, opts.seedPath)
	}

	ev, err := buildEvent(args[0], args[1], opts, time.Now())
	if err != nil {
		return err
	}
	id, err := pub.Publish(ctx, ev)
	if err != nil {
		return err
	}
	out.Successf("Emitted %s %s (version %d) as %s", ev.ID, ev.State, ev.Version, id)
	return nil
}

// defaultVersion stamps an event on the same scale as content.Record.Version:
// the record's own version when one is attached, else now in nanoseconds.
func defaultVersion(rec *content.Record, now time.Time) int64 {
	if rec != nil && rec.Version() > 0 {
		return rec.Version()
	}
	return now.UnixNano()
}

// buildEvent assembles a single event from the command line.
func buildEvent(id, state string, opts emitOptions, now time.Time) (content.Event, error) {
	st, err := content.ParseState(state)
	if err != nil {
		return content.Event{}, tserrors.New(tserrors.ErrCodeInvalidEvent, err.Error(), err)
	}

	ev := content.Event{
		ID:        id,
		State:     st,
		Version:   opts.version,
		Timestamp: now.UTC(),
	}
	if opts.recordPath != "" {
		data, err := os.ReadFile(opts.recordPath)
		if err != nil {
			return content.Event{}, fmt.Errorf("failed to read record: %w", err)
		}
		var rec content.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return content.Event{}, fmt.Errorf("failed to parse record %s: %w", opts.recordPath, err)
		}
		ev.Record = &rec
	}
	if ev.Version <= 0 {
		ev.Version = defaultVersion(ev.Record, now)
	}

	if err := ev.Validate(); err != nil {
		return content.Event{}, tserrors.New(tserrors.ErrCodeInvalidEvent, err.Error(), err)
	}
	return ev, nil
}

// runBackfill publishes a published event, carrying the record, for every
// published record in the source.
func runBackfill(ctx context.Context, out *output.Writer, a *app, pub *events.Publisher, seedPath string) error {
	source, err := openSource(ctx, a.cfg.Content, seedPath, a.log())
	if err != nil {
		return err
	}

	// An in-memory source is cheap to count, so it gets a progress bar
	total := 0
	switch s := source.(type) {
	case *content.PostgresSource:
		defer s.Close()
	case *content.MemorySource:
		if total, err = countPublished(ctx, s); err != nil {
			return err
		}
	}

	published, attempted, cursor := 0, 0, ""
	for {
		records, next, err := source.ScanPublished(ctx, cursor, backfillPageSize)
		if err != nil {
			return fmt.Errorf("backfill stopped after %d events: %w", published, err)
		}
		for _, rec := range records {
			attempted++
			ev := content.Event{
				ID:        rec.ID,
				State:     content.State(content.VisibilityPublished),
				Version:   rec.Version(),
				Timestamp: time.Now().UTC(),
				Record:    rec,
			}
			if _, err := pub.Publish(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.log().Warn("backfill_publish_failed",
					slog.String("id", rec.ID),
					slog.String("error", err.Error()))
				continue
			}
			published++
		}

		if total > 0 {
			out.Progress(min(attempted, total), total, "Emitting events")
		} else if len(records) > 0 {
			out.Statusf("📨", "Emitted %d events", published)
		}
		if next == "" || len(records) == 0 {
			break
		}
		cursor = next
	}

	if published < attempted {
		out.Warningf("%d of %d events failed to publish", attempted-published, attempted)
	}
	out.Successf("Backfill complete: %d events emitted", published)
	return nil
}

// countPublished counts the published records of a source by scanning it.
func countPublished(ctx context.Context, source content.Source) (int, error) {
	n, cursor := 0, ""
	for {
		records, next, err := source.ScanPublished(ctx, cursor, backfillPageSize)
		if err != nil {
			return 0, err
		}
		n += len(records)
		if next == "" || len(records) == 0 {
			return n, nil
		}
		cursor = next
	}
}

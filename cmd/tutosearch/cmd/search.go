package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/tutosearch/internal/daemon"
	"github.com/Aman-CERP/tutosearch/internal/output"
	"github.com/Aman-CERP/tutosearch/internal/search"
	"github.com/Aman-CERP/tutosearch/internal/store"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	tags       []string
	category   string
	offset     int
	limit      int
	sort       string
	jsonOutput bool
	local      bool // open the backend in-process instead of asking the daemon
}

func newSearchCmd(a *app) *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search [term...]",
		Short: "Search published tutorials",
		Long: `Search published tutorials by free text, tags and category.

The query goes to the running daemon. Without a daemon, or with --local,
the backend is opened in-process (read only).`,
		Example: `  tutosearch search raid guide
  tutosearch search --tag healer --tag pvp --sort recency
  tutosearch search dungeon --category guides --offset 20 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), cmd, a, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.tags, "tag", "t", nil, "Require a tag (repeatable)")
	cmd.Flags().StringVar(&opts.category, "category", "", "Restrict to one category")
	cmd.Flags().IntVar(&opts.offset, "offset", 0, "Skip this many results")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Page size (default: search.default_limit)")
	cmd.Flags().StringVar(&opts.sort, "sort", "relevance", "Sort order: relevance, recency")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output the result page as JSON")
	cmd.Flags().BoolVar(&opts.local, "local", false, "Search in-process, bypassing the daemon")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, a *app, term string, opts searchOptions) error {
	out := output.New(cmd.OutOrStdout())
	params := daemon.SearchParams{
		Term:     term,
		Tags:     opts.tags,
		Category: opts.category,
		Offset:   opts.offset,
		Limit:    opts.limit,
		Sort:     opts.sort,
	}
	if err := params.Validate(); err != nil {
		return err
	}

	var (
		page *store.ResultPage
		err  error
	)
	client := daemon.NewClient(daemon.FromConfig(a.cfg.Server))
	if !opts.local && client.IsRunning() {
		a.log().Debug("search_using_daemon", slog.String("socket", a.cfg.Server.SocketPath))
		page, err = client.Search(ctx, params)
	} else {
		a.log().Debug("search_using_local", slog.String("backend", a.cfg.BackendKind()))
		page, err = searchLocal(ctx, a, params.Query())
	}
	if err != nil {
		return err
	}

	if opts.jsonOutput {
		return out.JSON(page)
	}
	out.Page(term, page)
	return nil
}

// searchLocal opens the configured backend for a single query.
func searchLocal(ctx context.Context, a *app, q store.Query) (*store.ResultPage, error) {
	backend, err := store.New(a.cfg.Backend, a.log())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s backend: %w", a.cfg.BackendKind(), err)
	}
	defer func() { _ = backend.Close() }()

	gateway, err := search.New(backend, a.cfg.Search, search.WithLogger(a.log()))
	if err != nil {
		return nil, err
	}
	return gateway.Search(ctx, q)
}

package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/Aman-CERP/tutosearch/internal/config"
	"github.com/Aman-CERP/tutosearch/internal/content"
	"github.com/Aman-CERP/tutosearch/internal/daemon"
	"github.com/Aman-CERP/tutosearch/internal/events"
	"github.com/Aman-CERP/tutosearch/internal/index"
	"github.com/Aman-CERP/tutosearch/internal/lease"
	"github.com/Aman-CERP/tutosearch/internal/search"
	"github.com/Aman-CERP/tutosearch/internal/status"
	"github.com/Aman-CERP/tutosearch/internal/store"
	"github.com/Aman-CERP/tutosearch/internal/telemetry"
)

// components is the fully wired search subsystem for one process.
type components struct {
	cfg    *config.Config
	logger *slog.Logger

	registry     *prometheus.Registry
	metrics      *telemetry.Metrics
	queryMetrics *telemetry.QueryMetrics

	backend     store.Backend
	gateway     *search.Gateway
	source      content.Source
	gaps        index.GapLedger
	locker      lease.Locker
	coordinator *index.Coordinator
	reindexer   *index.Reindexer
	service     *daemon.Service

	// redis is nil when no Redis URL is configured.
	redis    *redis.Client
	consumer *events.Consumer

	closers []func()
}

// buildOptions adjusts what buildComponents wires.
type buildOptions struct {
	// seedPath loads the content source from a JSON file instead of Postgres.
	seedPath string
	// withEvents creates the stream consumer when events are enabled.
	withEvents bool
}

// buildComponents opens the backend and connects every dependency named by
// cfg. On error everything opened so far is closed.
func buildComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts buildOptions) (_ *components, err error) {
	c := &components{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.metrics = telemetry.NewMetrics(c.registry)
	c.queryMetrics = telemetry.NewQueryMetrics()

	c.backend, err = store.New(cfg.Backend, logger)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, func() { _ = c.backend.Close() })

	c.gateway, err = search.New(c.backend, cfg.Search,
		search.WithMetrics(c.metrics),
		search.WithQueryMetrics(c.queryMetrics),
		search.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	c.source, err = openSource(ctx, cfg.Content, opts.seedPath, logger)
	if err != nil {
		return nil, err
	}
	if pg, ok := c.source.(*content.PostgresSource); ok {
		c.closers = append(c.closers, pg.Close)
	}

	if cfg.Events.RedisURL != "" {
		c.redis, err = events.NewClient(cfg.Events.RedisURL)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() { _ = c.redis.Close() })
		c.gaps = index.NewRedisGaps(c.redis, cfg.Events.KeyPrefix)
		c.locker = lease.NewRedisLocker(c.redis, cfg.Events.KeyPrefix+"reindex:lease")
	} else {
		c.gaps = index.NewMemoryGaps()
		c.locker = lease.NewFileLocker(cfg.Reindex.LockPath)
	}

	c.coordinator, err = index.NewCoordinator(index.CoordinatorConfig{
		Backend:   c.backend,
		Source:    c.source,
		Gaps:      c.gaps,
		Retry:     index.RetryPolicy(cfg.Sync),
		CacheSize: cfg.Sync.VersionCacheSize,
		Metrics:   c.metrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	c.reindexer, err = index.NewReindexer(index.ReindexerConfig{
		Backend:          c.backend,
		Source:           c.source,
		Gaps:             c.gaps,
		Locker:           c.locker,
		LeaseTTL:         cfg.Reindex.LeaseTTL,
		BatchSize:        cfg.Reindex.BatchSize,
		PageSize:         cfg.Reindex.PageSize,
		FailureThreshold: cfg.Reindex.FailureThreshold,
		Metrics:          c.metrics,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	if opts.withEvents && cfg.Events.Enabled {
		c.consumer, err = events.NewConsumer(c.redis, events.ConfigFrom(cfg.Events, cfg.Sync), c.coordinator, logger)
		if err != nil {
			return nil, err
		}
	}

	c.service = daemon.NewService(c.gateway, c.reporter(), c.reindexer, logger)
	return c, nil
}

// reporter builds the status reporter over the wired components.
func (c *components) reporter() *status.Reporter {
	cfg := status.Config{
		Backend:  c.backend.Kind(),
		Health:   c.gateway,
		Breaker:  func() string { return c.gateway.BreakerState().String() },
		Sync:     c.coordinator,
		Gaps:     c.gaps,
		Progress: c.reindexer.Progress(),
		Queries:  c.queryMetrics,
		Logger:   c.logger,
	}
	if counter, ok := c.backend.(store.Counter); ok {
		cfg.Counter = counter
	}
	if c.consumer != nil {
		cfg.Events = c.consumer.Stats
	}
	return status.NewReporter(cfg)
}

// Close releases everything in reverse order of opening.
func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// openSource picks the authoritative content source: a seed file, the
// portal database, or an empty in-memory source.
func openSource(ctx context.Context, cfg config.ContentConfig, seedPath string, logger *slog.Logger) (content.Source, error) {
	if seedPath != "" {
		records, err := readSeed(seedPath)
		if err != nil {
			return nil, err
		}
		logger.Info("content_source_seeded",
			slog.String("path", seedPath),
			slog.Int("records", len(records)))
		return content.NewMemorySource(records...), nil
	}

	if cfg.DatabaseURL != "" {
		pool, err := content.NewPool(ctx, cfg.DatabaseURL, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		return content.NewPostgresSource(pool), nil
	}

	logger.Warn("content_source_empty",
		slog.String("hint", "set content.database_url or pass --seed; a reindex would produce an empty index"))
	return content.NewMemorySource(), nil
}

// readSeed reads a JSON array of tutorial records.
func readSeed(path string) ([]*content.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var records []*content.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	for i, r := range records {
		if r == nil || r.ID == "" {
			return nil, fmt.Errorf("seed file %s: record %d has no id", path, i)
		}
	}
	return records, nil
}

// errNoDaemon is returned by commands that need a running daemon.
var errNoDaemon = errors.New("daemon is not running (start it with 'tutosearch serve')")

package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/tutosearch/internal/config"
	"github.com/Aman-CERP/tutosearch/internal/content"
	"github.com/Aman-CERP/tutosearch/internal/index"
	"github.com/Aman-CERP/tutosearch/pkg/version"
)

// Applier applies one lifecycle event. *index.Coordinator implements it.
type Applier interface {
	Apply(ctx context.Context, ev content.Event) (index.Outcome, error)
}

// Config holds consumer configuration.
type Config struct {
	// Stream is the Redis Stream key to consume from.
	Stream string
	// Group is the consumer group name.
	Group string
	// Consumer is this consumer's name within the group. Empty picks a unique name.
	Consumer string
	// BatchSize is the number of messages to read at once.
	BatchSize int64
	// Block is how long to block waiting for messages.
	Block time.Duration
	// Workers bounds how many events of a batch are applied concurrently.
	Workers int
	// ClaimIdle is how long a message may sit unacknowledged with another
	// consumer before this one claims it. Zero disables claiming.
	ClaimIdle time.Duration
	// ErrorBackoff is the pause after a failed read.
	ErrorBackoff time.Duration
}

// ConfigFrom builds the consumer configuration from the loaded config.
func ConfigFrom(ev config.EventsConfig, sync config.SyncConfig) Config {
	return Config{
		Stream:    ev.Stream,
		Group:     ev.Group,
		Consumer:  ev.Consumer,
		BatchSize: ev.BatchSize,
		Block:     ev.Block,
		Workers:   sync.Workers,
		ClaimIdle: time.Minute,
	}
}

// NewClient connects to Redis using a redis:// URL.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.ClientName == "" {
		opts.ClientName = version.ClientName()
	}
	return redis.NewClient(opts), nil
}

// Stats counts handled messages.
type Stats struct {
	Acked   int64 `json:"acked"`
	Pending int64 `json:"left_pending"`
	Invalid int64 `json:"invalid"`
}

// Consumer consumes lifecycle events from a Redis Stream consumer group.
// A message is acknowledged once its event reached a terminal outcome;
// otherwise it stays pending and is redelivered.
type Consumer struct {
	client  redis.UniversalClient
	cfg     Config
	applier Applier
	logger  *slog.Logger

	acked   atomic.Int64
	pending atomic.Int64
	invalid atomic.Int64
}

// NewConsumer creates a consumer. It does not touch Redis until Run.
func NewConsumer(client redis.UniversalClient, cfg Config, applier Applier, logger *slog.Logger) (*Consumer, error) {
	if client == nil || applier == nil {
		return nil, errors.New("consumer requires a redis client and an applier")
	}
	if cfg.Stream == "" || cfg.Group == "" {
		return nil, errors.New("consumer requires a stream and a group")
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "tutosearch-" + uuid.NewString()[:8]
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{client: client, cfg: cfg, applier: applier, logger: logger}, nil
}

// Name returns the consumer's name within the group.
func (c *Consumer) Name() string {
	return c.cfg.Consumer
}

// Stats returns the handled message counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		Acked:   c.acked.Load(),
		Pending: c.pending.Load(),
		Invalid: c.invalid.Load(),
	}
}

// Run consumes until ctx is cancelled. Messages left pending by an earlier
// run of this consumer are handled first.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	c.logger.Info("event_consumer_started",
		slog.String("stream", c.cfg.Stream),
		slog.String("group", c.cfg.Group),
		slog.String("consumer", c.cfg.Consumer))

	if _, err := c.DrainPending(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn("event_pending_drain_failed", slog.String("error", err.Error()))
	}

	lastClaim := time.Now()
	for {
		if ctx.Err() != nil {
			c.logger.Info("event_consumer_stopped", slog.String("consumer", c.cfg.Consumer))
			return nil
		}

		if c.cfg.ClaimIdle > 0 && time.Since(lastClaim) >= c.cfg.ClaimIdle {
			if _, err := c.Reclaim(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("event_reclaim_failed", slog.String("error", err.Error()))
			}
			lastClaim = time.Now()
		}

		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("event_read_failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.ErrorBackoff):
			}
		}
	}
}

// EnsureGroup creates the consumer group and stream if they do not exist.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", c.cfg.Group, err)
	}
	return nil
}

// Poll reads one batch of new messages and handles it. It returns the
// number of messages read.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	return c.read(ctx, ">", c.cfg.Block)
}

// DrainPending re-handles messages delivered to this consumer but never
// acknowledged, until none remain or a pass makes no progress.
func (c *Consumer) DrainPending(ctx context.Context) (int, error) {
	total := 0
	for {
		before := c.acked.Load() + c.invalid.Load()
		n, err := c.read(ctx, "0", -1)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
		if c.acked.Load()+c.invalid.Load() == before {
			// Everything stayed pending; retry on the next run
			return total, nil
		}
	}
}

// Reclaim takes over messages idle with other consumers for longer than
// ClaimIdle and handles them.
func (c *Consumer) Reclaim(ctx context.Context) (int, error) {
	total := 0
	start := "0-0"
	for {
		msgs, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.cfg.Stream,
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			MinIdle:  c.cfg.ClaimIdle,
			Start:    start,
			Count:    c.cfg.BatchSize,
		}).Result()
		if err != nil {
			return total, fmt.Errorf("claim idle messages: %w", err)
		}
		if len(msgs) > 0 {
			c.logger.Info("event_messages_claimed", slog.Int("count", len(msgs)))
			c.handle(ctx, msgs)
			total += len(msgs)
		}
		if next == "0-0" || next == "" || len(msgs) == 0 {
			return total, nil
		}
		start = next
	}
}

func (c *Consumer) read(ctx context.Context, id string, block time.Duration) (int, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, id},
		Count:    c.cfg.BatchSize,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	n := 0
	for _, stream := range streams {
		c.handle(ctx, stream.Messages)
		n += len(stream.Messages)
	}
	return n, nil
}

// handle applies a batch with bounded concurrency. Ordering between events
// for one identifier is left to the applier.
func (c *Consumer) handle(ctx context.Context, msgs []redis.XMessage) {
	var g errgroup.Group
	g.SetLimit(c.cfg.Workers)
	for _, msg := range msgs {
		g.Go(func() error {
			c.handleMessage(ctx, msg)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Consumer) handleMessage(ctx context.Context, msg redis.XMessage) {
	ev, err := Decode(msg)
	if err != nil {
		// An undecodable message never becomes valid; drop it
		c.logger.Warn("event_decode_failed",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))
		c.invalid.Add(1)
		c.ack(ctx, msg.ID)
		return
	}

	outcome, err := c.applier.Apply(ctx, ev)
	if !outcome.Terminal() {
		attrs := []any{
			slog.String("message_id", msg.ID),
			slog.String("id", ev.ID),
			slog.Int64("version", ev.Version),
		}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		c.logger.Warn("event_left_pending", attrs...)
		c.pending.Add(1)
		return
	}

	if err != nil {
		c.logger.Warn("event_rejected",
			slog.String("message_id", msg.ID),
			slog.String("id", ev.ID),
			slog.String("error", err.Error()))
	}
	if c.ack(ctx, msg.ID) {
		c.acked.Add(1)
	}
}

func (c *Consumer) ack(ctx context.Context, id string) bool {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		c.logger.Error("event_ack_failed", slog.String("message_id", id), slog.String("error", err.Error()))
		return false
	}
	return true
}

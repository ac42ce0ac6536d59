// Package index keeps the search backend consistent with the authoritative
// content store: the Coordinator applies lifecycle events incrementally and
// the Reindexer rebuilds everything into a fresh generation.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Aman-CERP/tutosearch/internal/config"
	"github.com/Aman-CERP/tutosearch/internal/content"
	tserrors "github.com/Aman-CERP/tutosearch/internal/errors"
	"github.com/Aman-CERP/tutosearch/internal/keylock"
	"github.com/Aman-CERP/tutosearch/internal/mapper"
	"github.com/Aman-CERP/tutosearch/internal/store"
	"github.com/Aman-CERP/tutosearch/internal/telemetry"
)

// Outcome is the result of applying one lifecycle event.
type Outcome string

const (
	// OutcomeApplied means the backend now reflects the event.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the identifier was already in the event's target state.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeStale means a newer version was already applied; the event was dropped.
	OutcomeStale Outcome = "stale"
	// OutcomeGap means retries were exhausted and the identifier was flagged for reindex.
	OutcomeGap Outcome = "gap"
	// OutcomeRejected means the event or its record can never be applied.
	OutcomeRejected Outcome = "rejected"
	// OutcomeAborted means the context ended before the event was handled.
	OutcomeAborted Outcome = "aborted"
)

// Terminal reports whether the event needs no further delivery.
func (o Outcome) Terminal() bool {
	return o != OutcomeAborted && o != ""
}

// DefaultVersionCacheSize bounds the per-identifier version memory.
const DefaultVersionCacheSize = 100_000

// applied is the last state the coordinator wrote for an identifier.
type applied struct {
	version int64
	indexed bool
}

// CoordinatorConfig contains configuration for the Coordinator.
type CoordinatorConfig struct {
	// Backend receives the writes.
	Backend store.Backend

	// Source resolves records for events that do not carry one. Optional
	// when every event carries its record.
	Source content.Source

	// Gaps receives identifiers whose writes failed permanently. Defaults to
	// an in-memory ledger.
	Gaps GapLedger

	// Retry is the backoff policy for transient faults.
	Retry tserrors.RetryConfig

	// CacheSize bounds how many identifiers' last applied versions are kept.
	CacheSize int

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// RetryPolicy builds the write retry policy from the sync configuration.
func RetryPolicy(cfg config.SyncConfig) tserrors.RetryConfig {
	policy := tserrors.DefaultRetryConfig()
	if cfg.MaxAttempts > 0 {
		policy.MaxRetries = cfg.MaxAttempts - 1
	}
	if cfg.InitialBackoff > 0 {
		policy.InitialDelay = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		policy.MaxDelay = cfg.MaxBackoff
	}
	return policy
}

// Coordinator applies lifecycle events to the backend. Events for one
// identifier are serialized; events for different identifiers run in parallel.
type Coordinator struct {
	backend store.Backend
	source  content.Source
	gaps    GapLedger
	retry   tserrors.RetryConfig
	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time

	locks       *keylock.Striped
	applied     *lru.Cache[string, applied]
	lastSuccess atomic.Int64
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Backend == nil {
		return nil, errors.New("coordinator requires a backend")
	}
	if cfg.Gaps == nil {
		cfg.Gaps = NewMemoryGaps()
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialDelay == 0 {
		cfg.Retry = tserrors.DefaultRetryConfig()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultVersionCacheSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	cache, err := lru.New[string, applied](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create version cache: %w", err)
	}

	c := &Coordinator{
		backend: cfg.Backend,
		source:  cfg.Source,
		gaps:    cfg.Gaps,
		retry:   cfg.Retry,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		now:     cfg.Now,
		locks:   keylock.New(keylock.DefaultStripes),
		applied: cache,
	}

	onRetry := c.retry.OnRetry
	c.retry.OnRetry = func(attempt int, err error) {
		c.metrics.ObserveRetry()
		if onRetry != nil {
			onRetry(attempt, err)
		}
	}
	return c, nil
}

// Gaps returns the ledger the coordinator flags into.
func (c *Coordinator) Gaps() GapLedger {
	return c.gaps
}

// LastSuccess returns when an event was last handled successfully, or the
// zero time if none has been.
func (c *Coordinator) LastSuccess() time.Time {
	n := c.lastSuccess.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Known returns the last version and state applied for id, if remembered.
func (c *Coordinator) Known(id string) (version int64, indexed bool, ok bool) {
	a, ok := c.applied.Peek(id)
	return a.version, a.indexed, ok
}

// Apply handles one lifecycle event. The error is nil for every terminal
// outcome except OutcomeRejected, where it explains the rejection.
func (c *Coordinator) Apply(ctx context.Context, ev content.Event) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		c.logger.Warn("sync_event_invalid", slog.String("id", ev.ID), slog.String("error", err.Error()))
		return c.finish(OutcomeRejected), tserrors.New(tserrors.ErrCodeInvalidEvent, err.Error(), err)
	}

	unlock := c.locks.Lock(ev.ID)
	defer unlock()

	target := ev.Indexed()
	prev, known := c.applied.Get(ev.ID)
	if known {
		switch {
		case ev.Version < prev.version:
			c.logger.Debug("sync_event_stale",
				slog.String("id", ev.ID),
				slog.Int64("version", ev.Version),
				slog.Int64("applied_version", prev.version))
			return c.finish(OutcomeStale), nil
		case ev.Version == prev.version && target == prev.indexed:
			return c.finish(OutcomeDuplicate), nil
		case ev.Version == prev.version:
			// Same version with a different state cannot be ordered; the
			// backend guard would discard it as well.
			return c.finish(OutcomeStale), nil
		}
	}

	indexed, err := tserrors.RetryWithResult(ctx, c.retry, func() (bool, error) {
		return c.write(ctx, ev, target)
	})

	switch {
	case err == nil:
		c.applied.Add(ev.ID, applied{version: ev.Version, indexed: indexed})
		c.markSuccess()
		if known && !prev.indexed && !indexed {
			// absent -> absent only advanced the tombstone
			return c.finish(OutcomeDuplicate), nil
		}
		c.logger.Debug("sync_event_applied",
			slog.String("id", ev.ID),
			slog.String("state", string(ev.State)),
			slog.Int64("version", ev.Version),
			slog.Bool("indexed", indexed))
		return c.finish(OutcomeApplied), nil

	case tserrors.IsStaleWrite(err):
		c.markSuccess()
		return c.finish(OutcomeStale), nil

	case ctx.Err() != nil:
		return OutcomeAborted, ctx.Err()
	}

	var exhausted *tserrors.RetryExhaustedError
	if errors.As(err, &exhausted) {
		return c.flag(ctx, ev, exhausted)
	}

	attrs := append([]any{
		slog.String("id", ev.ID),
		slog.Int64("version", ev.Version),
	}, attrsOf(err)...)
	c.logger.Error("sync_event_rejected", attrs...)
	return c.finish(OutcomeRejected), err
}

// write performs the backend call for ev and reports whether the identifier
// is indexed afterwards.
func (c *Coordinator) write(ctx context.Context, ev content.Event, target bool) (bool, error) {
	if !target {
		return c.remove(ctx, ev)
	}

	rec := ev.Record
	if rec == nil {
		if c.source == nil {
			return false, tserrors.MappingError(ev.ID, "record", "event carries no record and no content source is configured")
		}
		var err error
		rec, err = c.source.Get(ctx, ev.ID)
		if errors.Is(err, content.ErrNotFound) {
			// Deleted since the event was emitted; its delete event follows
			return false, c.backend.Delete(ctx, ev.ID, ev.Version)
		}
		if err != nil {
			return false, err
		}
		if !rec.Published() {
			return false, c.backend.Delete(ctx, ev.ID, max(ev.Version, rec.Version()))
		}
	}

	doc, err := mapper.ToDocument(rec)
	if err != nil {
		return false, err
	}
	doc.Version = max(doc.Version, ev.Version)
	return true, c.backend.Upsert(ctx, doc)
}

// remove takes ev.ID out of the index. The tombstone is written at the
// newer of the event's and the record's version so that a record versioned
// by ModifiedAt is not kept alive by an event stamped on a coarser clock.
func (c *Coordinator) remove(ctx context.Context, ev content.Event) (bool, error) {
	version := ev.Version
	rec := ev.Record
	if rec == nil && c.source != nil {
		got, err := c.source.Get(ctx, ev.ID)
		switch {
		case err == nil:
			rec = got
		case errors.Is(err, content.ErrNotFound), ctx.Err() != nil:
		default:
			c.logger.Warn("sync_source_read_failed",
				slog.String("id", ev.ID),
				slog.String("error", err.Error()))
		}
	}
	if rec != nil {
		if rec.Published() && rec.Version() > ev.Version {
			// Republished after this event was emitted
			doc, err := mapper.ToDocument(rec)
			if err != nil {
				return false, err
			}
			return true, c.backend.Upsert(ctx, doc)
		}
		version = max(version, rec.Version())
	}
	return false, c.backend.Delete(ctx, ev.ID, version)
}

// flag records a reconciliation gap after retries ran out.
func (c *Coordinator) flag(ctx context.Context, ev content.Event, exhausted *tserrors.RetryExhaustedError) (Outcome, error) {
	// The index state for ev.ID is unknown until the next reindex
	c.applied.Remove(ev.ID)

	reason := fmt.Sprintf("%s v%d: %v", ev.State, ev.Version, exhausted.Last)
	attrs := append([]any{
		slog.String("id", ev.ID),
		slog.Int64("version", ev.Version),
		slog.Int("attempts", exhausted.Attempts),
	}, attrsOf(exhausted.Last)...)
	c.logger.Error("sync_reconciliation_gap", attrs...)

	if err := c.gaps.Flag(ctx, ev.ID, reason); err != nil {
		c.logger.Error("sync_gap_flag_failed", slog.String("id", ev.ID), slog.String("error", err.Error()))
		return OutcomeAborted, fmt.Errorf("flag reconciliation gap for %s: %w", ev.ID, err)
	}
	if n, err := c.gaps.Count(ctx); err == nil {
		c.metrics.SetGaps(n)
	}
	return c.finish(OutcomeGap), nil
}

func (c *Coordinator) finish(o Outcome) Outcome {
	c.metrics.ObserveSync(string(o))
	return o
}

func (c *Coordinator) markSuccess() {
	now := c.now()
	c.lastSuccess.Store(now.UnixNano())
	c.metrics.MarkSync(now)
}

func attrsOf(err error) []any {
	out := make([]any, 0, 4)
	for _, a := range tserrors.LogAttrs(err) {
		out = append(out, a)
	}
	return out
}

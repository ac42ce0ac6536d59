// Package status assembles the operational health report: backend
// availability, time since the last successful sync, open reconciliation
// gaps and reindex progress.
package status

import (
	"context"
	"log/slog"
	"time"

	"github.com/Aman-CERP/tutosearch/internal/async"
	"github.com/Aman-CERP/tutosearch/internal/events"
	"github.com/Aman-CERP/tutosearch/internal/index"
	"github.com/Aman-CERP/tutosearch/internal/store"
	"github.com/Aman-CERP/tutosearch/internal/telemetry"
)

// Status is a point-in-time health report.
type Status struct {
	Backend   store.Kind   `json:"backend"`
	Health    store.Health `json:"health"`
	Breaker   string       `json:"breaker,omitempty"`
	Documents *int         `json:"documents,omitempty"`

	// LastSync is when an event was last handled successfully.
	LastSync time.Time `json:"last_sync,omitzero"`
	// SinceLastSync is the age of LastSync, or -1 when nothing synced yet.
	SinceLastSync        time.Duration `json:"-"`
	SinceLastSyncSeconds float64       `json:"since_last_sync_seconds"`

	Gaps      int    `json:"gaps"`
	GapsError string `json:"gaps_error,omitempty"`

	Reindex async.ProgressSnapshot          `json:"reindex"`
	Events  *events.Stats                   `json:"events,omitempty"`
	Queries *telemetry.QueryMetricsSnapshot `json:"queries,omitempty"`

	CheckedAt time.Time `json:"checked_at"`
}

// Available reports whether search can be served.
func (s Status) Available() bool {
	return s.Health != store.HealthUnavailable
}

// HealthChecker reports backend availability. *search.Gateway implements it.
type HealthChecker interface {
	Health(ctx context.Context) store.Health
}

// SyncClock reports the last successful sync. *index.Coordinator implements it.
type SyncClock interface {
	LastSuccess() time.Time
}

// Config wires the sources of a report. Only Backend and Health are required.
type Config struct {
	Backend  store.Kind
	Health   HealthChecker
	Breaker  func() string
	Counter  store.Counter
	Sync     SyncClock
	Gaps     index.GapLedger
	Progress *async.Progress
	Events   func() events.Stats
	Queries  *telemetry.QueryMetrics
	Logger   *slog.Logger
	Now      func() time.Time
}

// Reporter builds Status reports.
type Reporter struct {
	cfg Config
}

// NewReporter creates a reporter.
func NewReporter(cfg Config) *Reporter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reporter{cfg: cfg}
}

// Status collects a report. Failures of optional sources are reported in
// the result rather than returned.
func (r *Reporter) Status(ctx context.Context) Status {
	now := r.cfg.Now()
	st := Status{
		Backend:       r.cfg.Backend,
		Health:        store.HealthUnavailable,
		SinceLastSync: -1,
		CheckedAt:     now,
	}
	st.SinceLastSyncSeconds = -1

	if r.cfg.Health != nil {
		st.Health = r.cfg.Health.Health(ctx)
	}
	if r.cfg.Breaker != nil {
		st.Breaker = r.cfg.Breaker()
	}

	if r.cfg.Counter != nil && st.Health != store.HealthUnavailable {
		if n, err := r.cfg.Counter.Count(ctx); err == nil {
			st.Documents = &n
		} else {
			r.cfg.Logger.Debug("status_count_failed", slog.String("error", err.Error()))
		}
	}

	if r.cfg.Sync != nil {
		if last := r.cfg.Sync.LastSuccess(); !last.IsZero() {
			st.LastSync = last
			st.SinceLastSync = now.Sub(last)
			st.SinceLastSyncSeconds = st.SinceLastSync.Seconds()
		}
	}

	if r.cfg.Gaps != nil {
		n, err := r.cfg.Gaps.Count(ctx)
		if err != nil {
			st.GapsError = err.Error()
		}
		st.Gaps = n
	}

	if r.cfg.Progress != nil {
		st.Reindex = r.cfg.Progress.Snapshot()
	} else {
		st.Reindex = async.ProgressSnapshot{Status: string(async.StatusIdle)}
	}

	if r.cfg.Events != nil {
		s := r.cfg.Events()
		st.Events = &s
	}
	if r.cfg.Queries != nil {
		st.Queries = r.cfg.Queries.Snapshot()
	}
	return st
}

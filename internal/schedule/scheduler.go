// Package schedule runs reconciliation reindexes on a cron schedule. Runs
// can be limited to times when the gap ledger has entries, so a healthy
// index is not rebuilt for nothing.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	tserrors "github.com/Aman-CERP/tutosearch/internal/errors"
)

// Outcome describes what one tick did.
type Outcome string

const (
	OutcomeRan          Outcome = "ran"
	OutcomeFailed       Outcome = "failed"
	OutcomeSkippedClean Outcome = "skipped_no_gaps"
	OutcomeSkippedBusy  Outcome = "skipped_busy"
)

// GapCounter reports the number of open reconciliation gaps.
// index.GapLedger implements it.
type GapCounter interface {
	Count(ctx context.Context) (int, error)
}

// Job runs one reconciliation reindex to completion.
type Job func(ctx context.Context) error

// Config configures a Scheduler.
type Config struct {
	// Spec is a standard five-field cron expression or a descriptor such as "@hourly".
	Spec string
	// OnlyWithGaps skips ticks while Gaps reports zero.
	OnlyWithGaps bool
	Gaps         GapCounter
	Job          Job
	Location     *time.Location
	Logger       *slog.Logger
}

// Scheduler triggers Job on a cron schedule. Overlapping ticks are skipped.
type Scheduler struct {
	cfg      Config
	schedule cron.Schedule
	logger   *slog.Logger

	mu   sync.Mutex
	last Outcome
}

// New validates the expression and creates a scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Job == nil {
		return nil, errors.New("schedule requires a job")
	}
	if cfg.OnlyWithGaps && cfg.Gaps == nil {
		return nil, errors.New("only_with_gaps requires a gap ledger")
	}
	sched, err := cron.ParseStandard(cfg.Spec)
	if err != nil {
		return nil, fmt.Errorf("invalid reindex schedule %q: %w", cfg.Spec, err)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{cfg: cfg, schedule: sched, logger: cfg.Logger}, nil
}

// Next returns the first activation after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t.In(s.cfg.Location))
}

// Run drives the schedule until ctx ends, then waits for a tick in flight.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() { s.Tick(ctx) }))

	c.Start()
	s.logger.Info("schedule_started",
		slog.String("spec", s.cfg.Spec),
		slog.Bool("only_with_gaps", s.cfg.OnlyWithGaps),
		slog.Time("next", s.Next(time.Now())))

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("schedule_stopped")
	return ctx.Err()
}

// Tick runs one scheduled activation.
func (s *Scheduler) Tick(ctx context.Context) Outcome {
	outcome := s.tick(ctx)
	s.mu.Lock()
	s.last = outcome
	s.mu.Unlock()
	return outcome
}

func (s *Scheduler) tick(ctx context.Context) Outcome {
	if s.cfg.OnlyWithGaps {
		n, err := s.cfg.Gaps.Count(ctx)
		switch {
		case err != nil:
			// An unreadable ledger may hide gaps
			s.logger.Warn("schedule_gap_count_failed", slog.String("error", err.Error()))
		case n == 0:
			s.logger.Debug("schedule_skipped", slog.String("reason", "no gaps"))
			return OutcomeSkippedClean
		default:
			s.logger.Info("schedule_gaps_found", slog.Int("gaps", n))
		}
	}

	start := time.Now()
	err := s.cfg.Job(ctx)
	switch {
	case err == nil:
		s.logger.Info("scheduled_reindex_complete", slog.Duration("duration", time.Since(start)))
		return OutcomeRan
	case tserrors.GetCode(err) == tserrors.ErrCodeReindexInProgress:
		s.logger.Info("schedule_skipped", slog.String("reason", "reindex in progress"))
		return OutcomeSkippedBusy
	default:
		s.logger.Warn("scheduled_reindex_failed", slog.String("error", err.Error()))
		return OutcomeFailed
	}
}

// Last returns the outcome of the most recent tick, or "" before the first.
func (s *Scheduler) Last() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron_"+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron_"+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}

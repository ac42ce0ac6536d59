package daemon

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/Aman-CERP/tutosearch/internal/async"
	tserrors "github.com/Aman-CERP/tutosearch/internal/errors"
	"github.com/Aman-CERP/tutosearch/internal/index"
	"github.com/Aman-CERP/tutosearch/internal/status"
	"github.com/Aman-CERP/tutosearch/internal/store"
)

// Searcher runs normalized searches. *search.Gateway implements it.
type Searcher interface {
	Search(ctx context.Context, q store.Query) (*store.ResultPage, error)
}

// StatusReporter builds health reports. *status.Reporter implements it.
type StatusReporter interface {
	Status(ctx context.Context) status.Status
}

// Reindexer rebuilds the index. *index.Reindexer implements it.
type Reindexer interface {
	ReindexAll(ctx context.Context) (*index.ReindexReport, error)
	Progress() *async.Progress
}

// Service implements RequestHandler on top of the search gateway, the
// status reporter and the reindexer. Background rebuilds run one at a time.
type Service struct {
	searcher  Searcher
	reporter  StatusReporter
	reindexer Reindexer
	runner    *async.BackgroundRunner
	logger    *slog.Logger

	lastReport atomic.Pointer[index.ReindexReport]
}

// NewService creates a service.
func NewService(searcher Searcher, reporter StatusReporter, reindexer Reindexer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		searcher:  searcher,
		reporter:  reporter,
		reindexer: reindexer,
		logger:    logger,
	}
	s.runner = async.NewBackgroundRunner(func(ctx context.Context) error {
		_, err := s.run(ctx)
		return err
	})
	return s
}

// Search implements RequestHandler.
func (s *Service) Search(ctx context.Context, q store.Query) (*store.ResultPage, error) {
	return s.searcher.Search(ctx, q)
}

// Status implements RequestHandler.
func (s *Service) Status(ctx context.Context) status.Status {
	return s.reporter.Status(ctx)
}

// Reindex implements RequestHandler. Without wait the rebuild continues in
// the background and its progress is visible through Status.
func (s *Service) Reindex(ctx context.Context, wait bool) (*ReindexResult, error) {
	if s.reindexer == nil {
		return nil, errors.New("reindex is not configured")
	}

	if !wait {
		err := s.runner.Start(ctx)
		if errors.Is(err, async.ErrAlreadyRunning) {
			return nil, tserrors.New(tserrors.ErrCodeReindexInProgress, "a reindex is already running", err)
		}
		if err != nil {
			return nil, err
		}
		return &ReindexResult{Started: true, Progress: s.reindexer.Progress().Snapshot()}, nil
	}

	if s.runner.IsRunning() {
		return nil, tserrors.New(tserrors.ErrCodeReindexInProgress, "a reindex is already running", nil)
	}
	report, err := s.run(ctx)
	return &ReindexResult{
		Started:  report != nil,
		Report:   report,
		Progress: s.reindexer.Progress().Snapshot(),
	}, err
}

func (s *Service) run(ctx context.Context) (*index.ReindexReport, error) {
	report, err := s.reindexer.ReindexAll(ctx)
	if report != nil {
		s.lastReport.Store(report)
	}
	if err != nil {
		s.logger.Warn("reindex_request_failed", slog.String("error", err.Error()))
	}
	return report, err
}

// LastReport returns the report of the most recent rebuild that got past
// its start, or nil.
func (s *Service) LastReport() *index.ReindexReport {
	return s.lastReport.Load()
}

// Wait blocks until a background rebuild finishes.
func (s *Service) Wait() error {
	return s.runner.Wait()
}

// Stop cancels a background rebuild and waits for it to discard its generation.
func (s *Service) Stop() {
	s.runner.Stop()
}

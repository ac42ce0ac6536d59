package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Aman-CERP/tutosearch/internal/async"
	"github.com/Aman-CERP/tutosearch/internal/content"
	tserrors "github.com/Aman-CERP/tutosearch/internal/errors"
	"github.com/Aman-CERP/tutosearch/internal/lease"
	"github.com/Aman-CERP/tutosearch/internal/mapper"
	"github.com/Aman-CERP/tutosearch/internal/store"
	"github.com/Aman-CERP/tutosearch/internal/telemetry"
)

// Reindex defaults.
const (
	DefaultBatchSize = 200
	DefaultPageSize  = 500
	DefaultLeaseTTL  = 2 * time.Minute

	// cleanupTimeout bounds discard and lease release after the run context ended.
	cleanupTimeout = 30 * time.Second
)

// ReindexReport summarizes one full rebuild.
type ReindexReport struct {
	Generation  string        `json:"generation"`
	Backend     store.Kind    `json:"backend"`
	Scanned     int           `json:"scanned"`
	Loaded      int           `json:"loaded"`
	Stale       int           `json:"stale"`
	Failed      int           `json:"failed"`
	Recovered   int           `json:"recovered"`
	Repaired    int           `json:"repaired"`
	FailedIDs   []string      `json:"failed_ids,omitempty"`
	FailureRate float64       `json:"failure_rate"`
	Threshold   float64       `json:"threshold"`
	Batches     int           `json:"batches"`
	GapsCleared int           `json:"gaps_cleared"`
	Activated   bool          `json:"activated"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
}

// ReindexerConfig configures the Reindexer.
type ReindexerConfig struct {
	Backend store.Backend
	Source  content.Source

	// Gaps is cleared of the identifiers the rebuild covered. Optional.
	Gaps GapLedger

	// Locker enforces one reindex across processes. Nil limits exclusion
	// to this process.
	Locker   lease.Locker
	LeaseTTL time.Duration

	BatchSize int
	PageSize  int

	// FailureThreshold is the highest failed/scanned ratio that still activates.
	FailureThreshold float64

	// Retry covers transient faults of whole pages and batches.
	Retry tserrors.RetryConfig

	Progress *async.Progress
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

// Reindexer rebuilds the index into a fresh generation and swaps it in.
type Reindexer struct {
	cfg ReindexerConfig
	mu  sync.Mutex
}

// NewReindexer creates a reindexer.
func NewReindexer(cfg ReindexerConfig) (*Reindexer, error) {
	if cfg.Backend == nil || cfg.Source == nil {
		return nil, errors.New("reindexer requires a backend and a content source")
	}
	if cfg.Gaps == nil {
		cfg.Gaps = NewMemoryGaps()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialDelay == 0 {
		cfg.Retry = tserrors.DefaultRetryConfig()
		cfg.Retry.MaxRetries = 2
	}
	if cfg.Progress == nil {
		cfg.Progress = async.NewProgress()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reindexer{cfg: cfg}, nil
}

// Progress returns the progress tracker shared with the status report.
func (r *Reindexer) Progress() *async.Progress {
	return r.cfg.Progress
}

func inProgress(msg string) error {
	return tserrors.New(tserrors.ErrCodeReindexInProgress, msg, nil).
		WithSuggestion("Wait for the running reindex to finish; an orphaned lease expires on its own")
}

// ReindexAll rebuilds every published record into a new generation. The live
// generation keeps serving queries until activation. When the failure rate
// exceeds the threshold, or the run is cancelled, the new generation is
// discarded and the live index is left untouched. The report is returned
// alongside any error.
func (r *Reindexer) ReindexAll(ctx context.Context) (*ReindexReport, error) {
	if !r.mu.TryLock() {
		return nil, inProgress("a reindex is already running in this process")
	}
	defer r.mu.Unlock()

	start := r.cfg.Now()
	logger := r.cfg.Logger

	if r.cfg.Locker != nil {
		held, err := r.cfg.Locker.Acquire(ctx, r.cfg.LeaseTTL)
		if errors.Is(err, lease.ErrHeld) {
			return nil, inProgress("a reindex is already running in another process")
		}
		if err != nil {
			return nil, tserrors.New(tserrors.ErrCodeInternal, "failed to acquire reindex lease", err)
		}
		defer func() {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
			defer cancel()
			if err := held.Release(cctx); err != nil {
				logger.Warn("reindex_lease_release_failed", slog.String("error", err.Error()))
			}
		}()

		runCtx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)
		go lease.KeepAlive(runCtx, held, r.cfg.LeaseTTL, cancel)
		ctx = runCtx
	}

	// Gaps flagged after this point are not covered by the scan and must survive
	gaps, err := r.cfg.Gaps.List(ctx)
	if err != nil {
		logger.Warn("reindex_gap_snapshot_failed", slog.String("error", err.Error()))
		gaps = nil
	}

	gen, err := r.cfg.Backend.BeginGeneration(ctx)
	if err != nil {
		r.cfg.Metrics.ObserveReindex("failed", 0, 0, r.cfg.Now().Sub(start))
		return nil, err
	}

	report := &ReindexReport{
		Generation: gen.ID,
		Backend:    r.cfg.Backend.Kind(),
		Threshold:  r.cfg.FailureThreshold,
		StartedAt:  start,
	}
	r.cfg.Progress.Begin(gen.ID)
	logger.Info("reindex_started",
		slog.String("generation", gen.ID),
		slog.String("backend", string(report.Backend)),
		slog.Int("open_gaps", len(gaps)))

	failures, err := r.load(ctx, gen, report)
	if err != nil {
		return r.abandon(ctx, gen, report, start, err)
	}

	report.Failed = len(failures)
	report.FailedIDs = sortedKeys(failures)
	if report.Scanned > 0 {
		report.FailureRate = float64(report.Failed) / float64(report.Scanned)
	}
	if report.FailureRate > r.cfg.FailureThreshold {
		return r.abandon(ctx, gen, report, start,
			tserrors.ReindexAborted(report.Failed, report.Scanned, r.cfg.FailureThreshold))
	}

	r.cfg.Progress.SetStage(async.StageActivating)
	if err := ctx.Err(); err != nil {
		return r.abandon(ctx, gen, report, start, context.Cause(ctx))
	}
	pending := make(map[string]store.Repair)
	err = tserrors.Retry(ctx, r.cfg.Retry, func() error {
		if err := r.repairBuild(ctx, gen, pending, failures, report); err != nil {
			return err
		}
		return r.cfg.Backend.ActivateGeneration(ctx, gen)
	})
	if err != nil {
		return r.abandon(ctx, gen, report, start, err)
	}
	report.Activated = true
	report.Failed = len(failures)
	report.FailedIDs = sortedKeys(failures)

	r.reconcileGaps(ctx, gen.ID, gaps, failures, report)

	report.Duration = r.cfg.Now().Sub(start)
	r.cfg.Progress.Finish(async.StatusActivated, nil)
	r.cfg.Metrics.ObserveReindex("activated", report.Loaded, report.Failed, report.Duration)
	logger.Info("reindex_complete",
		slog.String("generation", gen.ID),
		slog.Int("scanned", report.Scanned),
		slog.Int("loaded", report.Loaded),
		slog.Int("stale", report.Stale),
		slog.Int("failed", report.Failed),
		slog.Int("recovered", report.Recovered),
		slog.Int("repaired", report.Repaired),
		slog.Int("gaps_cleared", report.GapsCleared),
		slog.Duration("duration", report.Duration))
	return report, nil
}

// load scans published records page by page and bulk-loads them in batches.
// It returns the identifiers that could not be loaded after one retry pass.
// Cancellation is honoured between batches only.
func (r *Reindexer) load(ctx context.Context, gen store.Generation, report *ReindexReport) (map[string]error, error) {
	type page struct {
		records []*content.Record
		next    string
	}

	failures := make(map[string]error)
	retryable := make(map[string]*store.Document)
	batch := make([]*store.Document, 0, r.cfg.BatchSize)
	var batchScanned, batchFailed int

	flush := func() error {
		if batchScanned == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		loaded, failed, err := r.loadBatch(ctx, gen, batch, report, failures, retryable)
		if err != nil {
			return err
		}
		report.Batches++
		r.cfg.Progress.AddBatch(batchScanned, loaded, batchFailed+failed)
		r.cfg.Logger.Debug("reindex_batch",
			slog.String("generation", gen.ID),
			slog.Int("batch", report.Batches),
			slog.Int("loaded", loaded),
			slog.Int("failed", batchFailed+failed))

		batch = batch[:0]
		batchScanned, batchFailed = 0, 0
		return nil
	}

	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, context.Cause(ctx)
		}
		p, err := tserrors.RetryWithResult(ctx, r.cfg.Retry, func() (page, error) {
			recs, next, err := r.cfg.Source.ScanPublished(ctx, cursor, r.cfg.PageSize)
			return page{recs, next}, err
		})
		if err != nil {
			return nil, fmt.Errorf("scan published content after %q: %w", cursor, err)
		}

		for _, rec := range p.records {
			report.Scanned++
			batchScanned++

			doc, err := mapper.ToDocument(rec)
			if err != nil {
				failures[rec.ID] = err
				batchFailed++
			} else {
				batch = append(batch, doc)
			}

			if batchScanned >= r.cfg.BatchSize {
				if err := flush(); err != nil {
					return nil, err
				}
			}
		}

		if p.next == "" {
			break
		}
		cursor = p.next
	}
	if err := flush(); err != nil {
		return nil, err
	}

	if len(retryable) > 0 {
		if err := r.retryFailures(ctx, gen, retryable, failures, report); err != nil {
			return nil, err
		}
	}
	return failures, nil
}

// loadBatch writes one batch and records per-document failures. Failures
// with a transient cause are queued for the retry pass.
func (r *Reindexer) loadBatch(ctx context.Context, gen store.Generation, docs []*store.Document,
	report *ReindexReport, failures map[string]error, retryable map[string]*store.Document) (loaded, failed int, err error) {
	if len(docs) == 0 {
		return 0, 0, nil
	}

	res, err := tserrors.RetryWithResult(ctx, r.cfg.Retry, func() (*store.BulkResult, error) {
		return r.cfg.Backend.BulkLoad(ctx, gen, docs)
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, 0, context.Cause(ctx)
		}
		// The whole batch failed
		for _, d := range docs {
			failures[d.ID] = err
			if tserrors.IsRetryable(err) {
				retryable[d.ID] = d
			}
		}
		return 0, len(docs), nil
	}

	report.Loaded += res.Loaded
	report.Stale += res.Stale
	for _, d := range docs {
		ferr, ok := res.Failed[d.ID]
		if !ok {
			continue
		}
		failures[d.ID] = ferr
		if tserrors.IsRetryable(ferr) {
			retryable[d.ID] = d
		}
	}
	return res.Loaded + res.Stale, len(res.Failed), nil
}

// retryFailures gives transiently failed documents one more bulk load.
func (r *Reindexer) retryFailures(ctx context.Context, gen store.Generation, retryable map[string]*store.Document,
	failures map[string]error, report *ReindexReport) error {
	r.cfg.Progress.SetStage(async.StageRetrying)

	ids := make([]string, 0, len(retryable))
	for id := range retryable {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for startIdx := 0; startIdx < len(ids); startIdx += r.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		chunk := ids[startIdx:min(startIdx+r.cfg.BatchSize, len(ids))]
		docs := make([]*store.Document, len(chunk))
		for i, id := range chunk {
			docs[i] = retryable[id]
		}

		res, err := r.cfg.Backend.BulkLoad(ctx, gen, docs)
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			continue
		}

		report.Loaded += res.Loaded
		report.Stale += res.Stale
		recovered := 0
		for _, id := range chunk {
			if ferr, failed := res.Failed[id]; failed {
				failures[id] = ferr
				continue
			}
			delete(failures, id)
			recovered++
		}
		report.Recovered += recovered
		r.cfg.Progress.Recovered(recovered)
	}
	return nil
}

// repairBuild rewrites the identifiers whose live write went through while
// their dual write into gen failed. Each is re-read from the source, which
// is authoritative. An identifier whose rewrite fails transiently stays in
// pending and the returned error keeps activation from going ahead; one
// that can never be written is counted as a failure and flagged as a gap
// once gen is live.
func (r *Reindexer) repairBuild(ctx context.Context, gen store.Generation, pending map[string]store.Repair,
	failures map[string]error, report *ReindexReport) error {
	for _, rep := range r.cfg.Backend.BuildRepairs(gen) {
		if cur, ok := pending[rep.ID]; !ok || rep.Version >= cur.Version {
			pending[rep.ID] = rep
		}
	}
	if len(pending) == 0 {
		return nil
	}

	var last error
	for _, id := range sortedKeys(pending) {
		err := r.repairOne(ctx, gen, pending[id])
		switch {
		case err == nil, tserrors.IsStaleWrite(err):
			delete(pending, id)
			report.Repaired++
		case ctx.Err() != nil:
			return context.Cause(ctx)
		case tserrors.IsRejected(err), tserrors.GetCode(err) == tserrors.ErrCodeMappingFailed:
			delete(pending, id)
			failures[id] = err
		default:
			last = err
		}
	}
	if len(pending) == 0 {
		return nil
	}

	r.cfg.Logger.Warn("reindex_repairs_pending",
		slog.String("generation", gen.ID),
		slog.Int("pending", len(pending)),
		slog.String("error", last.Error()))
	pendingErr := tserrors.RepairsPending(gen.ID, len(pending))
	pendingErr.Cause = last
	return pendingErr
}

// repairOne brings id in gen up to the source's current state, never below
// the version of the write that failed.
func (r *Reindexer) repairOne(ctx context.Context, gen store.Generation, rep store.Repair) error {
	rec, err := r.cfg.Source.Get(ctx, rep.ID)
	if errors.Is(err, content.ErrNotFound) {
		return r.cfg.Backend.Delete(ctx, rep.ID, rep.Version)
	}
	if err != nil {
		return err
	}

	if rec.Published() {
		doc, err := mapper.ToDocument(rec)
		if err != nil {
			return err
		}
		if doc.Version > rep.Version || (doc.Version == rep.Version && !rep.Deleted) {
			res, err := r.cfg.Backend.BulkLoad(ctx, gen, []*store.Document{doc})
			if err != nil {
				return err
			}
			if ferr, failed := res.Failed[doc.ID]; failed {
				return ferr
			}
			return nil
		}
	}
	// Delete writes live as well; there it is a no-op at worst
	return r.cfg.Backend.Delete(ctx, rep.ID, max(rep.Version, rec.Version()))
}

// abandon discards gen after a failed, aborted or cancelled run.
func (r *Reindexer) abandon(ctx context.Context, gen store.Generation, report *ReindexReport, start time.Time, cause error) (*ReindexReport, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := r.cfg.Backend.DiscardGeneration(cctx, gen); err != nil {
		r.cfg.Logger.Warn("reindex_discard_failed",
			slog.String("generation", gen.ID),
			slog.String("error", err.Error()))
	}

	report.Duration = r.cfg.Now().Sub(start)

	status, result := async.StatusFailed, "failed"
	switch {
	case tserrors.GetCode(cause) == tserrors.ErrCodeReindexAborted:
		status, result = async.StatusAborted, "aborted"
	case ctx.Err() != nil:
		status, result = async.StatusCanceled, "canceled"
	}
	r.cfg.Progress.Finish(status, cause)
	r.cfg.Metrics.ObserveReindex(result, report.Loaded, report.Failed, report.Duration)

	attrs := append([]any{
		slog.String("generation", gen.ID),
		slog.String("result", result),
		slog.Int("scanned", report.Scanned),
		slog.Int("failed", report.Failed),
		slog.Float64("failure_rate", report.FailureRate),
	}, attrsOf(cause)...)
	r.cfg.Logger.Error("reindex_abandoned", attrs...)
	return report, cause
}

// reconcileGaps clears the gaps the activated generation covered and flags
// the identifiers it could not load.
func (r *Reindexer) reconcileGaps(ctx context.Context, gen string, snapshot []string, failures map[string]error, report *ReindexReport) {
	covered := make([]string, 0, len(snapshot))
	for _, id := range snapshot {
		if _, failed := failures[id]; !failed {
			covered = append(covered, id)
		}
	}
	if err := r.cfg.Gaps.Clear(ctx, covered...); err != nil {
		r.cfg.Logger.Warn("reindex_gap_clear_failed", slog.String("error", err.Error()))
	} else {
		report.GapsCleared = len(covered)
	}

	for _, id := range report.FailedIDs {
		reason := fmt.Sprintf("reindex %s: %v", gen, failures[id])
		if err := r.cfg.Gaps.Flag(ctx, id, reason); err != nil {
			r.cfg.Logger.Warn("reindex_gap_flag_failed", slog.String("id", id), slog.String("error", err.Error()))
		}
	}
	if n, err := r.cfg.Gaps.Count(ctx); err == nil {
		r.cfg.Metrics.SetGaps(n)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Package search is the single query entry point. The gateway normalizes
// requests, shields callers from backend faults by serving degraded pages and
// applies the recency boost to the page the backend returned.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/Aman-CERP/tutosearch/internal/config"
	tserrors "github.com/Aman-CERP/tutosearch/internal/errors"
	"github.com/Aman-CERP/tutosearch/internal/mapper"
	"github.com/Aman-CERP/tutosearch/internal/store"
	"github.com/Aman-CERP/tutosearch/internal/telemetry"
)

// Degraded reasons reported on ResultPage.DegradedReason.
const (
	ReasonUnavailable = "backend_unavailable"
	ReasonRejected    = "backend_rejected"
	ReasonCircuitOpen = "circuit_open"
	ReasonError       = "backend_error"
)

// Query outcomes used as metric labels.
const (
	outcomeOK       = "ok"
	outcomeEmpty    = "empty"
	outcomeDegraded = "degraded"
	outcomeInvalid  = "invalid"
	outcomeCanceled = "canceled"
)

var healthStates = []string{
	string(store.HealthAvailable),
	string(store.HealthDegraded),
	string(store.HealthUnavailable),
}

// ErrNilBackend is returned by New without a backend.
var ErrNilBackend = errors.New("search backend is required")

// Gateway serves search requests against the configured backend.
type Gateway struct {
	backend store.Backend
	cfg     config.SearchConfig
	breaker *tserrors.CircuitBreaker
	metrics *telemetry.Metrics
	queries *telemetry.QueryMetrics
	logger  *slog.Logger
	now     func() time.Time

	healthGroup singleflight.Group
	healthMu    sync.Mutex
	health      store.Health
	checkedAt   time.Time
}

// Option configures the gateway.
type Option func(*Gateway)

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithQueryMetrics sets the in-memory query pattern collector.
func WithQueryMetrics(m *telemetry.QueryMetrics) Option {
	return func(g *Gateway) {
		g.queries = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithClock overrides the time source used for recency boosting and health caching.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *tserrors.CircuitBreaker) Option {
	return func(g *Gateway) {
		g.breaker = cb
	}
}

// New creates a gateway over backend. Zero limits in cfg take the built-in defaults.
func New(backend store.Backend, cfg config.SearchConfig, opts ...Option) (*Gateway, error) {
	if backend == nil {
		return nil, ErrNilBackend
	}

	def := config.NewConfig().Search
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = def.MaxLimit
	}
	if cfg.DefaultLimit <= 0 || cfg.DefaultLimit > cfg.MaxLimit {
		cfg.DefaultLimit = min(def.DefaultLimit, cfg.MaxLimit)
	}
	if cfg.MaxTermLength <= 0 {
		cfg.MaxTermLength = def.MaxTermLength
	}
	if cfg.MaxTags <= 0 {
		cfg.MaxTags = def.MaxTags
	}

	g := &Gateway{
		backend: backend,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.breaker == nil {
		g.breaker = tserrors.NewCircuitBreaker("search:"+string(backend.Kind()),
			tserrors.WithMaxFailures(cfg.BreakerFailures),
			tserrors.WithResetTimeout(cfg.BreakerReset),
			tserrors.WithTripOn(tserrors.IsUnavailable),
			tserrors.WithClock(g.now),
		)
	}
	return g, nil
}

// Normalize validates q and brings it into the form backends expect.
// Oversized pages are clamped; malformed input is a validation error.
func (g *Gateway) Normalize(q store.Query) (store.Query, error) {
	out := store.Query{
		Term:     strings.Join(strings.Fields(q.Term), " "),
		Category: mapper.CanonicalTag(q.Category),
		Offset:   q.Offset,
		Limit:    q.Limit,
		Sort:     store.SortMode(strings.ToLower(strings.TrimSpace(string(q.Sort)))),
	}

	if utf8.RuneCountInString(out.Term) > g.cfg.MaxTermLength {
		out.Term = strings.TrimSpace(string([]rune(out.Term)[:g.cfg.MaxTermLength]))
	}

	out.Tags = mapper.CanonicalTags(q.Tags)
	if len(out.Tags) > g.cfg.MaxTags {
		return out, invalidQuery(fmt.Sprintf("at most %d tags may be combined, got %d", g.cfg.MaxTags, len(out.Tags)))
	}

	switch {
	case out.Limit < 0:
		return out, invalidQuery(fmt.Sprintf("limit must not be negative, got %d", out.Limit))
	case out.Limit == 0:
		out.Limit = g.cfg.DefaultLimit
	case out.Limit > g.cfg.MaxLimit:
		out.Limit = g.cfg.MaxLimit
	}

	if out.Offset < 0 {
		return out, invalidQuery(fmt.Sprintf("offset must not be negative, got %d", out.Offset))
	}
	if g.cfg.MaxOffset > 0 && out.Offset > g.cfg.MaxOffset {
		return out, invalidQuery(fmt.Sprintf("offset must be at most %d, got %d", g.cfg.MaxOffset, out.Offset)).
			WithSuggestion("Narrow the query with a tag or category filter")
	}

	switch out.Sort {
	case "", store.SortRelevance, store.SortRecency:
	default:
		return out, invalidQuery(fmt.Sprintf("sort must be %q or %q, got %q", store.SortRelevance, store.SortRecency, q.Sort))
	}

	return out, nil
}

func invalidQuery(msg string) *tserrors.SearchError {
	return tserrors.New(tserrors.ErrCodeInvalidQuery, msg, nil)
}

// Search runs q against the live generation. It returns an error only for
// invalid input or a cancelled caller context; backend faults produce an
// empty page with Degraded set.
func (g *Gateway) Search(ctx context.Context, q store.Query) (*store.ResultPage, error) {
	start := time.Now()

	nq, err := g.Normalize(q)
	if err != nil {
		g.metrics.ObserveQuery(outcomeInvalid, time.Since(start))
		return nil, err
	}

	if nq.Term == "" && !nq.HasFilters() {
		page := store.EmptyPage(&nq)
		g.finish(&nq, page, outcomeEmpty, start)
		return page, nil
	}

	if g.Health(ctx) == store.HealthUnavailable {
		return g.degrade(&nq, ReasonUnavailable, nil, start), nil
	}

	page, err := g.query(ctx, &nq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			g.metrics.ObserveQuery(outcomeCanceled, time.Since(start))
			return nil, ctxErr
		}
		return g.degrade(&nq, reasonFor(err), err, start), nil
	}

	if page.Hits == nil {
		page.Hits = []store.Hit{}
	}
	page.Offset, page.Limit = nq.Offset, nq.Limit
	if len(page.Hits) > nq.Limit {
		page.Hits = page.Hits[:nq.Limit]
	}
	g.boost(&nq, page)

	g.finish(&nq, page, outcomeOK, start)
	return page, nil
}

// query calls the backend through the circuit breaker with the per-query timeout.
func (g *Gateway) query(ctx context.Context, q *store.Query) (*store.ResultPage, error) {
	return tserrors.Call(g.breaker, func() (*store.ResultPage, error) {
		qctx := ctx
		if g.cfg.QueryTimeout > 0 {
			var cancel context.CancelFunc
			qctx, cancel = context.WithTimeout(ctx, g.cfg.QueryTimeout)
			defer cancel()
		}

		page, err := g.backend.Query(qctx, q)
		if err != nil && ctx.Err() == nil && errors.Is(qctx.Err(), context.DeadlineExceeded) && !tserrors.IsUnavailable(err) {
			err = tserrors.BackendUnavailable(string(g.backend.Kind()), "query", err)
		}
		if err == nil && page == nil {
			err = tserrors.InternalError("backend returned no page", nil)
		}
		return page, err
	})
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, tserrors.ErrCircuitOpen):
		return ReasonCircuitOpen
	case tserrors.IsUnavailable(err):
		return ReasonUnavailable
	case tserrors.IsRejected(err):
		return ReasonRejected
	default:
		return ReasonError
	}
}

func (g *Gateway) degrade(q *store.Query, reason string, cause error, start time.Time) *store.ResultPage {
	page := store.EmptyPage(q)
	page.Degraded = true
	page.DegradedReason = reason
	page.TotalExact = false

	attrs := []any{
		slog.String("reason", reason),
		slog.String("backend", string(g.backend.Kind())),
	}
	for _, a := range tserrors.LogAttrs(cause) {
		attrs = append(attrs, a)
	}
	g.logger.Warn("search_degraded", attrs...)

	g.metrics.ObserveDegraded(reason)
	g.finish(q, page, outcomeDegraded, start)
	return page
}

func (g *Gateway) finish(q *store.Query, page *store.ResultPage, outcome string, start time.Time) {
	elapsed := time.Since(start)
	g.metrics.ObserveQuery(outcome, elapsed)
	if outcome == outcomeEmpty {
		return
	}
	g.queries.Record(telemetry.QueryEvent{
		Term:        q.Term,
		Shape:       telemetry.ShapeOf(q.Term, q.HasFilters()),
		ResultCount: len(page.Hits),
		Degraded:    page.Degraded,
		Latency:     elapsed,
		Timestamp:   g.now(),
	})
}

// boost multiplies each relevance score by 1 + boost * 2^(-age/halfLife) and
// re-sorts the page. It never reaches back into the backend, so hits on other
// pages are unaffected.
func (g *Gateway) boost(q *store.Query, page *store.ResultPage) {
	if g.cfg.RecencyBoost <= 0 || g.cfg.RecencyHalfLife <= 0 || q.EffectiveSort() != store.SortRelevance {
		return
	}

	now := g.now()
	halfLife := g.cfg.RecencyHalfLife.Seconds()
	for i := range page.Hits {
		h := &page.Hits[i]
		if h.UpdatedAt.IsZero() {
			continue
		}
		age := max(now.Sub(h.UpdatedAt).Seconds(), 0)
		h.Score *= 1 + g.cfg.RecencyBoost*math.Exp2(-age/halfLife)
	}

	sort.SliceStable(page.Hits, func(i, j int) bool {
		return page.Hits[i].Score > page.Hits[j].Score
	})
}

// Health returns the backend's availability, cached for the configured TTL.
// Concurrent callers share a single in-flight check.
func (g *Gateway) Health(ctx context.Context) store.Health {
	if g.cfg.HealthTTL > 0 {
		g.healthMu.Lock()
		if !g.checkedAt.IsZero() && g.now().Sub(g.checkedAt) < g.cfg.HealthTTL {
			h := g.health
			g.healthMu.Unlock()
			return h
		}
		g.healthMu.Unlock()
	}

	v, _, _ := g.healthGroup.Do("health", func() (any, error) {
		h := g.backend.Health(ctx)

		g.healthMu.Lock()
		changed := h != g.health
		g.health = h
		g.checkedAt = g.now()
		g.healthMu.Unlock()

		if changed {
			g.logger.Info("search_backend_health",
				slog.String("backend", string(g.backend.Kind())),
				slog.String("health", string(h)))
		}
		g.metrics.SetBackendHealth(string(g.backend.Kind()), string(h), healthStates)
		return h, nil
	})
	return v.(store.Health)
}

// BreakerState reports the circuit breaker state.
func (g *Gateway) BreakerState() tserrors.State {
	return g.breaker.State()
}

// Close closes the backend.
func (g *Gateway) Close() error {
	return g.backend.Close()
}

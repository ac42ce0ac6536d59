// Package store provides the search backends: an embedded bleve index, a
// SQLite FTS5 database and a Meilisearch service. All three satisfy the same
// Backend contract, including generation-based rebuilds with an atomic swap.
package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a backend variant.
type Kind string

const (
	KindEmbedded   Kind = "embedded"
	KindRelational Kind = "relational"
	KindExternal   Kind = "external"
)

// Document is the backend-agnostic search representation of a published record.
// It exists in a backend if and only if the record is published.
type Document struct {
	ID       string   `json:"id"`
	Slug     string   `json:"slug,omitempty"`
	Title    string   `json:"title"`
	Summary  string   `json:"summary,omitempty"`
	Body     string   `json:"body"`
	Tags     []string `json:"tags,omitempty"`
	Category string   `json:"category,omitempty"`
	AuthorID string   `json:"author_id,omitempty"`
	// Version orders updates for the same identifier; higher wins.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Size returns the number of searchable bytes in the document.
func (d *Document) Size() int {
	n := len(d.Title) + len(d.Summary) + len(d.Body)
	for _, t := range d.Tags {
		n += len(t)
	}
	return n
}

// SortMode selects result ordering.
type SortMode string

const (
	SortRelevance SortMode = "relevance"
	SortRecency   SortMode = "recency"
)

// Query is a normalized search request. Tags and Category are hard filters
// (AND semantics); Term drives ranking. An empty Term with filters ranks by recency.
type Query struct {
	Term     string   `json:"term"`
	Tags     []string `json:"tags,omitempty"`
	Category string   `json:"category,omitempty"`
	Offset   int      `json:"offset"`
	Limit    int      `json:"limit"`
	Sort     SortMode `json:"sort,omitempty"`
}

// HasFilters reports whether any hard filter is set.
func (q *Query) HasFilters() bool {
	return len(q.Tags) > 0 || q.Category != ""
}

// EffectiveSort returns the ordering a backend must apply.
func (q *Query) EffectiveSort() SortMode {
	if q.Term == "" {
		return SortRecency
	}
	if q.Sort == "" {
		return SortRelevance
	}
	return q.Sort
}

// Hit is one ranked result.
type Hit struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Slug      string    `json:"slug,omitempty"`
	Score     float64   `json:"score"`
	Snippet   string    `json:"snippet,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ResultPage is one page of results.
type ResultPage struct {
	Hits []Hit `json:"hits"`
	// Total is the number of matches across all pages.
	Total int `json:"total"`
	// TotalExact is false when the backend only estimates Total.
	TotalExact bool `json:"total_exact"`
	Offset     int  `json:"offset"`
	Limit      int  `json:"limit"`
	// Degraded marks an empty page caused by a backend fault rather than no matches.
	Degraded       bool   `json:"degraded"`
	DegradedReason string `json:"degraded_reason,omitempty"`
}

// EmptyPage returns a non-degraded page with no hits.
func EmptyPage(q *Query) *ResultPage {
	return &ResultPage{Hits: []Hit{}, TotalExact: true, Offset: q.Offset, Limit: q.Limit}
}

// Generation is an opaque handle to a non-live build target.
type Generation struct {
	ID        string    `json:"id"`
	Backend   Kind      `json:"backend"`
	StartedAt time.Time `json:"started_at"`
}

// generationIDPattern matches identifiers produced by newGenerationID. They
// are safe to use as SQL identifiers, directory names and index uids.
var generationIDPattern = regexp.MustCompile(`^g[0-9]{8}t[0-9]{6}_[0-9a-f]{8}$`)

func newGenerationID(now time.Time) string {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("g%s_%s", strings.ToLower(now.UTC().Format("20060102T150405")), short)
}

// BulkResult reports the outcome of a bulk load. Failed identifiers can be
// retried individually; stale documents were skipped by the version guard.
type BulkResult struct {
	Loaded int
	Stale  int
	Failed map[string]error
}

func newBulkResult() *BulkResult {
	return &BulkResult{Failed: make(map[string]error)}
}

// fail records a per-document failure.
func (r *BulkResult) fail(id string, err error) {
	r.Failed[id] = err
}

// Health is a backend's availability.
type Health string

const (
	HealthAvailable   Health = "available"
	HealthDegraded    Health = "degraded"
	HealthUnavailable Health = "unavailable"
)

// Backend is the capability contract every search backend satisfies.
//
// Writes carry versions. Upsert discards a document when the backend already
// holds the same identifier at an equal or newer version, returning a
// StaleWrite error. Delete with a positive version leaves a tombstone so a
// late upsert of an older version is also discarded.
//
// While a generation is being built, Upsert and Delete are applied to both
// the live generation and the building one, so writes that race a rebuild
// survive its activation. A building write that fails while the live one
// succeeds is kept as a Repair; the generation cannot be activated until
// every repair has been collected with BuildRepairs and rewritten.
//
// BeginGeneration carries the live tombstones into the new generation, so a
// deletion keeps blocking older upserts after a rebuild.
type Backend interface {
	// Kind returns the backend variant.
	Kind() Kind

	// Upsert inserts or replaces doc in the live generation.
	Upsert(ctx context.Context, doc *Document) error

	// Delete removes id. Deleting an absent identifier is not an error.
	// A version of 0 deletes unconditionally.
	Delete(ctx context.Context, id string, version int64) error

	// BulkLoad writes docs into a non-live generation, reporting per-document failures.
	BulkLoad(ctx context.Context, gen Generation, docs []*Document) (*BulkResult, error)

	// BeginGeneration opens a new build target. Only one may be in progress.
	BeginGeneration(ctx context.Context) (Generation, error)

	// ActivateGeneration atomically makes gen the live generation. It fails
	// with a retryable RepairsPending error while gen has uncollected repairs.
	ActivateGeneration(ctx context.Context, gen Generation) error

	// BuildRepairs returns and forgets the failed dual writes into gen.
	BuildRepairs(gen Generation) []Repair

	// DiscardGeneration drops gen without touching the live generation.
	DiscardGeneration(ctx context.Context, gen Generation) error

	// Query searches the live generation.
	Query(ctx context.Context, q *Query) (*ResultPage, error)

	// Health reports availability.
	Health(ctx context.Context) Health

	// Close releases resources.
	Close() error
}

// Counter is implemented by backends that can report how many documents the
// live generation holds.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

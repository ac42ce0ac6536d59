package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/tutosearch/internal/content"
	tserrors "github.com/Aman-CERP/tutosearch/internal/errors"
	"github.com/Aman-CERP/tutosearch/internal/store"
)

var baseTime = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// fastRetry keeps retry tests quick while preserving the attempt count.
func fastRetry(maxRetries int) tserrors.RetryConfig {
	return tserrors.RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
		ShouldRetry:  tserrors.IsRetryable,
	}
}

func newSQLite(t *testing.T) *store.SQLiteBackend {
	t.Helper()
	b, err := store.NewSQLiteBackend("", store.SQLiteOptions{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func unavailable(op string) error {
	return tserrors.BackendUnavailable("relational", op, errors.New("connection reset"))
}

func record(id string, version int64, vis content.Visibility) *content.Record {
	return &content.Record{
		ID:         id,
		Slug:       "slug-" + id,
		Title:      fmt.Sprintf("Raid Guide %s v%d", id, version),
		Body:       "How to **clear** the raid.",
		Tags:       []string{"Raid"},
		Category:   "PvE",
		Visibility: vis,
		Revision:   version,
		ModifiedAt: baseTime.Add(time.Duration(version) * time.Minute),
	}
}

func publish(id string, version int64) content.Event {
	return content.Event{
		ID:        id,
		State:     content.State(content.VisibilityPublished),
		Version:   version,
		Timestamp: baseTime,
		Record:    record(id, version, content.VisibilityPublished),
	}
}

func unpublish(id string, version int64) content.Event {
	return content.Event{
		ID:        id,
		State:     content.State(content.VisibilityDraft),
		Version:   version,
		Timestamp: baseTime,
	}
}

func liveIDs(t *testing.T, b store.Backend) []string {
	t.Helper()
	page, err := b.Query(context.Background(), &store.Query{Term: "raid", Limit: 100})
	require.NoError(t, err)
	out := make([]string, 0, len(page.Hits))
	for _, h := range page.Hits {
		out = append(out, h.ID)
	}
	return out
}

func liveTitle(t *testing.T, b store.Backend, id string) string {
	t.Helper()
	page, err := b.Query(context.Background(), &store.Query{Term: "raid", Limit: 100})
	require.NoError(t, err)
	for _, h := range page.Hits {
		if h.ID == id {
			return h.Title
		}
	}
	return ""
}

// flakySource serves records from a MemorySource but fails Get for the
// identifiers in getErr.
type flakySource struct {
	*content.MemorySource
	getErr map[string]error
}

func (f flakySource) Get(ctx context.Context, id string) (*content.Record, error) {
	if err := f.getErr[id]; err != nil {
		return nil, err
	}
	return f.MemorySource.Get(ctx, id)
}

// unreachableSource is a content source whose reads always fail.
type unreachableSource struct{}

func (unreachableSource) Get(context.Context, string) (*content.Record, error) {
	return nil, errors.New("content database unreachable")
}

func (unreachableSource) ScanPublished(context.Context, string, int) ([]*content.Record, string, error) {
	return nil, "", errors.New("content database unreachable")
}

// faultyBackend wraps a real backend and injects faults.
type faultyBackend struct {
	store.Backend

	mu          sync.Mutex
	upsertCalls int
	bulkCalls   int
	bulkGen     store.Generation

	// upsertErr fails the n-th Upsert call when it returns an error.
	upsertErr func(n int, doc *store.Document) error
	// beforeBulk runs before the n-th BulkLoad call; an error fails the whole batch.
	beforeBulk func(n int) error
	// failDoc reports a per-document failure for id.
	failDoc func(id string) error
	// lostWrites are reported by the first BuildRepairs call on top of the
	// backend's own.
	lostWrites []store.Repair
}

func (f *faultyBackend) Upsert(ctx context.Context, doc *store.Document) error {
	f.mu.Lock()
	f.upsertCalls++
	n, fn := f.upsertCalls, f.upsertErr
	f.mu.Unlock()

	if fn != nil {
		if err := fn(n, doc); err != nil {
			return err
		}
	}
	return f.Backend.Upsert(ctx, doc)
}

func (f *faultyBackend) BulkLoad(ctx context.Context, gen store.Generation, docs []*store.Document) (*store.BulkResult, error) {
	f.mu.Lock()
	f.bulkCalls++
	f.bulkGen = gen
	n, hook, failDoc := f.bulkCalls, f.beforeBulk, f.failDoc
	f.mu.Unlock()

	if hook != nil {
		if err := hook(n); err != nil {
			return nil, err
		}
	}

	keep := docs
	failed := map[string]error{}
	if failDoc != nil {
		keep = make([]*store.Document, 0, len(docs))
		for _, d := range docs {
			if err := failDoc(d.ID); err != nil {
				failed[d.ID] = err
				continue
			}
			keep = append(keep, d)
		}
	}

	res, err := f.Backend.BulkLoad(ctx, gen, keep)
	if err != nil {
		return nil, err
	}
	for id, ferr := range failed {
		res.Failed[id] = ferr
	}
	return res, nil
}

func (f *faultyBackend) BuildRepairs(gen store.Generation) []store.Repair {
	f.mu.Lock()
	extra := f.lostWrites
	f.lostWrites = nil
	f.mu.Unlock()
	return append(extra, f.Backend.BuildRepairs(gen)...)
}

// generation returns the generation of the latest BulkLoad call.
func (f *faultyBackend) generation() store.Generation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bulkGen
}

func (f *faultyBackend) calls() (upserts, bulks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upsertCalls, f.bulkCalls
}

package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/tutosearch/internal/async"
	"github.com/Aman-CERP/tutosearch/internal/content"
	tserrors "github.com/Aman-CERP/tutosearch/internal/errors"
	"github.com/Aman-CERP/tutosearch/internal/lease"
	"github.com/Aman-CERP/tutosearch/internal/store"
)

// publishedSource returns n published records t00..tNN plus two drafts.
func publishedSource(n int) *content.MemorySource {
	src := content.NewMemorySource()
	for i := 0; i < n; i++ {
		src.Put(record(fmt.Sprintf("t%02d", i), 1, content.VisibilityPublished))
	}
	src.Put(record("draft-a", 1, content.VisibilityDraft))
	src.Put(record("draft-b", 1, content.VisibilityPending))
	return src
}

func newReindexer(t *testing.T, b store.Backend, src content.Source, mutate func(*ReindexerConfig)) *Reindexer {
	t.Helper()
	cfg := ReindexerConfig{
		Backend:          b,
		Source:           src,
		BatchSize:        10,
		PageSize:         7,
		FailureThreshold: 0.2,
		Retry:            fastRetry(2),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := NewReindexer(cfg)
	require.NoError(t, err)
	return r
}

func liveCount(t *testing.T, b *store.SQLiteBackend) int {
	t.Helper()
	n, err := b.Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestNewReindexer_Defaults(t *testing.T) {
	_, err := NewReindexer(ReindexerConfig{})
	assert.Error(t, err)

	r, err := NewReindexer(ReindexerConfig{Backend: newSQLite(t), Source: content.NewMemorySource()})
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, r.cfg.BatchSize)
	assert.Equal(t, DefaultPageSize, r.cfg.PageSize)
	assert.Equal(t, async.StatusIdle, async.RunStatus(r.Progress().Snapshot().Status))
}

func TestReindexAll_RebuildsPublishedSetAndDropsGhosts(t *testing.T) {
	ctx := context.Background()
	b := newSQLite(t)

	// Given: a live index holding a document the source no longer publishes
	require.NoError(t, b.Upsert(ctx, &store.Document{ID: "ghost", Title: "Raid Ghost", Version: 1}))
	r := newReindexer(t, b, publishedSource(25), nil)

	// When: rebuilding
	report, err := r.ReindexAll(ctx)

	// Then: exactly the published records are live
	require.NoError(t, err)
	assert.True(t, report.Activated)
	assert.Equal(t, 25, report.Scanned)
	assert.Equal(t, 25, report.Loaded)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 3, report.Batches)
	assert.Equal(t, store.KindRelational, report.Backend)
	assert.Equal(t, 25, liveCount(t, b))
	assert.NotContains(t, liveIDs(t, b), "ghost")
	assert.NotContains(t, liveIDs(t, b), "draft-a")

	snap := r.Progress().Snapshot()
	assert.Equal(t, string(async.StatusActivated), snap.Status)
	assert.Equal(t, report.Generation, snap.Generation)
	assert.Equal(t, 25, snap.Scanned)
	assert.Equal(t, 25, snap.Loaded)
}

func TestReindexAll_LiveGenerationServesDuringBuild(t *testing.T) {
	ctx := context.Background()
	sqlite := newSQLite(t)
	require.NoError(t, sqlite.Upsert(ctx, &store.Document{ID: "old", Title: "Raid Old", Version: 1}))

	var during [][]string
	b := &faultyBackend{Backend: sqlite}
	b.beforeBulk = func(int) error {
		during = append(during, liveIDs(t, sqlite))
		return nil
	}
	r := newReindexer(t, b, publishedSource(25), nil)

	_, err := r.ReindexAll(ctx)
	require.NoError(t, err)

	// Then: every query issued mid-build saw only the old generation
	require.Len(t, during, 3)
	for _, ids := range during {
		assert.Equal(t, []string{"old"}, ids)
	}
	assert.Equal(t, 25, liveCount(t, sqlite))
}

func TestReindexAll_WriteDuringBuildSurvivesActivation(t *testing.T) {
	ctx := context.Background()
	sqlite := newSQLite(t)
	src := publishedSource(15)
	c := newCoordinator(t, sqlite, src)

	b := &faultyBackend{Backend: sqlite}
	b.beforeBulk = func(n int) error {
		if n == 2 {
			// t00 was loaded in the first batch; it is unpublished mid-build
			src.Put(record("t00", 2, content.VisibilityDraft))
			out, err := c.Apply(ctx, unpublish("t00", 2))
			require.NoError(t, err)
			require.Equal(t, OutcomeApplied, out)
		}
		return nil
	}
	r := newReindexer(t, b, src, nil)

	_, err := r.ReindexAll(ctx)
	require.NoError(t, err)

	assert.NotContains(t, liveIDs(t, sqlite), "t00")
	assert.Equal(t, 14, liveCount(t, sqlite))
}

func TestReindexAll_AbortsAboveFailureThreshold(t *testing.T) {
	ctx := context.Background()
	sqlite := newSQLite(t)
	require.NoError(t, sqlite.Upsert(ctx, &store.Document{ID: "old", Title: "Raid Old", Version: 1}))

	// Given: 4 of 10 documents are permanently rejected
	b := &faultyBackend{Backend: sqlite}
	b.failDoc = func(id string) error {
		if id < "t04" {
			return tserrors.BackendRejected("relational", id, "document too large")
		}
		return nil
	}
	r := newReindexer(t, b, publishedSource(10), nil)

	// When: rebuilding with a 20% threshold
	report, err := r.ReindexAll(ctx)

	// Then: the run aborts and the live generation is untouched
	require.Error(t, err)
	assert.Equal(t, tserrors.ErrCodeReindexAborted, tserrors.GetCode(err))
	require.NotNil(t, report)
	assert.False(t, report.Activated)
	assert.Equal(t, 4, report.Failed)
	assert.InDelta(t, 0.4, report.FailureRate, 1e-9)
	assert.Equal(t, []string{"t00", "t01", "t02", "t03"}, report.FailedIDs)
	assert.Equal(t, []string{"old"}, liveIDs(t, sqlite))
	assert.Equal(t, string(async.StatusAborted), r.Progress().Snapshot().Status)

	// And: the discarded generation does not block the next run
	b.failDoc = nil
	report, err = r.ReindexAll(ctx)
	require.NoError(t, err)
	assert.True(t, report.Activated)
	assert.Equal(t, 10, liveCount(t, sqlite))
}

func TestReindexAll_ActivatesAtThresholdAndFlagsFailures(t *testing.T) {
	ctx := context.Background()
	b := &faultyBackend{Backend: newSQLite(t)}
	b.failDoc = func(id string) error {
		if id == "t03" || id == "t07" {
			return tserrors.BackendRejected("relational", id, "document too large")
		}
		return nil
	}
	gaps := NewMemoryGaps()
	r := newReindexer(t, b, publishedSource(10), func(c *ReindexerConfig) { c.Gaps = gaps })

	report, err := r.ReindexAll(ctx)

	// Then: 20% is not above the threshold, so the generation goes live
	require.NoError(t, err)
	assert.True(t, report.Activated)
	assert.Equal(t, 8, report.Loaded)
	assert.Equal(t, []string{"t03", "t07"}, report.FailedIDs)

	flagged, err := gaps.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t03", "t07"}, flagged)
}

func TestReindexAll_MappingFailuresCountAgainstThreshold(t *testing.T) {
	src := publishedSource(4)
	broken := record("t01", 1, content.VisibilityPublished)
	broken.Title = " "
	src.Put(broken)

	r := newReindexer(t, newSQLite(t), src, func(c *ReindexerConfig) { c.FailureThreshold = 0.1 })

	report, err := r.ReindexAll(context.Background())

	assert.Equal(t, tserrors.ErrCodeReindexAborted, tserrors.GetCode(err))
	assert.Equal(t, 4, report.Scanned)
	assert.Equal(t, []string{"t01"}, report.FailedIDs)
}

func TestReindexAll_RetryPassRecoversTransientFailures(t *testing.T) {
	attempts := map[string]int{}
	b := &faultyBackend{Backend: newSQLite(t)}
	b.failDoc = func(id string) error {
		if id != "t03" {
			return nil
		}
		attempts[id]++
		if attempts[id] == 1 {
			return unavailable("bulk load")
		}
		return nil
	}
	r := newReindexer(t, b, publishedSource(10), nil)

	report, err := r.ReindexAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, report.Recovered)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 10, report.Loaded)
	assert.Equal(t, 10, r.Progress().Snapshot().Loaded)
	assert.Zero(t, r.Progress().Snapshot().Failed)
}

func TestReindexAll_WholeBatchFailureIsRetriedThenCounted(t *testing.T) {
	ctx := context.Background()
	sqlite := newSQLite(t)
	require.NoError(t, sqlite.Upsert(ctx, &store.Document{ID: "old", Title: "Raid Old", Version: 1}))

	b := &faultyBackend{Backend: sqlite}
	b.beforeBulk = func(int) error { return unavailable("bulk load") }
	r := newReindexer(t, b, publishedSource(10), nil)

	report, err := r.ReindexAll(ctx)

	assert.Equal(t, tserrors.ErrCodeReindexAborted, tserrors.GetCode(err))
	assert.Equal(t, 10, report.Failed)
	assert.Equal(t, []string{"old"}, liveIDs(t, sqlite))
	// three attempts for the batch plus one retry pass
	_, bulks := b.calls()
	assert.Equal(t, 4, bulks)
}

func TestReindexAll_CancellationDiscardsGeneration(t *testing.T) {
	sqlite := newSQLite(t)
	require.NoError(t, sqlite.Upsert(context.Background(), &store.Document{ID: "old", Title: "Raid Old", Version: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := &faultyBackend{Backend: sqlite}
	b.beforeBulk = func(n int) error {
		if n == 2 {
			cancel()
		}
		return nil
	}
	r := newReindexer(t, b, publishedSource(25), nil)

	// When: the run is cancelled mid-build
	report, err := r.ReindexAll(ctx)

	// Then: nothing is activated and the next run can start
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.False(t, report.Activated)
	assert.Equal(t, []string{"old"}, liveIDs(t, sqlite))
	assert.Equal(t, string(async.StatusCanceled), r.Progress().Snapshot().Status)

	b.beforeBulk = nil
	report, err = r.ReindexAll(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Activated)
}

func TestReindexAll_ScanFailureDiscardsGeneration(t *testing.T) {
	sqlite := newSQLite(t)
	r := newReindexer(t, sqlite, failingSource{}, nil)

	report, err := r.ReindexAll(context.Background())

	require.Error(t, err)
	assert.False(t, report.Activated)
	assert.Equal(t, string(async.StatusFailed), r.Progress().Snapshot().Status)

	// The discarded generation left no build in progress
	gen, err := sqlite.BeginGeneration(context.Background())
	require.NoError(t, err)
	require.NoError(t, sqlite.DiscardGeneration(context.Background(), gen))
}

func TestReindexAll_RejectsConcurrentRunInProcess(t *testing.T) {
	var nested error
	b := &faultyBackend{Backend: newSQLite(t)}
	r := newReindexer(t, b, publishedSource(5), nil)
	b.beforeBulk = func(int) error {
		_, nested = r.ReindexAll(context.Background())
		return nil
	}

	_, err := r.ReindexAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, tserrors.ErrCodeReindexInProgress, tserrors.GetCode(nested))
}

func TestReindexAll_RedisLeaseExcludesOtherProcesses(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	newLocker := func() lease.Locker { return lease.NewRedisLocker(client, "tutosearch:reindex:lease") }

	// Given: two processes sharing the lease key, each with its own backend
	other := newReindexer(t, newSQLite(t), publishedSource(5), func(c *ReindexerConfig) { c.Locker = newLocker() })

	var nested error
	b := &faultyBackend{Backend: newSQLite(t)}
	b.beforeBulk = func(int) error {
		_, nested = other.ReindexAll(context.Background())
		return nil
	}
	r := newReindexer(t, b, publishedSource(5), func(c *ReindexerConfig) { c.Locker = newLocker() })

	// When: the second process starts while the first holds the lease
	_, err := r.ReindexAll(context.Background())

	// Then: it is refused, and succeeds once the lease is released
	require.NoError(t, err)
	assert.Equal(t, tserrors.ErrCodeReindexInProgress, tserrors.GetCode(nested))
	assert.False(t, mr.Exists("tutosearch:reindex:lease"))

	report, err := other.ReindexAll(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Activated)
}

func TestReindexAll_OrphanedLeaseExpires(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := lease.NewRedisLocker(client, "tutosearch:reindex:lease")

	// Given: a lease left behind by a crashed process
	_, err := locker.Acquire(ctx, 30*time.Second)
	require.NoError(t, err)
	r := newReindexer(t, newSQLite(t), publishedSource(3), func(c *ReindexerConfig) { c.Locker = locker })

	_, err = r.ReindexAll(ctx)
	assert.Equal(t, tserrors.ErrCodeReindexInProgress, tserrors.GetCode(err))

	// When: its TTL passes
	mr.FastForward(31 * time.Second)

	// Then: the next run proceeds
	report, err := r.ReindexAll(ctx)
	require.NoError(t, err)
	assert.True(t, report.Activated)
}

func TestReindexAll_FileLeaseExcludesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reindex.lock")
	held, err := lease.NewFileLocker(path).Acquire(context.Background(), time.Minute)
	require.NoError(t, err)

	r := newReindexer(t, newSQLite(t), publishedSource(3), func(c *ReindexerConfig) {
		c.Locker = lease.NewFileLocker(path)
	})

	_, err = r.ReindexAll(context.Background())
	assert.Equal(t, tserrors.ErrCodeReindexInProgress, tserrors.GetCode(err))

	require.NoError(t, held.Release(context.Background()))
	_, err = r.ReindexAll(context.Background())
	assert.NoError(t, err)
}

func TestReindexAll_ClearsCoveredGapsOnly(t *testing.T) {
	ctx := context.Background()
	gaps := NewMemoryGaps()
	require.NoError(t, gaps.Flag(ctx, "t01", "published v1: connection reset"))
	require.NoError(t, gaps.Flag(ctx, "vanished", "deleted v4: connection reset"))

	b := &faultyBackend{Backend: newSQLite(t)}
	b.beforeBulk = func(n int) error {
		if n == 1 {
			// flagged after the snapshot; the rebuild may not cover it
			return gaps.Flag(ctx, "late", "published v9: connection reset")
		}
		return nil
	}
	r := newReindexer(t, b, publishedSource(5), func(c *ReindexerConfig) { c.Gaps = gaps })

	report, err := r.ReindexAll(ctx)

	require.NoError(t, err)
	assert.Equal(t, 2, report.GapsCleared)
	remaining, err := gaps.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"late"}, remaining)
}

func TestReindexAll_UnpublishedRecordStaysOutAfterReplay(t *testing.T) {
	ctx := context.Background()
	b := newSQLite(t)
	src := publishedSource(3)

	// Given: t09 published at v1 and then unpublished at v2
	src.Put(record("t09", 1, content.VisibilityPublished))
	c := newCoordinator(t, b, src)
	require.Equal(t, OutcomeApplied, apply(t, c, publish("t09", 1)))
	src.Put(record("t09", 2, content.VisibilityDraft))
	require.Equal(t, OutcomeApplied, apply(t, c, unpublish("t09", 2)))

	// When: the index is rebuilt and the old publish is redelivered
	_, err := newReindexer(t, b, src, nil).ReindexAll(ctx)
	require.NoError(t, err)
	out := apply(t, newCoordinator(t, b, src), publish("t09", 1))

	// Then: the rebuild kept the unpublish, so the replay is stale
	assert.Equal(t, OutcomeStale, out)
	assert.NotContains(t, liveIDs(t, b), "t09")
	assert.Equal(t, 3, liveCount(t, b))
}

func TestReindexAll_RedoesDualWriteThatMissedTheBuild(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "search.db")
	sqlite, err := store.NewSQLiteBackend(path, store.SQLiteOptions{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	src := publishedSource(10)
	c := newCoordinator(t, sqlite, src)
	b := &faultyBackend{Backend: sqlite}
	b.beforeBulk = func(n int) error {
		if n != 1 {
			return nil
		}
		// t05 was scanned as published; it is unpublished while the new
		// generation refuses writes for it
		conn, err := sql.Open("sqlite", path)
		require.NoError(t, err)
		defer conn.Close()
		table := "docs_" + b.generation().ID
		_, err = conn.Exec(`CREATE TRIGGER lose_t05 BEFORE INSERT ON ` + table +
			` WHEN NEW.doc_id = 't05' BEGIN SELECT RAISE(ABORT, 'disk I/O error'); END`)
		require.NoError(t, err)

		src.Put(record("t05", 2, content.VisibilityDraft))
		require.Equal(t, OutcomeApplied, apply(t, c, unpublish("t05", 2)))

		_, err = conn.Exec(`DROP TRIGGER lose_t05`)
		require.NoError(t, err)
		return nil
	}

	// When: rebuilding with the stale t05 snapshot in the first batch
	report, err := newReindexer(t, b, src, nil).ReindexAll(ctx)

	// Then: the missed delete is redone before activation
	require.NoError(t, err)
	assert.True(t, report.Activated)
	assert.Equal(t, 1, report.Repaired)
	assert.NotContains(t, liveIDs(t, sqlite), "t05")
	assert.Equal(t, 9, liveCount(t, sqlite))
}

func TestReindexAll_RepairedPublishUsesSourceState(t *testing.T) {
	ctx := context.Background()
	sqlite := newSQLite(t)
	src := publishedSource(4)
	src.Put(record("t02", 3, content.VisibilityPublished))

	// Given: a v3 publish of t02 never reached the building generation
	b := &faultyBackend{Backend: sqlite, lostWrites: []store.Repair{{ID: "t02", Version: 3}}}

	report, err := newReindexer(t, b, src, nil).ReindexAll(ctx)

	// Then: the source's v3 is what goes live
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
	assert.Equal(t, "Raid Guide t02 v3", liveTitle(t, sqlite, "t02"))
}

func TestReindexAll_UnrepairableBuildIsAbandoned(t *testing.T) {
	ctx := context.Background()
	sqlite := newSQLite(t)
	require.NoError(t, sqlite.Upsert(ctx, &store.Document{ID: "old", Title: "Raid Old", Version: 1}))

	// Given: a lost write whose record cannot be read back
	src := flakySource{MemorySource: publishedSource(4), getErr: map[string]error{
		"t01": errors.New("content database: connection reset"),
	}}
	b := &faultyBackend{Backend: sqlite, lostWrites: []store.Repair{{ID: "t01", Version: 2, Deleted: true}}}

	// When: rebuilding
	report, err := newReindexer(t, b, src, nil).ReindexAll(ctx)

	// Then: activation never happens and the old generation keeps serving
	require.Error(t, err)
	assert.Equal(t, tserrors.ErrCodeGenerationPending, tserrors.GetCode(err))
	assert.False(t, report.Activated)
	assert.Equal(t, []string{"old"}, liveIDs(t, sqlite))
}

type failingSource struct{}

func (failingSource) Get(context.Context, string) (*content.Record, error) {
	return nil, content.ErrNotFound
}

func (failingSource) ScanPublished(context.Context, string, int) ([]*content.Record, string, error) {
	return nil, "", errors.New("relation \"tutorials\" does not exist")
}

func TestSortedKeys(t *testing.T) {
	got := sortedKeys(map[string]int{"b": 1, "a": 2, "c": 3})
	assert.Equal(t, "a,b,c", strings.Join(got, ","))
}

package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/tutosearch/internal/config"
	tserrors "github.com/Aman-CERP/tutosearch/internal/errors"
)

func TestSQLiteBackend_RejectsOversizedDocument(t *testing.T) {
	// Given: a backend capped at 64 bytes per document
	b, err := NewSQLiteBackend("", SQLiteOptions{MaxDocumentBytes: 64}, nil)
	require.NoError(t, err)
	defer b.Close()

	big := doc("t1", "Raid Guide", 1)
	big.Body = strings.Repeat("loot ", 40)

	// When: upserting it
	err = b.Upsert(context.Background(), big)

	// Then: it is rejected permanently
	assert.True(t, tserrors.IsRejected(err))
	assert.False(t, tserrors.IsRetryable(err))
}

func TestSQLiteBackend_BulkLoadReportsPerDocumentFailures(t *testing.T) {
	b, err := NewSQLiteBackend("", SQLiteOptions{MaxDocumentBytes: 200}, nil)
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	big := doc("big", "Raid Guide", 1)
	big.Body = strings.Repeat("loot ", 100)

	gen, err := b.BeginGeneration(ctx)
	require.NoError(t, err)
	res, err := b.BulkLoad(ctx, gen, []*Document{doc("ok", "Raid Tactics", 1), big})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Loaded)
	require.Contains(t, res.Failed, "big")
	assert.True(t, tserrors.IsRejected(res.Failed["big"]))
}

func TestSQLiteBackend_ReopenKeepsLiveAndDropsBuilding(t *testing.T) {
	path := filepath.Join(t.TempDir(), "search.db")
	ctx := context.Background()

	// Given: an activated generation and an unfinished one
	b, err := NewSQLiteBackend(path, SQLiteOptions{}, nil)
	require.NoError(t, err)
	gen, err := b.BeginGeneration(ctx)
	require.NoError(t, err)
	_, err = b.BulkLoad(ctx, gen, []*Document{doc("t1", "Raid Guide", 1)})
	require.NoError(t, err)
	require.NoError(t, b.ActivateGeneration(ctx, gen))

	unfinished, err := b.BeginGeneration(ctx)
	require.NoError(t, err)
	// Simulate a crash: forget the build without discarding it
	b.mu.Lock()
	b.building = ""
	b.mu.Unlock()
	require.NoError(t, b.rdb.Close())
	require.NoError(t, b.db.Close())

	// When: reopening
	reopened, err := NewSQLiteBackend(path, SQLiteOptions{}, nil)
	require.NoError(t, err)
	defer reopened.Close()

	// Then: the activated generation is live and the orphan tables are gone
	assert.Equal(t, gen.ID, reopened.live)
	assert.Equal(t, []string{"t1"}, ids(search(t, reopened, Query{Term: "raid"})))

	var n int
	require.NoError(t, reopened.db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE name = ?`, "docs_"+unfinished.ID).Scan(&n))
	assert.Zero(t, n)
}

func TestSQLiteBackend_FailedBuildingWriteBlocksActivation(t *testing.T) {
	b, err := NewSQLiteBackend("", SQLiteOptions{}, nil)
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Upsert(ctx, doc("t1", "Raid Guide", 1)))
	gen, err := b.BeginGeneration(ctx)
	require.NoError(t, err)
	_, err = b.BulkLoad(ctx, gen, []*Document{doc("t1", "Raid Guide", 1)})
	require.NoError(t, err)

	// Given: the building table refuses writes for t1
	trigger := "fail_t1_" + gen.ID
	_, err = b.db.Exec(fmt.Sprintf(`CREATE TRIGGER %s BEFORE INSERT ON docs_%s
		WHEN NEW.doc_id = 't1' BEGIN SELECT RAISE(ABORT, 'disk I/O error'); END`, trigger, gen.ID))
	require.NoError(t, err)

	// When: t1 is unpublished during the build
	require.NoError(t, b.Delete(ctx, "t1", 2))

	// Then: the live index took the delete but activation is refused
	assert.Empty(t, search(t, b, Query{Term: "raid"}).Hits)
	err = b.ActivateGeneration(ctx, gen)
	assert.Equal(t, tserrors.ErrCodeGenerationPending, tserrors.GetCode(err))

	// And: the failed write is handed out exactly once
	assert.Equal(t, []Repair{{ID: "t1", Version: 2, Deleted: true}}, b.BuildRepairs(gen))
	assert.Empty(t, b.BuildRepairs(gen))

	// When: the delete is redone once the table accepts writes again
	_, err = b.db.Exec("DROP TRIGGER " + trigger)
	require.NoError(t, err)
	require.NoError(t, b.Delete(ctx, "t1", 2))
	require.NoError(t, b.ActivateGeneration(ctx, gen))

	// Then: the activated generation keeps t1 unpublished
	assert.True(t, tserrors.IsStaleWrite(b.Upsert(ctx, doc("t1", "Raid Guide", 1))))
	assert.Empty(t, search(t, b, Query{Term: "raid"}).Hits)
}

func TestSQLiteBackend_QueriesDoNotWaitForWriter(t *testing.T) {
	b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "search.db"), SQLiteOptions{}, nil)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Upsert(context.Background(), doc("t1", "Raid Guide", 1)))

	// Given: a long write transaction holding the only writer connection
	tx, err := b.db.Begin()
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	_, err = tx.Exec(`INSERT OR REPLACE INTO search_meta(key, value) VALUES ('bulk', 'running')`)
	require.NoError(t, err)

	// When: searching while it is open
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	page, err := b.Query(ctx, &Query{Term: "raid", Limit: 10})

	// Then: the read pool answers from the last committed state
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids(page))
}

func TestSQLiteBackend_SnippetMarksMatch(t *testing.T) {
	b, err := NewSQLiteBackend("", SQLiteOptions{}, nil)
	require.NoError(t, err)
	defer b.Close()

	d := doc("t1", "Raid Guide", 1)
	d.Body = "Bring potions before the final boss of the raid."
	require.NoError(t, b.Upsert(context.Background(), d))

	page := search(t, b, Query{Term: "potions"})

	require.Len(t, page.Hits, 1)
	assert.Contains(t, page.Hits[0].Snippet, "<mark>potions</mark>")
}

func TestSQLiteBackend_MatchesAcrossDiacritics(t *testing.T) {
	b, err := NewSQLiteBackend("", SQLiteOptions{}, nil)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Upsert(context.Background(), doc("t1", "Épée légendaire", 1)))

	assert.Equal(t, []string{"t1"}, ids(search(t, b, Query{Term: "epee"})))
}

func TestBleveBackend_ReopenKeepsActivatedGeneration(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "bleve")
	ctx := context.Background()

	// Given: an activated generation on disk
	b, err := NewBleveBackend(dir, nil)
	require.NoError(t, err)
	gen, err := b.BeginGeneration(ctx)
	require.NoError(t, err)
	_, err = b.BulkLoad(ctx, gen, []*Document{doc("t1", "Raid Guide", 1)})
	require.NoError(t, err)
	require.NoError(t, b.ActivateGeneration(ctx, gen))
	require.NoError(t, b.Close())

	pointer, err := os.ReadFile(filepath.Join(dir, livePointerFile))
	require.NoError(t, err)
	assert.Equal(t, gen.ID, strings.TrimSpace(string(pointer)))

	// When: reopening
	reopened, err := NewBleveBackend(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()

	// Then: the data and the version ledger survived
	assert.Equal(t, []string{"t1"}, ids(search(t, reopened, Query{Term: "raid"})))
	assert.True(t, tserrors.IsStaleWrite(reopened.Upsert(ctx, doc("t1", "Raid Guide", 1))))
}

func TestBleveBackend_RemovesOrphanGenerations(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "bleve")

	b, err := NewBleveBackend(dir, nil)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	orphan := filepath.Join(dir, newGenerationID(baseTime))
	require.NoError(t, os.MkdirAll(orphan, 0o755))
	unrelated := filepath.Join(dir, "keep-me")
	require.NoError(t, os.MkdirAll(unrelated, 0o755))

	reopened, err := NewBleveBackend(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()

	assert.NoDirExists(t, orphan)
	assert.DirExists(t, unrelated)
}

func TestBleveBackend_FailedBuildingWriteBlocksActivation(t *testing.T) {
	b, err := NewBleveBackend("", nil)
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	gen, err := b.BeginGeneration(ctx)
	require.NoError(t, err)

	// Given: the building index stops accepting writes
	require.NoError(t, b.building.index.Close())

	// When: a document is published during the build
	require.NoError(t, b.Upsert(ctx, doc("t1", "Raid Guide", 1)))

	// Then: live serves it, but the generation cannot be activated yet
	assert.Equal(t, []string{"t1"}, ids(search(t, b, Query{Term: "raid"})))
	err = b.ActivateGeneration(ctx, gen)
	assert.Equal(t, tserrors.ErrCodeGenerationPending, tserrors.GetCode(err))
	assert.Equal(t, []Repair{{ID: "t1", Version: 1}}, b.BuildRepairs(gen))

	require.NoError(t, b.DiscardGeneration(ctx, gen))
	assert.Equal(t, []string{"t1"}, ids(search(t, b, Query{Term: "raid"})))
}

func TestBleveBackend_TombstonesSurviveReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "bleve")
	ctx := context.Background()

	// Given: a tombstone carried into an activated generation on disk
	b, err := NewBleveBackend(dir, nil)
	require.NoError(t, err)
	require.NoError(t, b.Upsert(ctx, doc("t1", "Raid Guide", 1)))
	require.NoError(t, b.Delete(ctx, "t1", 2))
	gen, err := b.BeginGeneration(ctx)
	require.NoError(t, err)
	require.NoError(t, b.ActivateGeneration(ctx, gen))
	require.NoError(t, b.Close())

	// When: reopening
	reopened, err := NewBleveBackend(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()

	// Then: the replayed publish is still stale
	assert.True(t, tserrors.IsStaleWrite(reopened.Upsert(ctx, doc("t1", "Raid Guide", 1))))
	ts, err := reopened.live.tombstones(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ts)
}

func TestBleveBackend_SnippetIsHighlighted(t *testing.T) {
	b, err := NewBleveBackend("", nil)
	require.NoError(t, err)
	defer b.Close()

	d := doc("t1", "Raid Guide", 1)
	d.Body = "Bring potions before the final boss of the raid."
	require.NoError(t, b.Upsert(context.Background(), d))

	page := search(t, b, Query{Term: "potions"})

	require.Len(t, page.Hits, 1)
	assert.Contains(t, page.Hits[0].Snippet, "<mark>potions</mark>")
	assert.Equal(t, d.UpdatedAt.Unix(), page.Hits[0].UpdatedAt.Unix())
}

func TestMeiliBackend_ErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{"network", &meiliStatusError{Err: errors.New("connection refused")}, true},
		{"server", &meiliStatusError{Status: http.StatusServiceUnavailable, Err: errors.New("down")}, true},
		{"throttled", &meiliStatusError{Status: http.StatusTooManyRequests, Err: errors.New("slow down")}, true},
		{"invalid", &meiliStatusError{Status: http.StatusBadRequest, Err: errors.New("invalid document id")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given: a service failing with the error
			fake := newFakeMeili()
			b := newMeiliBackend(fake, "tutorials", nil)
			require.NoError(t, b.Upsert(context.Background(), doc("t0", "Warmup", 1)))
			fake.failWith(tt.err)

			// When: writing
			err := b.Upsert(context.Background(), doc("t1", "Raid Guide", 1))

			// Then: it maps onto the taxonomy
			assert.Equal(t, tt.unavailable, tserrors.IsUnavailable(err))
			assert.Equal(t, !tt.unavailable, tserrors.IsRejected(err))
		})
	}
}

func TestMeiliBackend_HealthDegradesWhenIndexSetupFails(t *testing.T) {
	fake := newFakeMeili()
	fake.ensureErr = &meiliStatusError{Status: http.StatusForbidden, Err: errors.New("invalid api key")}
	b := newMeiliBackend(fake, "tutorials", nil)

	assert.Equal(t, HealthDegraded, b.Health(context.Background()))

	fake.healthy = false
	assert.Equal(t, HealthUnavailable, b.Health(context.Background()))
}

func TestMeiliBackend_ActivationSwapsAndDropsShadow(t *testing.T) {
	fake := newFakeMeili()
	b := newMeiliBackend(fake, "tutorials", nil)
	ctx := context.Background()

	gen, err := b.BeginGeneration(ctx)
	require.NoError(t, err)
	_, err = b.BulkLoad(ctx, gen, []*Document{doc("t1", "Raid Guide", 1)})
	require.NoError(t, err)
	require.NoError(t, b.ActivateGeneration(ctx, gen))

	assert.Contains(t, fake.indexes["tutorials"], "t1")
	assert.NotContains(t, fake.indexes, "tutorials"+shadowSuffix)
}

func TestMeiliBackend_FailedShadowWriteBlocksActivation(t *testing.T) {
	fake := newFakeMeili()
	b := newMeiliBackend(fake, "tutorials", nil)
	ctx := context.Background()

	gen, err := b.BeginGeneration(ctx)
	require.NoError(t, err)

	// Given: the shadow index is failing writes
	fake.failPuts("tutorials"+shadowSuffix,
		&meiliStatusError{Status: http.StatusServiceUnavailable, Err: errors.New("overloaded")})

	// When: a document is published during the build
	require.NoError(t, b.Upsert(ctx, doc("t1", "Raid Guide", 1)))

	// Then: activation is refused until the write is redone
	err = b.ActivateGeneration(ctx, gen)
	assert.Equal(t, tserrors.ErrCodeGenerationPending, tserrors.GetCode(err))
	assert.True(t, tserrors.IsRetryable(err))
	assert.Equal(t, []Repair{{ID: "t1", Version: 1}}, b.BuildRepairs(gen))

	fake.failPuts("tutorials"+shadowSuffix, nil)
	_, err = b.BulkLoad(ctx, gen, []*Document{doc("t1", "Raid Guide", 1)})
	require.NoError(t, err)
	require.NoError(t, b.ActivateGeneration(ctx, gen))
	assert.Equal(t, []string{"t1"}, ids(search(t, b, Query{Term: "raid"})))
}

func TestMeiliBackend_TombstonesCarriedIntoShadow(t *testing.T) {
	fake := newFakeMeili()
	b := newMeiliBackend(fake, "tutorials", nil)
	ctx := context.Background()

	// Given: more tombstones than fit in one page
	for i := 0; i < meiliTombstonePage+5; i++ {
		require.NoError(t, b.Delete(ctx, fmt.Sprintf("t%04d", i), 2))
	}

	// When: a build starts
	_, err := b.BeginGeneration(ctx)
	require.NoError(t, err)

	// Then: every tombstone is in the shadow index
	shadow := fake.indexes["tutorials"+shadowSuffix]
	assert.Len(t, shadow, meiliTombstonePage+5)
	assert.True(t, shadow["t0000"].Deleted)
}

func TestMeiliFilter_QuotesValues(t *testing.T) {
	q := &Query{Category: "pve", Tags: []string{`say "hi"`}}
	assert.Equal(t, `deleted = false AND category = "pve" AND tags = "say \"hi\""`, meiliFilter(q))
}

func TestNew_SelectsBackendByKind(t *testing.T) {
	dir := t.TempDir()

	rel, err := New(config.BackendConfig{Kind: "sqlite", Relational: config.RelationalConfig{Path: ":memory:"}}, nil)
	require.NoError(t, err)
	defer rel.Close()
	assert.Equal(t, KindRelational, rel.Kind())

	emb, err := New(config.BackendConfig{Kind: "bleve", Embedded: config.EmbeddedConfig{Path: filepath.Join(dir, "bleve")}}, nil)
	require.NoError(t, err)
	defer emb.Close()
	assert.Equal(t, KindEmbedded, emb.Kind())

	ext, err := New(config.BackendConfig{Kind: "meilisearch", External: config.ExternalConfig{URL: "http://127.0.0.1:7700"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, KindExternal, ext.Kind())

	_, err = New(config.BackendConfig{Kind: "external"}, nil)
	assert.Error(t, err)

	_, err = New(config.BackendConfig{Kind: "solr"}, nil)
	assert.Equal(t, tserrors.ErrCodeUnknownBackend, tserrors.GetCode(err))
}

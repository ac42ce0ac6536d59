package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tserrors "github.com/Aman-CERP/tutosearch/internal/errors"
)

var baseTime = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// backendFactories builds every backend variant the contract tests run against.
func backendFactories() map[string]func(t *testing.T) Backend {
	return map[string]func(t *testing.T) Backend{
		"embedded_memory": func(t *testing.T) Backend {
			b, err := NewBleveBackend("", nil)
			require.NoError(t, err)
			return b
		},
		"embedded_disk": func(t *testing.T) Backend {
			b, err := NewBleveBackend(filepath.Join(t.TempDir(), "bleve"), nil)
			require.NoError(t, err)
			return b
		},
		"relational_memory": func(t *testing.T) Backend {
			b, err := NewSQLiteBackend("", SQLiteOptions{}, nil)
			require.NoError(t, err)
			return b
		},
		"relational_file": func(t *testing.T) Backend {
			b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "search.db"), SQLiteOptions{}, nil)
			require.NoError(t, err)
			return b
		},
		"external_fake": func(t *testing.T) Backend {
			return newMeiliBackend(newFakeMeili(), "tutorials", nil)
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Helper()
	for name, factory := range backendFactories() {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			t.Cleanup(func() { _ = b.Close() })
			fn(t, b)
		})
	}
}

func doc(id, title string, version int64, tags ...string) *Document {
	return &Document{
		ID:        id,
		Slug:      "slug-" + id,
		Title:     title,
		Summary:   "Summary of " + title,
		Body:      "Body text about " + title,
		Tags:      tags,
		Category:  "pve",
		Version:   version,
		UpdatedAt: baseTime.Add(time.Duration(version) * time.Minute),
	}
}

func ids(page *ResultPage) []string {
	out := make([]string, 0, len(page.Hits))
	for _, h := range page.Hits {
		out = append(out, h.ID)
	}
	return out
}

func search(t *testing.T, b Backend, q Query) *ResultPage {
	t.Helper()
	if q.Limit == 0 {
		q.Limit = 20
	}
	page, err := b.Query(context.Background(), &q)
	require.NoError(t, err)
	return page
}

func TestBackend_UpsertThenQuery(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()

		// Given: a published tutorial
		require.NoError(t, b.Upsert(ctx, doc("t1", "Raid Guide", 1, "raid")))

		// When: searching by a title word
		page := search(t, b, Query{Term: "raid"})

		// Then: it is found with its display fields
		require.Equal(t, []string{"t1"}, ids(page))
		assert.Equal(t, "Raid Guide", page.Hits[0].Title)
		assert.Equal(t, "slug-t1", page.Hits[0].Slug)
		assert.Equal(t, 1, page.Total)
		assert.False(t, page.Degraded)
	})
}

func TestBackend_RepeatedUpsertKeepsOneDocument(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()

		require.NoError(t, b.Upsert(ctx, doc("t1", "Raid Guide", 1)))
		require.NoError(t, b.Upsert(ctx, doc("t1", "Raid Handbook", 2)))

		page := search(t, b, Query{Term: "raid"})
		require.Equal(t, []string{"t1"}, ids(page))
		assert.Equal(t, "Raid Handbook", page.Hits[0].Title)
	})
}

func TestBackend_OlderVersionIsStale(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()

		// Given: version 2 is indexed
		require.NoError(t, b.Upsert(ctx, doc("t1", "Raid Handbook", 2)))

		// When: version 1 and a duplicate of version 2 arrive
		older := b.Upsert(ctx, doc("t1", "Raid Guide", 1))
		same := b.Upsert(ctx, doc("t1", "Raid Guide", 2))

		// Then: both are discarded and version 2 stays
		assert.True(t, tserrors.IsStaleWrite(older))
		assert.True(t, tserrors.IsStaleWrite(same))
		page := search(t, b, Query{Term: "raid"})
		require.Len(t, page.Hits, 1)
		assert.Equal(t, "Raid Handbook", page.Hits[0].Title)
	})
}

func TestBackend_DeleteIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()

		assert.NoError(t, b.Delete(ctx, "missing", 3))
		assert.NoError(t, b.Delete(ctx, "missing", 0))

		require.NoError(t, b.Upsert(ctx, doc("t1", "Raid Guide", 1)))
		assert.NoError(t, b.Delete(ctx, "t1", 2))
		assert.NoError(t, b.Delete(ctx, "t1", 2))

		assert.Empty(t, search(t, b, Query{Term: "raid"}).Hits)
	})
}

func TestBackend_TombstoneBlocksReplay(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()

		// Given: t1 published at v1 then unpublished at v2
		require.NoError(t, b.Upsert(ctx, doc("t1", "Raid Guide", 1)))
		require.NoError(t, b.Delete(ctx, "t1", 2))

		// When: the v1 publish is replayed
		err := b.Upsert(ctx, doc("t1", "Raid Guide", 1))

		// Then: it is stale and t1 stays out of results
		assert.True(t, tserrors.IsStaleWrite(err))
		assert.Empty(t, search(t, b, Query{Term: "raid"}).Hits)

		// And: a newer publish brings it back
		require.NoError(t, b.Upsert(ctx, doc("t1", "Raid Guide", 3)))
		assert.Equal(t, []string{"t1"}, ids(search(t, b, Query{Term: "raid"})))
	})
}

func TestBackend_OlderDeleteIsStale(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()

		require.NoError(t, b.Upsert(ctx, doc("t1", "Raid Guide", 5)))
		err := b.Delete(ctx, "t1", 4)

		assert.True(t, tserrors.IsStaleWrite(err))
		assert.Equal(t, []string{"t1"}, ids(search(t, b, Query{Term: "raid"})))
	})
}

func TestBackend_FiltersAreConjunctive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()

		// Given: tutorials with overlapping tags and two categories
		require.NoError(t, b.Upsert(ctx, doc("a", "Healer Raid", 1, "raid", "healer")))
		require.NoError(t, b.Upsert(ctx, doc("b", "Tank Raid", 2, "raid", "tank")))
		pvp := doc("c", "Healer Arena", 3, "healer")
		pvp.Category = "pvp"
		require.NoError(t, b.Upsert(ctx, pvp))

		// Then: every tag must match
		assert.Equal(t, []string{"a"}, ids(search(t, b, Query{Tags: []string{"raid", "healer"}})))
		// And: category combines with tags
		assert.Equal(t, []string{"c"}, ids(search(t, b, Query{Tags: []string{"healer"}, Category: "pvp"})))
		// And: filters also constrain a term
		assert.Equal(t, []string{"b"}, ids(search(t, b, Query{Term: "raid", Tags: []string{"tank"}})))
		assert.Empty(t, search(t, b, Query{Tags: []string{"raid", "missing"}}).Hits)
	})
}

func TestBackend_FiltersWithoutTermRankByRecency(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()

		for i, id := range []string{"old", "mid", "new"} {
			d := doc(id, "Dungeon "+id, int64(i+1), "dungeon")
			require.NoError(t, b.Upsert(ctx, d))
		}

		page := search(t, b, Query{Tags: []string{"dungeon"}})

		assert.Equal(t, []string{"new", "mid", "old"}, ids(page))
	})
}

func TestBackend_TitleOutranksBody(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()

		inBody := &Document{ID: "body", Title: "Crafting Basics", Body: "A long text that mentions mounts once among many other words about crafting and gathering.", Version: 1, UpdatedAt: baseTime.Add(time.Hour)}
		inTitle := &Document{ID: "title", Title: "Mounts", Body: "Where to find them.", Version: 1, UpdatedAt: baseTime}
		require.NoError(t, b.Upsert(ctx, inBody))
		require.NoError(t, b.Upsert(ctx, inTitle))

		page := search(t, b, Query{Term: "mounts"})

		require.Len(t, page.Hits, 2)
		assert.Equal(t, "title", page.Hits[0].ID)
		assert.GreaterOrEqual(t, page.Hits[0].Score, page.Hits[1].Score)
	})
}

func TestBackend_Pagination(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		for i := 1; i <= 5; i++ {
			require.NoError(t, b.Upsert(ctx, doc(fmt.Sprintf("t%d", i), "Quest Walkthrough", int64(i), "quest")))
		}

		first := search(t, b, Query{Tags: []string{"quest"}, Limit: 2})
		second := search(t, b, Query{Tags: []string{"quest"}, Offset: 2, Limit: 2})
		beyond := search(t, b, Query{Tags: []string{"quest"}, Offset: 10, Limit: 2})

		assert.Equal(t, []string{"t5", "t4"}, ids(first))
		assert.Equal(t, []string{"t3", "t2"}, ids(second))
		assert.Equal(t, 5, first.Total)
		assert.Empty(t, beyond.Hits)
	})
}

func TestBackend_EmptyQueryReturnsEmptyPage(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		require.NoError(t, b.Upsert(context.Background(), doc("t1", "Raid Guide", 1)))

		page := search(t, b, Query{})

		assert.Empty(t, page.Hits)
		assert.False(t, page.Degraded)
	})
}

func TestBackend_GenerationIsInvisibleUntilActivated(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()

		// Given: a live document that no longer exists at the source
		require.NoError(t, b.Upsert(ctx, doc("ghost", "Old Raid Notes", 1)))

		// When: a generation is built from the source
		gen, err := b.BeginGeneration(ctx)
		require.NoError(t, err)
		assert.Equal(t, b.Kind(), gen.Backend)

		res, err := b.BulkLoad(ctx, gen, []*Document{doc("t1", "Raid Guide", 1), doc("t2", "Raid Tactics", 1)})
		require.NoError(t, err)
		assert.Equal(t, 2, res.Loaded)
		assert.Empty(t, res.Failed)

		// Then: queries still see only the old generation
		assert.Equal(t, []string{"ghost"}, ids(search(t, b, Query{Term: "raid"})))

		// When: it is activated
		require.NoError(t, b.ActivateGeneration(ctx, gen))

		// Then: the new set replaces the old one entirely
		assert.ElementsMatch(t, []string{"t1", "t2"}, ids(search(t, b, Query{Term: "raid"})))
	})
}

func TestBackend_DiscardLeavesLiveUntouched(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		require.NoError(t, b.Upsert(ctx, doc("t1", "Raid Guide", 1)))

		gen, err := b.BeginGeneration(ctx)
		require.NoError(t, err)
		_, err = b.BulkLoad(ctx, gen, []*Document{doc("t9", "Raid Extra", 1)})
		require.NoError(t, err)

		require.NoError(t, b.DiscardGeneration(ctx, gen))

		assert.Equal(t, []string{"t1"}, ids(search(t, b, Query{Term: "raid"})))
		// The handle is gone
		_, err = b.BulkLoad(ctx, gen, nil)
		assert.Equal(t, tserrors.ErrCodeGenerationNotFound, tserrors.GetCode(err))
		assert.Equal(t, tserrors.ErrCodeGenerationNotFound, tserrors.GetCode(b.ActivateGeneration(ctx, gen)))
	})
}

func TestBackend_OneGenerationAtATime(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()

		gen, err := b.BeginGeneration(ctx)
		require.NoError(t, err)
		_, err = b.BeginGeneration(ctx)
		assert.Equal(t, tserrors.ErrCodeReindexInProgress, tserrors.GetCode(err))

		require.NoError(t, b.DiscardGeneration(ctx, gen))
		next, err := b.BeginGeneration(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, gen.ID, next.ID)
	})
}

func TestBackend_WritesDuringBuildSurviveActivation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		require.NoError(t, b.Upsert(ctx, doc("t1", "Raid Guide", 1)))
		require.NoError(t, b.Upsert(ctx, doc("t2", "Raid Tactics", 1)))

		gen, err := b.BeginGeneration(ctx)
		require.NoError(t, err)

		// Given: live traffic updates t1 and unpublishes t2 while the scan runs
		require.NoError(t, b.Upsert(ctx, doc("t1", "Raid Handbook", 2)))
		require.NoError(t, b.Delete(ctx, "t2", 2))

		// When: the scan loads the older snapshot it read before those events
		res, err := b.BulkLoad(ctx, gen, []*Document{doc("t1", "Raid Guide", 1), doc("t2", "Raid Tactics", 1)})
		require.NoError(t, err)
		require.NoError(t, b.ActivateGeneration(ctx, gen))

		// Then: the newer versions win and no ghost appears
		assert.Equal(t, 2, res.Stale)
		page := search(t, b, Query{Term: "raid"})
		require.Equal(t, []string{"t1"}, ids(page))
		assert.Equal(t, "Raid Handbook", page.Hits[0].Title)
	})
}

func TestBackend_TombstoneSurvivesRebuild(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()

		// Given: t1 published at v1 then unpublished at v2, and t2 live
		require.NoError(t, b.Upsert(ctx, doc("t1", "Raid Guide", 1)))
		require.NoError(t, b.Delete(ctx, "t1", 2))
		require.NoError(t, b.Upsert(ctx, doc("t2", "Raid Tactics", 1)))

		// When: a rebuild that only sees t2 is activated
		gen, err := b.BeginGeneration(ctx)
		require.NoError(t, err)
		_, err = b.BulkLoad(ctx, gen, []*Document{doc("t2", "Raid Tactics", 1)})
		require.NoError(t, err)
		require.NoError(t, b.ActivateGeneration(ctx, gen))

		// Then: the v1 publish replayed afterwards is still stale
		err = b.Upsert(ctx, doc("t1", "Raid Guide", 1))
		assert.True(t, tserrors.IsStaleWrite(err))
		assert.Equal(t, []string{"t2"}, ids(search(t, b, Query{Term: "raid"})))

		// And: the tombstone is not counted as a document
		n, err := b.(Counter).Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		// And: a newer publish brings t1 back
		require.NoError(t, b.Upsert(ctx, doc("t1", "Raid Guide", 3)))
		assert.ElementsMatch(t, []string{"t1", "t2"}, ids(search(t, b, Query{Term: "raid"})))
	})
}

func TestBackend_RebuildLoadCannotOverrideCarriedTombstone(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		require.NoError(t, b.Upsert(ctx, doc("t1", "Raid Guide", 1)))
		require.NoError(t, b.Delete(ctx, "t1", 2))

		// Given: a rebuild whose scan read t1 before it was unpublished
		gen, err := b.BeginGeneration(ctx)
		require.NoError(t, err)

		// When: the old snapshot is loaded
		res, err := b.BulkLoad(ctx, gen, []*Document{doc("t1", "Raid Guide", 1)})
		require.NoError(t, err)
		require.NoError(t, b.ActivateGeneration(ctx, gen))

		// Then: the carried tombstone wins
		assert.Equal(t, 1, res.Stale)
		assert.Empty(t, search(t, b, Query{Term: "raid"}).Hits)
	})
}

func TestBackend_NoRepairsWithoutFailures(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		gen, err := b.BeginGeneration(ctx)
		require.NoError(t, err)

		require.NoError(t, b.Upsert(ctx, doc("t1", "Raid Guide", 1)))
		require.NoError(t, b.Delete(ctx, "t1", 2))

		assert.Empty(t, b.BuildRepairs(gen))
		assert.NoError(t, b.ActivateGeneration(ctx, gen))
	})
}

func TestBackend_HealthAndClose(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		assert.Equal(t, HealthAvailable, b.Health(ctx))

		require.NoError(t, b.Close())
		assert.Equal(t, HealthUnavailable, b.Health(ctx))
		assert.NoError(t, b.Close())

		err := b.Upsert(ctx, doc("t1", "Raid Guide", 1))
		assert.True(t, tserrors.IsUnavailable(err))
	})
}

func TestBackend_Count(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		require.NoError(t, b.Upsert(ctx, doc("t1", "Raid Guide", 1)))
		require.NoError(t, b.Upsert(ctx, doc("t2", "Raid Tactics", 1)))
		require.NoError(t, b.Delete(ctx, "t2", 2))

		counter, ok := b.(Counter)
		require.True(t, ok)
		n, err := counter.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestBackend_RejectsDocumentWithoutID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		err := b.Upsert(context.Background(), &Document{Title: "No id", Version: 1})
		assert.True(t, tserrors.IsRejected(err))
		assert.False(t, tserrors.IsRetryable(err))
	})
}

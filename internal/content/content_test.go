package content

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_Version(t *testing.T) {
	ts := time.Unix(100, 5)

	assert.Equal(t, int64(7), (&Record{Revision: 7, ModifiedAt: ts}).Version())
	assert.Equal(t, ts.UnixNano(), (&Record{ModifiedAt: ts}).Version())
	assert.Zero(t, (&Record{}).Version())
}

func TestParseState(t *testing.T) {
	tests := map[string]State{
		"published": State(VisibilityPublished),
		"REVIEW":    State(VisibilityPending),
		"deleted":   StateDeleted,
		" rejected": State(VisibilityRejected),
	}
	for in, want := range tests {
		got, err := ParseState(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseState("hidden")
	assert.Error(t, err)
}

func TestEvent_Validate(t *testing.T) {
	ok := Event{ID: "t1", State: State(VisibilityPublished), Version: 1}
	assert.NoError(t, ok.Validate())
	assert.True(t, ok.Indexed())

	assert.Error(t, Event{State: StateDeleted, Version: 1}.Validate())
	assert.Error(t, Event{ID: "t1", State: StateDeleted}.Validate())
	assert.Error(t, Event{ID: "t1", State: "bogus", Version: 1}.Validate())
	assert.Error(t, Event{ID: "t1", State: State(VisibilityPublished), Version: 1, Record: &Record{ID: "t2"}}.Validate())
	assert.False(t, Event{ID: "t1", State: StateDeleted, Version: 2}.Indexed())
}

func TestMemorySource_ScanPublished(t *testing.T) {
	// Given: published and unpublished records
	src := NewMemorySource(
		&Record{ID: "a", Visibility: VisibilityPublished},
		&Record{ID: "b", Visibility: VisibilityDraft},
		&Record{ID: "c", Visibility: VisibilityPublished},
		&Record{ID: "d", Visibility: VisibilityPublished},
	)
	ctx := context.Background()

	// When: scanning two at a time
	page1, next, err := src.ScanPublished(ctx, "", 2)
	require.NoError(t, err)
	page2, end, err := src.ScanPublished(ctx, next, 2)
	require.NoError(t, err)

	// Then: only published records appear, in identifier order
	require.Len(t, page1, 2)
	assert.Equal(t, "a", page1[0].ID)
	assert.Equal(t, "c", page1[1].ID)
	require.Len(t, page2, 1)
	assert.Equal(t, "d", page2[0].ID)
	assert.Empty(t, end)
}

func TestMemorySource_GetReturnsCopy(t *testing.T) {
	src := NewMemorySource(&Record{ID: "a", Title: "A"})

	rec, err := src.Get(context.Background(), "a")
	require.NoError(t, err)
	rec.Title = "changed"

	again, err := src.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "A", again.Title)

	src.Remove("a")
	_, err = src.Get(context.Background(), "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

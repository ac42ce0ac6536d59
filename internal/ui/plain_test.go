package ui

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Aman-CERP/tutosearch/internal/async"
)

func running(stage async.Stage, batches, scanned, loaded, failed int) async.ProgressSnapshot {
	return async.ProgressSnapshot{
		Status:     string(async.StatusRunning),
		Stage:      string(stage),
		Generation: "g1",
		Batches:    batches,
		Scanned:    scanned,
		Loaded:     loaded,
		Failed:     failed,
	}
}

func TestPlainRenderer_Update_OneLinePerBatch(t *testing.T) {
	// Given: a plain renderer
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	// When: the same batch is observed twice, then a new one
	r.Update(running(async.StageScanning, 1, 10, 10, 0))
	r.Update(running(async.StageScanning, 1, 10, 10, 0))
	r.Update(running(async.StageScanning, 2, 20, 19, 1))

	// Then: a header and one line per batch are printed
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, []string{
		"Reindexing into generation g1",
		"[SCAN] batch 1: 10 scanned, 10 loaded, 0 failed",
		"[SCAN] batch 2: 20 scanned, 19 loaded, 1 failed",
	}, lines)
}

func TestPlainRenderer_Update_StageChange(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	r.Update(running(async.StageScanning, 3, 30, 28, 2))
	r.Update(running(async.StageRetrying, 3, 30, 28, 2))

	assert.Contains(t, buf.String(), "[RETRY] batch 3")
}

func TestPlainRenderer_Update_IgnoresIdle(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	r.Update(async.ProgressSnapshot{Status: string(async.StatusIdle)})

	assert.Empty(t, buf.String())
}

func TestPlainRenderer_Complete(t *testing.T) {
	// Given: an aborted rebuild with many failures
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))
	ids := make([]string, 12)
	for i := range ids {
		ids[i] = fmt.Sprintf("t%02d", i)
	}

	// When: completing
	r.Complete(Summary{
		Status:     string(async.StatusAborted),
		Generation: "g9",
		Scanned:    100,
		Loaded:     88,
		Failed:     12,
		Threshold:  0.05,
		FailedIDs:  ids,
		Duration:   2340 * time.Millisecond,
		Err:        "reindex aborted",
	})

	// Then: the outcome, rate and a capped id list are shown without ANSI codes
	out := buf.String()
	assert.Contains(t, out, "Aborted: 88 loaded, 12 failed of 100 scanned (12.0% failed, threshold 5.0%) in 2.3s")
	assert.Contains(t, out, "Generation: g9")
	assert.Contains(t, out, "t09 (+2 more)")
	assert.NotContains(t, out, "t10")
	assert.Contains(t, out, "Error: reindex aborted")
	assert.NotContains(t, out, "\x1b[")
}

func TestPlainRenderer_Complete_ShowsRepairs(t *testing.T) {
	// Given: an activated rebuild that had to rewrite two identifiers
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	// When: completing
	r.Complete(Summary{Status: string(async.StatusActivated), Scanned: 10, Loaded: 10, Repaired: 2})

	// Then: the repairs are listed
	assert.Contains(t, buf.String(), "Repaired before activation: 2")
}

func TestPlainRenderer_Complete_EmptyStatus(t *testing.T) {
	buf := &bytes.Buffer{}
	NewPlainRenderer(NewConfig(buf)).Complete(Summary{})

	assert.Contains(t, buf.String(), "Finished: 0 loaded, 0 failed of 0 scanned")
}

func TestLiveRenderer_RedrawsInPlace(t *testing.T) {
	// Given: a live renderer without color
	buf := &bytes.Buffer{}
	r := NewLiveRenderer(NewConfig(buf, WithNoColor(true)))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	// When: two updates and completion
	r.Update(running(async.StageScanning, 1, 10, 10, 0))
	now = now.Add(time.Second)
	r.Update(running(async.StageScanning, 2, 20, 18, 2))
	r.Complete(Summary{Status: string(async.StatusActivated), Scanned: 20, Loaded: 18, Failed: 2})

	// Then: updates share one line and the summary follows on its own
	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, "\r"))
	assert.Contains(t, out, "18/20 loaded")
	assert.Contains(t, out, "2 failed (10.0%)")
	assert.Contains(t, out, "8 docs/s")
	assert.Contains(t, out, "Activated: 18 loaded")
}

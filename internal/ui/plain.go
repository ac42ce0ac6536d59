package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Aman-CERP/tutosearch/internal/async"
)

// maxListedFailures caps the failed ids printed in a summary.
const maxListedFailures = 10

// PlainRenderer prints one line per observed batch or stage change (for CI/pipes).
type PlainRenderer struct {
	mu      sync.Mutex
	out     io.Writer
	stage   string
	batches int
	started bool
}

// NewPlainRenderer creates a plain text renderer.
func NewPlainRenderer(cfg Config) *PlainRenderer {
	return &PlainRenderer{out: cfg.Output}
}

// Update implements Renderer. Snapshots that add nothing new print nothing.
func (r *PlainRenderer) Update(snap async.ProgressSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if snap.Status != string(async.StatusRunning) {
		return
	}
	if !r.started {
		r.started = true
		_, _ = fmt.Fprintf(r.out, "Reindexing into generation %s\n", snap.Generation)
	}
	if snap.Stage == r.stage && snap.Batches == r.batches {
		return
	}
	r.stage = snap.Stage
	r.batches = snap.Batches

	_, _ = fmt.Fprintf(r.out, "[%s] batch %d: %d scanned, %d loaded, %d failed\n",
		StageIcon(snap.Stage), snap.Batches, snap.Scanned, snap.Loaded, snap.Failed)
}

// Complete implements Renderer.
func (r *PlainRenderer) Complete(s Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	writeSummary(r.out, s, NoColorStyles())
}

// writeSummary prints the outcome block shared by both renderers.
func writeSummary(out io.Writer, s Summary, styles Styles) {
	word := "Finished"
	if s.Status != "" {
		word = strings.ToUpper(s.Status[:1]) + s.Status[1:]
	}
	line := fmt.Sprintf("%s: %d loaded, %d failed of %d scanned",
		word, s.Loaded, s.Failed, s.Scanned)
	if s.Scanned > 0 {
		line += fmt.Sprintf(" (%.1f%% failed", 100*float64(s.Failed)/float64(s.Scanned))
		if s.Threshold > 0 {
			line += fmt.Sprintf(", threshold %.1f%%", 100*s.Threshold)
		}
		line += ")"
	}
	if s.Duration > 0 {
		line += " in " + s.Duration.Round(100*time.Millisecond).String()
	}
	_, _ = fmt.Fprintln(out, styles.statusStyle(s.Status).Render(line))

	if s.Generation != "" {
		_, _ = fmt.Fprintf(out, "  %s %s\n", styles.Label.Render("Generation:"), s.Generation)
	}
	if s.Recovered > 0 {
		_, _ = fmt.Fprintf(out, "  %s %d\n", styles.Label.Render("Recovered on retry:"), s.Recovered)
	}
	if s.Repaired > 0 {
		_, _ = fmt.Fprintf(out, "  %s %d\n", styles.Label.Render("Repaired before activation:"), s.Repaired)
	}
	if len(s.FailedIDs) > 0 {
		shown := s.FailedIDs[:min(len(s.FailedIDs), maxListedFailures)]
		more := ""
		if extra := len(s.FailedIDs) - len(shown); extra > 0 {
			more = fmt.Sprintf(" (+%d more)", extra)
		}
		_, _ = fmt.Fprintf(out, "  %s %s%s\n", styles.Label.Render("Failed:"), strings.Join(shown, ", "), more)
	}
	if s.Err != "" {
		_, _ = fmt.Fprintf(out, "  %s %s\n", styles.Error.Render("Error:"), s.Err)
	}
}

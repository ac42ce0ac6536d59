package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Aman-CERP/tutosearch/internal/async"
)

const sparklineWidth = 20

// LiveRenderer redraws a single status line in place for interactive terminals.
type LiveRenderer struct {
	mu       sync.Mutex
	out      io.Writer
	styles   Styles
	tracker  *ThroughputTracker
	now      func() time.Time
	drawn    bool
	lastLine int
}

// NewLiveRenderer creates an in-place renderer.
func NewLiveRenderer(cfg Config) *LiveRenderer {
	noColor := cfg.NoColor || DetectNoColor()
	return &LiveRenderer{
		out:     cfg.Output,
		styles:  GetStyles(noColor),
		tracker: NewThroughputTracker(sparklineWidth),
		now:     time.Now,
	}
}

// Update implements Renderer.
func (r *LiveRenderer) Update(snap async.ProgressSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if snap.Status != string(async.StatusRunning) {
		return
	}
	r.tracker.Observe(snap, r.now())
	line := r.line(snap)

	// Pad over the remains of a longer previous line
	pad := max(0, r.lastLine-len(line))
	_, _ = fmt.Fprintf(r.out, "\r%s%s", line, strings.Repeat(" ", pad))
	r.lastLine = len(line)
	r.drawn = true
}

func (r *LiveRenderer) line(snap async.ProgressSnapshot) string {
	speed := r.tracker.Speed()
	rate := FailureRate(snap)

	failed := r.styles.Label.Render(fmt.Sprintf("%d failed", snap.Failed))
	if snap.Failed > 0 {
		failed = r.styles.Warning.Render(fmt.Sprintf("%d failed (%.1f%%)", snap.Failed, 100*rate))
	}

	return fmt.Sprintf("%s %s %s loaded %s %s %s",
		r.styles.Stage.Render(fmt.Sprintf("%-5s", StageIcon(snap.Stage))),
		r.styles.Sparkline.Render(r.tracker.RenderSparkline(sparklineWidth)),
		r.styles.Header.Render(fmt.Sprintf("%d/%d", snap.Loaded, snap.Scanned)),
		failed,
		r.styles.Label.Render(fmt.Sprintf("%.0f docs/s", speed.Avg)),
		r.styles.Dim.Render(fmt.Sprintf("%ds", snap.ElapsedSeconds)),
	)
}

// Complete implements Renderer.
func (r *LiveRenderer) Complete(s Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.drawn {
		_, _ = fmt.Fprintln(r.out)
	}
	var sb strings.Builder
	writeSummary(&sb, s, r.styles)
	_, _ = fmt.Fprintln(r.out, r.styles.Panel.Render(strings.TrimRight(sb.String(), "\n")))
}

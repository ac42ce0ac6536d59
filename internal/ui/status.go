package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/Aman-CERP/tutosearch/internal/async"
	"github.com/Aman-CERP/tutosearch/internal/status"
)

// StatusInfo is a health report plus the daemon process details.
type StatusInfo struct {
	status.Status
	PID    int    `json:"pid,omitempty"`
	Uptime string `json:"uptime,omitempty"`
}

// StatusRenderer displays index health.
type StatusRenderer struct {
	out    io.Writer
	styles Styles
	now    func() time.Time
}

// NewStatusRenderer creates a status renderer.
func NewStatusRenderer(out io.Writer, noColor bool) *StatusRenderer {
	return &StatusRenderer{
		out:    out,
		styles: GetStyles(noColor),
		now:    time.Now,
	}
}

// Render displays status info to terminal.
func (r *StatusRenderer) Render(info StatusInfo) error {
	st := info.Status
	_, _ = fmt.Fprintf(r.out, "%s\n\n", r.styles.Header.Render("Search Index Status"))

	r.field("Backend", string(st.Backend))
	r.field("Health", r.styled(string(st.Health)))
	if st.Breaker != "" {
		r.field("Breaker", r.styled(st.Breaker))
	}
	if st.Documents != nil {
		r.field("Documents", fmt.Sprintf("%d", *st.Documents))
	}
	if info.PID > 0 {
		r.field("Daemon", fmt.Sprintf("pid %d, up %s", info.PID, info.Uptime))
	}
	_, _ = fmt.Fprintln(r.out)

	// Sync
	if st.LastSync.IsZero() {
		r.field("Last sync", r.styles.Dim.Render("never"))
	} else {
		r.field("Last sync", formatTime(st.LastSync, r.now()))
	}
	gaps := fmt.Sprintf("%d", st.Gaps)
	if st.Gaps > 0 {
		gaps = r.styles.Warning.Render(gaps + " (run a reindex to reconcile)")
	}
	if st.GapsError != "" {
		gaps = r.styles.Error.Render("unknown: " + st.GapsError)
	}
	r.field("Gaps", gaps)
	if st.Events != nil {
		r.field("Events", fmt.Sprintf("%d acked, %d pending, %d invalid",
			st.Events.Acked, st.Events.Pending, st.Events.Invalid))
	}
	_, _ = fmt.Fprintln(r.out)

	r.renderReindex(st.Reindex)

	if st.Queries != nil && st.Queries.TotalQueries > 0 {
		_, _ = fmt.Fprintln(r.out)
		r.field("Queries", fmt.Sprintf("%d since start", st.Queries.TotalQueries))
	}
	return nil
}

func (r *StatusRenderer) renderReindex(p async.ProgressSnapshot) {
	r.field("Reindex", r.styled(p.Status))
	if p.Status == string(async.StatusIdle) || p.Status == "" {
		return
	}
	if p.Generation != "" {
		r.field("  Generation", p.Generation)
	}
	if p.Stage != "" {
		r.field("  Stage", p.Stage)
	}
	r.field("  Progress", fmt.Sprintf("%d loaded, %d failed of %d scanned in %d batches",
		p.Loaded, p.Failed, p.Scanned, p.Batches))
	if !p.FinishedAt.IsZero() {
		r.field("  Finished", formatTime(p.FinishedAt, r.now()))
	}
	if p.ErrorMessage != "" {
		r.field("  Error", r.styles.Error.Render(p.ErrorMessage))
	}
}

func (r *StatusRenderer) field(label, value string) {
	_, _ = fmt.Fprintf(r.out, "  %s %s\n", r.styles.Label.Render(fmt.Sprintf("%-13s", label+":")), value)
}

func (r *StatusRenderer) styled(word string) string {
	return r.styles.statusStyle(word).Render(word)
}

// RenderJSON outputs status as JSON.
func (r *StatusRenderer) RenderJSON(info StatusInfo) error {
	encoder := json.NewEncoder(r.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(info)
}

// formatTime formats a time relative to now for display.
func formatTime(t, now time.Time) string {
	diff := now.Sub(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	default:
		return t.Format("2006-01-02 15:04")
	}
}

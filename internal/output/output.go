// Package output provides consistent CLI output formatting: status lines,
// search result pages and progress bars.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/Aman-CERP/tutosearch/internal/store"
)

// Writer provides formatted output for CLI.
type Writer struct {
	out io.Writer
}

// New creates a new output Writer.
func New(out io.Writer) *Writer {
	return &Writer{out: out}
}

// Status prints a status message with an icon.
// Errors from writing are intentionally ignored for console output.
func (w *Writer) Status(icon, msg string) {
	if icon != "" {
		_, _ = fmt.Fprintf(w.out, "%s %s\n", icon, msg)
	} else {
		_, _ = fmt.Fprintf(w.out, "   %s\n", msg)
	}
}

// Statusf prints a formatted status message with an icon.
func (w *Writer) Statusf(icon, format string, args ...any) {
	w.Status(icon, fmt.Sprintf(format, args...))
}

// Success prints a success message with checkmark.
func (w *Writer) Success(msg string) {
	w.Status("✅", msg)
}

// Successf prints a formatted success message.
func (w *Writer) Successf(format string, args ...any) {
	w.Success(fmt.Sprintf(format, args...))
}

// Warning prints a warning message.
func (w *Writer) Warning(msg string) {
	w.Status("⚠️ ", msg)
}

// Warningf prints a formatted warning message.
func (w *Writer) Warningf(format string, args ...any) {
	w.Warning(fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (w *Writer) Error(msg string) {
	w.Status("❌", msg)
}

// Errorf prints a formatted error message.
func (w *Writer) Errorf(format string, args ...any) {
	w.Error(fmt.Sprintf(format, args...))
}

// Code prints a block with indentation.
func (w *Writer) Code(content string) {
	_, _ = fmt.Fprintln(w.out)
	for _, line := range strings.Split(content, "\n") {
		_, _ = fmt.Fprintf(w.out, "  %s\n", line)
	}
	_, _ = fmt.Fprintln(w.out)
}

// Newline prints an empty line.
func (w *Writer) Newline() {
	_, _ = fmt.Fprintln(w.out)
}

// JSON prints v as indented JSON.
func (w *Writer) JSON(v any) error {
	enc := json.NewEncoder(w.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Page prints one page of search results. A degraded page is reported as
// a warning instead of "no results".
func (w *Writer) Page(term string, page *store.ResultPage) {
	if page.Degraded {
		w.Warningf("Search is degraded (%s); results may be missing", page.DegradedReason)
		return
	}
	if len(page.Hits) == 0 {
		w.Statusf("🔍", "No results for %q", term)
		return
	}

	total := fmt.Sprintf("%d", page.Total)
	if !page.TotalExact {
		total = "about " + total
	}
	w.Statusf("🔍", "%s results, showing %d-%d",
		total, page.Offset+1, page.Offset+len(page.Hits))
	w.Newline()

	for i, hit := range page.Hits {
		_, _ = fmt.Fprintf(w.out, "%3d. %s", page.Offset+i+1, hit.Title)
		if hit.Slug != "" {
			_, _ = fmt.Fprintf(w.out, "  /%s", hit.Slug)
		}
		_, _ = fmt.Fprintf(w.out, "  (%.2f)\n", hit.Score)
		if hit.Snippet != "" {
			_, _ = fmt.Fprintf(w.out, "     %s\n", oneLine(hit.Snippet))
		}
	}

	if next := page.Offset + len(page.Hits); next < page.Total {
		w.Newline()
		w.Statusf("", "More results: --offset %d", next)
	}
}

// oneLine collapses whitespace so snippets stay on a single line.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Progress prints a progress bar with message.
func (w *Writer) Progress(current, total int, msg string) {
	if total <= 0 {
		return
	}

	pct := float64(current) / float64(total) * 100
	bar := renderProgressBar(current, total, 30)

	// Carriage return for in-place updates
	_, _ = fmt.Fprintf(w.out, "\r[%s] %.0f%% %s", bar, pct, msg)

	if current >= total {
		_, _ = fmt.Fprintln(w.out)
	}
}

// renderProgressBar creates a text progress bar.
func renderProgressBar(current, total, width int) string {
	if total <= 0 {
		return strings.Repeat("░", width)
	}

	filled := int(float64(current) / float64(total) * float64(width))
	filled = max(0, min(filled, width))

	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

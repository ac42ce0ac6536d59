// Package ui provides terminal components for reindex progress and daemon status.
package ui

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/Aman-CERP/tutosearch/internal/async"
	tserrors "github.com/Aman-CERP/tutosearch/internal/errors"
	"github.com/Aman-CERP/tutosearch/internal/index"
)

// StageIcon returns the short stage tag for plain text output.
func StageIcon(stage string) string {
	switch async.Stage(stage) {
	case async.StageScanning:
		return "SCAN"
	case async.StageRetrying:
		return "RETRY"
	case async.StageActivating:
		return "SWAP"
	case "":
		return "DONE"
	default:
		return "???"
	}
}

// Summary is the final outcome of a rebuild, built from a report when the
// rebuild ran in-process or from the last snapshot when it ran in the daemon.
type Summary struct {
	Status     string
	Generation string
	Scanned    int
	Loaded     int
	Failed     int
	Recovered  int
	Repaired   int
	Threshold  float64
	FailedIDs  []string
	Duration   time.Duration
	Err        string
}

// SummaryFromReport builds a summary from a finished rebuild.
func SummaryFromReport(r *index.ReindexReport, err error) Summary {
	s := Summary{Status: string(async.StatusActivated)}
	switch {
	case err == nil:
	case tserrors.GetCode(err) == tserrors.ErrCodeReindexAborted:
		s.Status = string(async.StatusAborted)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.Status = string(async.StatusCanceled)
	default:
		s.Status = string(async.StatusFailed)
	}
	if err != nil {
		s.Err = err.Error()
	}
	if r == nil {
		return s
	}
	if !r.Activated && err == nil {
		s.Status = string(async.StatusFailed)
	}
	s.Generation = r.Generation
	s.Scanned = r.Scanned
	s.Loaded = r.Loaded
	s.Failed = r.Failed
	s.Recovered = r.Recovered
	s.Repaired = r.Repaired
	s.Threshold = r.Threshold
	s.FailedIDs = r.FailedIDs
	s.Duration = r.Duration
	return s
}

// SummaryFromSnapshot builds a summary from the final progress snapshot.
func SummaryFromSnapshot(p async.ProgressSnapshot) Summary {
	return Summary{
		Status:     p.Status,
		Generation: p.Generation,
		Scanned:    p.Scanned,
		Loaded:     p.Loaded,
		Failed:     p.Failed,
		Duration:   time.Duration(p.ElapsedSeconds) * time.Second,
		Err:        p.ErrorMessage,
	}
}

// Succeeded reports whether the rebuild went live.
func (s Summary) Succeeded() bool {
	return s.Status == string(async.StatusActivated)
}

// Renderer displays reindex progress.
type Renderer interface {
	// Update shows the latest progress snapshot.
	Update(snap async.ProgressSnapshot)

	// Complete shows the final outcome.
	Complete(s Summary)
}

// Config configures the UI renderer.
type Config struct {
	Output     io.Writer
	ForcePlain bool
	NoColor    bool
}

// ConfigOption is a function that modifies Config.
type ConfigOption func(*Config)

// WithForcePlain forces plain text output.
func WithForcePlain(force bool) ConfigOption {
	return func(c *Config) {
		c.ForcePlain = force
	}
}

// WithNoColor disables color output.
func WithNoColor(noColor bool) ConfigOption {
	return func(c *Config) {
		c.NoColor = noColor
	}
}

// NewConfig creates a new Config with the given output and options.
func NewConfig(output io.Writer, opts ...ConfigOption) Config {
	cfg := Config{Output: output}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// NewRenderer returns a live single-line renderer for interactive terminals
// and a plain line-per-batch renderer for CI, pipes or --plain.
func NewRenderer(cfg Config) Renderer {
	if cfg.ForcePlain || !IsTTY(cfg.Output) || DetectCI() {
		return NewPlainRenderer(cfg)
	}
	return NewLiveRenderer(cfg)
}

// IsTTY checks if output is a terminal.
func IsTTY(w io.Writer) bool {
	if w == nil {
		return false
	}
	if f, ok := w.(*os.File); ok {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return false
}

// DetectNoColor checks if NO_COLOR environment variable is set.
func DetectNoColor() bool {
	_, exists := os.LookupEnv("NO_COLOR")
	return exists
}

// DetectCI checks if running in a CI environment.
func DetectCI() bool {
	ciVars := []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "TRAVIS"}
	for _, v := range ciVars {
		if _, exists := os.LookupEnv(v); exists {
			return true
		}
	}
	return false
}

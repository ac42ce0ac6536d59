// Package async tracks and runs background reindexes.
package async

import (
	"sync"
	"time"
)

// RunStatus represents the state of the most recent reindex run.
type RunStatus string

const (
	// StatusIdle indicates no reindex has run since startup.
	StatusIdle RunStatus = "idle"
	// StatusRunning indicates a reindex is in progress.
	StatusRunning RunStatus = "running"
	// StatusActivated indicates the last run swapped in its generation.
	StatusActivated RunStatus = "activated"
	// StatusAborted indicates the last run exceeded the failure threshold.
	StatusAborted RunStatus = "aborted"
	// StatusCanceled indicates the last run was cancelled between batches.
	StatusCanceled RunStatus = "canceled"
	// StatusFailed indicates the last run failed for another reason.
	StatusFailed RunStatus = "failed"
)

// Stage represents the current step of a running reindex.
type Stage string

const (
	StageScanning   Stage = "scanning"
	StageRetrying   Stage = "retrying"
	StageActivating Stage = "activating"
)

// ProgressSnapshot is an immutable snapshot of reindex progress.
type ProgressSnapshot struct {
	Status         string    `json:"status"`
	Stage          string    `json:"stage,omitempty"`
	Generation     string    `json:"generation,omitempty"`
	Scanned        int       `json:"scanned"`
	Loaded         int       `json:"loaded"`
	Failed         int       `json:"failed"`
	Batches        int       `json:"batches"`
	StartedAt      time.Time `json:"started_at,omitzero"`
	FinishedAt     time.Time `json:"finished_at,omitzero"`
	ElapsedSeconds int       `json:"elapsed_seconds"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// Progress provides thread-safe tracking of reindex progress. It outlives
// individual runs so the status report can show the last outcome.
type Progress struct {
	mu sync.RWMutex

	status     RunStatus
	stage      Stage
	generation string
	scanned    int
	loaded     int
	failed     int
	batches    int
	startTime  time.Time
	finishTime time.Time
	errMessage string
}

// NewProgress creates an idle tracker.
func NewProgress() *Progress {
	return &Progress{status: StatusIdle}
}

// Begin resets the counters for a new run.
func (p *Progress) Begin(generation string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status = StatusRunning
	p.stage = StageScanning
	p.generation = generation
	p.scanned, p.loaded, p.failed, p.batches = 0, 0, 0, 0
	p.startTime = time.Now()
	p.finishTime = time.Time{}
	p.errMessage = ""
}

// SetStage updates the current stage.
func (p *Progress) SetStage(stage Stage) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stage = stage
}

// AddBatch accumulates one loaded batch.
func (p *Progress) AddBatch(scanned, loaded, failed int) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.batches++
	p.scanned += scanned
	p.loaded += loaded
	p.failed += failed
}

// Recovered moves n identifiers from failed to loaded after a retry pass.
func (p *Progress) Recovered(n int) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failed -= n
	p.loaded += n
}

// Finish records the run's terminal status.
func (p *Progress) Finish(status RunStatus, err error) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status = status
	p.stage = ""
	p.finishTime = time.Now()
	if err != nil {
		p.errMessage = err.Error()
	}
}

// IsRunning reports whether a run is in progress.
func (p *Progress) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status == StatusRunning
}

// Snapshot returns an immutable copy of the current progress state.
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snap := ProgressSnapshot{
		Status:       string(p.status),
		Stage:        string(p.stage),
		Generation:   p.generation,
		Scanned:      p.scanned,
		Loaded:       p.loaded,
		Failed:       p.failed,
		Batches:      p.batches,
		StartedAt:    p.startTime,
		FinishedAt:   p.finishTime,
		ErrorMessage: p.errMessage,
	}
	switch {
	case p.startTime.IsZero():
	case p.finishTime.IsZero():
		snap.ElapsedSeconds = int(time.Since(p.startTime).Seconds())
	default:
		snap.ElapsedSeconds = int(p.finishTime.Sub(p.startTime).Seconds())
	}
	return snap
}

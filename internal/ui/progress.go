package ui

import (
	"sync"
	"time"

	"github.com/Aman-CERP/tutosearch/internal/async"
)

// ThroughputTracker derives load speed from successive progress snapshots.
// It is safe for concurrent use.
type ThroughputTracker struct {
	mu sync.RWMutex

	generation string
	stage      string

	lastLoaded    int
	lastSpeedCalc time.Time
	currentSpeed  float64
	avgSpeed      float64
	peakSpeed     float64
	speedSamples  int
	sparkline     *Sparkline

	// minInterval keeps bursty batches from producing noisy samples
	minInterval time.Duration
}

// SpeedStats contains speed metrics in documents per second.
type SpeedStats struct {
	Current float64
	Avg     float64
	Peak    float64
}

// NewThroughputTracker creates a tracker with a sparkline of width samples.
func NewThroughputTracker(width int) *ThroughputTracker {
	return &ThroughputTracker{
		sparkline:   NewSparkline(width),
		minInterval: 500 * time.Millisecond,
	}
}

// Observe records a snapshot taken at now. A new generation or stage resets
// the speed statistics.
func (t *ThroughputTracker) Observe(snap async.ProgressSnapshot, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if snap.Generation != t.generation || snap.Stage != t.stage {
		t.generation = snap.Generation
		t.stage = snap.Stage
		t.lastLoaded = snap.Loaded
		t.lastSpeedCalc = now
		t.currentSpeed = 0
		t.avgSpeed = 0
		t.peakSpeed = 0
		t.speedSamples = 0
		t.sparkline.Clear()
		return
	}

	elapsed := now.Sub(t.lastSpeedCalc)
	if elapsed < t.minInterval {
		return
	}

	delta := snap.Loaded - t.lastLoaded
	if delta > 0 {
		speed := float64(delta) / elapsed.Seconds()
		t.currentSpeed = speed

		// Exponential smoothing, 0.2 keeps the average responsive but stable
		t.speedSamples++
		if t.speedSamples == 1 {
			t.avgSpeed = speed
		} else {
			t.avgSpeed = 0.2*speed + 0.8*t.avgSpeed
		}
		if speed > t.peakSpeed {
			t.peakSpeed = speed
		}
		t.sparkline.Add(speed)
	} else {
		t.currentSpeed = 0
	}

	t.lastLoaded = snap.Loaded
	t.lastSpeedCalc = now
}

// Speed returns current speed statistics.
func (t *ThroughputTracker) Speed() SpeedStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return SpeedStats{
		Current: t.currentSpeed,
		Avg:     t.avgSpeed,
		Peak:    t.peakSpeed,
	}
}

// RenderSparkline returns the throughput history, newest on the right.
func (t *ThroughputTracker) RenderSparkline(width int) string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if width <= 0 {
		return t.sparkline.Render()
	}
	return t.sparkline.RenderWithWidth(width)
}

// FailureRate returns failed/scanned for a snapshot, or 0 before anything was scanned.
func FailureRate(snap async.ProgressSnapshot) float64 {
	if snap.Scanned == 0 {
		return 0
	}
	return float64(snap.Failed) / float64(snap.Scanned)
}

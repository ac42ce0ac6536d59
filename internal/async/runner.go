package async

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyRunning is returned by Start while a run is in progress.
var ErrAlreadyRunning = errors.New("a background run is already in progress")

// RunFunc is the work executed by a BackgroundRunner.
type RunFunc func(ctx context.Context) error

// BackgroundRunner runs one job at a time in a background goroutine, so an
// HTTP or RPC trigger can return immediately while the work continues.
type BackgroundRunner struct {
	fn RunFunc

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// NewBackgroundRunner creates a runner for fn.
func NewBackgroundRunner(fn RunFunc) *BackgroundRunner {
	done := make(chan struct{})
	close(done)
	return &BackgroundRunner{fn: fn, done: done}
}

// IsRunning returns true if a run is in progress.
func (b *BackgroundRunner) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Start begins a run detached from the caller's cancellation. It returns
// ErrAlreadyRunning instead of queueing a second run.
func (b *BackgroundRunner) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.running = true
	b.cancel = cancel
	b.err = nil
	b.done = make(chan struct{})

	go b.run(runCtx, b.done)
	return nil
}

func (b *BackgroundRunner) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	err := b.fn(ctx)

	b.mu.Lock()
	b.running = false
	b.err = err
	b.cancel()
	b.mu.Unlock()
}

// Stop cancels the current run and waits for it to return.
func (b *BackgroundRunner) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-done
}

// Wait blocks until the current run completes and returns its error.
func (b *BackgroundRunner) Wait() error {
	b.mu.Lock()
	done := b.done
	b.mu.Unlock()

	<-done
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

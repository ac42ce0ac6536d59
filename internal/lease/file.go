package lease

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// FileLocker implements Locker with an advisory file lock. The operating
// system drops the lock when the holding process dies, which stands in for
// lease expiry; the TTL is not enforced.
type FileLocker struct {
	path string
}

// NewFileLocker creates a locker on path. Parent directories are created on Acquire.
func NewFileLocker(path string) *FileLocker {
	return &FileLocker{path: path}
}

// Path returns the lock file path.
func (l *FileLocker) Path() string {
	return l.path
}

// Acquire implements Locker.
func (l *FileLocker) Acquire(ctx context.Context, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	fl := flock.New(l.path)
	acquired, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return nil, ErrHeld
	}

	token := uuid.NewString()
	// The holder record is informational; the lock itself is the flock
	_ = os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())+" "+token+"\n"), 0o644)

	return &fileLease{flock: fl, token: token}, nil
}

type fileLease struct {
	flock *flock.Flock
	token string
}

func (f *fileLease) Token() string { return f.token }

func (f *fileLease) Refresh(ctx context.Context) error {
	if !f.flock.Locked() {
		return ErrLost
	}
	return nil
}

func (f *fileLease) Release(ctx context.Context) error {
	if !f.flock.Locked() {
		return nil
	}
	if err := f.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

var _ Locker = (*FileLocker)(nil)

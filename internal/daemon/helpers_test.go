package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/tutosearch/internal/async"
	"github.com/Aman-CERP/tutosearch/internal/status"
	"github.com/Aman-CERP/tutosearch/internal/store"
)

// fakeHandler is a RequestHandler with canned answers. It records the last
// query so transport tests can check what reached the handler.
type fakeHandler struct {
	mu        sync.Mutex
	lastQuery store.Query
	page      *store.ResultPage
	searchErr error
	status    status.Status
	reindex   func(ctx context.Context, wait bool) (*ReindexResult, error)
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		page: &store.ResultPage{
			Hits:       []store.Hit{{ID: "t1", Title: "Raid Guide", Slug: "raid-guide", Score: 1.5}},
			Total:      1,
			TotalExact: true,
			Limit:      20,
		},
		status: status.Status{
			Backend: store.KindRelational,
			Health:  store.HealthAvailable,
			Gaps:    2,
			Reindex: async.ProgressSnapshot{Status: string(async.StatusIdle)},
		},
	}
}

func (f *fakeHandler) Search(_ context.Context, q store.Query) (*store.ResultPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = q
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.page, nil
}

func (f *fakeHandler) Status(context.Context) status.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeHandler) Reindex(ctx context.Context, wait bool) (*ReindexResult, error) {
	if f.reindex != nil {
		return f.reindex(ctx, wait)
	}
	return &ReindexResult{Started: true}, nil
}

func (f *fakeHandler) query() store.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastQuery
}

// testSocketPath creates a unique socket path that's short enough for Unix sockets.
func testSocketPath(t *testing.T) string {
	t.Helper()
	socketPath := filepath.Join("/tmp", fmt.Sprintf("tutosearch-test-%d.sock", time.Now().UnixNano()))
	t.Cleanup(func() { _ = os.Remove(socketPath) })
	return socketPath
}

// startServer runs a socket server for h until the test ends and returns a
// client connected to it.
func startServer(t *testing.T, h RequestHandler) (*Server, *Client) {
	t.Helper()
	socketPath := testSocketPath(t)
	srv := NewServer(socketPath, h, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})

	client := NewClient(Config{SocketPath: socketPath, Timeout: 5 * time.Second})
	require.Eventually(t, client.IsRunning, 2*time.Second, 10*time.Millisecond, "server did not start")
	return srv, client
}

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/tutosearch/internal/content"
)

// envVars lists every variable config.Load reads, cleared so the host
// environment cannot leak into a test.
var envVars = []string{
	"TUTOSEARCH_BACKEND", "SEARCH_BACKEND", "TUTOSEARCH_DATA_DIR",
	"TUTOSEARCH_MEILI_URL", "MEILI_URL", "TUTOSEARCH_MEILI_API_KEY", "MEILI_MASTER_KEY",
	"TUTOSEARCH_MEILI_INDEX", "TUTOSEARCH_DATABASE_URL", "DATABASE_URL",
	"TUTOSEARCH_REDIS_URL", "REDIS_URL", "TUTOSEARCH_EVENTS_ENABLED",
	"TUTOSEARCH_MAX_PAGE_SIZE", "TUTOSEARCH_REINDEX_SCHEDULE", "TUTOSEARCH_HTTP_ADDR",
	"TUTOSEARCH_LOG_LEVEL",
}

// testEnv is an isolated data directory with its own configuration file.
type testEnv struct {
	dir        string
	configPath string
	seedPath   string
}

// newTestEnv creates a relational-backend setup under a short temp path,
// keeping the Unix socket path within the platform limit.
func newTestEnv(t *testing.T, extraYAML string) *testEnv {
	t.Helper()

	for _, k := range envVars {
		t.Setenv(k, "")
	}
	dir, err := os.MkdirTemp("", "tscli")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))

	cfg := fmt.Sprintf(`backend:
  kind: relational
  data_dir: %[1]s
server:
  socket_path: %[1]s/d.sock
  pid_path: %[1]s/d.pid
  http_addr: 127.0.0.1:0
reindex:
  lock_path: %[1]s/reindex.lock
%[2]s`, dir, extraYAML)

	env := &testEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "tutosearch.yaml"),
		seedPath:   filepath.Join(dir, "seed.json"),
	}
	require.NoError(t, os.WriteFile(env.configPath, []byte(cfg), 0o600))
	writeSeed(t, env.seedPath, sampleRecords())
	return env
}

// run executes the root command with the environment's config.
func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return e.runContext(context.Background(), args...)
}

func (e *testEnv) runContext(ctx context.Context, args ...string) (string, error) {
	cmd := NewRootCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.ExecuteContext(ctx)
	return buf.String(), err
}

// sampleRecords holds three published tutorials and a draft.
func sampleRecords() []*content.Record {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []*content.Record{
		{ID: "t1", Slug: "raid-basics", Title: "Raid Basics", Body: "How to prepare for your first raid.", Tags: []string{"PvE"}, Category: "guides", Visibility: content.VisibilityPublished, Revision: 1, ModifiedAt: at},
		{ID: "t2", Slug: "healer-tips", Title: "Healer Tips", Body: "Keep the tank alive during the raid.", Tags: []string{"Healer", "PvE"}, Category: "guides", Visibility: content.VisibilityPublished, Revision: 1, ModifiedAt: at},
		{ID: "t3", Slug: "arena-openers", Title: "Arena Openers", Body: "Burst combos for arena matches.", Tags: []string{"PvP"}, Category: "pvp", Visibility: content.VisibilityPublished, Revision: 1, ModifiedAt: at},
		{ID: "t4", Slug: "secret-raid", Title: "Unreleased Raid Notes", Body: "Draft raid notes.", Visibility: content.VisibilityDraft, Revision: 1, ModifiedAt: at},
	}
}

func writeSeed(t *testing.T, path string, records []*content.Record) {
	t.Helper()
	data, err := json.Marshal(records)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

package version

import (
	"encoding/json"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setBuild overrides the ldflags variables for one test.
func setBuild(t *testing.T, v, commit, date string) {
	t.Helper()
	oldV, oldC, oldD := Version, Commit, Date
	Version, Commit, Date = v, commit, date
	t.Cleanup(func() { Version, Commit, Date = oldV, oldC, oldD })
}

func TestString_CarriesLinkedBuildInfo(t *testing.T) {
	// Given: a release build stamped by ldflags
	setBuild(t, "1.4.0", "abc1234", "2026-03-01T10:00:00Z")

	// When: rendering the banner
	got := String()

	// Then: every stamped value is shown
	assert.Equal(t, "tutosearch 1.4.0 (commit: abc1234, built: 2026-03-01T10:00:00Z, go: "+runtime.Version()+")", got)
	assert.Equal(t, "1.4.0", Short())
}

func TestGetInfo_JSONFieldNames(t *testing.T) {
	// Given: a development build
	setBuild(t, "dev", "unknown", "unknown")

	// When: serializing the build info the way `version --json` does
	data, err := json.Marshal(GetInfo())
	require.NoError(t, err)

	// Then: the snake_case field names scripts rely on are present
	var parsed map[string]string
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, "dev", parsed["version"])
	assert.Equal(t, runtime.GOOS, parsed["os"])
	assert.Equal(t, runtime.GOARCH, parsed["arch"])
	assert.Equal(t, runtime.Version(), parsed["go_version"])
	assert.Contains(t, parsed, "commit")
	assert.Contains(t, parsed, "date")
}

func TestClientName(t *testing.T) {
	tests := []struct {
		version string
		want    string
	}{
		{"dev", "tutosearch-dev"},
		{"1.4.0-rc.1", "tutosearch-1.4.0-rc.1"},
		{"1.4.0 dirty", "tutosearch-1.4.0_dirty"},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			setBuild(t, tt.version, "x", "y")
			got := ClientName()
			assert.Equal(t, tt.want, got)
			assert.False(t, strings.ContainsAny(got, " \t\n"))
		})
	}
}

// Package version provides build and version information for tutosearch.
package version

import (
	"fmt"
	"runtime"
	"strings"
)

// Build information set via ldflags at build time:
//
//	-X github.com/Aman-CERP/tutosearch/pkg/version.Version={{.Version}}
//	-X github.com/Aman-CERP/tutosearch/pkg/version.Commit={{.ShortCommit}}
//	-X github.com/Aman-CERP/tutosearch/pkg/version.Date={{.Date}}
var (
	Version = "dev"
	Commit  = "unknown"
	// Date is the build date in RFC3339 format.
	Date = "unknown"

	GoVersion = runtime.Version()
)

// BuildInfo is structured version information for JSON output.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// String returns a formatted version string with all build info.
func String() string {
	return fmt.Sprintf("tutosearch %s (commit: %s, built: %s, go: %s)",
		Version, Commit, Date, GoVersion)
}

// Short returns just the version string.
func Short() string {
	return Version
}

// GetInfo returns structured version information.
func GetInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// ClientName identifies this build to servers that track connected clients,
// e.g. Redis CLIENT SETNAME. Redis rejects names containing spaces.
func ClientName() string {
	v := strings.Map(func(r rune) rune {
		if r <= ' ' || r == 0x7f {
			return '_'
		}
		return r
	}, Version)
	return "tutosearch-" + v
}

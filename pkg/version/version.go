// Package version exposes build metadata stamped into evidence bundles and
// audit events.
package version

import (
	"fmt"
	"runtime"

	"github.com/Masterminds/semver/v3"
)

// Set at build time via -ldflags.
var (
	// Version is the engine release, semver.
	Version = "0.9.0"
	// Commit is the short VCS hash.
	Commit = "unknown"
	// Date is the build timestamp.
	Date = "unknown"
)

// Info is the structured form embedded in bundle metadata.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
}

// Get returns the current build info.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
	}
}

// String renders a single-line version banner.
func (i Info) String() string {
	return fmt.Sprintf("eje %s (%s, built %s, %s)", i.Version, i.Commit, i.Date, i.GoVersion)
}

// Validate checks the stamped version parses as semver. Release tooling
// calls this before tagging.
func Validate() error {
	if _, err := semver.NewVersion(Version); err != nil {
		return fmt.Errorf("version %q is not semver: %w", Version, err)
	}
	return nil
}

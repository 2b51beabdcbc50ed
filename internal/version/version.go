// Package version reports the drover build version.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionContent string

// Get returns the drover version string, whitespace trimmed.
func Get() string {
	return strings.TrimSpace(versionContent)
}

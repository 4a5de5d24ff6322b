package backend

import (
	"strings"

	"github.com/samcharles93/spikegen/internal/backend/cuda/driver"
)

// Available returns a comma-separated list of the CUDA driver modes usable
// in this build.
func Available() string {
	entries := []string{driver.ModeOffline}
	if driver.NativeEnabled() {
		entries = append(entries, driver.ModeNative)
	}
	return strings.Join(entries, ",")
}

// Has reports whether the named driver mode is usable in this build.
func Has(name string) bool {
	mode, err := driver.Normalize(name)
	if err != nil {
		return false
	}
	switch mode {
	case driver.ModeNative:
		return driver.NativeEnabled()
	default:
		return true
	}
}

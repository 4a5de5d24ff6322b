package backend

import (
	"strings"
	"testing"

	"github.com/samcharles93/spikegen/internal/backend/cuda/driver"
)

func TestAvailability(t *testing.T) {
	if !strings.Contains(Available(), driver.ModeOffline) {
		t.Fatalf("offline driver missing from %q", Available())
	}
	if !Has("offline") || !Has(" Auto ") {
		t.Fatalf("offline and auto should always be usable")
	}
	if Has("opencl") {
		t.Fatalf("unknown driver reported as usable")
	}
	if Has(driver.ModeNative) != driver.NativeEnabled() {
		t.Fatalf("native availability disagrees with the build")
	}
}

package test

import (
	"os"
	"testing"
)

// Integration skips the test unless LIVERUN_INTEGRATION=1, for tests that need a Docker daemon or network access.
func Integration(t *testing.T) {
	t.Helper()
	if os.Getenv("LIVERUN_INTEGRATION") != "1" {
		t.Skip("skipping integration test, set LIVERUN_INTEGRATION=1 to run it")
	}
}

package testutils

import (
	"os"
	"testing"
)

// TempTestDir returns a new temp dir for a test. The dir is removed when the
// test succeeds and kept for inspection when it fails.
func TempTestDir(t testing.TB, prefix string) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "inboxengine-"+prefix+"-")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if t.Failed() {
			t.Logf("Test data dir: %s", dir)
			return
		}
		if err := os.RemoveAll(dir); err != nil {
			t.Logf("Unable to remove temp dir %s: %v", dir, err)
		}
	})
	return dir
}

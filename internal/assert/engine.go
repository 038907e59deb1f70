package assert

import (
	"bytes"
	"errors"
	"os"
	"testing"
	"time"
)

// timeout is the default time the chan helpers wait for a value.
const timeout = 30 * time.Second

// ErrorAs asserts that err can be converted to the target type and returns
// the converted error.
func ErrorAs[T error](t testing.TB, err error) T {
	t.Helper()
	var target T
	if !errors.As(err, &target) {
		t.Fatalf("unexpected error: got %v (%T), want type %T", err, err, target)
	}
	return target
}

// FileContents asserts the file at path has exactly the given contents.
func FileContents(t testing.TB, path string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("unable to read %s: %v", path, err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("unexpected contents of %s: got %d bytes, want %d bytes",
			path, len(got), len(want))
	}
}

// Eventually polls f until it returns true or the default timeout elapses.
func Eventually(t testing.TB, f func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !f() {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for condition")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

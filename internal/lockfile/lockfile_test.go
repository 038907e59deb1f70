package lockfile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/companyzero/inboxengine/internal/assert"
	"github.com/companyzero/inboxengine/internal/testutils"
)

func TestLockFileExclusive(t *testing.T) {
	dir := testutils.TempTestDir(t, "lockfile")
	fname := filepath.Join(dir, "sub", "db.lock")

	lf, err := Create(context.Background(), fname)
	assert.NilErr(t, err)
	assert.DeepEqual(t, lf.Path(), fname)

	// A second lock attempt blocks until the context is done.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = Create(ctx, fname)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected error: %v", err)
	}

	// After closing, the lock can be obtained again.
	assert.NilErr(t, lf.Close())
	lf2, err := Create(context.Background(), fname)
	assert.NilErr(t, err)
	assert.NilErr(t, lf2.Close())

	var nilLF *LockFile
	assert.ErrorIs(t, nilLF.Close(), ErrNilLockFile)
}

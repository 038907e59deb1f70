// Package lockfile provides an exclusive, process-level lock on a store root.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rogpeppe/go-internal/lockedfile"
)

// ErrNilLockFile is returned when closing a lockfile that was never opened.
var ErrNilLockFile = errors.New("nil internal locked file")

// LockFile holds an exclusively locked file.
type LockFile struct {
	f    *lockedfile.File
	path string
}

// Path returns the path of the locked file.
func (lf *LockFile) Path() string {
	return lf.path
}

// Close releases the lock and removes the file.
func (lf *LockFile) Close() error {
	if lf == nil || lf.f == nil {
		return ErrNilLockFile
	}
	err := lf.f.Close()
	if rmErr := os.Remove(lf.path); err == nil && !os.IsNotExist(rmErr) {
		err = rmErr
	}
	return err
}

// Create locks the file at filePath, waiting until the lock is obtained or
// ctx is done. The owner's pid, host and process name are written to the file
// to ease debugging stale locks.
func Create(ctx context.Context, filePath string) (*LockFile, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
		return nil, err
	}

	type result struct {
		f   *lockedfile.File
		err error
	}
	c := make(chan result, 1)
	go func() {
		f, err := lockedfile.Create(filePath)
		c <- result{f: f, err: err}
	}()

	select {
	case res := <-c:
		if res.err != nil {
			return nil, res.err
		}
		host, _ := os.Hostname()
		procName := ""
		if len(os.Args) > 0 {
			procName = os.Args[0]
		}
		// Not fatal if this fails.
		fmt.Fprintf(res.f, "PID=%d\nHost=%q\nProcess=%q\n", os.Getpid(),
			host, procName)
		return &LockFile{f: res.f, path: filePath}, nil

	case <-ctx.Done():
		// The file may still be opened after the context is done, so
		// make sure it is closed if that ever happens.
		go func() {
			if res := <-c; res.f != nil {
				res.f.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

package enginedb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/companyzero/inboxengine/engineintf"
	"github.com/companyzero/inboxengine/internal/lockfile"
	"github.com/decred/slog"
)

const (
	lockFileName  = "engine.lock"
	levelDBSubdir = "kv"

	// DefaultRecentlyDeletedRetention is how long the id of a deleted
	// received message is kept in the denylist.
	DefaultRecentlyDeletedRetention = 10 * time.Minute
)

var errCreateLockFile = errors.New("unable to create lockfile")

// Config is the configuration of a DB.
type Config struct {
	// Root is the dir where the DB keeps its lockfile and, when Backend is
	// nil, its LevelDB files. When empty, no lockfile is used and Backend
	// must be specified.
	Root string

	// Backend is the storage backend. When nil, a LevelDB backend is
	// opened inside Root.
	Backend Backend

	Logger slog.Logger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// RecentlyDeletedRetention is how long deleted received message ids
	// are remembered. Defaults to DefaultRecentlyDeletedRetention.
	RecentlyDeletedRetention time.Duration

	// CommitInterceptor, if set, is called with the batch of every
	// transaction right before it is committed to the backend. A non-nil
	// error aborts the commit.
	CommitInterceptor func(b *Batch) error
}

// DB is the persistent store of the engine. All access happens through View
// (read-only) and Update (read-write) transactions. Update transactions are
// serialized. Calling Update from within another View or Update of the same
// DB deadlocks.
type DB struct {
	cfg Config
	log slog.Logger
	be  Backend
	now func() time.Time

	txMtx sync.RWMutex

	runMtx  sync.Mutex
	running chan struct{}
	runCtx  context.Context

	delMtx          sync.Mutex
	recentlyDeleted map[engineintf.MessageKey]time.Time
	lastSweep       time.Time
}

// New creates a new DB. Run must be called before any transaction can be
// executed.
func New(cfg Config) (*DB, error) {
	if cfg.Root != "" {
		root, err := filepath.Abs(cfg.Root)
		if err != nil {
			return nil, fmt.Errorf("unable to determine DB root: %v", err)
		}
		finfo, err := os.Stat(root)
		switch {
		case errors.Is(err, os.ErrNotExist):
			if err := os.MkdirAll(root, 0o700); err != nil {
				return nil, err
			}
		case err == nil:
			if !finfo.IsDir() {
				return nil, fmt.Errorf("root %q is not a dir", root)
			}
		default:
			return nil, err
		}
		cfg.Root = root
	}

	be := cfg.Backend
	if be == nil {
		if cfg.Root == "" {
			return nil, errors.New("either root or backend must be specified")
		}
		var err error
		be, err = OpenLevelDB(filepath.Join(cfg.Root, levelDBSubdir))
		if err != nil {
			return nil, err
		}
	}

	log := slog.Disabled
	if cfg.Logger != nil {
		log = cfg.Logger
	}
	now := time.Now
	if cfg.Now != nil {
		now = cfg.Now
	}
	if cfg.RecentlyDeletedRetention <= 0 {
		cfg.RecentlyDeletedRetention = DefaultRecentlyDeletedRetention
	}

	db := &DB{
		cfg:             cfg,
		log:             log,
		be:              be,
		now:             now,
		running:         make(chan struct{}),
		recentlyDeleted: make(map[engineintf.MessageKey]time.Time),
		lastSweep:       now(),
	}
	return db, nil
}

// Run runs the DB until ctx is done, at which point the backend is closed.
// This should not be called twice for the same db.
func (db *DB) Run(ctx context.Context) error {
	var lockFile *lockfile.LockFile
	if db.cfg.Root != "" {
		// Attempt to get the lockfile with a small timeout so that we
		// error out immediately instead of waiting until the outer
		// context is canceled.
		lfCtx, cancel := context.WithTimeout(ctx, time.Second)
		lockFilePath := filepath.Join(db.cfg.Root, lockFileName)
		var err error
		lockFile, err = lockfile.Create(lfCtx, lockFilePath)
		cancel()
		if err != nil {
			return fmt.Errorf("%w %q: %v", errCreateLockFile, lockFilePath, err)
		}
	}

	if err := db.performUpgrades(ctx); err != nil {
		if lockFile != nil {
			lockFile.Close()
		}
		db.be.Close()
		return err
	}

	db.runMtx.Lock()
	db.runCtx = ctx
	close(db.running)
	db.runMtx.Unlock()
	db.log.Debugf("Engine DB running")

	<-ctx.Done()

	// Wait for in-flight transactions before closing the backend.
	db.txMtx.Lock()
	if err := db.be.Close(); err != nil {
		db.log.Errorf("Unable to close backend: %v", err)
	}
	db.txMtx.Unlock()

	if lockFile != nil {
		if err := lockFile.Close(); err != nil {
			db.log.Errorf("Unable to close lock file: %v", err)
		}
	}
	return ctx.Err()
}

// RunStarted is closed once Run has been called.
func (db *DB) RunStarted() <-chan struct{} {
	return db.running
}

// waitRunning blocks until the DB is running and returns the run context.
func (db *DB) waitRunning(ctx context.Context) (context.Context, error) {
	select {
	case <-db.running:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	db.runMtx.Lock()
	runCtx := db.runCtx
	db.runMtx.Unlock()
	if runCtx.Err() != nil {
		return nil, ErrNotRunning
	}
	return runCtx, nil
}

// View executes f in a read-only transaction.
func (db *DB) View(ctx context.Context, f func(tx ReadTx) error) error {
	runCtx, err := db.waitRunning(ctx)
	if err != nil {
		return err
	}

	db.txMtx.RLock()
	defer db.txMtx.RUnlock()
	if runCtx.Err() != nil {
		return ErrNotRunning
	}
	ctx, cancel := multiCtx(ctx, runCtx)
	defer cancel()
	return f(&rtx{ctx: ctx, be: db.be})
}

// Committed holds the post-commit hooks of a successful transaction.
type Committed struct {
	hooks []func()
}

// Run calls the post-commit hooks in registration order.
func (c *Committed) Run() {
	if c == nil {
		return
	}
	for _, h := range c.hooks {
		h()
	}
}

// Len returns the number of post-commit hooks.
func (c *Committed) Len() int {
	if c == nil {
		return 0
	}
	return len(c.hooks)
}

// UpdateTx executes f in a read-write transaction and commits it when f
// returns nil. The post-commit hooks registered in the transaction are
// returned for the caller to run once it is done with any locks of its own.
func (db *DB) UpdateTx(ctx context.Context, f func(tx ReadWriteTx) error) (*Committed, error) {
	runCtx, err := db.waitRunning(ctx)
	if err != nil {
		return nil, err
	}

	db.txMtx.Lock()
	defer db.txMtx.Unlock()
	if runCtx.Err() != nil {
		return nil, ErrNotRunning
	}
	ctx, cancel := multiCtx(ctx, runCtx)
	defer cancel()

	tx := newWtx(ctx, db.be)
	if err := f(tx); err != nil {
		return nil, err
	}
	for _, h := range tx.before {
		h()
	}

	b := tx.batch()
	if b.Len() > 0 {
		if db.cfg.CommitInterceptor != nil {
			if err := db.cfg.CommitInterceptor(b); err != nil {
				str := fmt.Sprintf("commit intercepted: %v", err)
				return nil, contextError(ErrBackendCommit, str, err)
			}
		}
		if db.log.Level() <= slog.LevelTrace {
			b.ForEach(func(key, val []byte) error {
				db.log.Tracef("Commit key %q (%d bytes, del=%v)", key,
					len(val), val == nil)
				return nil
			})
		}
		if err := db.be.Commit(ctx, b); err != nil {
			str := fmt.Sprintf("unable to commit %d writes: %v", b.Len(), err)
			return nil, contextError(ErrBackendCommit, str, err)
		}
	}
	return &Committed{hooks: tx.after}, nil
}

// Update executes f in a read-write transaction and runs its post-commit
// hooks once it is committed.
func (db *DB) Update(ctx context.Context, f func(tx ReadWriteTx) error) error {
	committed, err := db.UpdateTx(ctx, f)
	if err != nil {
		return err
	}
	committed.Run()
	return nil
}

// multiCtx returns a context that gets canceled when any one of the passed
// contexts are canceled.
func multiCtx(ctxs ...context.Context) (context.Context, func()) {
	gctx, gcancel := context.WithCancel(context.Background())
	var once sync.Once
	cancel := func() {
		once.Do(gcancel)
	}
	for _, ctx := range ctxs {
		ctx := ctx
		go func() {
			select {
			case <-gctx.Done():
			case <-ctx.Done():
				cancel()
			}
		}()
	}
	return gctx, cancel
}

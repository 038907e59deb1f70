package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/companyzero/inboxengine/enginedb"
	"github.com/companyzero/inboxengine/internal/version"
	"github.com/companyzero/inboxengine/settings"
	"github.com/jessevdk/go-flags"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/sync/errgroup"
)

type globalOpts struct {
	Config  string `short:"C" long:"config" description:"Path to the config file"`
	Version bool   `short:"V" long:"version" description:"Display version and exit"`
}

var (
	opts   globalOpts
	parser = flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)

	errMainCtxCanceled = errors.New("main context canceled")
)

// env is the state shared by every command: the loaded settings, the log
// backend and the running store.
type env struct {
	cfg *settings.Settings
	log *logBackend
	db  *enginedb.DB
}

// defaultConfigFile is the config file used when none is specified. Its
// absence is not an error.
func defaultConfigFile(cfg *settings.Settings) string {
	root, err := homedir.Expand(cfg.Root)
	if err != nil {
		root = cfg.Root
	}
	return filepath.Join(root, "engctl.conf")
}

func loadSettings() (*settings.Settings, error) {
	cfg := settings.New()
	fname := opts.Config
	if fname == "" {
		fname = defaultConfigFile(cfg)
		if _, err := os.Stat(fname); errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.ExpandPaths()
		}
	}
	if err := cfg.Load(fname); err != nil {
		return nil, fmt.Errorf("unable to load config %q: %w", fname, err)
	}
	return cfg, nil
}

// openBackend opens the store backend selected in the settings. A nil
// backend means the default LevelDB backend inside the root dir.
func openBackend(ctx context.Context, cfg *settings.Settings) (enginedb.Backend, error) {
	switch cfg.Backend {
	case settings.BackendBolt:
		return enginedb.OpenBolt(cfg.BoltFile)
	case settings.BackendPostgres:
		return enginedb.OpenPostgres(ctx, cfg.PGConn, cfg.PGTable)
	default:
		return nil, nil
	}
}

// withEnv loads the settings, opens the store and calls f while the store is
// running. The store is closed once f returns or on SIGINT/SIGTERM.
func withEnv(f func(ctx context.Context, e *env) error) error {
	cfg, err := loadSettings()
	if err != nil {
		return err
	}
	lb, err := newLogBackend(cfg.LogFile, cfg.DebugLevel, cfg.MaxLogFiles, os.Stderr)
	if err != nil {
		return err
	}
	defer lb.Close()
	log := lb.logger("ECTL")
	log.Debugf("Running engctl version %s", version.String())

	sigCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, mainCancel := context.WithCancelCause(context.Background())
	defer mainCancel(errMainCtxCanceled)
	go func() {
		<-sigCtx.Done()
		if ctx.Err() == nil {
			log.Infof("Interrupt detected. Shutting down.")
		}
		mainCancel(errMainCtxCanceled)
	}()

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	db, err := enginedb.New(enginedb.Config{
		Root:    cfg.Root,
		Backend: be,
		Logger:  lb.logger("EDB"),
	})
	if err != nil {
		if be != nil {
			be.Close()
		}
		return err
	}

	e := &env{cfg: cfg, log: lb, db: db}
	var fErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return db.Run(gctx) })
	g.Go(func() error {
		select {
		case <-db.RunStarted():
		case <-gctx.Done():
			return gctx.Err()
		}
		fErr = f(gctx, e)
		mainCancel(errMainCtxCanceled)
		return fErr
	})
	err = g.Wait()
	if fErr != nil {
		err = fErr
	}
	if errors.Is(err, context.Canceled) && context.Cause(ctx) == errMainCtxCanceled {
		// Ignore graceful shutdown error.
		return nil
	}
	return err
}

func realMain() error {
	parser.SubcommandsOptional = true
	_, err := parser.Parse()
	if err != nil {
		return err
	}
	if opts.Version {
		fmt.Printf("engctl version %s\n", version.String())
		return nil
	}
	if parser.Active == nil {
		parser.WriteHelp(os.Stderr)
		return errors.New("no command specified")
	}
	return nil
}

func main() {
	err := realMain()
	var ferr *flags.Error
	if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
		fmt.Println(ferr.Message)
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err.Error())
		os.Exit(1)
	}
}

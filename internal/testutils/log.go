package testutils

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/decred/slog"
)

// subsysLevel returns the log level used for a subsystem in tests. The store
// logs every committed key at trace level, which drowns out everything else,
// so it is kept at debug.
func subsysLevel(subsys string) slog.Level {
	if strings.HasPrefix(subsys, "EDB") {
		return slog.LevelDebug
	}
	return slog.LevelTrace
}

// testLogBackend writes log entries with t.Log when tests run in verbose
// mode. Entries written after the test ends are dropped.
type testLogBackend struct {
	mtx  sync.Mutex
	tb   testing.TB
	done bool
}

func (tlb *testLogBackend) Write(b []byte) (int, error) {
	tlb.mtx.Lock()
	if !tlb.done && testing.Verbose() {
		tlb.tb.Log(strings.TrimSuffix(string(b), "\n"))
	}
	tlb.mtx.Unlock()
	return len(b), nil
}

func newTestLogBackend(t testing.TB) *slog.Backend {
	tlb := &testLogBackend{tb: t}
	t.Cleanup(func() {
		tlb.mtx.Lock()
		tlb.done = true
		tlb.mtx.Unlock()
	})
	return slog.NewBackend(tlb)
}

// TestLoggerSys returns an slog.Logger that logs by issuing t.Log calls.
func TestLoggerSys(t testing.TB, sys string) slog.Logger {
	logg := newTestLogBackend(t).Logger(sys)
	logg.SetLevel(subsysLevel(sys))
	return logg
}

// TestLoggerBackend returns a function that generates loggers for subsystems,
// all of which log by calling t.Log.
func TestLoggerBackend(t testing.TB, name string) func(subsys string) slog.Logger {
	bknd := newTestLogBackend(t)
	return func(subsys string) slog.Logger {
		logg := bknd.Logger(fmt.Sprintf("%7s - %s", name, subsys))
		logg.SetLevel(subsysLevel(subsys))
		return logg
	}
}

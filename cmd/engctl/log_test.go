package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/companyzero/inboxengine/internal/assert"
	"github.com/decred/slog"
)

func TestLogBackendLevels(t *testing.T) {
	var buf bytes.Buffer
	lb, err := newLogBackend("", "warn,ENGN=debug, ATCH=trace", 1, &buf)
	assert.NilErr(t, err)
	assert.DeepEqual(t, lb.defaultLogLevel, slog.LevelWarn)
	assert.DeepEqual(t, lb.logger("ENGN").Level(), slog.LevelDebug)
	assert.DeepEqual(t, lb.logger("ATCH").Level(), slog.LevelTrace)
	assert.DeepEqual(t, lb.logger("EDB").Level(), slog.LevelWarn)

	lb.logger("EDB").Infof("hidden")
	lb.logger("ENGN").Debugf("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected log output %q", buf.String())
	}
}

func TestLogBackendErrors(t *testing.T) {
	for _, s := range []string{"loud", "ENGN=loud", "a=b=c"} {
		_, err := newLogBackend("", s, 1, nil)
		assert.NonNilErr(t, err)
	}
}

func TestLogBackendFile(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "logs", "engctl.log")
	lb, err := newLogBackend(fname, "info", 2, nil)
	assert.NilErr(t, err)
	lb.logger("ECTL").Infof("to file")
	_, err = os.Stat(filepath.Dir(fname))
	assert.NilErr(t, err)
	assert.NilErr(t, lb.Close())
}

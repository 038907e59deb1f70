package enginedb

import (
	"context"
	"testing"
	"time"

	"github.com/companyzero/inboxengine/engineintf"
	"github.com/companyzero/inboxengine/internal/assert"
	"github.com/companyzero/inboxengine/internal/testutils"
)

// testClock is a manually advanced clock.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestDBWithConfig(t testing.TB, cfg Config) *DB {
	t.Helper()
	if cfg.Backend == nil && cfg.Root == "" {
		cfg.Backend = OpenMemory()
	}
	if cfg.Logger == nil {
		cfg.Logger = testutils.TestLoggerSys(t, "EDB")
	}
	db, err := New(cfg)
	assert.NilErr(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- db.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-runErr
	})
	<-db.RunStarted()
	return db
}

func newTestDB(t testing.TB) *DB {
	return newTestDBWithConfig(t, Config{})
}

func testUpdate(t testing.TB, db *DB, f func(tx ReadWriteTx) error) {
	t.Helper()
	assert.NilErr(t, db.Update(context.Background(), f))
}

func testView(t testing.TB, db *DB, f func(tx ReadTx) error) {
	t.Helper()
	assert.NilErr(t, db.View(context.Background(), f))
}

func randomMessage(t testing.TB, owned engineintf.IdentityID, inst engineintf.UID) *ReceivedMessage {
	return &ReceivedMessage{
		Key:      engineintf.MessageKey{Owned: owned, UID: testutils.RandomUID(t)},
		Protocol: 7,
		Instance: inst,
		Kind:     1,
		Payload:  testutils.RandomBytes(t, 16),
		Channel:  engineintf.ReceptionChannel{Kind: engineintf.ChannelAsymmetric},
	}
}

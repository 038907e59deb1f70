package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/companyzero/inboxengine/enginedb"
	"github.com/companyzero/inboxengine/engineintf"
	"github.com/companyzero/inboxengine/internal/assert"
	"github.com/companyzero/inboxengine/internal/testutils"
	"github.com/companyzero/inboxengine/ntfns"
	"github.com/companyzero/inboxengine/protocol"
	"github.com/companyzero/inboxengine/protocol/prototest"
)

type testHarness struct {
	t        testing.TB
	db       *enginedb.DB
	e        *Engine
	channels *prototest.Channels
	ntfns    *ntfns.Manager
	owned    engineintf.IdentityID
	peer     engineintf.IdentityID

	// failCommits makes every commit fail while set.
	failCommits bool
}

func newTestHarness(t testing.TB, opts ...Option) *testHarness {
	t.Helper()
	h := &testHarness{
		t:        t,
		channels: prototest.NewChannels(),
		ntfns:    ntfns.NewManager(),
		owned:    testutils.RandomIdentityID(t),
		peer:     testutils.RandomIdentityID(t),
	}
	logBknd := testutils.TestLoggerBackend(t, "engine")
	db, err := enginedb.New(enginedb.Config{
		Backend: enginedb.OpenMemory(),
		Logger:  logBknd("EDB"),
		CommitInterceptor: func(*enginedb.Batch) error {
			if h.failCommits {
				return errors.New("induced commit failure")
			}
			return nil
		},
	})
	assert.NilErr(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- db.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-runErr
	})
	<-db.RunStarted()
	h.db = db

	opts = append([]Option{
		WithLogger(logBknd("ENGN")),
		WithRunnerLogger(logBknd("PRUN")),
	}, opts...)
	h.e, err = New(Config{
		DB:            db,
		Catalog:       protocol.NewCatalog(prototest.PingProtocol()),
		Channels:      h.channels,
		Identities:    prototest.Identities{},
		Notifications: h.ntfns,
	}, opts...)
	assert.NilErr(t, err)
	return h
}

// runEngine runs the engine until the end of the test.
func (h *testHarness) runEngine() {
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- h.e.Run(ctx) }()
	h.t.Cleanup(func() {
		cancel()
		err := <-runErr
		if !errors.Is(err, context.Canceled) {
			h.t.Errorf("unexpected engine run error: %v", err)
		}
	})
}

func (h *testHarness) newInstance() engineintf.InstanceKey {
	return engineintf.InstanceKey{
		Protocol: prototest.PingProtocolID,
		Instance: testutils.RandomUID(h.t),
		Owned:    h.owned,
	}
}

func (h *testHarness) message(ik engineintf.InstanceKey, msg protocol.Message,
	channel engineintf.ReceptionChannel) *enginedb.ReceivedMessage {

	b, err := protocol.EncodeMessage(msg)
	assert.NilErr(h.t, err)
	return &enginedb.ReceivedMessage{
		Key:      engineintf.MessageKey{Owned: ik.Owned, UID: testutils.RandomUID(h.t)},
		Protocol: ik.Protocol,
		Instance: ik.Instance,
		Kind:     msg.MessageKind(),
		Payload:  b,
		Channel:  channel,
	}
}

// insert stores a message without processing it.
func (h *testHarness) insert(ik engineintf.InstanceKey, msg protocol.Message,
	channel engineintf.ReceptionChannel) engineintf.MessageKey {

	h.t.Helper()
	m := h.message(ik, msg, channel)
	assert.NilErr(h.t, h.e.InsertReceivedMessage(context.Background(), m))
	return m.Key
}

// deliver stores and processes a message, returning the processing error.
func (h *testHarness) deliver(ik engineintf.InstanceKey, msg protocol.Message,
	channel engineintf.ReceptionChannel) (engineintf.MessageKey, error) {

	h.t.Helper()
	key := h.insert(ik, msg, channel)
	return key, h.e.ProcessReceivedMessage(context.Background(), key)
}

// start starts a ping with the peer and returns the instance.
func (h *testHarness) start(nonce uint64) engineintf.InstanceKey {
	h.t.Helper()
	ik := h.newInstance()
	_, err := h.deliver(ik, &prototest.StartMsg{Peer: h.peer, Nonce: nonce}, localChan)
	assert.NilErr(h.t, err)
	return ik
}

func (h *testHarness) pongChan() engineintf.ReceptionChannel {
	return engineintf.ReceptionChannel{Kind: engineintf.ChannelSecure, Remote: h.peer}
}

// instance returns the stored instance or nil.
func (h *testHarness) instance(ik engineintf.InstanceKey) *enginedb.ProtocolInstance {
	h.t.Helper()
	var pi *enginedb.ProtocolInstance
	err := h.db.View(context.Background(), func(tx enginedb.ReadTx) error {
		var err error
		pi, err = h.db.GetProtocolInstance(tx, ik)
		if errors.Is(err, enginedb.ErrNotFound) {
			pi, err = nil, nil
		}
		return err
	})
	assert.NilErr(h.t, err)
	return pi
}

func (h *testHarness) state(ik engineintf.InstanceKey) protocol.State {
	h.t.Helper()
	pi := h.instance(ik)
	if pi == nil {
		h.t.Fatalf("instance %s not found", ik)
	}
	s, err := h.e.catalog.DecodeState(ik.Protocol, pi.StateKind, pi.State)
	assert.NilErr(h.t, err)
	return s
}

func (h *testHarness) messageStored(key engineintf.MessageKey) bool {
	h.t.Helper()
	var found bool
	err := h.db.View(context.Background(), func(tx enginedb.ReadTx) error {
		_, err := h.db.GetReceivedMessage(tx, key)
		if errors.Is(err, enginedb.ErrNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	assert.NilErr(h.t, err)
	return found
}

// postedOfKind returns the committed outbound messages of the given kind.
func (h *testHarness) postedOfKind(kind uint16) []protocol.OutboundMessage {
	var res []protocol.OutboundMessage
	for _, m := range h.channels.Posted() {
		if m.Kind == kind {
			res = append(res, m)
		}
	}
	return res
}

var (
	localChan = engineintf.ReceptionChannel{Kind: engineintf.ChannelLocal}
	asymChan  = engineintf.ReceptionChannel{Kind: engineintf.ChannelAsymmetric}
)

// testClock is a manually advanced clock.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

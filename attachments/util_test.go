package attachments

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"

	"github.com/companyzero/inboxengine/aead"
	"github.com/companyzero/inboxengine/chunkcodec"
	"github.com/companyzero/inboxengine/enginedb"
	"github.com/companyzero/inboxengine/engineintf"
	"github.com/companyzero/inboxengine/internal/assert"
	"github.com/companyzero/inboxengine/internal/testutils"
	"github.com/companyzero/inboxengine/ntfns"
)

type testHarness struct {
	t     testing.TB
	db    *enginedb.DB
	ntfns *ntfns.Manager
	m     *Manager
}

func newTestHarnessWithConfig(t testing.TB, cfg Config) *testHarness {
	t.Helper()
	logBknd := testutils.TestLoggerBackend(t, "atch")
	db, err := enginedb.New(enginedb.Config{
		Backend: enginedb.OpenMemory(),
		Logger:  logBknd("EDB"),
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

	nmgr := ntfns.NewManager()
	cfg.DB = db
	cfg.Notifications = nmgr
	if cfg.DownloadsDir == "" {
		cfg.DownloadsDir = testutils.TempTestDir(t, "downloads")
	}
	cfg.Logger = logBknd("ATCH")
	cfg.DownloadLogger = logBknd("DLDR")
	m, err := NewManager(cfg)
	assert.NilErr(t, err)
	return &testHarness{t: t, db: db, ntfns: nmgr, m: m}
}

func newTestHarness(t testing.TB) *testHarness {
	return newTestHarnessWithConfig(t, Config{})
}

// testAttachment is the sender side view of an attachment.
type testAttachment struct {
	id        engineintf.AttachmentID
	plaintext []byte
	chunks    [][]byte
	key       aead.Key
	digest    enginedb.Digest
}

func (ta *testAttachment) ciphertextLen() int64 {
	var l int64
	for _, c := range ta.chunks {
		l += int64(len(c))
	}
	return l
}

// newTestAttachment encrypts a random plaintext of ptLen bytes into chunks of
// nominal ciphertext length.
func newTestAttachment(t testing.TB, ptLen, nominal int) *testAttachment {
	t.Helper()
	key, err := aead.GenerateKey(aead.SchemeChaCha20Poly1305, rand.Reader)
	assert.NilErr(t, err)
	pt := testutils.RandomBytes(t, ptLen)
	chunks, err := chunkcodec.EncryptChunks(pt, nominal, key, rand.Reader)
	assert.NilErr(t, err)
	digest, err := BytesDigest(pt, enginedb.DigestBLAKE3)
	assert.NilErr(t, err)
	return &testAttachment{
		id:        testutils.RandomAttachmentID(t, 0),
		plaintext: pt,
		chunks:    chunks,
		key:       key,
		digest:    digest,
	}
}

// announce creates the attachment in the manager.
func (h *testHarness) announce(ta *testAttachment, nominal int64) *enginedb.Attachment {
	h.t.Helper()
	a, err := h.m.Create(context.Background(), Announcement{
		ID:                 ta.id,
		Owned:              testutils.RandomIdentityID(h.t),
		Sender:             testutils.RandomIdentityID(h.t),
		CiphertextLength:   ta.ciphertextLen(),
		NominalChunkLength: nominal,
	})
	assert.NilErr(h.t, err)
	return a
}

// announceAndBind creates the attachment and binds its key.
func (h *testHarness) announceAndBind(ta *testAttachment, nominal int64) *enginedb.Attachment {
	h.t.Helper()
	h.announce(ta, nominal)
	err := h.m.BindDecryptionKeyAndMetadata(context.Background(), ta.id,
		ta.key, []byte("meta"), ta.digest)
	assert.NilErr(h.t, err)
	return h.attachment(ta.id)
}

func (h *testHarness) attachment(id engineintf.AttachmentID) *enginedb.Attachment {
	h.t.Helper()
	a, err := h.m.Attachment(context.Background(), id)
	assert.NilErr(h.t, err)
	return a
}

func (h *testHarness) status(id engineintf.AttachmentID) enginedb.AttachmentStatus {
	h.t.Helper()
	return h.attachment(id).Status
}

// downloadedNtfns records every attachment download notification.
type downloadedNtfns struct {
	mtx   sync.Mutex
	paths map[engineintf.AttachmentID][]string
}

func (h *testHarness) trackDownloads() *downloadedNtfns {
	d := &downloadedNtfns{paths: make(map[engineintf.AttachmentID][]string)}
	h.ntfns.RegisterSync(ntfns.OnAttachmentDownloadedNtfn(func(id engineintf.AttachmentID, path string) {
		d.mtx.Lock()
		d.paths[id] = append(d.paths[id], path)
		d.mtx.Unlock()
	}))
	return d
}

func (d *downloadedNtfns) count(id engineintf.AttachmentID) int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return len(d.paths[id])
}

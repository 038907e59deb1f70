package enginedb

import (
	"crypto/rand"
	"testing"

	"github.com/companyzero/inboxengine/aead"
	"github.com/companyzero/inboxengine/engineintf"
	"github.com/companyzero/inboxengine/internal/assert"
	"github.com/companyzero/inboxengine/internal/testutils"
	"github.com/google/uuid"
)

func testAttachment(t testing.TB, lens ...int64) (*Attachment, []*Chunk) {
	id := testutils.RandomAttachmentID(t, 1)
	a := &Attachment{
		ID:                 id,
		Owned:              testutils.RandomIdentityID(t),
		NominalChunkLength: lens[0],
		ChunkCount:         uint32(len(lens)),
	}
	chunks := make([]*Chunk, len(lens))
	for i, l := range lens {
		a.CiphertextLength += l
		chunks[i] = &Chunk{Attachment: id, Number: uint32(i), CiphertextLength: l}
	}
	return a, chunks
}

func TestAttachmentRecords(t *testing.T) {
	db := newTestDB(t)
	a, chunks := testAttachment(t, 100, 100, 50)

	testUpdate(t, db, func(tx ReadWriteTx) error {
		return db.CreateAttachment(tx, a, chunks)
	})
	testUpdate(t, db, func(tx ReadWriteTx) error {
		err := db.CreateAttachment(tx, a, chunks)
		assert.ErrorIs(t, err, ErrAlreadyExists)
		return nil
	})

	// Bind a key and mark chunks as written.
	key, err := aead.GenerateKey(aead.SchemeChaCha20Poly1305, rand.Reader)
	assert.NilErr(t, err)
	testUpdate(t, db, func(tx ReadWriteTx) error {
		a, err := db.GetAttachment(tx, a.ID)
		if err != nil {
			return err
		}
		a.Key = &key
		a.Metadata = []byte("meta")
		a.Status = StatusResumeRequested
		assert.BoolIs(t, a.Written.Add(2), true)
		assert.BoolIs(t, a.Written.Add(2), false)
		assert.BoolIs(t, a.Written.Add(0), true)
		return db.PutAttachment(tx, a)
	})

	testView(t, db, func(tx ReadTx) error {
		got, err := db.GetAttachment(tx, a.ID)
		assert.NilErr(t, err)
		assert.DeepEqual(t, *got.Key, key)
		assert.DeepEqual(t, got.Status, StatusResumeRequested)
		assert.BoolIs(t, got.Written.Contains(0), true)
		assert.BoolIs(t, got.Written.Contains(1), false)
		assert.BoolIs(t, got.Written.Contains(2), true)
		assert.DeepEqual(t, got.Written.Len(), uint64(2))
		assert.BoolIs(t, got.AllChunksWritten(), false)

		// No sender yet.
		assert.BoolIs(t, got.CanBeDownloaded(), false)

		cs, err := db.ListChunks(tx, a.ID)
		assert.NilErr(t, err)
		assert.DeepEqual(t, len(cs), 3)
		assert.DeepEqual(t, cs[2].CiphertextLength, int64(50))

		ready, err := db.ListAttachments(tx, func(a *Attachment) bool {
			return a.Status == StatusResumeRequested
		})
		assert.DeepEqual(t, len(ready), 1)
		return err
	})

	testUpdate(t, db, func(tx ReadWriteTx) error {
		return db.DeleteAttachment(tx, a.ID)
	})
	testView(t, db, func(tx ReadTx) error {
		_, err := db.GetAttachment(tx, a.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		cs, err := db.ListChunks(tx, a.ID)
		assert.DeepEqual(t, len(cs), 0)
		return err
	})
}

func TestCreateAttachmentChunkMismatch(t *testing.T) {
	db := newTestDB(t)
	a, chunks := testAttachment(t, 100, 100)
	testUpdate(t, db, func(tx ReadWriteTx) error {
		err := db.CreateAttachment(tx, a, chunks[:1])
		assert.ErrorIs(t, err, ErrInvalidRecord)
		return nil
	})
}

func TestTransferSessions(t *testing.T) {
	db := newTestDB(t)
	a1, c1 := testAttachment(t, 10)
	a2, c2 := testAttachment(t, 10)
	a2.ID = engineintf.AttachmentID{Message: a2.ID.Message, Number: 2}
	c2[0].Attachment = a2.ID

	s1 := &TransferSession{ID: uuid.New(), Attachment: a1.ID}
	s2 := &TransferSession{ID: uuid.New(), Attachment: a2.ID}
	testUpdate(t, db, func(tx ReadWriteTx) error {
		assert.NilErr(t, db.CreateAttachment(tx, a1, c1))
		assert.NilErr(t, db.CreateAttachment(tx, a2, c2))
		assert.NilErr(t, db.CreateSession(tx, s1))
		assert.NilErr(t, db.CreateSession(tx, s2))

		dup := &TransferSession{ID: uuid.New(), Attachment: a1.ID}
		assert.ErrorIs(t, db.CreateSession(tx, dup), ErrAlreadyExists)
		return nil
	})

	testView(t, db, func(tx ReadTx) error {
		id, err := db.AttachmentForSession(tx, s2.ID)
		assert.DeepEqual(t, id, a2.ID)
		return err
	})

	testUpdate(t, db, func(tx ReadWriteTx) error {
		n, err := db.DeleteAllSessions(tx)
		assert.DeepEqual(t, n, 2)
		return err
	})
	testView(t, db, func(tx ReadTx) error {
		_, err := db.GetSession(tx, a1.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = db.AttachmentForSession(tx, s1.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	})
}

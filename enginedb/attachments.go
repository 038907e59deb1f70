package enginedb

import (
	"errors"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/companyzero/inboxengine/aead"
	"github.com/companyzero/inboxengine/engineintf"
	"github.com/google/uuid"
)

// AttachmentStatus is the download status of an inbound attachment.
type AttachmentStatus uint8

const (
	StatusPaused AttachmentStatus = iota
	StatusResumeRequested
	StatusDownloaded
	StatusCancelledByServer
	StatusMarkedForDeletion
)

func (s AttachmentStatus) String() string {
	switch s {
	case StatusPaused:
		return "paused"
	case StatusResumeRequested:
		return "resumeRequested"
	case StatusDownloaded:
		return "downloaded"
	case StatusCancelledByServer:
		return "cancelledByServer"
	case StatusMarkedForDeletion:
		return "markedForDeletion"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// DigestAlgo names the hash function of a Digest.
type DigestAlgo string

const (
	DigestSHA256 DigestAlgo = "sha256"
	DigestBLAKE3 DigestAlgo = "blake3"
)

// Digest is the expected hash of a fully assembled attachment.
type Digest struct {
	Algo DigestAlgo
	Sum  []byte
}

// ChunkSet is the set of chunk numbers already written to the output file.
type ChunkSet struct {
	bm *roaring.Bitmap
}

func (s *ChunkSet) bitmap() *roaring.Bitmap {
	if s.bm == nil {
		s.bm = roaring.New()
	}
	return s.bm
}

// Add adds n to the set. Returns false if n was already in the set.
func (s *ChunkSet) Add(n uint32) bool {
	return s.bitmap().CheckedAdd(n)
}

// Contains returns true if n is in the set.
func (s *ChunkSet) Contains(n uint32) bool {
	return s.bm != nil && s.bm.Contains(n)
}

// Len returns the number of chunks in the set.
func (s *ChunkSet) Len() uint64 {
	if s.bm == nil {
		return 0
	}
	return s.bm.GetCardinality()
}

// Clear removes every chunk from the set.
func (s *ChunkSet) Clear() {
	s.bm = nil
}

// MarshalBinary encodes the set in the portable roaring format.
func (s ChunkSet) MarshalBinary() ([]byte, error) {
	if s.bm == nil {
		return []byte{}, nil
	}
	return s.bm.ToBytes()
}

// UnmarshalBinary decodes a set encoded with MarshalBinary.
func (s *ChunkSet) UnmarshalBinary(b []byte) error {
	if len(b) == 0 {
		s.bm = nil
		return nil
	}
	bm := roaring.New()
	if err := bm.UnmarshalBinary(b); err != nil {
		return err
	}
	s.bm = bm
	return nil
}

// Attachment is the record of one inbound attachment.
type Attachment struct {
	ID    engineintf.AttachmentID
	Owned engineintf.IdentityID

	// Sender is the identity that sent the attachment. Empty until known.
	Sender engineintf.IdentityID

	CiphertextLength   int64
	NominalChunkLength int64
	ChunkCount         uint32

	// PlaintextLength is the size of the output file. Only meaningful
	// once Key is set.
	PlaintextLength int64

	Key      *aead.Key
	Metadata []byte
	Digest   *Digest

	Status  AttachmentStatus
	Written ChunkSet

	// OutputPath is where the plaintext is assembled.
	OutputPath string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanBeDownloaded is true when the key, metadata and sender are all known.
func (a *Attachment) CanBeDownloaded() bool {
	return a.Key != nil && a.Metadata != nil && !a.Sender.IsEmpty()
}

// AllChunksWritten is true when every chunk has been written.
func (a *Attachment) AllChunksWritten() bool {
	return a.ChunkCount > 0 && a.Written.Len() == uint64(a.ChunkCount)
}

// Chunk is the record of one chunk of an attachment.
type Chunk struct {
	Attachment       engineintf.AttachmentID
	Number           uint32
	CiphertextLength int64

	// PlaintextLength is nil until the decryption key is bound.
	PlaintextLength *int64

	SignedURL string
}

// TransferSession binds an attachment to one active download session.
type TransferSession struct {
	ID         uuid.UUID
	Attachment engineintf.AttachmentID
	CreatedAt  time.Time
}

// CreateAttachment stores a new attachment and its chunks. It fails with
// ErrAlreadyExists if an attachment with the same id exists.
func (db *DB) CreateAttachment(tx ReadWriteTx, a *Attachment, chunks []*Chunk) error {
	if uint32(len(chunks)) != a.ChunkCount {
		str := fmt.Sprintf("attachment %s has %d chunks but %d were provided",
			a.ID, a.ChunkCount, len(chunks))
		return contextError(ErrInvalidRecord, str, nil)
	}
	key := attachmentKey(a.ID)
	exists, err := hasKey(tx, key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("attachment %s: %w", a.ID, ErrAlreadyExists)
	}
	for i, c := range chunks {
		if c.Number != uint32(i) || c.Attachment != a.ID {
			str := fmt.Sprintf("chunk %d of attachment %s is out of place", i, a.ID)
			return contextError(ErrInvalidRecord, str, nil)
		}
		if err := putRecord(tx, chunkKey(a.ID, c.Number), c); err != nil {
			return err
		}
	}
	return putRecord(tx, key, a)
}

// GetAttachment returns the attachment with the given id.
func (db *DB) GetAttachment(tx ReadTx, id engineintf.AttachmentID) (*Attachment, error) {
	a := new(Attachment)
	if err := getRecord(tx, attachmentKey(id), a); err != nil {
		return nil, fmt.Errorf("attachment %s: %w", id, err)
	}
	return a, nil
}

// PutAttachment overwrites an existing attachment record.
func (db *DB) PutAttachment(tx ReadWriteTx, a *Attachment) error {
	a.UpdatedAt = db.now()
	return putRecord(tx, attachmentKey(a.ID), a)
}

// ListAttachments returns every attachment for which pred returns true. A nil
// pred matches every attachment.
func (db *DB) ListAttachments(tx ReadTx, pred func(a *Attachment) bool) ([]*Attachment, error) {
	var res []*Attachment
	err := scanRecords(tx, prefixAttachment, func(_ []byte, a *Attachment) error {
		if pred == nil || pred(a) {
			res = append(res, a)
		}
		return nil
	})
	return res, err
}

// GetChunk returns chunk n of an attachment.
func (db *DB) GetChunk(tx ReadTx, id engineintf.AttachmentID, n uint32) (*Chunk, error) {
	c := new(Chunk)
	if err := getRecord(tx, chunkKey(id, n), c); err != nil {
		return nil, fmt.Errorf("chunk %d of %s: %w", n, id, err)
	}
	return c, nil
}

// ListChunks returns all chunks of an attachment ordered by chunk number.
func (db *DB) ListChunks(tx ReadTx, id engineintf.AttachmentID) ([]*Chunk, error) {
	var res []*Chunk
	err := scanRecords(tx, chunksPrefix(id), func(_ []byte, c *Chunk) error {
		res = append(res, c)
		return nil
	})
	return res, err
}

// PutChunk overwrites a chunk record.
func (db *DB) PutChunk(tx ReadWriteTx, c *Chunk) error {
	return putRecord(tx, chunkKey(c.Attachment, c.Number), c)
}

// DeleteChunks removes every chunk record of an attachment.
func (db *DB) DeleteChunks(tx ReadWriteTx, id engineintf.AttachmentID) error {
	w := asWtx(tx)
	return scanKeys(tx, chunksPrefix(id), func(k []byte) error {
		w.del(k)
		return nil
	})
}

// DeleteAttachment removes an attachment, its chunks and its transfer
// session. Deleting an attachment that does not exist is not an error.
func (db *DB) DeleteAttachment(tx ReadWriteTx, id engineintf.AttachmentID) error {
	if err := db.DeleteChunks(tx, id); err != nil {
		return err
	}
	if err := db.DeleteSession(tx, id); err != nil {
		return err
	}
	asWtx(tx).del(attachmentKey(id))
	return nil
}

// CreateSession binds a transfer session to its attachment. It fails with
// ErrAlreadyExists if the attachment already has a session.
func (db *DB) CreateSession(tx ReadWriteTx, s *TransferSession) error {
	key := sessionKey(s.Attachment)
	exists, err := hasKey(tx, key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("session of %s: %w", s.Attachment, ErrAlreadyExists)
	}
	if err := putRecord(tx, sessionByIDKey(s.ID[:]), s.Attachment); err != nil {
		return err
	}
	return putRecord(tx, key, s)
}

// GetSession returns the transfer session of an attachment.
func (db *DB) GetSession(tx ReadTx, id engineintf.AttachmentID) (*TransferSession, error) {
	s := new(TransferSession)
	if err := getRecord(tx, sessionKey(id), s); err != nil {
		return nil, fmt.Errorf("session of %s: %w", id, err)
	}
	return s, nil
}

// AttachmentForSession returns the attachment bound to the session sid.
func (db *DB) AttachmentForSession(tx ReadTx, sid uuid.UUID) (engineintf.AttachmentID, error) {
	var id engineintf.AttachmentID
	if err := getRecord(tx, sessionByIDKey(sid[:]), &id); err != nil {
		return id, fmt.Errorf("session %s: %w", sid, err)
	}
	return id, nil
}

// DeleteSession removes the transfer session of an attachment, if any.
func (db *DB) DeleteSession(tx ReadWriteTx, id engineintf.AttachmentID) error {
	s, err := db.GetSession(tx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	w := asWtx(tx)
	w.del(sessionByIDKey(s.ID[:]))
	w.del(sessionKey(id))
	return nil
}

// DeleteAllSessions removes every transfer session. Returns the number of
// removed sessions.
func (db *DB) DeleteAllSessions(tx ReadWriteTx) (int, error) {
	var sessions []*TransferSession
	err := scanRecords(tx, prefixSession, func(_ []byte, s *TransferSession) error {
		sessions = append(sessions, s)
		return nil
	})
	if err != nil {
		return 0, err
	}
	w := asWtx(tx)
	for _, s := range sessions {
		w.del(sessionByIDKey(s.ID[:]))
		w.del(sessionKey(s.Attachment))
	}
	return len(sessions), nil
}

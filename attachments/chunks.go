package attachments

import (
	"context"
	"errors"
	"fmt"

	"github.com/companyzero/inboxengine/chunkcodec"
	"github.com/companyzero/inboxengine/enginedb"
	"github.com/companyzero/inboxengine/engineintf"
)

// loadChunkTarget validates that chunk n of id may be written and returns
// where to write it. The offset is the sum of the plaintext lengths of every
// previous chunk.
func (m *Manager) loadChunkTarget(ctx context.Context, id engineintf.AttachmentID, n uint32) (*enginedb.Attachment, int64, int64, error) {
	var a *enginedb.Attachment
	var offset, plainLen int64
	err := m.db.View(ctx, func(tx enginedb.ReadTx) error {
		var err error
		a, err = m.db.GetAttachment(tx, id)
		if err != nil {
			return err
		}
		if a.Key == nil {
			return fmt.Errorf("attachment %s: %w", id, ErrKeyNotBound)
		}
		if n >= a.ChunkCount {
			return fmt.Errorf("chunk %d of %s (%d chunks): %w", n, id,
				a.ChunkCount, ErrInvalidChunkNumber)
		}
		if !acceptsChunks(a.Status) {
			return fmt.Errorf("attachment %s is %s: %w", id, a.Status,
				ErrNotDownloadable)
		}
		if a.Written.Contains(n) {
			return fmt.Errorf("chunk %d of %s: %w", n, id, ErrChunkAlreadyWritten)
		}
		chunks, err := m.db.ListChunks(tx, id)
		if err != nil {
			return err
		}
		if uint32(len(chunks)) != a.ChunkCount {
			return fmt.Errorf("attachment %s has %d of %d chunks: %w", id,
				len(chunks), a.ChunkCount, ErrNotDownloadable)
		}
		for _, c := range chunks[:n] {
			if c.PlaintextLength == nil {
				return fmt.Errorf("chunk %d of %s: %w", c.Number, id, ErrKeyNotBound)
			}
			offset += *c.PlaintextLength
		}
		if chunks[n].PlaintextLength == nil {
			return fmt.Errorf("chunk %d of %s: %w", n, id, ErrKeyNotBound)
		}
		plainLen = *chunks[n].PlaintextLength
		return nil
	})
	return a, offset, plainLen, err
}

// DecryptAndWriteChunk decrypts chunk n of an attachment and writes it to its
// place in the output file. Each chunk is written at most once. Writing the
// last missing chunk of a resumed attachment finalizes it: the assembled file
// is checked against the expected digest before the attachment becomes
// Downloaded.
func (m *Manager) DecryptAndWriteChunk(ctx context.Context, id engineintf.AttachmentID, n uint32, ciphertext []byte) error {
	// Serialize the check-and-write of this specific chunk.
	unlockChunk := m.chunkLocks.Lock(chunkRef{id: id, n: n})
	defer unlockChunk()

	a, offset, plainLen, err := m.loadChunkTarget(ctx, id, n)
	if err != nil {
		return err
	}

	plaintext, err := chunkcodec.DecryptChunk(ciphertext, *a.Key)
	if err != nil {
		if errors.Is(err, chunkcodec.ErrDecryptionFailed) {
			m.stats.decryptFails.Inc()
		}
		return fmt.Errorf("chunk %d of %s: %w", n, id, err)
	}
	if int64(len(plaintext)) != plainLen {
		return UnexpectedChunkLengthError{Chunk: n, Got: int64(len(plaintext)), Want: plainLen}
	}
	if err := chunkcodec.WriteFileAt(a.OutputPath, plaintext, offset); err != nil {
		return fmt.Errorf("unable to write chunk %d of %s: %w", n, id, err)
	}

	// Mark written and check for completion under the attachment lock.
	unlock := m.attLocks.Lock(id)
	defer unlock()

	var complete bool
	err = m.db.Update(ctx, func(tx enginedb.ReadWriteTx) error {
		a, err := m.db.GetAttachment(tx, id)
		if err != nil {
			return err
		}
		if !acceptsChunks(a.Status) {
			return fmt.Errorf("attachment %s became %s: %w", id, a.Status,
				ErrNotDownloadable)
		}
		if !a.Written.Add(n) {
			return fmt.Errorf("chunk %d of %s: %w", n, id, ErrChunkAlreadyWritten)
		}
		complete = a.Status == enginedb.StatusResumeRequested && a.AllChunksWritten()
		return m.db.PutAttachment(tx, a)
	})
	if err != nil {
		return err
	}

	m.stats.chunksWritten.Inc()
	m.stats.bytesWritten.Add(float64(plainLen))
	m.addProgress(id, plainLen, a.PlaintextLength)
	m.dlog.Tracef("Wrote chunk %d of %s (%d bytes at %d)", n, id, plainLen, offset)

	if !complete {
		return nil
	}
	return m.finalizeLocked(ctx, id)
}

// finalizeLocked verifies the assembled file of an attachment with every
// chunk written and marks it as downloaded. On a digest mismatch the
// download is reset and paused.
//
// Must be called with the attachment lock held.
func (m *Manager) finalizeLocked(ctx context.Context, id engineintf.AttachmentID) error {
	a, err := m.Attachment(ctx, id)
	if err != nil {
		return err
	}
	if a.Status != enginedb.StatusResumeRequested || !a.AllChunksWritten() {
		return nil
	}

	if verr := verifyFile(a.OutputPath, a.Digest); verr != nil {
		m.log.Warnf("Integrity check of %s failed: %v", id, verr)
		if !errors.Is(verr, ErrIntegrityMismatch) && !errors.Is(verr, ErrMissingDigest) {
			// Unable to read the file. Leave the attachment as is so
			// the check is retried on the next reconcile.
			return verr
		}
		m.stats.integrityFails.Inc()
		if err := m.resetLocked(ctx, id); err != nil {
			return err
		}
		_, err := m.changeStatus(ctx, id, enginedb.StatusPaused,
			func(tx enginedb.ReadWriteTx, _ *enginedb.Attachment) error {
				tx.OnCommitted(func() { m.ntfns.NotifyAttachmentPaused(id) })
				return nil
			})
		if err != nil {
			return err
		}
		m.ntfns.NotifyAttachmentIntegrityFailed(id, verr)
		return verr
	}

	changed, err := m.changeStatus(ctx, id, enginedb.StatusDownloaded,
		func(tx enginedb.ReadWriteTx, a *enginedb.Attachment) error {
			if err := m.db.DeleteSession(tx, id); err != nil {
				return err
			}
			if err := m.deleteSignedURLs(tx, id); err != nil {
				return err
			}
			path := a.OutputPath
			tx.OnCommitted(func() {
				m.stats.downloadsCompleted.Inc()
				m.ntfns.NotifyAttachmentDownloaded(id, path)
			})
			return nil
		})
	if err != nil {
		return err
	}
	if changed {
		m.setProgress(id, a.PlaintextLength, a.PlaintextLength)
		m.log.Infof("Downloaded attachment %s (%d bytes)", id, a.PlaintextLength)
	}
	return nil
}

func (m *Manager) deleteSignedURLs(tx enginedb.ReadWriteTx, id engineintf.AttachmentID) error {
	chunks, err := m.db.ListChunks(tx, id)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if c.SignedURL == "" {
			continue
		}
		c.SignedURL = ""
		if err := m.db.PutChunk(tx, c); err != nil {
			return err
		}
	}
	return nil
}

// SetChunksSignedURLs stores one signed download URL per chunk.
func (m *Manager) SetChunksSignedURLs(ctx context.Context, id engineintf.AttachmentID, urls []string) error {
	unlock := m.attLocks.Lock(id)
	defer unlock()
	return m.db.Update(ctx, func(tx enginedb.ReadWriteTx) error {
		a, err := m.db.GetAttachment(tx, id)
		if err != nil {
			return err
		}
		if uint32(len(urls)) != a.ChunkCount {
			return fmt.Errorf("%w: got %d for %d chunks", ErrWrongURLCount,
				len(urls), a.ChunkCount)
		}
		chunks, err := m.db.ListChunks(tx, id)
		if err != nil {
			return err
		}
		for _, c := range chunks {
			c.SignedURL = urls[c.Number]
			if err := m.db.PutChunk(tx, c); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteAllChunksSignedURLs drops every signed URL of an attachment so that
// a fresh set is requested. It is called when URLs expire and after a chunk
// fails authentication.
func (m *Manager) DeleteAllChunksSignedURLs(ctx context.Context, id engineintf.AttachmentID) error {
	unlock := m.attLocks.Lock(id)
	defer unlock()
	return m.db.Update(ctx, func(tx enginedb.ReadWriteTx) error {
		return m.deleteSignedURLs(tx, id)
	})
}

// Downloadable is an attachment ready to be downloaded along with its
// chunks.
type Downloadable struct {
	Attachment *enginedb.Attachment
	Chunks     []*enginedb.Chunk
}

// MissingChunks returns the chunks not yet written.
func (d *Downloadable) MissingChunks() []*enginedb.Chunk {
	var res []*enginedb.Chunk
	for _, c := range d.Chunks {
		if !d.Attachment.Written.Contains(c.Number) {
			res = append(res, c)
		}
	}
	return res
}

func (m *Manager) listResumed(ctx context.Context, pred func(d *Downloadable) bool) ([]*Downloadable, error) {
	var res []*Downloadable
	err := m.db.View(ctx, func(tx enginedb.ReadTx) error {
		as, err := m.db.ListAttachments(tx, func(a *enginedb.Attachment) bool {
			return a.Status == enginedb.StatusResumeRequested && a.CanBeDownloaded()
		})
		if err != nil {
			return err
		}
		for _, a := range as {
			chunks, err := m.db.ListChunks(tx, a.ID)
			if err != nil {
				return err
			}
			d := &Downloadable{Attachment: a, Chunks: chunks}
			if pred(d) {
				res = append(res, d)
			}
		}
		return nil
	})
	return res, err
}

// AllAttachmentsReadyToDownload returns the attachments with a resume
// request, a bound key, metadata and sender, and a signed URL for every
// chunk.
func (m *Manager) AllAttachmentsReadyToDownload(ctx context.Context) ([]*Downloadable, error) {
	return m.listResumed(ctx, func(d *Downloadable) bool {
		for _, c := range d.Chunks {
			if c.SignedURL == "" {
				return false
			}
		}
		return len(d.Chunks) > 0
	})
}

// AttachmentsNeedingSignedURLs returns the resumed attachments that still
// miss a signed URL for some chunk.
func (m *Manager) AttachmentsNeedingSignedURLs(ctx context.Context) ([]*Downloadable, error) {
	return m.listResumed(ctx, func(d *Downloadable) bool {
		for _, c := range d.Chunks {
			if c.SignedURL == "" {
				return true
			}
		}
		return false
	})
}

package attachments

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"testing"

	"github.com/companyzero/inboxengine/enginedb"
	"github.com/companyzero/inboxengine/engineintf"
	"github.com/companyzero/inboxengine/internal/assert"
	"github.com/companyzero/inboxengine/internal/testutils"
	"github.com/companyzero/inboxengine/ntfns"
)

var allStatuses = []enginedb.AttachmentStatus{
	enginedb.StatusPaused,
	enginedb.StatusResumeRequested,
	enginedb.StatusDownloaded,
	enginedb.StatusCancelledByServer,
	enginedb.StatusMarkedForDeletion,
}

// TestCanTransition checks every pair of statuses against the state machine.
func TestCanTransition(t *testing.T) {
	type edge struct{ from, to enginedb.AttachmentStatus }
	allowed := []edge{
		{enginedb.StatusPaused, enginedb.StatusResumeRequested},
		{enginedb.StatusResumeRequested, enginedb.StatusPaused},
		{enginedb.StatusResumeRequested, enginedb.StatusDownloaded},
		{enginedb.StatusPaused, enginedb.StatusCancelledByServer},
		{enginedb.StatusResumeRequested, enginedb.StatusCancelledByServer},
		{enginedb.StatusDownloaded, enginedb.StatusCancelledByServer},
		{enginedb.StatusPaused, enginedb.StatusMarkedForDeletion},
		{enginedb.StatusResumeRequested, enginedb.StatusMarkedForDeletion},
		{enginedb.StatusDownloaded, enginedb.StatusMarkedForDeletion},
		{enginedb.StatusCancelledByServer, enginedb.StatusMarkedForDeletion},
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := from == to || slices.Contains(allowed, edge{from, to})
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s): got %v, want %v",
					from, to, got, want)
			}
		}
	}
}

// TestDownloadOutOfOrder writes the chunks of a 250 byte attachment with
// nominal chunk length 100 in reverse order.
func TestDownloadOutOfOrder(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	downloads := h.trackDownloads()

	ta := newTestAttachment(t, 166, 100)
	assert.DeepEqual(t, ta.ciphertextLen(), int64(250))
	a := h.announceAndBind(ta, 100)
	assert.DeepEqual(t, a.ChunkCount, uint32(3))
	assert.DeepEqual(t, a.PlaintextLength, int64(166))
	assert.DeepEqual(t, a.Status, enginedb.StatusPaused)

	chunks, err := h.m.Chunks(ctx, ta.id)
	assert.NilErr(t, err)
	var ctLens []int64
	for _, c := range chunks {
		ctLens = append(ctLens, c.CiphertextLength)
	}
	assert.DeepEqual(t, ctLens, []int64{100, 100, 50})

	assert.NilErr(t, h.m.Resume(ctx, ta.id))
	assert.DeepEqual(t, h.status(ta.id), enginedb.StatusResumeRequested)
	for i := len(ta.chunks) - 1; i >= 0; i-- {
		assert.NilErr(t, h.m.DecryptAndWriteChunk(ctx, ta.id, uint32(i), ta.chunks[i]))
	}

	a = h.attachment(ta.id)
	assert.DeepEqual(t, a.Status, enginedb.StatusDownloaded)
	assert.DeepEqual(t, downloads.count(ta.id), 1)
	fi, err := os.Stat(a.OutputPath)
	assert.NilErr(t, err)
	assert.DeepEqual(t, fi.Size(), int64(166))
	assert.FileContents(t, a.OutputPath, ta.plaintext)

	// Progress is reported as complete.
	progs := h.m.ProgressesUpdatedSince(a.CreatedAt.Add(-1))
	assert.DeepEqual(t, progs[ta.id], 1.0)

	// Writing after completion is rejected.
	err = h.m.DecryptAndWriteChunk(ctx, ta.id, 0, ta.chunks[0])
	assert.ErrorIs(t, err, ErrNotDownloadable)
}

// TestConcurrentCompletion writes every chunk multiple times concurrently and
// asserts the attachment completes exactly once.
func TestConcurrentCompletion(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	downloads := h.trackDownloads()

	ta := newTestAttachment(t, 5000, 256)
	h.announceAndBind(ta, 256)
	assert.NilErr(t, h.m.Resume(ctx, ta.id))

	const dupes = 3
	var wg sync.WaitGroup
	errs := make(chan error, len(ta.chunks)*dupes)
	for d := 0; d < dupes; d++ {
		for i := range ta.chunks {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- h.m.DecryptAndWriteChunk(ctx, ta.id, uint32(i), ta.chunks[i])
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err == nil || errors.Is(err, ErrChunkAlreadyWritten) ||
			errors.Is(err, ErrNotDownloadable) {
			continue
		}
		t.Fatalf("unexpected error: %v", err)
	}

	a := h.attachment(ta.id)
	assert.DeepEqual(t, a.Status, enginedb.StatusDownloaded)
	assert.DeepEqual(t, downloads.count(ta.id), 1)
	assert.FileContents(t, a.OutputPath, ta.plaintext)
}

// TestChunkWriteIdempotent asserts a chunk is written at most once.
func TestChunkWriteIdempotent(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	ta := newTestAttachment(t, 300, 100)
	a := h.announceAndBind(ta, 100)

	// Chunks are accepted while paused.
	assert.NilErr(t, h.m.DecryptAndWriteChunk(ctx, ta.id, 1, ta.chunks[1]))
	err := h.m.DecryptAndWriteChunk(ctx, ta.id, 1, ta.chunks[1])
	assert.ErrorIs(t, err, ErrChunkAlreadyWritten)
	a = h.attachment(ta.id)
	assert.DeepEqual(t, a.Written.Len(), uint64(1))

	// Out of range chunk.
	err = h.m.DecryptAndWriteChunk(ctx, ta.id, uint32(len(ta.chunks)), ta.chunks[0])
	assert.ErrorIs(t, err, ErrInvalidChunkNumber)

	// Tampered chunk fails authentication and is not marked written.
	bad := append([]byte(nil), ta.chunks[0]...)
	bad[len(bad)-1] ^= 0xff
	err = h.m.DecryptAndWriteChunk(ctx, ta.id, 0, bad)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
	assert.DeepEqual(t, h.attachment(ta.id).Written.Contains(0), false)

	// A chunk with a different plaintext length is rejected.
	err = h.m.DecryptAndWriteChunk(ctx, ta.id, 0, ta.chunks[len(ta.chunks)-1])
	assert.ErrorIs(t, err, UnexpectedChunkLengthError{})
}

// TestPausedCompletesOnResume writes every chunk while paused and asserts
// the attachment is finalized only once resumed.
func TestPausedCompletesOnResume(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	downloads := h.trackDownloads()

	ta := newTestAttachment(t, 400, 128)
	h.announceAndBind(ta, 128)
	for i, c := range ta.chunks {
		assert.NilErr(t, h.m.DecryptAndWriteChunk(ctx, ta.id, uint32(i), c))
	}
	assert.DeepEqual(t, h.status(ta.id), enginedb.StatusPaused)
	assert.DeepEqual(t, downloads.count(ta.id), 0)

	assert.NilErr(t, h.m.Resume(ctx, ta.id))
	assert.DeepEqual(t, h.status(ta.id), enginedb.StatusDownloaded)
	assert.DeepEqual(t, downloads.count(ta.id), 1)

	// Resuming again is a no-op.
	assert.NilErr(t, h.m.Resume(ctx, ta.id))
	assert.DeepEqual(t, downloads.count(ta.id), 1)
}

// TestIntegrityMismatch asserts a file that does not match its digest is
// reset and paused.
func TestIntegrityMismatch(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	downloads := h.trackDownloads()
	integrityFails := make(chan engineintf.AttachmentID, 1)
	h.ntfns.RegisterSync(ntfns.OnAttachmentIntegrityFailedNtfn(func(id engineintf.AttachmentID, _ error) {
		integrityFails <- id
	}))

	ta := newTestAttachment(t, 200, 100)
	var err error
	ta.digest, err = BytesDigest([]byte("something else"), enginedb.DigestSHA256)
	assert.NilErr(t, err)
	h.announceAndBind(ta, 100)
	assert.NilErr(t, h.m.Resume(ctx, ta.id))

	var lastErr error
	for i, c := range ta.chunks {
		lastErr = h.m.DecryptAndWriteChunk(ctx, ta.id, uint32(i), c)
	}
	assert.ErrorIs(t, lastErr, ErrIntegrityMismatch)
	assert.ChanWrittenWithVal(t, integrityFails, ta.id)

	a := h.attachment(ta.id)
	assert.DeepEqual(t, a.Status, enginedb.StatusPaused)
	assert.DeepEqual(t, a.Written.Len(), uint64(0))
	assert.DeepEqual(t, downloads.count(ta.id), 0)
	assert.FileContents(t, a.OutputPath, make([]byte, len(ta.plaintext)))
}

// TestBindDecryptionKey asserts the key is only bound once and that an
// inconsistent announcement cancels the attachment.
func TestBindDecryptionKey(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	ta := newTestAttachment(t, 200, 100)
	h.announce(ta, 100)

	// Writing before binding fails.
	err := h.m.DecryptAndWriteChunk(ctx, ta.id, 0, ta.chunks[0])
	assert.ErrorIs(t, err, ErrKeyNotBound)

	// Unknown digest algo.
	err = h.m.BindDecryptionKeyAndMetadata(ctx, ta.id, ta.key, nil,
		enginedb.Digest{Algo: "md5", Sum: []byte{1}})
	assert.ErrorIs(t, err, ErrUnknownDigestAlgo)

	assert.NilErr(t, h.m.BindDecryptionKeyAndMetadata(ctx, ta.id, ta.key, nil, ta.digest))
	err = h.m.BindDecryptionKeyAndMetadata(ctx, ta.id, ta.key, nil, ta.digest)
	assert.ErrorIs(t, err, ErrAlreadySet)
	a := h.attachment(ta.id)
	assert.BoolIs(t, a.CanBeDownloaded(), true)
	fi, err := os.Stat(a.OutputPath)
	assert.NilErr(t, err)
	assert.DeepEqual(t, fi.Size(), int64(200))

	// The last chunk of this announcement is shorter than the scheme
	// overhead.
	cancelled := make(chan engineintf.AttachmentID, 1)
	h.ntfns.RegisterSync(ntfns.OnAttachmentCancelledByServerNtfn(func(id engineintf.AttachmentID) {
		cancelled <- id
	}))
	badID := testutils.RandomAttachmentID(t, 1)
	_, err = h.m.Create(ctx, Announcement{
		ID:                 badID,
		Owned:              testutils.RandomIdentityID(t),
		CiphertextLength:   210,
		NominalChunkLength: 100,
	})
	assert.NilErr(t, err)
	assert.NilErr(t, h.m.BindDecryptionKeyAndMetadata(ctx, badID, ta.key, nil, ta.digest))
	assert.ChanWrittenWithVal(t, cancelled, badID)
	a = h.attachment(badID)
	assert.DeepEqual(t, a.Status, enginedb.StatusCancelledByServer)
	assert.BoolIs(t, a.Key == nil, true)
}

func TestCreateDuplicate(t *testing.T) {
	h := newTestHarness(t)
	ta := newTestAttachment(t, 10, 100)
	h.announce(ta, 100)
	_, err := h.m.Create(context.Background(), Announcement{
		ID:                 ta.id,
		CiphertextLength:   ta.ciphertextLen(),
		NominalChunkLength: 100,
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

// TestDeleteDownload asserts deletion is terminal and idempotent.
func TestDeleteDownload(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	ta := newTestAttachment(t, 200, 100)
	a := h.announceAndBind(ta, 100)
	assert.NilErr(t, h.m.DecryptAndWriteChunk(ctx, ta.id, 0, ta.chunks[0]))

	assert.NilErr(t, h.m.DeleteDownload(ctx, ta.id))
	assert.NilErr(t, h.m.DeleteDownload(ctx, ta.id))
	assert.DeepEqual(t, h.status(ta.id), enginedb.StatusMarkedForDeletion)
	if _, err := os.Stat(a.OutputPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("unexpected stat error: %v", err)
	}
	chunks, err := h.m.Chunks(ctx, ta.id)
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(chunks), 0)

	// No way back from deletion.
	err = h.m.Resume(ctx, ta.id)
	assert.ErrorIs(t, err, IllegalStatusTransitionError{})
	err = h.m.MarkCancelledByServer(ctx, ta.id)
	assert.ErrorIs(t, err, IllegalStatusTransitionError{})
	err = h.m.ResetDownload(ctx, ta.id)
	assert.ErrorIs(t, err, ErrNotDownloadable)

	// Unknown attachments are ignored.
	assert.NilErr(t, h.m.DeleteDownload(ctx, testutils.RandomAttachmentID(t, 0)))

	// Removing the attachment drops the record.
	assert.NilErr(t, h.m.DeleteAttachment(ctx, ta.id))
	_, err = h.m.Attachment(ctx, ta.id)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestResetDownload resets a downloaded attachment and downloads it again.
func TestResetDownload(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	downloads := h.trackDownloads()

	ta := newTestAttachment(t, 300, 100)
	a := h.announceAndBind(ta, 100)
	assert.NilErr(t, h.m.Resume(ctx, ta.id))
	for i, c := range ta.chunks {
		assert.NilErr(t, h.m.DecryptAndWriteChunk(ctx, ta.id, uint32(i), c))
	}
	assert.DeepEqual(t, h.status(ta.id), enginedb.StatusDownloaded)

	assert.NilErr(t, h.m.ResetDownload(ctx, ta.id))
	a = h.attachment(ta.id)
	assert.DeepEqual(t, a.Status, enginedb.StatusPaused)
	assert.DeepEqual(t, a.Written.Len(), uint64(0))
	assert.FileContents(t, a.OutputPath, make([]byte, len(ta.plaintext)))

	assert.NilErr(t, h.m.Resume(ctx, ta.id))
	for i, c := range ta.chunks {
		assert.NilErr(t, h.m.DecryptAndWriteChunk(ctx, ta.id, uint32(i), c))
	}
	assert.DeepEqual(t, downloads.count(ta.id), 2)
	assert.FileContents(t, a.OutputPath, ta.plaintext)
}

// TestCancelledByServer asserts cancelling drops session and signed urls.
func TestCancelledByServer(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	ta := newTestAttachment(t, 300, 100)
	h.announceAndBind(ta, 100)
	assert.NilErr(t, h.m.Resume(ctx, ta.id))
	urls := make([]string, len(ta.chunks))
	for i := range urls {
		urls[i] = fmt.Sprintf("https://example.com/%d", i)
	}
	err := h.m.SetChunksSignedURLs(ctx, ta.id, urls[:2])
	assert.ErrorIs(t, err, ErrWrongURLCount)
	assert.NilErr(t, h.m.SetChunksSignedURLs(ctx, ta.id, urls))
	ready, err := h.m.AllAttachmentsReadyToDownload(ctx)
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(ready), 1)
	_, err = h.m.StartSession(ctx, ta.id)
	assert.NilErr(t, err)

	assert.NilErr(t, h.m.MarkCancelledByServer(ctx, ta.id))
	assert.DeepEqual(t, h.status(ta.id), enginedb.StatusCancelledByServer)
	chunks, err := h.m.Chunks(ctx, ta.id)
	assert.NilErr(t, err)
	for _, c := range chunks {
		assert.DeepEqual(t, c.SignedURL, "")
	}
	ready, err = h.m.AllAttachmentsReadyToDownload(ctx)
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(ready), 0)

	// Chunks are no longer accepted.
	err = h.m.DecryptAndWriteChunk(ctx, ta.id, 0, ta.chunks[0])
	assert.ErrorIs(t, err, ErrNotDownloadable)
}

func TestSessions(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	ta := newTestAttachment(t, 100, 100)
	h.announceAndBind(ta, 100)

	sid, err := h.m.StartSession(ctx, ta.id)
	assert.NilErr(t, err)
	_, err = h.m.StartSession(ctx, ta.id)
	assert.ErrorIs(t, err, ErrSessionActive)

	gotID, err := h.m.AttachmentForSession(ctx, sid)
	assert.NilErr(t, err)
	assert.DeepEqual(t, gotID, ta.id)

	assert.NilErr(t, h.m.EndSession(ctx, ta.id))
	assert.NilErr(t, h.m.EndSession(ctx, ta.id))
	_, err = h.m.AttachmentForSession(ctx, sid)
	assert.ErrorIs(t, err, ErrNotFound)

	sid2, err := h.m.StartSession(ctx, ta.id)
	assert.NilErr(t, err)
	if sid2 == sid {
		t.Fatal("session id reused")
	}

	// Leftover sessions are cleared.
	assert.NilErr(t, h.m.clearSessions(ctx))
	_, err = h.m.AttachmentForSession(ctx, sid2)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestReconcileCompleted finalizes an attachment that had every chunk
// written but was never marked as downloaded.
func TestReconcileCompleted(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	downloads := h.trackDownloads()

	ta := newTestAttachment(t, 300, 100)
	a := h.announceAndBind(ta, 100)
	assert.NilErr(t, h.m.Resume(ctx, ta.id))

	// Simulate a crash between the last write and the finalization.
	assert.NilErr(t, os.WriteFile(a.OutputPath, ta.plaintext, 0o600))
	err := h.db.Update(ctx, func(tx enginedb.ReadWriteTx) error {
		a, err := h.db.GetAttachment(tx, ta.id)
		if err != nil {
			return err
		}
		for i := range ta.chunks {
			a.Written.Add(uint32(i))
		}
		return h.db.PutAttachment(tx, a)
	})
	assert.NilErr(t, err)

	assert.NilErr(t, h.m.ReconcileCompleted(ctx))
	assert.DeepEqual(t, h.status(ta.id), enginedb.StatusDownloaded)
	assert.DeepEqual(t, downloads.count(ta.id), 1)
}

func TestProgress(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	ta := newTestAttachment(t, 144, 100)
	h.announceAndBind(ta, 100)
	assert.DeepEqual(t, len(ta.chunks), 2)

	before := h.m.now().Add(-1)
	assert.NilErr(t, h.m.DecryptAndWriteChunk(ctx, ta.id, 0, ta.chunks[0]))
	progs := h.m.ProgressesUpdatedSince(before)
	assert.DeepEqual(t, progs[ta.id], 0.5)

	// Nothing was updated in the future.
	progs = h.m.ProgressesUpdatedSince(h.m.now().Add(1 << 40))
	assert.DeepEqual(t, len(progs), 0)
}

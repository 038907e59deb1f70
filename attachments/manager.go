// Package attachments implements the download side of encrypted attachments:
// the per-attachment state machine, chunk reassembly into a sparse output
// file, the final integrity check and the download loop that drives the
// transport.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/companyzero/inboxengine/aead"
	"github.com/companyzero/inboxengine/chunkcodec"
	"github.com/companyzero/inboxengine/enginedb"
	"github.com/companyzero/inboxengine/engineintf"
	"github.com/companyzero/inboxengine/internal/keyedmtx"
	"github.com/companyzero/inboxengine/ntfns"
	"github.com/decred/slog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
)

// Config is the configuration of a Manager.
type Config struct {
	DB *enginedb.DB

	// DownloadsDir is where output files are assembled, one file per
	// attachment.
	DownloadsDir string

	// Notifications receives attachment events. May be nil.
	Notifications *ntfns.Manager

	// URLProvider and Fetcher are used by the download loop. They are
	// only required by Run.
	URLProvider SignedURLProvider
	Fetcher     ChunkFetcher

	// MaxConcurrentChunks is the number of chunks fetched in parallel.
	// Defaults to 4.
	MaxConcurrentChunks int

	// PollInterval is how often the download loop looks for work when it
	// is not kicked. Defaults to 30 seconds.
	PollInterval time.Duration

	// Registerer is where metrics are registered. May be nil.
	Registerer prometheus.Registerer

	Logger         slog.Logger
	DownloadLogger slog.Logger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

func (cfg *Config) setDefaults() {
	if cfg.MaxConcurrentChunks <= 0 {
		cfg.MaxConcurrentChunks = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Disabled
	}
	if cfg.DownloadLogger == nil {
		cfg.DownloadLogger = slog.Disabled
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
}

type chunkRef struct {
	id engineintf.AttachmentID
	n  uint32
}

// Manager owns every inbound attachment.
//
// Chunk writes for distinct chunks of the same attachment run concurrently.
// Marking a chunk written, the completion check and the finalization of an
// attachment are serialized per attachment.
type Manager struct {
	cfg   Config
	db    *enginedb.DB
	log   slog.Logger
	dlog  slog.Logger
	ntfns *ntfns.Manager
	now   func() time.Time
	stats *stats

	attLocks   *keyedmtx.Mutex[engineintf.AttachmentID]
	chunkLocks *keyedmtx.Mutex[chunkRef]
	progress   *xsync.MapOf[engineintf.AttachmentID, progress]
	kick       chan struct{}
}

// NewManager creates a new attachment manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.DB == nil {
		return nil, errors.New("db is required")
	}
	if cfg.DownloadsDir == "" {
		return nil, errors.New("downloads dir is required")
	}
	cfg.setDefaults()
	dir, err := filepath.Abs(cfg.DownloadsDir)
	if err != nil {
		return nil, fmt.Errorf("unable to determine downloads dir: %v", err)
	}
	cfg.DownloadsDir = dir

	return &Manager{
		cfg:        cfg,
		db:         cfg.DB,
		log:        cfg.Logger,
		dlog:       cfg.DownloadLogger,
		ntfns:      cfg.Notifications,
		now:        cfg.Now,
		stats:      newStats(cfg.Registerer),
		attLocks:   keyedmtx.New[engineintf.AttachmentID](),
		chunkLocks: keyedmtx.New[chunkRef](),
		progress:   xsync.NewMapOf[engineintf.AttachmentID, progress](),
		kick:       make(chan struct{}, 1),
	}, nil
}

func (m *Manager) outputPath(id engineintf.AttachmentID) string {
	return filepath.Join(m.cfg.DownloadsDir, id.Message.String(),
		strconv.FormatUint(uint64(id.Number), 10))
}

// Announcement is the description of a new inbound attachment.
type Announcement struct {
	ID    engineintf.AttachmentID
	Owned engineintf.IdentityID

	// Sender may be empty when not yet known.
	Sender engineintf.IdentityID

	CiphertextLength   int64
	NominalChunkLength int64
}

// Create registers a new attachment in the Paused status, with its chunks
// sized from the total ciphertext length.
func (m *Manager) Create(ctx context.Context, ann Announcement) (*enginedb.Attachment, error) {
	lens, err := chunkcodec.Partition(ann.CiphertextLength, ann.NominalChunkLength)
	if err != nil {
		return nil, err
	}
	now := m.now()
	a := &enginedb.Attachment{
		ID:                 ann.ID,
		Owned:              ann.Owned,
		Sender:             ann.Sender,
		CiphertextLength:   ann.CiphertextLength,
		NominalChunkLength: ann.NominalChunkLength,
		ChunkCount:         uint32(len(lens)),
		Status:             enginedb.StatusPaused,
		OutputPath:         m.outputPath(ann.ID),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	chunks := make([]*enginedb.Chunk, len(lens))
	for i, l := range lens {
		chunks[i] = &enginedb.Chunk{
			Attachment:       ann.ID,
			Number:           uint32(i),
			CiphertextLength: l,
		}
	}
	err = m.db.Update(ctx, func(tx enginedb.ReadWriteTx) error {
		return m.db.CreateAttachment(tx, a, chunks)
	})
	if err != nil {
		return nil, err
	}
	m.log.Debugf("Created attachment %s with %d chunks (%d bytes)", a.ID,
		a.ChunkCount, a.CiphertextLength)
	return a, nil
}

// Attachment returns the attachment with the given id.
func (m *Manager) Attachment(ctx context.Context, id engineintf.AttachmentID) (*enginedb.Attachment, error) {
	var a *enginedb.Attachment
	err := m.db.View(ctx, func(tx enginedb.ReadTx) error {
		var err error
		a, err = m.db.GetAttachment(tx, id)
		return err
	})
	return a, err
}

// Chunks returns the chunks of an attachment.
func (m *Manager) Chunks(ctx context.Context, id engineintf.AttachmentID) ([]*enginedb.Chunk, error) {
	var cs []*enginedb.Chunk
	err := m.db.View(ctx, func(tx enginedb.ReadTx) error {
		var err error
		cs, err = m.db.ListChunks(tx, id)
		return err
	})
	return cs, err
}

// SetSender records the sender of an attachment, when it was not known at
// creation time.
func (m *Manager) SetSender(ctx context.Context, id engineintf.AttachmentID, sender engineintf.IdentityID) error {
	unlock := m.attLocks.Lock(id)
	defer unlock()
	return m.db.Update(ctx, func(tx enginedb.ReadWriteTx) error {
		a, err := m.db.GetAttachment(tx, id)
		if err != nil {
			return err
		}
		if !a.Sender.IsEmpty() {
			if a.Sender != sender {
				return fmt.Errorf("attachment %s sender: %w", id, ErrAlreadySet)
			}
			return nil
		}
		a.Sender = sender
		return m.db.PutAttachment(tx, a)
	})
}

// BindDecryptionKeyAndMetadata sets the key, metadata and expected digest of
// an attachment. The key may only be bound once: a second call fails with
// ErrAlreadySet.
//
// The plaintext length of every chunk is derived from the key. If that fails
// the announcement was inconsistent and the attachment is cancelled instead.
// Otherwise the sparse output file is created.
func (m *Manager) BindDecryptionKeyAndMetadata(ctx context.Context, id engineintf.AttachmentID,
	key aead.Key, metadata []byte, digest enginedb.Digest) error {

	if _, err := newHasher(digest.Algo); err != nil {
		return err
	}
	if len(digest.Sum) == 0 {
		return ErrMissingDigest
	}
	if metadata == nil {
		metadata = []byte{}
	}

	unlock := m.attLocks.Lock(id)
	defer unlock()

	var cancelled bool
	err := m.db.Update(ctx, func(tx enginedb.ReadWriteTx) error {
		a, err := m.db.GetAttachment(tx, id)
		if err != nil {
			return err
		}
		if a.Key != nil {
			m.log.Warnf("Attempt to rebind decryption key of %s", id)
			return fmt.Errorf("attachment %s: %w", id, ErrAlreadySet)
		}
		if a.Status == enginedb.StatusMarkedForDeletion {
			return fmt.Errorf("attachment %s: %w", id, ErrNotDownloadable)
		}

		chunks, err := m.db.ListChunks(tx, id)
		if err != nil {
			return err
		}
		var total int64
		var lenErr error
		for _, c := range chunks {
			if c.PlaintextLength != nil {
				return fmt.Errorf("chunk %d of %s plaintext length: %w",
					c.Number, id, ErrAlreadySet)
			}
			l, err := chunkcodec.PlaintextLength(c.CiphertextLength, key)
			if err != nil {
				lenErr = fmt.Errorf("chunk %d: %w", c.Number, err)
				break
			}
			c.PlaintextLength = &l
			total += l
		}

		if lenErr != nil {
			m.log.Warnf("Cancelling attachment %s with inconsistent "+
				"chunk lengths: %v", id, lenErr)
			if _, err := transition(a, enginedb.StatusCancelledByServer); err != nil {
				return err
			}
			cancelled = true
			tx.OnCommitted(func() {
				m.stats.downloadsCancelled.Inc()
				m.ntfns.NotifyAttachmentCancelledByServer(id)
			})
			return m.db.PutAttachment(tx, a)
		}

		for _, c := range chunks {
			if err := m.db.PutChunk(tx, c); err != nil {
				return err
			}
		}
		a.Key = &key
		a.Metadata = metadata
		a.Digest = &digest
		a.PlaintextLength = total
		if err := m.db.PutAttachment(tx, a); err != nil {
			return err
		}
		return chunkcodec.CreateSparseFile(a.OutputPath, total)
	})
	if err != nil {
		return err
	}
	if !cancelled {
		m.log.Debugf("Bound decryption key of %s", id)
	}
	return nil
}

// changeStatus moves an attachment to status to, calling onChange (inside the
// tx) when the status actually changed.
func (m *Manager) changeStatus(ctx context.Context, id engineintf.AttachmentID,
	to enginedb.AttachmentStatus, onChange func(tx enginedb.ReadWriteTx, a *enginedb.Attachment) error) (bool, error) {

	var changed bool
	err := m.db.Update(ctx, func(tx enginedb.ReadWriteTx) error {
		a, err := m.db.GetAttachment(tx, id)
		if err != nil {
			return err
		}
		changed, err = transition(a, to)
		if err != nil || !changed {
			return err
		}
		if onChange != nil {
			if err := onChange(tx, a); err != nil {
				return err
			}
		}
		return m.db.PutAttachment(tx, a)
	})
	return changed, err
}

// Pause stops new chunk fetches of an attachment. Chunks already being
// fetched may still be written. Pausing a paused attachment is a no-op.
func (m *Manager) Pause(ctx context.Context, id engineintf.AttachmentID) error {
	unlock := m.attLocks.Lock(id)
	defer unlock()
	changed, err := m.changeStatus(ctx, id, enginedb.StatusPaused,
		func(tx enginedb.ReadWriteTx, _ *enginedb.Attachment) error {
			tx.OnCommitted(func() { m.ntfns.NotifyAttachmentPaused(id) })
			return nil
		})
	if changed {
		m.log.Debugf("Paused attachment %s", id)
	}
	return err
}

// Resume requests the download of an attachment. If every chunk was already
// written while paused, the attachment is finalized right away.
func (m *Manager) Resume(ctx context.Context, id engineintf.AttachmentID) error {
	unlock := m.attLocks.Lock(id)
	defer unlock()
	changed, err := m.changeStatus(ctx, id, enginedb.StatusResumeRequested,
		func(tx enginedb.ReadWriteTx, _ *enginedb.Attachment) error {
			tx.OnCommitted(func() { m.ntfns.NotifyAttachmentResumed(id) })
			return nil
		})
	if err != nil {
		return err
	}
	if changed {
		m.log.Debugf("Resumed attachment %s", id)
	}

	a, err := m.Attachment(ctx, id)
	if err != nil {
		return err
	}
	if a.Status == enginedb.StatusResumeRequested && a.AllChunksWritten() {
		return m.finalizeLocked(ctx, id)
	}
	m.Kick()
	return nil
}

// MarkCancelledByServer records that the server will never deliver the
// attachment. Its session and signed URLs are dropped.
func (m *Manager) MarkCancelledByServer(ctx context.Context, id engineintf.AttachmentID) error {
	unlock := m.attLocks.Lock(id)
	defer unlock()
	changed, err := m.changeStatus(ctx, id, enginedb.StatusCancelledByServer,
		func(tx enginedb.ReadWriteTx, _ *enginedb.Attachment) error {
			if err := m.db.DeleteSession(tx, id); err != nil {
				return err
			}
			if err := m.deleteSignedURLs(tx, id); err != nil {
				return err
			}
			tx.OnCommitted(func() {
				m.stats.downloadsCancelled.Inc()
				m.ntfns.NotifyAttachmentCancelledByServer(id)
			})
			return nil
		})
	if changed {
		m.log.Infof("Attachment %s cancelled by server", id)
	}
	return err
}

// DeleteDownload marks the attachment for deletion, removes its chunks and
// session and deletes the output file. The attachment record is kept (so the
// attachment is not recreated by a duplicate announcement) until
// DeleteAttachment is called. Deleting an unknown or already deleted
// attachment is a no-op.
func (m *Manager) DeleteDownload(ctx context.Context, id engineintf.AttachmentID) error {
	unlock := m.attLocks.Lock(id)
	defer unlock()
	err := m.db.Update(ctx, func(tx enginedb.ReadWriteTx) error {
		a, err := m.db.GetAttachment(tx, id)
		if errors.Is(err, enginedb.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if a.Status == enginedb.StatusMarkedForDeletion {
			return nil
		}
		if _, err := transition(a, enginedb.StatusMarkedForDeletion); err != nil {
			return err
		}
		a.Written.Clear()
		if err := m.db.DeleteChunks(tx, id); err != nil {
			return err
		}
		if err := m.db.DeleteSession(tx, id); err != nil {
			return err
		}
		path := a.OutputPath
		tx.OnCommitted(func() { m.removeOutput(path) })
		return m.db.PutAttachment(tx, a)
	})
	if err == nil {
		m.progress.Delete(id)
	}
	return err
}

// DeleteAttachment removes every trace of an attachment. It is used when the
// owning message is deleted.
func (m *Manager) DeleteAttachment(ctx context.Context, id engineintf.AttachmentID) error {
	unlock := m.attLocks.Lock(id)
	defer unlock()
	err := m.db.Update(ctx, func(tx enginedb.ReadWriteTx) error {
		a, err := m.db.GetAttachment(tx, id)
		if errors.Is(err, enginedb.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		path := a.OutputPath
		tx.OnCommitted(func() { m.removeOutput(path) })
		return m.db.DeleteAttachment(tx, id)
	})
	if err == nil {
		m.progress.Delete(id)
	}
	return err
}

func (m *Manager) removeOutput(path string) {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		m.log.Warnf("Unable to remove output file %s: %v", path, err)
	}
}

// ResetDownload clears every written chunk and recreates an empty output
// file. A downloaded attachment goes back to Paused. Cancelled and deleted
// attachments cannot be reset.
func (m *Manager) ResetDownload(ctx context.Context, id engineintf.AttachmentID) error {
	unlock := m.attLocks.Lock(id)
	defer unlock()
	return m.resetLocked(ctx, id)
}

func (m *Manager) resetLocked(ctx context.Context, id engineintf.AttachmentID) error {
	err := m.db.Update(ctx, func(tx enginedb.ReadWriteTx) error {
		a, err := m.db.GetAttachment(tx, id)
		if err != nil {
			return err
		}
		if !acceptsChunks(a.Status) && a.Status != enginedb.StatusDownloaded {
			return fmt.Errorf("attachment %s is %s: %w", id, a.Status,
				ErrNotDownloadable)
		}
		a.Written.Clear()
		if a.Status == enginedb.StatusDownloaded {
			a.Status = enginedb.StatusPaused
		}
		if err := m.db.PutAttachment(tx, a); err != nil {
			return err
		}
		if a.Key == nil {
			return nil
		}
		return chunkcodec.CreateSparseFile(a.OutputPath, a.PlaintextLength)
	})
	if err != nil {
		return err
	}
	m.setProgress(id, 0, 0)
	m.log.Debugf("Reset download of %s", id)
	return nil
}

// ReconcileCompleted finalizes attachments that have every chunk written but
// were not yet marked as downloaded, for example because the process stopped
// between the last chunk write and the integrity check.
func (m *Manager) ReconcileCompleted(ctx context.Context) error {
	var ids []engineintf.AttachmentID
	err := m.db.View(ctx, func(tx enginedb.ReadTx) error {
		as, err := m.db.ListAttachments(tx, func(a *enginedb.Attachment) bool {
			return a.Status == enginedb.StatusResumeRequested && a.AllChunksWritten()
		})
		for _, a := range as {
			ids = append(ids, a.ID)
		}
		return err
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		unlock := m.attLocks.Lock(id)
		err := m.finalizeLocked(ctx, id)
		unlock()
		if err != nil && !errors.Is(err, ErrIntegrityMismatch) {
			return err
		}
	}
	if len(ids) > 0 {
		m.log.Infof("Reconciled %d completed attachments", len(ids))
	}
	return nil
}

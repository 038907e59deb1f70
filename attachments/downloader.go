package attachments

import (
	"context"
	"errors"
	"time"

	"github.com/companyzero/inboxengine/enginedb"
	"golang.org/x/sync/errgroup"
)

// Kick makes the download loop look for work without waiting for the next
// poll.
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// requestURLs obtains signed URLs for every resumed attachment that misses
// some.
func (m *Manager) requestURLs(ctx context.Context) error {
	needing, err := m.AttachmentsNeedingSignedURLs(ctx)
	if err != nil {
		return err
	}
	for _, d := range needing {
		id := d.Attachment.ID
		urls, err := m.cfg.URLProvider.RequestSignedURLs(ctx, d.Attachment)
		switch {
		case errors.Is(err, ErrDeletedFromServer):
			if err := m.MarkCancelledByServer(ctx, id); err != nil {
				return err
			}
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.dlog.Warnf("Unable to obtain signed urls for %s: %v", id, err)
		default:
			if err := m.SetChunksSignedURLs(ctx, id, urls); err != nil {
				m.dlog.Warnf("Unable to store signed urls for %s: %v", id, err)
			}
		}
	}
	return nil
}

// fetchChunk fetches and writes a single chunk, unless the attachment is no
// longer resumed.
func (m *Manager) fetchChunk(ctx context.Context, c *enginedb.Chunk) error {
	a, err := m.Attachment(ctx, c.Attachment)
	if err != nil {
		return err
	}
	if a.Status != enginedb.StatusResumeRequested {
		return nil
	}
	ct, err := m.cfg.Fetcher.FetchChunk(ctx, c.SignedURL, c.CiphertextLength)
	if err != nil {
		return err
	}
	err = m.DecryptAndWriteChunk(ctx, c.Attachment, c.Number, ct)
	if errors.Is(err, ErrChunkAlreadyWritten) || errors.Is(err, ErrNotDownloadable) {
		return nil
	}
	return err
}

// download fetches the missing chunks of one attachment inside a transfer
// session.
func (m *Manager) download(ctx context.Context, d *Downloadable) error {
	id := d.Attachment.ID
	sid, err := m.StartSession(ctx, id)
	if errors.Is(err, ErrSessionActive) || errors.Is(err, ErrNotDownloadable) {
		return nil
	}
	if err != nil {
		return err
	}
	m.stats.activeSessions.Inc()
	defer func() {
		m.stats.activeSessions.Dec()
		if err := m.EndSession(context.WithoutCancel(ctx), id); err != nil {
			m.dlog.Warnf("Unable to end session %s of %s: %v", sid, id, err)
		}
	}()

	missing := d.MissingChunks()
	m.dlog.Debugf("Downloading %d chunks of %s in session %s", len(missing), id, sid)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxConcurrentChunks)
	for _, c := range missing {
		g.Go(func() error { return m.fetchChunk(gctx, c) })
	}
	err = g.Wait()

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDeletedFromServer):
		return m.MarkCancelledByServer(ctx, id)
	case errors.Is(err, ErrSignedURLExpired), errors.Is(err, ErrDecryptionFailed):
		m.dlog.Infof("Dropping signed urls of %s: %v", id, err)
		if err := m.DeleteAllChunksSignedURLs(ctx, id); err != nil {
			return err
		}
		m.Kick()
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		m.dlog.Warnf("Download of %s failed: %v", id, err)
		return nil
	}
}

func (m *Manager) downloadOnce(ctx context.Context) error {
	if err := m.requestURLs(ctx); err != nil {
		return err
	}
	ready, err := m.AllAttachmentsReadyToDownload(ctx)
	if err != nil {
		return err
	}
	for _, d := range ready {
		if err := m.download(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// Run the download loop. Sessions left over from a previous run are removed
// and attachments with every chunk written are finalized before the first
// download.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.URLProvider == nil || m.cfg.Fetcher == nil {
		return errors.New("url provider and fetcher are required to run downloads")
	}
	if err := m.clearSessions(ctx); err != nil {
		return err
	}
	if err := m.ReconcileCompleted(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := m.downloadOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.dlog.Errorf("Download pass failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.kick:
		case <-ticker.C:
		}
	}
}

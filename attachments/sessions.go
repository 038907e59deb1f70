package attachments

import (
	"context"
	"errors"
	"fmt"

	"github.com/companyzero/inboxengine/enginedb"
	"github.com/companyzero/inboxengine/engineintf"
	"github.com/google/uuid"
)

// StartSession binds a new transfer session to an attachment. Only one
// session may be active per attachment: starting a second one fails with
// ErrSessionActive.
func (m *Manager) StartSession(ctx context.Context, id engineintf.AttachmentID) (uuid.UUID, error) {
	sid, err := uuid.NewRandom()
	if err != nil {
		return uuid.Nil, err
	}

	unlock := m.attLocks.Lock(id)
	defer unlock()
	err = m.db.Update(ctx, func(tx enginedb.ReadWriteTx) error {
		a, err := m.db.GetAttachment(tx, id)
		if err != nil {
			return err
		}
		if !acceptsChunks(a.Status) {
			return fmt.Errorf("attachment %s is %s: %w", id, a.Status,
				ErrNotDownloadable)
		}
		err = m.db.CreateSession(tx, &enginedb.TransferSession{
			ID:         sid,
			Attachment: id,
			CreatedAt:  m.now(),
		})
		if errors.Is(err, enginedb.ErrAlreadyExists) {
			return fmt.Errorf("attachment %s: %w", id, ErrSessionActive)
		}
		return err
	})
	if err != nil {
		return uuid.Nil, err
	}
	m.dlog.Debugf("Started session %s for %s", sid, id)
	return sid, nil
}

// EndSession removes the transfer session of an attachment, if there is one.
func (m *Manager) EndSession(ctx context.Context, id engineintf.AttachmentID) error {
	unlock := m.attLocks.Lock(id)
	defer unlock()
	return m.db.Update(ctx, func(tx enginedb.ReadWriteTx) error {
		return m.db.DeleteSession(tx, id)
	})
}

// AttachmentForSession returns the id of the attachment bound to session sid.
func (m *Manager) AttachmentForSession(ctx context.Context, sid uuid.UUID) (engineintf.AttachmentID, error) {
	var id engineintf.AttachmentID
	err := m.db.View(ctx, func(tx enginedb.ReadTx) error {
		var err error
		id, err = m.db.AttachmentForSession(tx, sid)
		return err
	})
	return id, err
}

// clearSessions drops every session left over from a previous run.
func (m *Manager) clearSessions(ctx context.Context) error {
	var n int
	err := m.db.Update(ctx, func(tx enginedb.ReadWriteTx) error {
		var err error
		n, err = m.db.DeleteAllSessions(tx)
		return err
	})
	if err != nil {
		return err
	}
	if n > 0 {
		m.log.Infof("Removed %d stale transfer sessions", n)
	}
	return nil
}

package attachments

import (
	"time"

	"github.com/companyzero/inboxengine/engineintf"
)

type progress struct {
	written int64
	total   int64
	updated time.Time
}

func (p progress) fraction() float64 {
	if p.total <= 0 {
		return 0
	}
	f := float64(p.written) / float64(p.total)
	return min(max(f, 0), 1)
}

// addProgress records that n more plaintext bytes of id were written.
func (m *Manager) addProgress(id engineintf.AttachmentID, n, total int64) {
	now := m.now()
	m.progress.Compute(id, func(old progress, loaded bool) (progress, bool) {
		old.written += n
		old.total = total
		old.updated = now
		return old, false
	})
}

// setProgress overwrites the progress of id.
func (m *Manager) setProgress(id engineintf.AttachmentID, written, total int64) {
	m.progress.Store(id, progress{written: written, total: total, updated: m.now()})
}

// ProgressesUpdatedSince returns the download progress, in the range [0,1],
// of every attachment whose progress changed after t.
func (m *Manager) ProgressesUpdatedSince(t time.Time) map[engineintf.AttachmentID]float64 {
	res := make(map[engineintf.AttachmentID]float64)
	m.progress.Range(func(id engineintf.AttachmentID, p progress) bool {
		if p.updated.After(t) {
			res[id] = p.fraction()
		}
		return true
	})
	return res
}

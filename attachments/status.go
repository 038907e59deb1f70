package attachments

import (
	"github.com/companyzero/inboxengine/enginedb"
)

// CanTransition returns true if an attachment may go from status from to
// status to. Self transitions are always allowed (and are no-ops).
// MarkedForDeletion is terminal.
func CanTransition(from, to enginedb.AttachmentStatus) bool {
	if from == to {
		return true
	}
	if from == enginedb.StatusMarkedForDeletion {
		return false
	}
	switch to {
	case enginedb.StatusCancelledByServer, enginedb.StatusMarkedForDeletion:
		return true
	}
	switch {
	case from == enginedb.StatusPaused && to == enginedb.StatusResumeRequested,
		from == enginedb.StatusResumeRequested && to == enginedb.StatusPaused,
		from == enginedb.StatusResumeRequested && to == enginedb.StatusDownloaded:
		return true
	}
	return false
}

// transition changes the status of a. It returns false without modifying a
// when the attachment is already in the target status.
func transition(a *enginedb.Attachment, to enginedb.AttachmentStatus) (bool, error) {
	if a.Status == to {
		return false, nil
	}
	if !CanTransition(a.Status, to) {
		return false, IllegalStatusTransitionError{From: a.Status, To: to}
	}
	a.Status = to
	return true, nil
}

// acceptsChunks returns true if chunks may still be written in status s. A
// paused attachment accepts chunks that were in flight when it was paused.
func acceptsChunks(s enginedb.AttachmentStatus) bool {
	return s == enginedb.StatusPaused || s == enginedb.StatusResumeRequested
}

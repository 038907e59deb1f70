package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/companyzero/inboxengine/enginedb"
	"github.com/companyzero/inboxengine/protocol"
)

// ErrMessageNotFound is returned when processing a message that was already
// consumed.
var ErrMessageNotFound = errors.New("received message not found")

// FailureReason classifies the outcome of processing a received message.
type FailureReason string

const (
	ReasonProcessed                         FailureReason = "processed"
	ReasonMessageNotFound                   FailureReason = "messageNotFound"
	ReasonUnknownProtocol                   FailureReason = "unknownProtocol"
	ReasonInvalidState                      FailureReason = "invalidState"
	ReasonNoMatchingConcreteMessage         FailureReason = "noMatchingConcreteMessage"
	ReasonNoApplicableStep                  FailureReason = "noApplicableStep"
	ReasonNoApplicableStepForDialogResponse FailureReason = "noApplicableStepForDialogResponse"
	ReasonStepCancelled                     FailureReason = "stepCancelled"
	ReasonNoNewState                        FailureReason = "noNewState"
	ReasonCommitFailed                      FailureReason = "commitFailed"
	ReasonCanceled                          FailureReason = "canceled"
	ReasonStoreError                        FailureReason = "storeError"
)

// Reason classifies err. A nil err is ReasonProcessed.
func Reason(err error) FailureReason {
	var dialogErr protocol.NoApplicableStepForDialogResponseError
	switch {
	case err == nil:
		return ReasonProcessed
	case errors.Is(err, ErrMessageNotFound):
		return ReasonMessageNotFound
	case errors.As(err, &dialogErr):
		return ReasonNoApplicableStepForDialogResponse
	case errors.Is(err, protocol.ErrNoApplicableStep):
		return ReasonNoApplicableStep
	case errors.Is(err, protocol.ErrUnknownProtocol):
		return ReasonUnknownProtocol
	case errors.Is(err, protocol.ErrInvalidState):
		return ReasonInvalidState
	case errors.Is(err, protocol.ErrNoMatchingConcreteMessage):
		return ReasonNoMatchingConcreteMessage
	case errors.Is(err, protocol.ErrStepCancelled):
		return ReasonStepCancelled
	case errors.Is(err, protocol.ErrNoNewState):
		return ReasonNoNewState
	case errors.Is(err, enginedb.ErrBackendCommit):
		return ReasonCommitFailed
	case errors.Is(err, context.Canceled), errors.Is(err, enginedb.ErrNotRunning):
		return ReasonCanceled
	default:
		return ReasonStoreError
	}
}

// unprocessable returns true for reasons that retrying the same message in a
// later state cannot fix.
func (r FailureReason) unprocessable() bool {
	switch r {
	case ReasonUnknownProtocol, ReasonInvalidState, ReasonNoMatchingConcreteMessage,
		ReasonStepCancelled, ReasonNoNewState:
		return true
	}
	return false
}

// ProcessError is returned when processing a received message fails.
type ProcessError struct {
	Reason FailureReason
	Err    error
}

func (err ProcessError) Error() string {
	return fmt.Sprintf("%s: %v", err.Reason, err.Err)
}

func (err ProcessError) Unwrap() error { return err.Err }

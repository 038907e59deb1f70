package protocol

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrUnknownProtocol is returned for messages of protocols not in
	// the catalog.
	ErrUnknownProtocol = errors.New("unknown protocol")

	// ErrInvalidState is returned when the stored state of an instance
	// cannot be decoded.
	ErrInvalidState = errors.New("unable to decode protocol state")

	// ErrNoMatchingConcreteMessage is returned when the protocol does not
	// know the kind of a received message or cannot decode it.
	ErrNoMatchingConcreteMessage = errors.New("no matching concrete message")

	// ErrNoApplicableStep is returned when no step handles the message in
	// the current state, or when the message arrived on a channel the
	// step does not accept.
	ErrNoApplicableStep = errors.New("no applicable step")

	// ErrStepCancelled is returned when a step fails.
	ErrStepCancelled = errors.New("protocol step cancelled")

	// ErrNoNewState is returned when a step succeeds without a new state.
	ErrNoNewState = errors.New("step did not determine a new state")
)

// NoApplicableStepForDialogResponseError is returned instead of
// ErrNoApplicableStep when the message was a response to a user dialog. It
// usually means the dialog is stale.
type NoApplicableStepForDialogResponseError struct {
	UUID uuid.UUID
}

func (err NoApplicableStepForDialogResponseError) Error() string {
	return fmt.Sprintf("no applicable step for response to dialog %s", err.UUID)
}

func (err NoApplicableStepForDialogResponseError) Is(target error) bool {
	if target == ErrNoApplicableStep {
		return true
	}
	_, ok := target.(NoApplicableStepForDialogResponseError)
	return ok
}

// StepCancelledError wraps the error returned by a step.
type StepCancelledError struct {
	Step string
	Err  error
}

func (err StepCancelledError) Error() string {
	return fmt.Sprintf("step %s cancelled: %v", err.Step, err.Err)
}

func (err StepCancelledError) Unwrap() error { return err.Err }

func (err StepCancelledError) Is(target error) bool {
	return target == ErrStepCancelled
}

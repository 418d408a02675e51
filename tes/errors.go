package tes

import (
	"errors"
	"fmt"
)

var (
	// ErrReentry indicates an attempt to open a second acquisition session while one is active.
	ErrReentry = errors.New("acquisition session already active")

	// ErrNoSession indicates an operation that needs an open acquisition session.
	ErrNoSession = errors.New("no acquisition session in progress")

	// ErrAlreadyCompleted indicates that Complete was called twice on the same session.
	ErrAlreadyCompleted = errors.New("acquisition already completed")
)

var (
	// ErrCallerNil indicates that a Detector or ROIChannel was created without an RPC caller.
	ErrCallerNil = errors.New("rpc caller is nil")

	// ErrConfigNil indicates that a nil Config was provided.
	ErrConfigNil = errors.New("detector config is nil")

	// ErrUnknownROI indicates a reference to an ROI label that is not configured.
	ErrUnknownROI = errors.New("unknown roi label")
)

// StateError reports an operation attempted in an acquisition state that does not allow it.
// The session is left untouched.
type StateError struct {
	// Op is the rejected operation.
	Op string
	// State is the acquisition state at the time of the call.
	State AcqState
	// Err is ErrReentry, ErrNoSession or ErrAlreadyCompleted.
	Err error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("tes: %s in state %s: %v", e.Op, e.State, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

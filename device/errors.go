package device

import "errors"

var (
	// ErrReadOnly indicates a write to a read-only signal. It is returned before any remote call.
	ErrReadOnly = errors.New("signal is read-only")

	// ErrCallerNil indicates that a signal was created without a caller.
	ErrCallerNil = errors.New("rpc caller is nil")
)

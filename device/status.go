package device

import (
	"context"
	"sync"
)

// Status tracks the completion of an asynchronous operation.
//
// A Status finishes exactly once, either successfully with Finish or with an error with Fail.
// Later calls are ignored.
type Status struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewStatus creates an unfinished status.
func NewStatus() *Status {
	return &Status{done: make(chan struct{})}
}

// NewFinishedStatus creates a status that already finished successfully.
func NewFinishedStatus() *Status {
	st := NewStatus()
	st.Finish()

	return st
}

// Finish marks the status as successfully finished.
func (st *Status) Finish() {
	st.once.Do(func() { close(st.done) })
}

// Fail marks the status as finished with err.
func (st *Status) Fail(err error) {
	st.once.Do(func() {
		st.err = err
		close(st.done)
	})
}

// Done returns a channel that is closed when the status finishes.
func (st *Status) Done() <-chan struct{} { return st.done }

// IsDone reports whether the status has finished.
func (st *Status) IsDone() bool {
	select {
	case <-st.done:
		return true
	default:
		return false
	}
}

// Err returns the failure of a finished status, or nil.
func (st *Status) Err() error {
	if !st.IsDone() {
		return nil
	}

	return st.err
}

// Wait blocks until the status finishes or ctx is done. It returns the failure of the status
// or the context error.
func (st *Status) Wait(ctx context.Context) error {
	select {
	case <-st.done:
		return st.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

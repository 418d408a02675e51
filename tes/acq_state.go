package tes

import "sync/atomic"

// AcqState is the state of the acquisition state machine.
//
//	Idle -> Staged -> Scanning -> Completing -> Collected -> Idle
type AcqState uint32

const (
	// IdleState means no session is open.
	IdleState AcqState = iota
	// StagedState means a session is open and the remote scan has been started.
	StagedState
	// ScanningState means the background worker runs and points may be triggered.
	ScanningState
	// CompletingState means the scan has ended remotely and collection is pending.
	CompletingState
	// CollectedState means the last collect joined every instruction and the worker stopped.
	CollectedState
)

func (s AcqState) String() string {
	switch s {
	case IdleState:
		return "Idle"
	case StagedState:
		return "Staged"
	case ScanningState:
		return "Scanning"
	case CompletingState:
		return "Completing"
	case CollectedState:
		return "Collected"
	default:
		return "Unknown"
	}
}

// AtomicAcqState holds an AcqState that changes only through compare-and-swap transitions.
type AtomicAcqState struct {
	state atomic.Uint32
}

// Get returns the current state.
func (st *AtomicAcqState) Get() AcqState {
	return AcqState(st.state.Load())
}

// Set sets the state unconditionally.
func (st *AtomicAcqState) Set(state AcqState) {
	st.state.Store(uint32(state))
}

func (st *AtomicAcqState) String() string { return st.Get().String() }

// IsIdle reports whether no session is open.
func (st *AtomicAcqState) IsIdle() bool { return st.Get() == IdleState }

// HasSession reports whether a session is open.
func (st *AtomicAcqState) HasSession() bool {
	s := st.Get()
	return s != IdleState && s != CollectedState
}

// ToStaged opens a session. It succeeds from Idle or Collected only.
func (st *AtomicAcqState) ToStaged() bool {
	if st.state.CompareAndSwap(uint32(IdleState), uint32(StagedState)) {
		return true
	}

	return st.state.CompareAndSwap(uint32(CollectedState), uint32(StagedState))
}

// ToScanning moves a staged session to Scanning.
func (st *AtomicAcqState) ToScanning() bool {
	if st.Get() == ScanningState {
		return true
	}

	return st.state.CompareAndSwap(uint32(StagedState), uint32(ScanningState))
}

// ToCompleting moves a staged or scanning session to Completing.
func (st *AtomicAcqState) ToCompleting() bool {
	if st.state.CompareAndSwap(uint32(ScanningState), uint32(CompletingState)) {
		return true
	}

	return st.state.CompareAndSwap(uint32(StagedState), uint32(CompletingState))
}

// ToCollected closes a completing session.
func (st *AtomicAcqState) ToCollected() bool {
	if st.Get() == CollectedState {
		return true
	}

	return st.state.CompareAndSwap(uint32(CompletingState), uint32(CollectedState))
}

// ToIdle returns to Idle from any state.
func (st *AtomicAcqState) ToIdle() {
	st.Set(IdleState)
}

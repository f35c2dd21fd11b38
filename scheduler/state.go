package scheduler

import "sync/atomic"

// RunState is the scheduler's own operational state, distinct from the
// fuller Boot/PreOp/Run/Fault/Shutdown lifecycle the top-level plcrt
// Runtime exposes: the scheduler only ever knows Run, Fault,
// Terminating, and Terminated, per spec.md §4.1's fault-state behavior.
type RunState uint64

const (
	// StateRun is the normal cyclic-execution state: step() is invoked
	// every cycle.
	StateRun RunState = iota
	// StateFault: step() is no longer invoked; fault() was invoked
	// exactly once on entry; outputs are driven to the safe state.
	StateFault
	// StateTerminating: shutdown has been requested; the in-flight
	// cycle completes with safe outputs, then the driver is shut down.
	StateTerminating
	// StateTerminated: the cycle loop has returned.
	StateTerminated
)

func (s RunState) String() string {
	switch s {
	case StateRun:
		return "Run"
	case StateFault:
		return "Fault"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state machine with cache-line padding,
// grounded on the teacher's eventloop.FastState: pure atomic CAS, no
// mutex, so a control-plane reader never blocks the cycle thread.
type fastState struct { // betteralign:ignore
	_ [64]byte
	v atomic.Uint64
	_ [56]byte
}

func newFastState() *fastState {
	s := &fastState{}
	s.v.Store(uint64(StateRun))
	return s
}

func (s *fastState) Load() RunState {
	return RunState(s.v.Load())
}

func (s *fastState) Store(state RunState) {
	s.v.Store(uint64(state))
}

func (s *fastState) TryTransition(from, to RunState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

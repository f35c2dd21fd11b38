package plcrt

import "sync/atomic"

// State is the host-owned top-level Runtime State named in spec.md §3,
// distinct from scheduler.RunState (which only ever knows Run, Fault,
// Terminating, Terminated — the inner cyclic-loop states). Runtime
// layers Boot and PreOp on top of that for the one-time init sequence
// before the cyclic loop ever starts.
type State uint32

const (
	// Boot: constructed, not yet initialized.
	Boot State = iota
	// PreOp: driver and module initialized, cyclic loop not yet started;
	// or, after Reset, a fault acknowledged while the loop keeps running.
	PreOp
	// Run: the cyclic loop is executing step() every cycle.
	Run
	// Fault: the scheduler has entered its own Fault state.
	Fault
	// Shutdown: the runtime has been torn down.
	Shutdown
)

func (s State) String() string {
	switch s {
	case Boot:
		return "Boot"
	case PreOp:
		return "PreOp"
	case Run:
		return "Run"
	case Fault:
		return "Fault"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// fastState is the same lock-free, cache-line-padded CAS pattern used
// by scheduler.fastState and fieldbus/realtime.peerState, restated here
// rather than shared since it is a few lines of plain atomic code, not
// worth a dependency between otherwise-independent packages.
type fastState struct { // betteralign:ignore
	_ [64]byte
	v atomic.Uint32
	_ [60]byte
}

func newFastState(initial State) *fastState {
	s := &fastState{}
	s.v.Store(uint32(initial))
	return s
}

func (s *fastState) Load() State { return State(s.v.Load()) }

func (s *fastState) Store(v State) { s.v.Store(uint32(v)) }

func (s *fastState) TryTransition(from, to State) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

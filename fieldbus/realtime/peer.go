package realtime

import "sync/atomic"

// PeerState is one peer's position in the distributed-clock bus's
// bring-up sequence, per spec.md §4.3.
type PeerState uint32

const (
	// PeerInit: discovered on the topology scan, not yet addressed.
	PeerInit PeerState = iota
	// PeerPreOperational: addressed, mailbox/config exchange allowed,
	// process data not yet exchanged.
	PeerPreOperational
	// PeerSafeOperational: process data flowing inbound only; outputs
	// held at the safe pattern until the whole bus reaches Operational.
	PeerSafeOperational
	// PeerOperational: full bidirectional process data exchange.
	PeerOperational
)

func (s PeerState) String() string {
	switch s {
	case PeerInit:
		return "Init"
	case PeerPreOperational:
		return "PreOperational"
	case PeerSafeOperational:
		return "SafeOperational"
	case PeerOperational:
		return "Operational"
	default:
		return "Unknown"
	}
}

// peerState is a lock-free single-peer state machine, grounded on the
// scheduler's fastState: plain atomic CAS so a topology-scan goroutine
// and the cycle thread never contend on a mutex.
type peerState struct { // betteralign:ignore
	_ [64]byte
	v atomic.Uint32
	_ [60]byte
}

func newPeerState() *peerState {
	p := &peerState{}
	p.v.Store(uint32(PeerInit))
	return p
}

func (p *peerState) Load() PeerState { return PeerState(p.v.Load()) }

func (p *peerState) Store(s PeerState) { p.v.Store(uint32(s)) }

func (p *peerState) TryAdvance(from, to PeerState) bool {
	return p.v.CompareAndSwap(uint32(from), uint32(to))
}

// Peer is one node discovered on the bus.
type Peer struct {
	Address int
	state   *peerState
}

// State reports the peer's current bring-up state.
func (p *Peer) State() PeerState { return p.state.Load() }

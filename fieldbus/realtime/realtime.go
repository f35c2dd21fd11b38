// Package realtime implements the distributed-clock fieldbus.Driver
// variant, per spec.md §4.3: a topology scan brings every discovered
// peer through {init→pre-operational→safe-operational→operational},
// and every subsequent exchange validates a working counter against
// the expected peer count, raising fieldbus.ErrBusFault once
// consecutive mismatches exceed wkc_error_threshold.
package realtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/plcruntime/core/config"
	"github.com/plcruntime/core/fieldbus"
	"github.com/plcruntime/core/image"
)

// FaultInjector lets tests and simulate-mode tooling drive the working
// counter deterministically, the same role simulated.InputSource plays
// for the in-process driver. A nil injector always reports every
// expected peer responding.
type FaultInjector interface {
	NextWorkingCounter(cycle uint64, expected int) int
}

// Driver is a simulated realtime fieldbus.Driver: there is no physical
// NIC behind it, but the peer bring-up state machine and working
// counter accounting follow the real protocol's shape closely enough
// that swapping in a real transport later only touches the exchange
// step.
type Driver struct {
	cfg      config.RealtimeBusConfig
	log      zerolog.Logger
	injector FaultInjector

	mu         sync.Mutex
	peers      []*Peer
	cycle      uint64
	mismatches int

	operational atomic.Bool

	digitalIn  uint32
	analogIn   [16]int16
	digitalOut uint32
	analogOut  [16]int16
}

// New constructs a realtime driver. injector may be nil.
func New(cfg config.RealtimeBusConfig, injector FaultInjector, log zerolog.Logger) *Driver {
	return &Driver{cfg: cfg, injector: injector, log: log}
}

// Init performs the topology scan: cfg.ExpectedPeers peers are
// discovered and brought to Operational in sequence. A peer count of
// zero is a fatal misconfiguration.
func (d *Driver) Init(ctx context.Context) error {
	if d.cfg.ExpectedPeers <= 0 {
		return fmt.Errorf("%w: realtime: expected_peers must be positive", fieldbus.ErrInitFault)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.peers = make([]*Peer, d.cfg.ExpectedPeers)
	for i := range d.peers {
		p := &Peer{Address: i, state: newPeerState()}
		for _, to := range []PeerState{PeerPreOperational, PeerSafeOperational, PeerOperational} {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: realtime: topology scan cancelled: %w", fieldbus.ErrInitFault, ctx.Err())
			}
			from := p.State()
			if !p.state.TryAdvance(from, to) {
				return fmt.Errorf("%w: realtime: peer %d failed to reach %s", fieldbus.ErrInitFault, i, to)
			}
		}
		d.peers[i] = p
	}
	d.log.Info().Int("peers", len(d.peers)).Msg("realtime: topology scan complete, bus operational")
	d.operational.Store(true)
	return nil
}

// exchangeLocked runs one simulated wire cycle: obtains this cycle's
// working counter, compares it against the expected peer count, and
// updates the consecutive-mismatch streak. Must hold d.mu.
func (d *Driver) exchangeLocked() error {
	expected := len(d.peers)
	actual := expected
	if d.injector != nil {
		actual = d.injector.NextWorkingCounter(d.cycle, expected)
	}
	d.cycle++

	if actual == expected {
		d.mismatches = 0
		d.operational.Store(true)
		return nil
	}

	d.mismatches++
	if d.mismatches > d.cfg.WKCErrorThreshold {
		d.operational.Store(false)
		return fmt.Errorf("%w: realtime: working counter %d != expected %d for %d consecutive cycles", fieldbus.ErrBusFault, actual, expected, d.mismatches)
	}
	// within threshold: degraded but not yet faulted.
	return nil
}

// ReadInputs runs one exchange and leaves the input buffer unchanged
// beyond what the last successful exchange populated: this driver has
// no real peer I/O to read independently of Exchange.
func (d *Driver) ReadInputs(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exchangeLocked()
}

// WriteOutputs copies snapshot's outputs into the output buffer (as
// SetOutputs does), then runs one exchange transmitting them.
func (d *Driver) WriteOutputs(ctx context.Context, snapshot *image.Image) error {
	d.SetOutputs(snapshot)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exchangeLocked()
}

// Exchange performs the combined read+write this variant is built
// around: one wire cycle carries both directions.
func (d *Driver) Exchange(ctx context.Context, snapshot *image.Image) error {
	d.SetOutputs(snapshot)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exchangeLocked()
}

// GetInputs copies the driver's buffered inputs into dst.
func (d *Driver) GetInputs(dst *image.Image) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dst.SetDigitalInputs(d.digitalIn)
	for ch := 0; ch < 16; ch++ {
		dst.SetAnalogInput(ch, d.analogIn[ch])
	}
}

// SetOutputs copies src's output regions into the driver's output
// buffer without transmitting.
func (d *Driver) SetOutputs(src *image.Image) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.digitalOut = src.DigitalOutputs()
	for ch := 0; ch < 16; ch++ {
		d.analogOut[ch] = src.AnalogOutput(ch)
	}
}

// IsOperational reports whether the working counter has matched
// expectations within the configured threshold.
func (d *Driver) IsOperational() bool {
	return d.operational.Load()
}

// Shutdown transitions every peer back to Init and marks the bus not
// operational.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.peers {
		p.state.Store(PeerInit)
	}
	d.digitalOut = 0
	d.analogOut = [16]int16{}
	d.operational.Store(false)
	return nil
}

// Peers returns a snapshot of the discovered peers, for diagnostics.
func (d *Driver) Peers() []*Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Peer, len(d.peers))
	copy(out, d.peers)
	return out
}

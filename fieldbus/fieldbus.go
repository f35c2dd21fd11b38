// Package fieldbus defines the uniform driver interface the scheduler
// drives once per cycle, and the shared error vocabulary its three
// implementations (simulated, request/response, realtime) report
// through, per spec.md §4.3.
package fieldbus

import (
	"context"
	"errors"

	"github.com/plcruntime/core/image"
)

// Sentinel error kinds, grounded on spec.md §7's driver error rows.
var (
	// ErrInitFault: init failed — empty/wrong/unreachable peer set.
	// Fatal at startup.
	ErrInitFault = errors.New("fieldbus: driver init fault")

	// ErrTransient: a recoverable I/O failure (timeout, dropped
	// connection). The caller should treat the cycle as degraded and
	// let the driver's own background recovery retry.
	ErrTransient = errors.New("fieldbus: transient fault")

	// ErrProtocol: a non-recoverable protocol-level failure (illegal
	// function/address, misconfiguration). Fatal; scheduler transitions
	// to Fault.
	ErrProtocol = errors.New("fieldbus: protocol fault")

	// ErrBusFault: working-counter mismatch exceeded the configured
	// threshold on a realtime bus.
	ErrBusFault = errors.New("fieldbus: bus fault")

	// ErrNotOperational: an operation was attempted while the driver is
	// not in an operational state.
	ErrNotOperational = errors.New("fieldbus: driver not operational")
)

// Driver is the uniform interface all three fieldbus variants implement.
// The scheduler is the sole caller of every method; none of it is safe
// for concurrent use from outside the cycle thread, except where a
// variant documents an internal recovery goroutine feeding IsOperational.
type Driver interface {
	// Init opens the device, performs discovery, and brings all peers
	// to an operational state. Returns a wrapped ErrInitFault on
	// failure.
	Init(ctx context.Context) error

	// ReadInputs fills the driver's input buffer from the peer(s).
	ReadInputs(ctx context.Context) error

	// WriteOutputs transmits the given output snapshot.
	WriteOutputs(ctx context.Context, snapshot *image.Image) error

	// Exchange performs a combined read+write in one wire cycle where
	// the protocol allows it; preferred on real-time variants.
	Exchange(ctx context.Context, snapshot *image.Image) error

	// GetInputs copies the driver's most recently read inputs into dst's
	// input regions (digital + analog).
	GetInputs(dst *image.Image)

	// SetOutputs copies src's output regions into the driver's output
	// buffer, for a subsequent WriteOutputs/Exchange.
	SetOutputs(src *image.Image)

	// IsOperational reports whether the last exchange succeeded and the
	// driver's internal state is steady.
	IsOperational() bool

	// Shutdown drives outputs to a safe state and closes connections.
	Shutdown(ctx context.Context) error
}

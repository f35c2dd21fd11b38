package plcrt

import "errors"

// Sentinel errors, grounded on scheduler/errors.go's plain sentinel
// style.
var (
	// ErrInvalidTransition is returned when an operation is attempted
	// from a Runtime State that doesn't permit it, per spec.md §3's
	// transition table.
	ErrInvalidTransition = errors.New("plcrt: invalid state transition")

	// ErrUnrecognizedDriver is returned when a config.FieldbusConfig
	// names a driver kind this package cannot construct.
	ErrUnrecognizedDriver = errors.New("plcrt: unrecognized fieldbus driver")
)

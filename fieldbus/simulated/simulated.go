// Package simulated implements an in-process fieldbus.Driver backed by
// plain memory, per spec.md §4.3: "inputs and outputs are in-process
// memory, optionally with a programmable input source. Always
// operational after init."
package simulated

import (
	"context"
	"sync"

	"github.com/plcruntime/core/image"
)

// InputSource supplies digital/analog input values ahead of each
// ReadInputs call, letting tests and simulate-mode tooling drive the
// scheduler deterministically. A nil source leaves inputs unchanged
// from whatever SetDigitalInput/SetAnalogInput last wrote.
type InputSource interface {
	NextInputs() (digital uint32, analog [16]int16)
}

// Driver is a simulated fieldbus.Driver. The zero value is usable after
// a call to New.
type Driver struct {
	mu     sync.Mutex
	source InputSource

	digitalIn  uint32
	analogIn   [16]int16
	digitalOut uint32
	analogOut  [16]int16
}

// New constructs a simulated driver. source may be nil.
func New(source InputSource) *Driver {
	return &Driver{source: source}
}

// SetDigitalInput overwrites the simulated digital input word directly,
// for tests that don't need a full InputSource.
func (d *Driver) SetDigitalInput(v uint32) {
	d.mu.Lock()
	d.digitalIn = v
	d.mu.Unlock()
}

// SetAnalogInput overwrites one simulated analog input channel.
func (d *Driver) SetAnalogInput(channel int, v int16) {
	d.mu.Lock()
	d.analogIn[channel] = v
	d.mu.Unlock()
}

// Init is a no-op: the simulated driver is always operational.
func (d *Driver) Init(ctx context.Context) error {
	return nil
}

// ReadInputs pulls the next input values from the configured source, if
// any, into the driver's input buffer.
func (d *Driver) ReadInputs(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.source != nil {
		d.digitalIn, d.analogIn = d.source.NextInputs()
	}
	return nil
}

// WriteOutputs copies snapshot's output regions into the driver's
// output buffer.
func (d *Driver) WriteOutputs(ctx context.Context, snapshot *image.Image) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.digitalOut = snapshot.DigitalOutputs()
	for ch := 0; ch < 16; ch++ {
		d.analogOut[ch] = snapshot.AnalogOutput(ch)
	}
	return nil
}

// Exchange performs ReadInputs then WriteOutputs; the simulated variant
// has no combined wire operation to exploit.
func (d *Driver) Exchange(ctx context.Context, snapshot *image.Image) error {
	if err := d.ReadInputs(ctx); err != nil {
		return err
	}
	return d.WriteOutputs(ctx, snapshot)
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
// buffer without transmitting (transmission is WriteOutputs/Exchange).
func (d *Driver) SetOutputs(src *image.Image) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.digitalOut = src.DigitalOutputs()
	for ch := 0; ch < 16; ch++ {
		d.analogOut[ch] = src.AnalogOutput(ch)
	}
}

// IsOperational always reports true: the simulated driver never fails.
func (d *Driver) IsOperational() bool {
	return true
}

// Shutdown drives outputs to zero.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.digitalOut = 0
	d.analogOut = [16]int16{}
	return nil
}

// DigitalOutputs returns the most recently written digital output word,
// for test assertions.
func (d *Driver) DigitalOutputs() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.digitalOut
}

// AnalogOutput returns the most recently written analog output channel,
// for test assertions.
func (d *Driver) AnalogOutput(channel int) int16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.analogOut[channel]
}

// Package image implements the fixed-layout process image through which
// the scheduler and the sandboxed logic engine exchange cyclic I/O.
package image

import (
	"encoding/binary"
	"sync"
)

// Size is the fixed length, in bytes, of the process image region as
// defined by the ABI in spec.md §3/§6 (version 1.0).
const Size = 256

// Offsets into the image, per the frozen ABI.
const (
	OffDigitalInputs  = 0x00 // 4 bytes
	OffDigitalOutputs = 0x04 // 4 bytes
	OffAnalogInputs   = 0x08 // 32 bytes, 16x int16
	OffAnalogOutputs  = 0x28 // 32 bytes, 16x int16
	OffCyclePeriodNs  = 0x48 // 4 bytes, uint32
	OffFlags          = 0x4C // 4 bytes, uint32
	OffCycleCounter   = 0x50 // 8 bytes, uint64
	OffFaultCode      = 0x58 // 4 bytes, uint32
	OffReserved       = 0x5C // 4 bytes, must always read zero
	reservedEnd       = 0x60
)

const analogChannels = 16

// Flag bits within the flag word at OffFlags.
const (
	FlagFirstCycle = 1 << 0
	FlagFaultMode  = 1 << 1
)

// Image is the 256-byte process image. The zero value is a valid,
// all-zero image. Image is not safe for concurrent use without external
// synchronization such as Guarded provides: the scheduler's
// cycle goroutine is the sole mutator of a live Image during a cycle,
// per spec.md §5.
type Image struct {
	buf [Size]byte
}

// Bytes returns the backing array as a slice. Callers that hand this to
// the sandbox (e.g. to back a zero-copy ArrayBuffer) must not retain it
// beyond the cycle that produced it, since the scheduler overwrites the
// host-managed regions on every cycle.
func (img *Image) Bytes() []byte {
	return img.buf[:]
}

// Reset zeroes the entire image.
func (img *Image) Reset() {
	img.buf = [Size]byte{}
}

// SetDigitalInputs overwrites the digital input word. Called by the
// scheduler during Ingress; never by the sandbox.
func (img *Image) SetDigitalInputs(v uint32) {
	binary.LittleEndian.PutUint32(img.buf[OffDigitalInputs:], v)
}

// DigitalInputs reads the digital input word.
func (img *Image) DigitalInputs() uint32 {
	return binary.LittleEndian.Uint32(img.buf[OffDigitalInputs:])
}

// SetDigitalOutputs overwrites the digital output word. Called by the
// sandbox during Step, or by the scheduler when driving safe outputs.
func (img *Image) SetDigitalOutputs(v uint32) {
	binary.LittleEndian.PutUint32(img.buf[OffDigitalOutputs:], v)
}

// DigitalOutputs reads the digital output word.
func (img *Image) DigitalOutputs() uint32 {
	return binary.LittleEndian.Uint32(img.buf[OffDigitalOutputs:])
}

// SetAnalogInput writes one signed 16-bit analog input channel (0-15).
func (img *Image) SetAnalogInput(channel int, v int16) {
	checkChannel(channel)
	binary.LittleEndian.PutUint16(img.buf[OffAnalogInputs+2*channel:], uint16(v))
}

// AnalogInput reads one signed 16-bit analog input channel (0-15).
func (img *Image) AnalogInput(channel int) int16 {
	checkChannel(channel)
	return int16(binary.LittleEndian.Uint16(img.buf[OffAnalogInputs+2*channel:]))
}

// SetAnalogOutput writes one signed 16-bit analog output channel (0-15).
func (img *Image) SetAnalogOutput(channel int, v int16) {
	checkChannel(channel)
	binary.LittleEndian.PutUint16(img.buf[OffAnalogOutputs+2*channel:], uint16(v))
}

// AnalogOutput reads one signed 16-bit analog output channel (0-15).
func (img *Image) AnalogOutput(channel int) int16 {
	checkChannel(channel)
	return int16(binary.LittleEndian.Uint16(img.buf[OffAnalogOutputs+2*channel:]))
}

func checkChannel(channel int) {
	if channel < 0 || channel >= analogChannels {
		panic("image: analog channel out of range [0,16)")
	}
}

// SetCyclePeriod writes the cycle period, in nanoseconds, read-only from
// the sandbox's perspective.
func (img *Image) SetCyclePeriod(d uint32) {
	binary.LittleEndian.PutUint32(img.buf[OffCyclePeriodNs:], d)
}

// CyclePeriod reads the cycle period in nanoseconds.
func (img *Image) CyclePeriod() uint32 {
	return binary.LittleEndian.Uint32(img.buf[OffCyclePeriodNs:])
}

// SetFlags writes the flag word directly.
func (img *Image) SetFlags(flags uint32) {
	binary.LittleEndian.PutUint32(img.buf[OffFlags:], flags)
}

// Flags reads the flag word.
func (img *Image) Flags() uint32 {
	return binary.LittleEndian.Uint32(img.buf[OffFlags:])
}

// SetFlag sets or clears a single flag bit.
func (img *Image) SetFlag(bit uint32, set bool) {
	f := img.Flags()
	if set {
		f |= bit
	} else {
		f &^= bit
	}
	img.SetFlags(f)
}

// HasFlag reports whether a single flag bit is set.
func (img *Image) HasFlag(bit uint32) bool {
	return img.Flags()&bit != 0
}

// SetCycleCounter writes the monotonic cycle counter.
func (img *Image) SetCycleCounter(n uint64) {
	binary.LittleEndian.PutUint64(img.buf[OffCycleCounter:], n)
}

// CycleCounter reads the monotonic cycle counter.
func (img *Image) CycleCounter() uint64 {
	return binary.LittleEndian.Uint64(img.buf[OffCycleCounter:])
}

// SetFaultCode writes the fault code (0 = none).
func (img *Image) SetFaultCode(code uint32) {
	binary.LittleEndian.PutUint32(img.buf[OffFaultCode:], code)
}

// FaultCode reads the fault code.
func (img *Image) FaultCode() uint32 {
	return binary.LittleEndian.Uint32(img.buf[OffFaultCode:])
}

// ZeroReserved clears the reserved region [0x5C, 0x60). Invoked by the
// scheduler at the start of every Ingress, per spec.md §8's invariant
// that those bytes are always zero on ingress.
func (img *Image) ZeroReserved() {
	clear(img.buf[OffReserved:reservedEnd])
}

// CopyFrom overwrites img's contents with src's. Used for host-owned
// snapshot/restore operations (never by the sandbox).
func (img *Image) CopyFrom(src *Image) {
	img.buf = src.buf
}

// Clone returns a deep copy, for fault recorder snapshots and
// control-plane reads.
func (img *Image) Clone() Image {
	var out Image
	out.buf = img.buf
	return out
}

// Guarded wraps an Image with a short-critical-section lock for readers
// outside the cycle thread, per spec.md §5/§9: the cycle thread holds
// exclusive write ownership and external readers obtain a copy under a
// brief lock rather than touching the live Image directly.
type Guarded struct {
	mu  sync.RWMutex
	img Image
}

// Publish atomically replaces the guarded snapshot. Called once per
// cycle, after Egress, by the cycle thread.
func (g *Guarded) Publish(img *Image) {
	g.mu.Lock()
	g.img.CopyFrom(img)
	g.mu.Unlock()
}

// Snapshot returns a copy of the most recently published image.
func (g *Guarded) Snapshot() Image {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.img.Clone()
}

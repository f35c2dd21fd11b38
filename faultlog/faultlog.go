// Package faultlog implements the fault recorder: a bounded ring of
// pre-fault process-image snapshots captured the instant the scheduler
// transitions into Fault state, per spec.md §3 ("Fault Record") and §7
// ("Entering Fault triggers exactly once per transition").
package faultlog

import (
	"time"

	"github.com/plcruntime/core/image"
)

// DefaultSnapshotDepth is N in spec.md §3: the default number of
// pre-fault process images retained per fault.
const DefaultSnapshotDepth = 64

// Cause identifies why a fault transition occurred. The scheduler builds
// Cause values directly from its own fault classification, so the
// recorder stays decoupled from other packages' concrete error types.
type Cause struct {
	Kind    string // e.g. "FuelExhausted", "WatchdogFired", "DriverProtocol"
	Message string
}

// Record is captured once per fault transition.
type Record struct {
	Timestamp      time.Time
	Cause          Cause
	OffendingCycle uint64
	Images         []image.Image // oldest-to-newest, up to Recorder's depth
}

// Recorder accumulates a rolling window of process images (fed every
// cycle by the scheduler) and, on demand, freezes the current window
// plus a cause into a Record.
//
// Recorder is owned exclusively by the scheduler's cycle goroutine; it
// is not safe for concurrent use from other goroutines.
type Recorder struct {
	window  *ring[image.Image]
	records []Record
	maxKept int
}

// NewRecorder creates a Recorder that retains the last depth images in
// its rolling window, and keeps up to maxFaultRecords historical fault
// records (0 means unbounded, not recommended for long-running
// processes; callers typically pass a small bound like 16).
func NewRecorder(depth, maxFaultRecords int) *Recorder {
	if depth <= 0 {
		depth = DefaultSnapshotDepth
	}
	return &Recorder{
		window:  newRing[image.Image](depth),
		maxKept: maxFaultRecords,
	}
}

// Observe feeds one cycle's image into the rolling pre-fault window.
// Called unconditionally, every cycle, by the scheduler's Account phase.
func (r *Recorder) Observe(img *image.Image) {
	r.window.Push(img.Clone())
}

// Enter freezes the current rolling window into a new fault Record and
// returns it. Called exactly once per Run→Fault transition.
func (r *Recorder) Enter(cause Cause, offendingCycle uint64, now time.Time) Record {
	rec := Record{
		Timestamp:      now,
		Cause:          cause,
		OffendingCycle: offendingCycle,
		Images:         r.window.Slice(),
	}
	r.records = append(r.records, rec)
	if r.maxKept > 0 && len(r.records) > r.maxKept {
		r.records = r.records[len(r.records)-r.maxKept:]
	}
	return rec
}

// Records returns all retained fault records, oldest first. The slice is
// owned by the Recorder; callers must not mutate it.
func (r *Recorder) Records() []Record {
	return r.records
}

// Last returns the most recent fault record and true, or the zero value
// and false if no fault has ever been recorded.
func (r *Recorder) Last() (Record, bool) {
	if len(r.records) == 0 {
		return Record{}, false
	}
	return r.records[len(r.records)-1], true
}

// Package metrics implements the cycle-timing histogram and the cycle
// record ring buffer described in spec.md §3 ("Cycle Record") and
// §2 ("Metrics + Fault Recorder").
package metrics

import (
	"time"

	"github.com/rs/zerolog"
)

// CycleRecord is captured once per cycle by the scheduler's Account
// phase.
type CycleRecord struct {
	Cycle            uint64
	WakeTime         time.Time
	InputReadDur     time.Duration
	StepDur          time.Duration
	OutputWriteDur   time.Duration
	TotalDur         time.Duration
	DeadlineMissed   bool
	OverrunMagnitude time.Duration
	FaultCode        uint32
}

// MarshalZerologObject lets CycleRecord be logged structurally without
// an intermediate fmt.Sprintf allocation.
func (c CycleRecord) MarshalZerologObject(e *zerolog.Event) {
	e.Uint64("cycle", c.Cycle).
		Dur("input_read", c.InputReadDur).
		Dur("step", c.StepDur).
		Dur("output_write", c.OutputWriteDur).
		Dur("total", c.TotalDur).
		Bool("deadline_missed", c.DeadlineMissed).
		Dur("overrun", c.OverrunMagnitude).
		Uint32("fault_code", c.FaultCode)
}

// Histogram estimates configured percentiles of each cycle's total
// duration via the P² streaming estimator, never storing the raw
// observation set, and retains recent CycleRecords in a ring. Only the
// total duration has percentile estimates; the ingress, step and egress
// durations are kept in the retained records and are not summarized.
type Histogram struct {
	mq    *multiQuantile
	cycle *ring[CycleRecord]
}

// NewHistogram builds a Histogram that tracks the given percentiles
// (each in [0,1]) and retains the last ringSize cycle records.
func NewHistogram(percentiles []float64, ringSize int) *Histogram {
	if ringSize <= 0 {
		ringSize = 1024
	}
	return &Histogram{
		mq:    newMultiQuantile(percentiles...),
		cycle: newRing[CycleRecord](ringSize),
	}
}

// Observe records one cycle's timings.
func (h *Histogram) Observe(rec CycleRecord) {
	h.mq.Update(float64(rec.TotalDur))
	h.cycle.Push(rec)
}

// Percentile returns the estimated duration at percentile p (e.g. 0.99),
// or false if p was not one of the configured percentiles.
func (h *Histogram) Percentile(p float64) (time.Duration, bool) {
	v, ok := h.mq.Quantile(p)
	if !ok {
		return 0, false
	}
	return time.Duration(v), true
}

// Count returns the number of cycles observed.
func (h *Histogram) Count() int { return h.mq.Count() }

// Mean returns the mean cycle duration observed.
func (h *Histogram) Mean() time.Duration { return time.Duration(h.mq.Mean()) }

// Max returns the maximum cycle duration observed.
func (h *Histogram) Max() time.Duration { return time.Duration(h.mq.Max()) }

// Recent returns the most recently observed cycle records, oldest first,
// bounded by the configured ring size.
func (h *Histogram) Recent() []CycleRecord {
	return h.cycle.Slice()
}

// ring is a minimal fixed-capacity circular buffer; duplicated in
// faultlog for Image values (faultlog/ring.go) rather than shared,
// since the two packages must not import each other (faultlog depends
// on image, metrics must not) and a generic ring is cheap to restate.
type ring[E any] struct {
	s    []E
	next int
	len  int
}

func newRing[E any](capacity int) *ring[E] {
	return &ring[E]{s: make([]E, capacity)}
}

func (r *ring[E]) Push(v E) {
	r.s[r.next] = v
	r.next = (r.next + 1) % len(r.s)
	if r.len < len(r.s) {
		r.len++
	}
}

func (r *ring[E]) Slice() []E {
	out := make([]E, r.len)
	if r.len < len(r.s) {
		copy(out, r.s[:r.len])
		return out
	}
	n := copy(out, r.s[r.next:])
	copy(out[n:], r.s[:r.next])
	return out
}

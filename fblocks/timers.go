// Package fblocks implements the IEC 61131-3 standard function blocks
// referenced by compiled logic modules, per spec.md §4.4. Every block is
// a plain struct of accumulated state with an Update method that takes
// the elapsed cycle period explicitly; none of them read wall-clock time
// or hold a logger, since they are library code a compiler emits
// references to, not runtime collaborators.
package fblocks

import "time"

// TONTimer is an on-delay timer: Q becomes true once IN has been
// continuously true for at least Preset, and goes false the instant IN
// goes false.
type TONTimer struct {
	Preset    time.Duration
	elapsed   time.Duration
	q         bool
	lastInput bool
}

// Update advances the timer by one cycle of length dt given the current
// input, and returns the new output (Q) and elapsed time (ET).
func (t *TONTimer) Update(in bool, dt time.Duration) (q bool, et time.Duration) {
	if in {
		if !t.lastInput {
			t.elapsed = 0
		}
		t.elapsed += dt
		if t.elapsed >= t.Preset {
			t.elapsed = t.Preset
			t.q = true
		}
	} else {
		t.elapsed = 0
		t.q = false
	}
	t.lastInput = in
	return t.q, t.elapsed
}

// TOFTimer is an off-delay timer: Q follows IN immediately on a
// false-to-true edge, but stays true for Preset after IN returns false.
type TOFTimer struct {
	Preset    time.Duration
	elapsed   time.Duration
	q         bool
	lastInput bool
}

func (t *TOFTimer) Update(in bool, dt time.Duration) (q bool, et time.Duration) {
	if in {
		t.elapsed = 0
		t.q = true
	} else {
		if t.lastInput {
			t.elapsed = 0
		}
		if t.q {
			t.elapsed += dt
			if t.elapsed >= t.Preset {
				t.elapsed = t.Preset
				t.q = false
			}
		}
	}
	t.lastInput = in
	return t.q, t.elapsed
}

// TPTimer is a pulse timer: a rising edge on IN produces a Q pulse of
// fixed width Preset, regardless of how long IN stays true.
type TPTimer struct {
	Preset    time.Duration
	elapsed   time.Duration
	q         bool
	lastInput bool
}

func (t *TPTimer) Update(in bool, dt time.Duration) (q bool, et time.Duration) {
	if in && !t.lastInput && !t.q {
		t.q = true
		t.elapsed = 0
	}
	if t.q {
		t.elapsed += dt
		if t.elapsed >= t.Preset {
			t.elapsed = t.Preset
			t.q = false
		}
	}
	t.lastInput = in
	return t.q, t.elapsed
}

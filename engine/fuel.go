package engine

import (
	"time"

	"github.com/dop251/goja"
)

// fuelReason is the sentinel passed to Runtime.Interrupt() when the
// budget governor fires; it lets execute() distinguish a fuel-exhaustion
// interrupt from any other interrupt source.
type fuelReason struct{}

// DefaultFuelBudget matches spec.md §4.2's stated default.
const DefaultFuelBudget uint64 = 500_000

// DefaultFuelCalibration is the documented, empirically-tuned
// units-per-second conversion rate used when a Config does not specify
// one. Per spec.md §9, fuel-to-wall-clock calibration is host- and
// implementation-dependent; this default assumes a modern core running
// goja's tree-walking interpreter and is deliberately generous — the
// test suite asserts only the termination property, never an absolute
// instruction count, matching the spec's mandate exactly.
const DefaultFuelCalibration uint64 = 200_000_000 // units per second

// fuelGovernor converts a budget (in spec-defined "fuel units") into a
// wall-clock deadline and enforces it by calling Runtime.Interrupt on a
// background timer, since goja has no native per-instruction gas
// metering. This is a deliberate, documented approximation: see
// SPEC_FULL.md §4.2 and spec.md §9.
type fuelGovernor struct {
	unitsPerSecond uint64
}

func newFuelGovernor(unitsPerSecond uint64) fuelGovernor {
	if unitsPerSecond == 0 {
		unitsPerSecond = DefaultFuelCalibration
	}
	return fuelGovernor{unitsPerSecond: unitsPerSecond}
}

func (f fuelGovernor) budgetDuration(units uint64) time.Duration {
	if units == 0 {
		units = DefaultFuelBudget
	}
	seconds := float64(units) / float64(f.unitsPerSecond)
	return time.Duration(seconds * float64(time.Second))
}

// withBudget runs fn under a fuel budget expressed in spec units. If fn
// does not return before the budget elapses, the runtime is interrupted
// and ErrFuelExhausted is returned instead of fn's own result.
func (f fuelGovernor) withBudget(rt *goja.Runtime, units uint64, fn func() error) error {
	budget := f.budgetDuration(units)
	timer := time.AfterFunc(budget, func() {
		rt.Interrupt(fuelReason{})
	})
	defer timer.Stop()

	err := fn()
	fired := !timer.Stop()
	if err != nil {
		if isFuelInterrupt(err) {
			return ErrFuelExhausted
		}
		return err
	}
	if fired {
		// The timer won the race against fn returning normally: the
		// interrupt was delivered too late for goja to observe it, but
		// the budget was still exceeded.
		return ErrFuelExhausted
	}
	return nil
}

func isFuelInterrupt(err error) bool {
	ie, ok := err.(*goja.InterruptedError)
	if !ok {
		return false
	}
	_, ok = ie.Value().(fuelReason)
	return ok
}

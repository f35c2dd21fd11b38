package scheduler

import "errors"

// Sentinel errors, grounded on eventloop/errors.go's plain sentinel
// style and spec.md §7's scheduler-origin error kinds.
var (
	// ErrAlreadyRunning is returned when Run is called on a scheduler
	// that is already running.
	ErrAlreadyRunning = errors.New("scheduler: already running")

	// ErrTerminated is returned when operations are attempted on a
	// scheduler that has already shut down.
	ErrTerminated = errors.New("scheduler: terminated")

	// ErrWatchdogConfig is returned by New when watchdog_timeout does
	// not strictly exceed cycle_time, or max_overrun does not strictly
	// precede watchdog_timeout.
	ErrWatchdogConfig = errors.New("scheduler: invalid watchdog/overrun configuration")

	// ErrDeadlineMissed classifies a cycle whose total phase duration
	// exceeded period+max_overrun under the "warn" policy — logged, not
	// fatal.
	ErrDeadlineMissed = errors.New("scheduler: deadline missed")

	// ErrWatchdogFired classifies an unconditional fault transition
	// caused by exceeding watchdog_timeout, regardless of overrun
	// policy.
	ErrWatchdogFired = errors.New("scheduler: watchdog fired")
)

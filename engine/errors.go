package engine

import "errors"

// Sentinel and wrapped error kinds, one per row of spec.md §4.2's
// operation error table and §7's error-kind table. Every concrete error
// returned by this package wraps one of these via fmt.Errorf("%w", ...),
// so callers can use errors.Is/errors.As through the whole chain —
// grounded on eventloop/errors.go's cause-chain style.
var (
	// ErrMalformedModule: bytecode failed to parse/compile structurally.
	ErrMalformedModule = errors.New("engine: malformed module")

	// ErrForbiddenImport: the module references a host binding outside
	// the whitelist {trace, fault}.
	ErrForbiddenImport = errors.New("engine: forbidden import")

	// ErrMissingExport: a required export (memory, step) is absent or
	// not callable/of the expected shape.
	ErrMissingExport = errors.New("engine: missing export")

	// ErrMemoryTooLarge: the module's "memory" export exceeds the
	// configured MaxSandboxMemory ceiling.
	ErrMemoryTooLarge = errors.New("engine: memory exceeds configured maximum")

	// ErrIncompatibleInterface: reload target's shape is incompatible
	// with preserve_memory semantics (e.g. differing memory size).
	ErrIncompatibleInterface = errors.New("engine: incompatible interface")

	// ErrExecutionFault: a sandbox trap (bounds violation, uncaught
	// exception, etc.) occurred during init/step/fault.
	ErrExecutionFault = errors.New("engine: execution fault")

	// ErrFuelExhausted: the invocation's fuel budget was exceeded.
	ErrFuelExhausted = errors.New("engine: fuel exhausted")

	// ErrDeadlineUnusable names the case of step being invoked with no
	// time remaining to usefully execute. Step performs no such check
	// and never returns it; a late cycle is detected by the scheduler's
	// overrun accounting instead.
	ErrDeadlineUnusable = errors.New("engine: deadline unusable")

	// ErrUserFault: the sandbox explicitly raised a fault via the
	// fault(code) host call. Not itself a Go error returned from Step —
	// surfaced instead via LastUserFault — but provided for callers
	// that want errors.Is-style composition when wrapping it themselves.
	ErrUserFault = errors.New("engine: user-raised fault")

	// ErrReloadTimedOut names a reload that did not complete within one
	// cycle period. Reload has no time limit and never returns it: a
	// reload runs to completion and either succeeds or fails with one of
	// the other kinds, retaining the old instance on failure.
	ErrReloadTimedOut = errors.New("engine: reload timed out")

	// ErrNotLoaded: an operation was attempted before any module was
	// loaded.
	ErrNotLoaded = errors.New("engine: no module loaded")
)

package engine

import (
	"github.com/dop251/goja"
)

// sandboxState holds the mutable state a single goja.Runtime's host
// calls close over: the linear memory they read/write, the per-cycle
// trace sink, and the last user-raised fault code. Binding host calls
// to this small value (rather than to the owning Engine directly) lets
// Load/Reload build and validate a fresh runtime+state pair before
// committing it to the live Engine, with no risk of the committed
// Engine's fields diverging from what the bound closures actually see.
type sandboxState struct {
	memory        []byte
	trace         traceBuffer
	userFaultCode *uint32
}

// bindHostCalls installs the two whitelisted host functions into rt's
// global object: trace(ptr, len) and fault(code). Per spec.md §4.2,
// these are the only imports a sandbox module may use; nothing else is
// ever bound into a sandbox Runtime by this package.
func bindHostCalls(rt *goja.Runtime, st *sandboxState) error {
	if err := rt.Set("trace", st.hostTrace); err != nil {
		return err
	}
	if err := rt.Set("fault", st.hostFault); err != nil {
		return err
	}
	return nil
}

// hostTrace implements the trace(ptr:i32, len:i32) host call: copy up to
// traceCopyLimit bytes from sandbox memory at [ptr, ptr+len) into the
// bounded per-cycle trace buffer. All bounds are validated against the
// current memory size before any access, per spec.md §4.2.
func (st *sandboxState) hostTrace(ptr, length int) {
	if ptr < 0 || length < 0 {
		return
	}
	if length > traceCopyLimit {
		length = traceCopyLimit
	}
	end := ptr + length
	if ptr > len(st.memory) || end > len(st.memory) || end < ptr {
		// Out-of-bounds request: per spec.md §4.2, any bytecode trap
		// (bounds violation) becomes ExecutionFault. trace() is a host
		// call, not a trap in the bytecode-execution-engine sense, but
		// an out-of-bounds trace request is equally a sandbox
		// violation, so we raise it the same way.
		panic(oobPanic{})
	}
	st.trace.push(st.memory[ptr:end])
}

// hostFault implements the fault(code:i32) host call: record a
// user-raised fault. Per spec.md §4.2, "the current step completes but
// the scheduler treats the cycle as faulting" — so this must not panic
// or abort the running script.
func (st *sandboxState) hostFault(code int32) {
	v := uint32(code)
	st.userFaultCode = &v
}

// oobPanic is panicked by hostTrace on an out-of-bounds access and
// recovered by execute(), which converts it to ErrExecutionFault. Using
// panic/recover here mirrors how a real bytecode sandbox would trap a
// bounds violation mid-instruction and unwind to the host.
type oobPanic struct{}

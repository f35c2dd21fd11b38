// Package engine hosts a single sandboxed logic module inside a goja
// ECMAScript runtime, giving it no host surface beyond a linear memory
// buffer and the trace/fault calls, per spec.md §4.2.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/plcruntime/core/image"
	"github.com/plcruntime/core/rtlog"
)

// Config configures one Engine instance. Zero value is usable: it
// yields the spec's stated defaults (500,000 fuel units, one 64 KiB
// page of sandbox memory).
type Config struct {
	FuelBudget       uint64
	FuelCalibration  uint64 // units per second; 0 uses DefaultFuelCalibration
	MaxSandboxMemory int
}

// Engine owns one compiled sandbox module and its live goja.Runtime.
// Not safe for concurrent use: the scheduler's cycle goroutine is the
// sole caller, per spec.md §5.
type Engine struct {
	cfg  Config
	fuel fuelGovernor
	mu   sync.Mutex // guards the Load/Reload swap only; Step itself is single-threaded

	rt     *goja.Runtime
	state  *sandboxState
	shape  shape
	source string

	lastStats      Stats
	lastValidation ValidationReport
}

// New constructs an unloaded Engine. Call Load before Init/Step.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:  cfg,
		fuel: newFuelGovernor(cfg.FuelCalibration),
	}
}

// Load compiles and instantiates a module from source, replacing any
// previously loaded module. On any error the Engine remains in its
// prior state (unloaded, if this was the first Load).
func (e *Engine) Load(src string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rt, st, s, err := e.build(src, memoryFor(e.cfg.MaxSandboxMemory))
	if err != nil {
		e.lastValidation = ValidationReport{RejectedImports: scanForbiddenTokens(src)}
		return err
	}
	if len(st.memory) < image.Size {
		e.lastValidation = ValidationReport{HasInit: s.hasInit, HasFault: s.hasFault, MemorySize: len(st.memory)}
		return fmt.Errorf("%w: \"memory\" export is only %d bytes, need at least %d", ErrMissingExport, len(st.memory), image.Size)
	}
	if max := memoryFor(e.cfg.MaxSandboxMemory); len(st.memory) > max {
		e.lastValidation = ValidationReport{HasInit: s.hasInit, HasFault: s.hasFault, MemorySize: len(st.memory)}
		return fmt.Errorf("%w: \"memory\" export is %d bytes, exceeds configured maximum of %d", ErrMemoryTooLarge, len(st.memory), max)
	}

	e.rt = rt
	e.state = st
	e.shape = s
	e.source = src
	e.lastValidation = ValidationReport{Accepted: true, HasInit: s.hasInit, HasFault: s.hasFault, MemorySize: len(st.memory)}
	rtlog.For("engine").Debug().Bool("has_init", s.hasInit).Bool("has_fault", s.hasFault).Msg("module loaded")
	return nil
}

// build compiles and instantiates src in a brand-new Runtime with
// templateSize bytes of host-offered linear memory, returning the
// runtime, its bound sandbox state, and the module's declared shape.
// It performs no validation beyond what instantiate itself does and
// never mutates e.
func (e *Engine) build(src string, templateSize int) (*goja.Runtime, *sandboxState, shape, error) {
	if err := validateSource(src); err != nil {
		return nil, nil, shape{}, err
	}
	prog, err := compile("module.js", src)
	if err != nil {
		return nil, nil, shape{}, err
	}

	rt := goja.New()
	mem := rt.NewArrayBuffer(make([]byte, templateSize))
	if err := rt.Set("memory", mem); err != nil {
		return nil, nil, shape{}, fmt.Errorf("%w: %v", ErrMalformedModule, err)
	}

	st := &sandboxState{memory: mem.Bytes()}
	if err := bindHostCalls(rt, st); err != nil {
		return nil, nil, shape{}, fmt.Errorf("%w: %v", ErrMalformedModule, err)
	}

	s, bound, err := instantiate(rt, prog)
	if err != nil {
		return nil, nil, shape{}, err
	}
	// A module may redeclare "memory" as its own ArrayBuffer; whatever
	// is bound by the time instantiation finishes is what Step reads
	// and writes.
	st.memory = bound.Bytes()
	return rt, st, s, nil
}

// Init invokes the optional init() export once, before the first
// cycle. A no-op if the module declares no init export.
func (e *Engine) Init() error {
	if e.rt == nil {
		return ErrNotLoaded
	}
	if !e.shape.hasInit {
		return nil
	}
	fn, _ := goja.AssertFunction(e.rt.Get("init"))
	return e.execute(e.cfg.FuelBudget, func() error {
		_, err := fn(goja.Undefined())
		return err
	})
}

// Step copies img into sandbox memory, invokes step(), and returns the
// output snapshot taken from sandbox memory afterward, per spec.md
// §4.1's Ingress/Step/Egress boundary.
func (e *Engine) Step(img *image.Image) (image.Image, error) {
	if e.rt == nil {
		return image.Image{}, ErrNotLoaded
	}
	e.state.trace.reset()
	e.state.userFaultCode = nil

	copyImageIn(e.state.memory, img)

	fn, ok := goja.AssertFunction(e.rt.Get("step"))
	if !ok {
		return image.Image{}, fmt.Errorf("%w: \"step\" is no longer callable", ErrMissingExport)
	}
	budget := e.cfg.FuelBudget
	if budget == 0 {
		budget = DefaultFuelBudget
	}
	start := time.Now()
	err := e.execute(budget, func() error {
		_, err := fn(goja.Undefined())
		return err
	})
	e.lastStats = Stats{
		Duration:   time.Since(start),
		TraceCalls: e.state.trace.calls,
		Faulted:    err != nil,
	}
	if err != nil {
		return image.Image{}, err
	}
	return copyImageOut(e.state.memory), nil
}

// Fault invokes the optional fault() export, used by the scheduler to
// notify the module that the runtime has entered Fault state, per
// spec.md §4.2. A no-op if the module declares no fault export.
func (e *Engine) Fault(code uint32) error {
	if e.rt == nil {
		return ErrNotLoaded
	}
	if !e.shape.hasFault {
		return nil
	}
	fn, _ := goja.AssertFunction(e.rt.Get("fault"))
	return e.execute(e.cfg.FuelBudget, func() error {
		_, err := fn(goja.Undefined(), e.rt.ToValue(code))
		return err
	})
}

// LastUserFault returns the code most recently raised via the sandbox's
// fault(code) host call during the last Step, and whether one occurred.
func (e *Engine) LastUserFault() (uint32, bool) {
	if e.state == nil || e.state.userFaultCode == nil {
		return 0, false
	}
	return *e.state.userFaultCode, true
}

// Trace returns the trace() payloads recorded during the last Step.
func (e *Engine) Trace() [][]byte {
	if e.state == nil {
		return nil
	}
	return e.state.trace.Entries()
}

// Reload compiles newSrc and, once it instantiates successfully,
// atomically replaces the running module. If preserveMemory is true and
// the new module's declared memory size matches the old one's, the old
// sandbox memory bytes are copied into the new runtime's memory before
// any export is invoked; otherwise ErrIncompatibleInterface is returned
// and the old module keeps running, per spec.md §4.2's hot-swap
// semantics.
func (e *Engine) Reload(newSrc string, preserveMemory bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rt == nil {
		return e.Load(newSrc)
	}

	templateSize := memoryFor(e.cfg.MaxSandboxMemory)
	if preserveMemory {
		templateSize = len(e.state.memory)
	}
	rt, st, s, err := e.build(newSrc, templateSize)
	if err != nil {
		e.lastValidation = ValidationReport{RejectedImports: scanForbiddenTokens(newSrc)}
		return err
	}

	if preserveMemory {
		if len(st.memory) != len(e.state.memory) {
			e.lastValidation = ValidationReport{HasInit: s.hasInit, HasFault: s.hasFault, MemorySize: len(st.memory)}
			return fmt.Errorf("%w: reload requested preserve_memory but new module's memory size differs (%d vs %d)",
				ErrIncompatibleInterface, len(st.memory), len(e.state.memory))
		}
		copy(st.memory, e.state.memory)
	} else if len(st.memory) < image.Size {
		e.lastValidation = ValidationReport{HasInit: s.hasInit, HasFault: s.hasFault, MemorySize: len(st.memory)}
		return fmt.Errorf("%w: \"memory\" export is only %d bytes, need at least %d", ErrMissingExport, len(st.memory), image.Size)
	} else if max := memoryFor(e.cfg.MaxSandboxMemory); len(st.memory) > max {
		e.lastValidation = ValidationReport{HasInit: s.hasInit, HasFault: s.hasFault, MemorySize: len(st.memory)}
		return fmt.Errorf("%w: \"memory\" export is %d bytes, exceeds configured maximum of %d", ErrMemoryTooLarge, len(st.memory), max)
	}

	e.rt = rt
	e.state = st
	e.shape = s
	e.source = newSrc
	e.lastValidation = ValidationReport{Accepted: true, HasInit: s.hasInit, HasFault: s.hasFault, MemorySize: len(st.memory)}
	rtlog.For("engine").Info().Bool("preserve_memory", preserveMemory).Msg("module reloaded")
	return nil
}

// execute runs fn under the configured fuel budget, recovering from an
// oobPanic (out-of-bounds host-call access) and translating it and any
// goja error into the engine's sentinel error vocabulary.
func (e *Engine) execute(budget uint64, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(oobPanic); ok {
				err = ErrExecutionFault
				return
			}
			err = fmt.Errorf("%w: panic: %v", ErrExecutionFault, r)
		}
	}()

	runErr := e.fuel.withBudget(e.rt, budget, fn)
	if runErr == nil {
		return nil
	}
	if runErr == ErrFuelExhausted {
		return ErrFuelExhausted
	}
	if _, ok := runErr.(*goja.Exception); ok {
		return fmt.Errorf("%w: %v", ErrExecutionFault, runErr)
	}
	return fmt.Errorf("%w: %v", ErrExecutionFault, runErr)
}

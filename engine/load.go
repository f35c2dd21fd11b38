package engine

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// forbiddenTokens is a conservative, static, pre-execution guard: per
// spec.md §8, "imports outside the whitelist cause load to fail before
// any code executes." A sandbox module's only host surface is
// trace/fault; any of these tokens appearing in the source text
// indicates the (out-of-scope) compiler emitted something reaching
// outside that whitelist, so we reject it before compiling, let alone
// running, a single statement.
var forbiddenTokens = []string{
	"require(", "import ", "import(", "globalThis", "process.",
	"fetch(", "XMLHttpRequest", "eval(", "Function(",
}

// shape records which optional exports (init, fault) a compiled module
// declares.
type shape struct {
	hasInit  bool
	hasFault bool
}

// validateSource applies the static whitelist guard. Returns
// ErrForbiddenImport wrapping the offending token on violation.
func validateSource(src string) error {
	for _, tok := range forbiddenTokens {
		if strings.Contains(src, tok) {
			return fmt.Errorf("%w: source references %q", ErrForbiddenImport, tok)
		}
	}
	return nil
}

// scanForbiddenTokens returns every forbiddenTokens entry present in
// src, for ValidationReport's diagnostic use. validateSource itself
// still fails fast on the first match; this is only for reporting.
func scanForbiddenTokens(src string) []string {
	var found []string
	for _, tok := range forbiddenTokens {
		if strings.Contains(src, tok) {
			found = append(found, tok)
		}
	}
	return found
}

// compile parses the module source into a goja.Program. A parse error
// becomes ErrMalformedModule.
func compile(name, src string) (*goja.Program, error) {
	prog, err := goja.Compile(name, src, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedModule, err)
	}
	return prog, nil
}

// instantiate runs prog's top-level statements in rt (a Runtime that
// has already had trace/fault bound and memory installed), then checks
// for the required and optional exports. Per spec.md §4.2, required
// exports are memory and step; optional are init and fault.
//
// A module's top-level code may redeclare "memory" to a size other
// than the host-provided buffer (e.g. to demand more or less sandbox
// memory than the caller's default); the returned ArrayBuffer is
// whatever "memory" resolves to after instantiation, and callers decide
// what its size means — Load (and Reload without preserve_memory)
// rejects one smaller than the process image as ErrMissingExport and one
// above the configured ceiling as ErrMemoryTooLarge, while Reload with
// preserve_memory rejects any size differing from the old module's as
// ErrIncompatibleInterface, since the operations have different
// contracts around memory continuity.
func instantiate(rt *goja.Runtime, prog *goja.Program) (shape, goja.ArrayBuffer, error) {
	if _, err := rt.RunProgram(prog); err != nil {
		if isReferenceError(err) {
			return shape{}, goja.ArrayBuffer{}, fmt.Errorf("%w: %v", ErrForbiddenImport, err)
		}
		return shape{}, goja.ArrayBuffer{}, fmt.Errorf("%w: %v", ErrMalformedModule, err)
	}

	memVal := rt.Get("memory")
	if memVal == nil || goja.IsUndefined(memVal) {
		return shape{}, goja.ArrayBuffer{}, fmt.Errorf("%w: missing required export \"memory\"", ErrMissingExport)
	}
	exported, ok := memVal.Export().(goja.ArrayBuffer)
	if !ok {
		return shape{}, goja.ArrayBuffer{}, fmt.Errorf("%w: \"memory\" export is not an ArrayBuffer", ErrMissingExport)
	}

	if _, ok := goja.AssertFunction(rt.Get("step")); !ok {
		return shape{}, goja.ArrayBuffer{}, fmt.Errorf("%w: missing required export \"step\"", ErrMissingExport)
	}

	var s shape
	if v := rt.Get("init"); v != nil && !goja.IsUndefined(v) {
		if _, ok := goja.AssertFunction(v); !ok {
			return shape{}, goja.ArrayBuffer{}, fmt.Errorf("%w: \"init\" is exported but not callable", ErrMissingExport)
		}
		s.hasInit = true
	}
	if v := rt.Get("fault"); v != nil && !goja.IsUndefined(v) {
		if _, ok := goja.AssertFunction(v); !ok {
			return shape{}, goja.ArrayBuffer{}, fmt.Errorf("%w: \"fault\" is exported but not callable", ErrMissingExport)
		}
		s.hasFault = true
	}
	return s, exported, nil
}

func isReferenceError(err error) bool {
	ex, ok := err.(*goja.Exception)
	if !ok {
		return false
	}
	return strings.Contains(ex.Error(), "ReferenceError")
}

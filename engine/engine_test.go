package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plcruntime/core/image"
)

const passthroughModule = `
function step() {
  var src = new Uint8Array(memory);
  // digital outputs mirror digital inputs
  src[4] = src[0]; src[5] = src[1]; src[6] = src[2]; src[7] = src[3];
}
`

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return New(Config{FuelBudget: DefaultFuelBudget, MaxSandboxMemory: image.Size})
}

func TestLoadRejectsForbiddenImport(t *testing.T) {
	e := newTestEngine(t)
	err := e.Load(`const fs = require('fs'); function step() {}`)
	require.ErrorIs(t, err, ErrForbiddenImport)
}

func TestLoadRejectsMalformedSource(t *testing.T) {
	e := newTestEngine(t)
	err := e.Load(`function step( {`)
	require.ErrorIs(t, err, ErrMalformedModule)
}

func TestLoadRejectsMissingStepExport(t *testing.T) {
	e := newTestEngine(t)
	err := e.Load(`function notStep() {}`)
	require.ErrorIs(t, err, ErrMissingExport)
}

func TestLoadAndStepRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Load(passthroughModule))

	var in image.Image
	in.SetDigitalInputs(0xAA)

	out, err := e.Step(&in)
	require.NoError(t, err)
	require.Equal(t, uint32(0xAA), out.DigitalOutputs())
}

func TestStepBeforeLoadIsNotLoaded(t *testing.T) {
	e := newTestEngine(t)
	var in image.Image
	_, err := e.Step(&in)
	require.ErrorIs(t, err, ErrNotLoaded)
}

func TestInitExportIsOptionalAndInvokedOnce(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Load(`
var initialized = false;
function init() { initialized = true; }
function step() { if (!initialized) { fault(1); } }
`))
	require.NoError(t, e.Init())
	var in image.Image
	_, err := e.Step(&in)
	require.NoError(t, err)
	code, ok := e.LastUserFault()
	require.False(t, ok)
	require.Zero(t, code)
}

func TestHostFaultIsRecordedWithoutAborting(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Load(`function step() { fault(42); }`))
	var in image.Image
	_, err := e.Step(&in)
	require.NoError(t, err)
	code, ok := e.LastUserFault()
	require.True(t, ok)
	require.Equal(t, uint32(42), code)
}

func TestTraceIsRateLimitedPerCycle(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Load(`
function step() {
  for (var i = 0; i < 150; i++) { trace(0, 1); }
}
`))
	var in image.Image
	_, err := e.Step(&in)
	require.NoError(t, err)
	require.Len(t, e.Trace(), traceCallLimit)
}

func TestTraceOutOfBoundsBecomesExecutionFault(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Load(`function step() { trace(1000000, 10); }`))
	var in image.Image
	_, err := e.Step(&in)
	require.ErrorIs(t, err, ErrExecutionFault)
}

func TestUncaughtExceptionBecomesExecutionFault(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Load(`function step() { throw new Error("boom"); }`))
	var in image.Image
	_, err := e.Step(&in)
	require.ErrorIs(t, err, ErrExecutionFault)
}

func TestInfiniteLoopExhaustsFuel(t *testing.T) {
	e := New(Config{FuelBudget: 1, FuelCalibration: 1_000_000, MaxSandboxMemory: image.Size})
	require.NoError(t, e.Load(`function step() { while (true) {} }`))
	var in image.Image
	start := time.Now()
	_, err := e.Step(&in)
	require.ErrorIs(t, err, ErrFuelExhausted)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestReloadPreservesMemoryWhenCompatible(t *testing.T) {
	// copyImageIn overwrites the entire 256-byte process-image region on
	// every Step, so asserting on a byte inside that region would pass
	// even if preserve_memory did nothing. Byte 300 is scratch space
	// outside the process image, untouched by copyImageIn, so the only
	// way the new module's step() can observe a nonzero value there is
	// if Reload actually copied the old sandbox's raw memory forward.
	e := newTestEngine(t)
	require.NoError(t, e.Load(`
var counter = 0;
function step() {
  var view = new Uint8Array(memory);
  counter++;
  view[300] = counter;
}
`))
	var in image.Image
	_, err := e.Step(&in)
	require.NoError(t, err)
	_, err = e.Step(&in)
	require.NoError(t, err)

	require.NoError(t, e.Reload(`
function step() {
  var view = new Uint8Array(memory);
  view[9] = view[300]; // carries the old module's scratch counter forward
}
`, true))

	out, err := e.Step(&in)
	require.NoError(t, err)
	require.Equal(t, byte(2), out.Bytes()[9])
}

func TestReloadIncompatibleMemorySizeIsRejected(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Load(`function step() {}`))

	// The new module demands its own, differently-sized memory by
	// redeclaring the global, which conflicts with preserve_memory's
	// contract of continuing to use the old sandbox's bytes.
	err := e.Reload(`var memory = new ArrayBuffer(131072); function step() {}`, true)
	require.ErrorIs(t, err, ErrIncompatibleInterface)
}

func TestReloadWithoutPreserveMemoryAcceptsDifferentSize(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Load(`function step() {}`))

	// Different from the host-offered 65536-byte template, but still
	// within the configured ceiling, so this is a legitimate resize.
	err := e.Reload(`var memory = new ArrayBuffer(2048); function step() {}`, false)
	require.NoError(t, err)
}

func TestReloadWithoutPreserveMemoryRejectsOversizedMemory(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Load(`function step() {}`))

	err := e.Reload(`var memory = new ArrayBuffer(131072); function step() {}`, false)
	require.ErrorIs(t, err, ErrMemoryTooLarge)
}

func TestLoadRejectsOversizedMemory(t *testing.T) {
	e := newTestEngine(t)
	err := e.Load(`var memory = new ArrayBuffer(131072); function step() {}`)
	require.ErrorIs(t, err, ErrMemoryTooLarge)
}

func TestLastStatsReflectsStepInvocation(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Load(`
function step() {
  trace(0, 4);
  trace(0, 4);
}
`))
	var in image.Image
	_, err := e.Step(&in)
	require.NoError(t, err)

	stats := e.LastStats()
	require.Equal(t, 2, stats.TraceCalls)
	require.False(t, stats.Faulted)
	require.GreaterOrEqual(t, stats.Duration, time.Duration(0))
}

func TestLastStatsMarksFaultedStep(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Load(`function step() { throw new Error("boom"); }`))
	var in image.Image
	_, err := e.Step(&in)
	require.Error(t, err)
	require.True(t, e.LastStats().Faulted)
}

func TestLastValidationReportsShapeOnSuccessfulLoad(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Load(`
function init() {}
function fault(code) {}
function step() {}
`))
	report := e.LastValidation()
	require.True(t, report.Accepted)
	require.True(t, report.HasInit)
	require.True(t, report.HasFault)
	require.GreaterOrEqual(t, report.MemorySize, image.Size)
}

func TestLastValidationReportsRejectedImports(t *testing.T) {
	e := newTestEngine(t)
	err := e.Load(`const fs = require('fs'); function step() {}`)
	require.ErrorIs(t, err, ErrForbiddenImport)

	report := e.LastValidation()
	require.False(t, report.Accepted)
	require.Contains(t, report.RejectedImports, "require(")
}

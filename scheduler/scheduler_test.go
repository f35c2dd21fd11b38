package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plcruntime/core/config"
	"github.com/plcruntime/core/engine"
	"github.com/plcruntime/core/fieldbus/simulated"
	"github.com/plcruntime/core/image"
)

const passthroughModule = `
function step() {
  var src = new Uint8Array(memory);
  src[4] = src[0]; src[5] = src[1]; src[6] = src[2]; src[7] = src[3];
}
`

func newTestEngine(t *testing.T, src string) *engine.Engine {
	t.Helper()
	e := engine.New(engine.Config{FuelBudget: engine.DefaultFuelBudget, MaxSandboxMemory: image.Size})
	require.NoError(t, e.Load(src))
	return e
}

func runFor(t *testing.T, s *Scheduler, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	err := s.Run(ctx)
	require.NoError(t, err)
}

func TestBaselineCyclePassesInputsToOutputs(t *testing.T) {
	eng := newTestEngine(t, passthroughModule)
	driver := simulated.New(nil)
	driver.SetDigitalInput(0xAA)

	s, err := New(eng, driver, WithCyclePeriod(2*time.Millisecond), WithWatchdogTimeout(10*time.Millisecond), WithMaxOverrun(2*time.Millisecond))
	require.NoError(t, err)

	runFor(t, s, 30*time.Millisecond)

	require.Equal(t, StateTerminated, s.State())
	snap := s.Snapshot()
	require.Equal(t, uint32(0xAA), snap.DigitalOutputs())
	require.Greater(t, s.Histogram().Count(), 0)
}

func TestRealtimeConfigDisabledLeavesOrdinaryScheduling(t *testing.T) {
	eng := newTestEngine(t, passthroughModule)
	driver := simulated.New(nil)

	s, err := New(eng, driver, WithCyclePeriod(2*time.Millisecond), WithWatchdogTimeout(10*time.Millisecond), WithMaxOverrun(2*time.Millisecond))
	require.NoError(t, err)
	require.False(t, s.opts.realtime.Enabled)

	runFor(t, s, 10*time.Millisecond)
	require.Equal(t, StateTerminated, s.State())
}

func TestFromConfigWiresRealtimeOption(t *testing.T) {
	eng := newTestEngine(t, passthroughModule)
	driver := simulated.New(nil)

	cfg := config.Config{
		CycleTime:       2 * time.Millisecond,
		WatchdogTimeout: 10 * time.Millisecond,
		MaxOverrun:      2 * time.Millisecond,
		Realtime: config.RealtimeConfig{
			Enabled:  true,
			Policy:   config.PolicyOther,
			Priority: 0,
		},
	}
	s, err := FromConfig(cfg, eng, driver)
	require.NoError(t, err)
	require.True(t, s.opts.realtime.Enabled)
	require.Equal(t, config.PolicyOther, s.opts.realtime.Policy)

	// Policy "other" never calls sched_setscheduler, so this applies
	// cleanly without elevated privileges even in a CI sandbox.
	runFor(t, s, 10*time.Millisecond)
	require.Equal(t, StateTerminated, s.State())
}

func TestNewRejectsWatchdogNotExceedingCycleTime(t *testing.T) {
	eng := newTestEngine(t, passthroughModule)
	driver := simulated.New(nil)
	_, err := New(eng, driver, WithCyclePeriod(time.Millisecond), WithWatchdogTimeout(time.Millisecond))
	require.ErrorIs(t, err, ErrWatchdogConfig)
}

func TestNewRejectsMaxOverrunNotLessThanWatchdog(t *testing.T) {
	eng := newTestEngine(t, passthroughModule)
	driver := simulated.New(nil)
	_, err := New(eng, driver, WithCyclePeriod(time.Millisecond), WithWatchdogTimeout(5*time.Millisecond), WithMaxOverrun(5*time.Millisecond))
	require.ErrorIs(t, err, ErrWatchdogConfig)
}

func TestInfiniteLoopEntersFaultViaFuelExhaustion(t *testing.T) {
	eng := engine.New(engine.Config{FuelBudget: 1, FuelCalibration: 1_000_000, MaxSandboxMemory: image.Size})
	require.NoError(t, eng.Load(`function step() { while (true) {} }`))
	driver := simulated.New(nil)

	s, err := New(eng, driver,
		WithCyclePeriod(5*time.Millisecond),
		WithWatchdogTimeout(50*time.Millisecond),
		WithMaxOverrun(5*time.Millisecond),
		WithFaultLatch(true),
	)
	require.NoError(t, err)

	runFor(t, s, 40*time.Millisecond)

	require.Equal(t, StateTerminated, s.State())
	rec, ok := s.FaultRecorder().Last()
	require.True(t, ok)
	require.Equal(t, "FuelExhausted", rec.Cause.Kind)
	require.Zero(t, s.Snapshot().DigitalOutputs())
}

func TestUnlatchedFaultAutoResumesNextCycle(t *testing.T) {
	// step() faults exactly once, on the very first invocation, then
	// behaves; with fault_latch=false the scheduler should leave Fault
	// automatically and resume calling step() starting the next cycle.
	eng := newTestEngine(t, `
var tripped = false;
function step() {
  if (!tripped) { tripped = true; throw new Error("one-shot trip"); }
  var src = new Uint8Array(memory);
  src[4] = 0x55;
}
`)
	driver := simulated.New(nil)

	s, err := New(eng, driver,
		WithCyclePeriod(3*time.Millisecond),
		WithWatchdogTimeout(30*time.Millisecond),
		WithMaxOverrun(3*time.Millisecond),
		WithFaultLatch(false),
	)
	require.NoError(t, err)

	runFor(t, s, 40*time.Millisecond)

	require.Equal(t, uint32(0x55), s.Snapshot().DigitalOutputs())
}

func TestOverrunUnderWarnPolicyDoesNotFault(t *testing.T) {
	eng := newTestEngine(t, passthroughModule)
	driver := simulated.New(nil)

	s, err := New(eng, driver,
		WithCyclePeriod(time.Millisecond),
		WithWatchdogTimeout(50*time.Millisecond),
		WithMaxOverrun(2*time.Millisecond),
		WithOverrunPolicy(config.OverrunWarn),
	)
	require.NoError(t, err)

	runFor(t, s, 20*time.Millisecond)

	require.Equal(t, StateTerminated, s.State())
	_, faulted := s.FaultRecorder().Last()
	require.False(t, faulted)
}

func TestHotSwapReloadPreservesImage(t *testing.T) {
	// The first 256 bytes of sandbox memory are the process image proper
	// and get overwritten by the host on every Step call, so a module's
	// durable state either lives in JS globals or in scratch bytes
	// beyond that region. preserve_memory's contract is about the raw
	// sandbox memory bytes, so this exercises a scratch counter at
	// offset 300 to distinguish "reload preserved the old memory" from
	// "the new module just started from zero".
	eng := newTestEngine(t, `
function step() {
  var view = new Uint8Array(memory);
  view[300] = (view[300] + 1) & 0xFF;
  view[4] = view[300];
}
`)
	driver := simulated.New(nil)

	s, err := New(eng, driver, WithCyclePeriod(2*time.Millisecond), WithWatchdogTimeout(20*time.Millisecond), WithMaxOverrun(2*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	reloadCtx, reloadCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer reloadCancel()
	require.NoError(t, s.RequestReload(reloadCtx, `
function step() {
  var view = new Uint8Array(memory);
  view[4] = view[300]; // carries the old module's scratch counter forward
}
`, true))

	require.NoError(t, <-done)
	snap := s.Snapshot()
	require.NotZero(t, snap.DigitalOutputs()&0xFF)
}

func TestRequestResetClearsFaultState(t *testing.T) {
	eng := newTestEngine(t, `function step() { throw new Error("always faults"); }`)
	driver := simulated.New(nil)

	s, err := New(eng, driver,
		WithCyclePeriod(2*time.Millisecond),
		WithWatchdogTimeout(20*time.Millisecond),
		WithMaxOverrun(2*time.Millisecond),
		WithFaultLatch(true),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(6 * time.Millisecond)
	require.Equal(t, StateFault, s.State())
	s.RequestReset()
	time.Sleep(6 * time.Millisecond)
	// The module still faults every cycle, so it re-enters Fault
	// immediately after the reset is consumed; the point under test is
	// only that RequestReset is observed (state cycles back through Run).
	_, faulted := s.FaultRecorder().Last()
	require.True(t, faulted)
	// A second Run→Fault transition is only possible if the reset was
	// consumed and step() ran again.
	require.GreaterOrEqual(t, len(s.FaultRecorder().Records()), 2)

	require.NoError(t, <-done)
}

func TestShutdownDrivesSafeOutputs(t *testing.T) {
	eng := newTestEngine(t, `
function step() {
  var view = new Uint8Array(memory);
  view[4] = 0xFF;
}
`)
	driver := simulated.New(nil)

	s, err := New(eng, driver, WithCyclePeriod(2*time.Millisecond), WithWatchdogTimeout(20*time.Millisecond), WithMaxOverrun(2*time.Millisecond))
	require.NoError(t, err)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, <-done)

	require.Equal(t, StateTerminated, s.State())
	require.Zero(t, driver.DigitalOutputs())
}

func TestRunReturnsErrAlreadyRunning(t *testing.T) {
	eng := newTestEngine(t, passthroughModule)
	driver := simulated.New(nil)
	s, err := New(eng, driver, WithCyclePeriod(2*time.Millisecond), WithWatchdogTimeout(20*time.Millisecond), WithMaxOverrun(2*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(2 * time.Millisecond)

	err = s.Run(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, <-done)
}

func TestSubscribeReceivesPublishedImages(t *testing.T) {
	eng := newTestEngine(t, passthroughModule)
	driver := simulated.New(nil)
	driver.SetDigitalInput(0x55)

	s, err := New(eng, driver, WithCyclePeriod(2*time.Millisecond), WithWatchdogTimeout(20*time.Millisecond), WithMaxOverrun(2*time.Millisecond))
	require.NoError(t, err)

	ch, unsubscribe := s.Subscribe(4)
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case img := <-ch:
		require.Equal(t, uint32(0x55), img.DigitalOutputs())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a published image")
	}

	require.NoError(t, <-done)
}

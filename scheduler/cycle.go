package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/plcruntime/core/config"
	"github.com/plcruntime/core/engine"
	"github.com/plcruntime/core/faultlog"
	"github.com/plcruntime/core/image"
	"github.com/plcruntime/core/metrics"
)

// Reserved fault codes raised by the scheduler itself (as opposed to a
// module's own fault(code) host call), written into the image's fault
// code field and passed to engine.Fault on entry.
const (
	faultCodeWatchdogFired  uint32 = 1
	faultCodeDeadlineMissed uint32 = 2
	faultCodeFuelExhausted  uint32 = 3
	faultCodeExecutionFault uint32 = 4
)

// runCycle executes one full Wake→Ingress→Step→Egress→Account pass. The
// Wake phase itself (sleeping until this cycle's deadline) has already
// happened by the time runCycle is called; this covers the remaining
// four phases plus the fault-state machine transitions.
func (s *Scheduler) runCycle(ctx context.Context, log zerolog.Logger) {
	wakeTime := time.Now()
	cycle := s.cycle
	firstCycle := cycle == 0

	// Ingress runs the single per-cycle wire exchange before s.live is
	// reset: s.pendingOut still holds the previous cycle's committed
	// output snapshot (set at the end of that cycle's Egress, below),
	// so this one Exchange call both transmits it and reads this
	// cycle's fresh inputs in the same round trip, per spec.md §4.3/§5
	// ("a single system call per cycle"). Calling ReadInputs and
	// WriteOutputs separately would, on the realtime driver, run its
	// working-counter accounting twice per PLC cycle instead of once.
	ingressStart := time.Now()
	if err := s.driver.Exchange(ctx, &s.pendingOut); err != nil {
		log.Warn().Err(err).Msg("exchange failed; proceeding with stale inputs")
	}

	s.live.Reset()
	s.live.ZeroReserved()
	s.live.SetCyclePeriod(uint32(s.opts.cycleTime.Nanoseconds()))
	s.live.SetCycleCounter(cycle)
	s.live.SetFlag(image.FlagFirstCycle, firstCycle)

	if req := s.reload.Swap(nil); req != nil {
		err := s.engine.Reload(req.source, req.preserveMemory)
		if err != nil {
			log.Warn().Err(err).Msg("hot-swap reload rejected; previous module retained")
		} else {
			log.Info().Uint64("cycle", cycle).Bool("preserve_memory", req.preserveMemory).Msg("hot-swap reload applied")
		}
		req.result <- err
	}

	s.driver.GetInputs(&s.live)
	ingressDur := time.Since(ingressStart)

	state := s.state.Load()
	if state == StateFault && s.resetReq.CompareAndSwap(true, false) {
		s.state.Store(StateRun)
		state = StateRun
		s.activeFaultCode = 0
		log.Info().Uint64("cycle", cycle).Msg("fault reset, resuming step()")
	}
	s.live.SetFlag(image.FlagFaultMode, state == StateFault)

	// Step (or, while faulting, the one-shot fault() notification).
	stepStart := time.Now()
	var stepErr error
	faultCode := s.activeFaultCode
	if state == StateFault {
		// fault() was already invoked exactly once on the transition
		// into Fault (see enterFault); subsequent cycles in Fault skip
		// both step() and fault().
	} else {
		var out image.Image
		out, stepErr = s.engine.Step(&s.live)
		if stepErr == nil {
			s.live.CopyFrom(&out)
			if code, ok := s.engine.LastUserFault(); ok {
				faultCode = code
				stepErr = engine.ErrUserFault
			}
		}
	}
	stepDur := time.Since(stepStart)

	// A fault discovered during Step takes effect immediately, so this
	// same cycle's Egress already drives the safe-state outputs rather
	// than whatever step() last wrote.
	if stepErr != nil {
		cause, code := s.classifyStepError(stepErr, faultCode)
		s.enterFault(cause, code, cycle, log)
		faultCode = code
		state = StateFault
	}

	// Egress: the actual transmission of these outputs is deferred to
	// the next cycle's Ingress Exchange call (see above), staged here
	// via s.pendingOut rather than written to the wire directly.
	egressStart := time.Now()
	if state == StateFault {
		s.applySafeOutputs()
	} else {
		s.lastSafe.CopyFrom(&s.live)
	}
	s.pendingOut.CopyFrom(&s.live)
	s.published.Publish(&s.live)
	s.broadcast.Publish(&s.live)
	egressDur := time.Since(egressStart)

	// Account: total phase duration, including this Egress, is only
	// known now, so watchdog/overrun can only ever be detected after the
	// fact and take effect starting next cycle's Egress.
	total := time.Since(wakeTime)
	deadline := s.opts.cycleTime + s.opts.maxOverrun
	overrun := total > deadline
	watchdogFired := total > s.opts.watchdogTimeout

	s.live.SetFaultCode(faultCode)
	s.opts.recorder.Observe(&s.live)
	s.opts.histogram.Observe(metrics.CycleRecord{
		Cycle:            cycle,
		WakeTime:         wakeTime,
		InputReadDur:     ingressDur,
		StepDur:          stepDur,
		OutputWriteDur:   egressDur,
		TotalDur:         total,
		DeadlineMissed:   overrun,
		OverrunMagnitude: total - s.opts.cycleTime,
		FaultCode:        faultCode,
	})

	switch {
	case watchdogFired:
		s.enterFault(faultlog.Cause{Kind: "WatchdogFired", Message: "cycle exceeded watchdog_timeout"}, faultCodeWatchdogFired, cycle, log)
	case overrun && s.opts.onOverrun == config.OverrunFault:
		s.enterFault(faultlog.Cause{Kind: "DeadlineMissed", Message: "cycle exceeded max_overrun under fault policy"}, faultCodeDeadlineMissed, cycle, log)
	case overrun:
		log.Warn().Uint64("cycle", cycle).Dur("total", total).Msg("cycle overran max_overrun")
	}
}

// classifyStepError maps an engine error into a fault cause and the
// numeric fault code to latch into the image and pass to the module's
// fault() export, per spec.md §7's error-kind table. userCode is the
// code the module itself raised via the fault() host call, used
// verbatim when the error is ErrUserFault.
func (s *Scheduler) classifyStepError(err error, userCode uint32) (faultlog.Cause, uint32) {
	switch {
	case errors.Is(err, engine.ErrFuelExhausted):
		return faultlog.Cause{Kind: "FuelExhausted", Message: err.Error()}, faultCodeFuelExhausted
	case errors.Is(err, engine.ErrUserFault):
		return faultlog.Cause{Kind: "UserFault", Message: err.Error()}, userCode
	case errors.Is(err, engine.ErrExecutionFault):
		return faultlog.Cause{Kind: "ExecutionFault", Message: err.Error()}, faultCodeExecutionFault
	default:
		return faultlog.Cause{Kind: "ExecutionFault", Message: err.Error()}, faultCodeExecutionFault
	}
}

// enterFault performs the fault-transition side effects exactly once
// per Run→Fault edge, per spec.md §7: invoke fault(), freeze the
// fault-recorder window, drive safe outputs.
func (s *Scheduler) enterFault(cause faultlog.Cause, code uint32, cycle uint64, log zerolog.Logger) {
	if !s.state.TryTransition(StateRun, StateFault) {
		return // already faulting; "exactly once per transition"
	}
	log.Error().Uint64("cycle", cycle).Str("cause", cause.Kind).Str("message", cause.Message).Msg("entering Fault")
	s.opts.recorder.Enter(cause, cycle, time.Now())
	if err := s.engine.Fault(code); err != nil {
		log.Warn().Err(err).Msg("fault() handler itself faulted; ignoring")
	}
	s.activeFaultCode = code
	s.live.SetFaultCode(code)
	s.applySafeOutputs()
	if !s.opts.faultLatch {
		// Unlatched faults are momentary: give the module one cycle's
		// grace, then automatically resume stepping.
		s.resetReq.Store(true)
	}
}

// applySafeOutputs drives s.live's output regions to the configured
// safe pattern: all_off zeroes them; hold_last keeps the values last
// published while the scheduler was in Run.
func (s *Scheduler) applySafeOutputs() {
	switch s.opts.safeOutputs {
	case config.SafeOutputsHoldLast:
		s.live.SetDigitalOutputs(s.lastSafe.DigitalOutputs())
		for ch := 0; ch < 16; ch++ {
			s.live.SetAnalogOutput(ch, s.lastSafe.AnalogOutput(ch))
		}
	default: // all_off
		s.live.SetDigitalOutputs(0)
		for ch := 0; ch < 16; ch++ {
			s.live.SetAnalogOutput(ch, 0)
		}
	}
}

// driveSafeOutputs is used on shutdown, outside the normal per-cycle
// accounting, to push one final safe-state egress before the driver is
// closed. The safe image goes to the driver only; Snapshot keeps
// returning the last cycle's published image.
func (s *Scheduler) driveSafeOutputs(ctx context.Context) {
	s.applySafeOutputs()
	_ = s.driver.Exchange(ctx, &s.live)
}

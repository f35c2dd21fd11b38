// Package scheduler implements the cyclic real-time loop: Wake, Ingress,
// Step, Egress, Account, per spec.md §4.1. Timing uses absolute
// deadlines anchored to the loop's start time, never a compounding
// relative sleep, grounded on the teacher's eventloop.Loop tick-anchor
// design.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/plcruntime/core/config"
	"github.com/plcruntime/core/engine"
	"github.com/plcruntime/core/faultlog"
	"github.com/plcruntime/core/fieldbus"
	"github.com/plcruntime/core/image"
	"github.com/plcruntime/core/metrics"
	"github.com/plcruntime/core/rtlog"
)

// Scheduler drives one engine+driver pair through the cyclic scan. Not
// safe for concurrent Run calls; Shutdown/RequestReset/Snapshot/State
// are safe to call from any goroutine while Run is active.
type Scheduler struct {
	opts   *schedulerOptions
	engine *engine.Engine
	driver fieldbus.Driver

	state    *fastState
	resetReq atomic.Bool
	reload   atomic.Pointer[reloadRequest]
	started  atomic.Bool

	stopOnce sync.Once
	doneCh   chan struct{}

	published image.Guarded
	broadcast *image.Broadcaster

	live            image.Image
	lastSafe        image.Image // last published output set, for hold_last
	pendingOut      image.Image // last committed output snapshot, transmitted on next cycle's Exchange
	activeFaultCode uint32      // persists across cycles while in Fault
	cycle           uint64
	t0              time.Time
}

// New checks the resolved options' watchdog and overrun bounds and
// constructs a Scheduler bound to eng and driver.
func New(eng *engine.Engine, driver fieldbus.Driver, opts ...Option) (*Scheduler, error) {
	o := resolveOptions(opts)
	if o.watchdogTimeout <= o.cycleTime {
		return nil, fmt.Errorf("%w: watchdog_timeout (%s) must strictly exceed cycle_time (%s)", ErrWatchdogConfig, o.watchdogTimeout, o.cycleTime)
	}
	if o.maxOverrun >= o.watchdogTimeout {
		return nil, fmt.Errorf("%w: max_overrun (%s) must be strictly less than watchdog_timeout (%s)", ErrWatchdogConfig, o.maxOverrun, o.watchdogTimeout)
	}
	return &Scheduler{
		opts:      o,
		engine:    eng,
		driver:    driver,
		state:     newFastState(),
		doneCh:    make(chan struct{}),
		broadcast: image.NewBroadcaster(),
	}, nil
}

// FromConfig is a convenience constructor building the Option set from a
// config.Config, per spec.md §6.
func FromConfig(cfg config.Config, eng *engine.Engine, driver fieldbus.Driver, extra ...Option) (*Scheduler, error) {
	opts := append([]Option{
		WithCyclePeriod(cfg.CycleTime),
		WithWatchdogTimeout(cfg.WatchdogTimeout),
		WithMaxOverrun(cfg.MaxOverrun),
		WithOverrunPolicy(cfg.FaultPolicy.OnOverrun),
		WithSafeOutputs(cfg.FaultPolicy.SafeOutputs),
		WithFaultLatch(cfg.FaultPolicy.FaultLatch),
		WithRealtime(cfg.Realtime),
	}, extra...)
	return New(eng, driver, opts...)
}

// State returns the scheduler's current run state.
func (s *Scheduler) State() RunState {
	return s.state.Load()
}

// Snapshot returns a copy of the most recently published process image,
// safe to call from any goroutine, per spec.md §5.
func (s *Scheduler) Snapshot() image.Image {
	return s.published.Snapshot()
}

// Subscribe registers a new image stream subscriber, the push-based
// alternative to polling Snapshot, per spec.md §5. Call the returned
// unsubscribe function when done.
func (s *Scheduler) Subscribe(capacity int) (<-chan image.Image, func()) {
	return s.broadcast.Subscribe(capacity)
}

// Histogram returns the cycle-timing histogram.
func (s *Scheduler) Histogram() *metrics.Histogram {
	return s.opts.histogram
}

// FaultRecorder returns the fault recorder.
func (s *Scheduler) FaultRecorder() *faultlog.Recorder {
	return s.opts.recorder
}

// RequestReset asks the scheduler to leave Fault state at the next
// cycle boundary, regardless of fault_latch. A no-op if not in Fault.
func (s *Scheduler) RequestReset() {
	if s.state.Load() == StateFault {
		s.resetReq.Store(true)
	}
}

// reloadRequest is applied on the cycle goroutine at the start of the
// next Ingress, so the engine is never touched concurrently with Step,
// per spec.md §4.2's hot-swap semantics and §5's single-owner rule.
type reloadRequest struct {
	source         string
	preserveMemory bool
	result         chan error
}

// RequestReload queues a hot-swap of the running module's source,
// applied atomically at the start of the next cycle. It blocks until
// the reload has been attempted (or ctx is cancelled first) and returns
// the Engine.Reload error, if any.
func (s *Scheduler) RequestReload(ctx context.Context, source string, preserveMemory bool) error {
	req := &reloadRequest{source: source, preserveMemory: preserveMemory, result: make(chan error, 1)}
	s.reload.Store(req)
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return ErrTerminated
	}
}

// Run drives the cyclic loop until ctx is cancelled or Shutdown is
// called. It returns nil once the loop has shut down, whether through
// ctx cancellation or Shutdown, and ErrAlreadyRunning or ErrTerminated
// when it cannot start.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.state.Load() == StateTerminated {
		return ErrTerminated
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	s.t0 = time.Now()
	log := rtlog.For("scheduler")
	defer close(s.doneCh)

	if s.opts.realtime.Enabled {
		if err := applyRealtimeConfig(s.opts.realtime); err != nil {
			log.Warn().Err(err).Msg("real-time thread configuration failed; continuing under ordinary scheduling")
		} else {
			log.Info().Str("policy", string(s.opts.realtime.Policy)).Int("priority", s.opts.realtime.Priority).Ints("cpu_affinity", s.opts.realtime.CPUAffinity).Msg("cycle thread pinned to real-time scheduling")
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.state.TryTransition(StateRun, StateTerminating)
			s.state.TryTransition(StateFault, StateTerminating)
		case <-done:
		}
	}()

	deadline := s.t0
	for {
		if !s.sleepUntil(deadline) {
			return s.finalShutdown(ctx, log)
		}
		if s.state.Load() == StateTerminating {
			return s.finalShutdown(ctx, log)
		}

		s.runCycle(ctx, log)

		s.cycle++
		var missed uint64
		next := s.t0.Add(time.Duration(s.cycle) * s.opts.cycleTime)
		now := time.Now()
		for !next.After(now) {
			missed++
			s.cycle++
			next = s.t0.Add(time.Duration(s.cycle) * s.opts.cycleTime)
		}
		if missed > 0 {
			log.Warn().Uint64("missed_cycles", missed).Msg("skipped period boundaries to avoid catch-up")
		}
		deadline = next
	}
}

// sleepUntil blocks until the absolute wall-clock deadline, waking early
// (returning false) if shutdown is requested. Using an absolute deadline
// computed from the fixed t0 anchor, rather than repeatedly sleeping for
// one period, avoids drift accumulating across cycles.
func (s *Scheduler) sleepUntil(deadline time.Time) bool {
	d := time.Until(deadline)
	if d <= 0 {
		return s.state.Load() != StateTerminating
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	poll := time.NewTicker(250 * time.Microsecond)
	defer poll.Stop()
	for {
		select {
		case <-timer.C:
			return true
		case <-poll.C:
			if s.state.Load() == StateTerminating {
				return false
			}
		}
	}
}

// Shutdown cooperatively stops the loop: the in-flight cycle (if any)
// completes, a final safe-state egress runs, and the driver is shut
// down, per spec.md §4.1's shutdown edge case.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	var result error
	s.stopOnce.Do(func() {
		s.state.TryTransition(StateRun, StateTerminating)
		s.state.TryTransition(StateFault, StateTerminating)
		select {
		case <-s.doneCh:
		case <-ctx.Done():
			result = ctx.Err()
		}
	})
	return result
}

func (s *Scheduler) finalShutdown(ctx context.Context, log zerolog.Logger) error {
	s.driveSafeOutputs(ctx)
	if err := s.driver.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("driver shutdown returned an error")
	}
	s.state.Store(StateTerminated)
	log.Info().Uint64("cycles", s.cycle).Msg("scheduler shut down cleanly")
	return nil
}

// Package plcrt wires image, engine, scheduler, fieldbus, faultlog and
// metrics together behind the top-level Runtime State machine named in
// spec.md §3: {Boot, PreOp, Run, Fault, Shutdown}. This is the
// composition root; the (out-of-scope) CLI driver and config file
// parser are the only things that should ever construct one.
package plcrt

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/plcruntime/core/config"
	"github.com/plcruntime/core/engine"
	"github.com/plcruntime/core/faultlog"
	"github.com/plcruntime/core/fieldbus"
	"github.com/plcruntime/core/fieldbus/realtime"
	"github.com/plcruntime/core/fieldbus/reqresp"
	"github.com/plcruntime/core/fieldbus/simulated"
	"github.com/plcruntime/core/image"
	"github.com/plcruntime/core/metrics"
	"github.com/plcruntime/core/rtlog"
	"github.com/plcruntime/core/scheduler"
)

// Runtime is the top-level process composition: one engine, one
// fieldbus driver, one scheduler, bound together and exposed through
// the Boot→PreOp→Run→{Fault}→Shutdown state machine.
type Runtime struct {
	cfg    config.Config
	engine *engine.Engine
	driver fieldbus.Driver
	sched  *scheduler.Scheduler
	log    zerolog.Logger

	state    *fastState
	watchDone chan struct{}
}

// New validates cfg, loads moduleSource into a fresh engine, and
// constructs the configured fieldbus driver and scheduler. The
// returned Runtime starts in Boot; call Boot then Start to run it.
func New(cfg config.Config, moduleSource string) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	eng := engine.New(engine.Config{
		FuelBudget:       cfg.FuelBudget,
		MaxSandboxMemory: cfg.MaxSandboxMemory,
	})
	if err := eng.Load(moduleSource); err != nil {
		return nil, err
	}

	log := rtlog.For("plcrt")
	driver, err := buildDriver(cfg.Fieldbus, log)
	if err != nil {
		return nil, err
	}

	sched, err := scheduler.FromConfig(cfg, eng,
		driver,
		scheduler.WithHistogram(metrics.NewHistogram(cfg.Metrics.Percentiles, cfg.Metrics.HistogramSize)),
		scheduler.WithFaultRecorder(faultlog.NewRecorder(0, 16)),
	)
	if err != nil {
		return nil, err
	}

	return &Runtime{
		cfg:    cfg,
		engine: eng,
		driver: driver,
		sched:  sched,
		log:    log,
		state:  newFastState(Boot),
	}, nil
}

// buildDriver constructs the fieldbus.Driver named by fc.Driver.
func buildDriver(fc config.FieldbusConfig, log zerolog.Logger) (fieldbus.Driver, error) {
	switch fc.Driver {
	case config.DriverSimulated, "":
		return simulated.New(nil), nil
	case config.DriverRequestResponse:
		return reqresp.New(fc.RequestResponse, log), nil
	case config.DriverRealtime:
		return realtime.New(fc.Realtime, nil, log), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnrecognizedDriver, fc.Driver)
	}
}

// State returns the Runtime's current top-level state.
func (r *Runtime) State() State {
	return r.state.Load()
}

// Scheduler returns the underlying scheduler, for callers that need
// Snapshot/Subscribe/Histogram/FaultRecorder access beyond what Runtime
// itself surfaces.
func (r *Runtime) Scheduler() *scheduler.Scheduler {
	return r.sched
}

// Boot performs one-time initialization — driver discovery/connect and
// the module's optional init() export — and transitions Boot→PreOp.
func (r *Runtime) Boot(ctx context.Context) error {
	if r.State() != Boot {
		return fmt.Errorf("%w: Boot called from %s", ErrInvalidTransition, r.State())
	}
	if err := r.driver.Init(ctx); err != nil {
		return err
	}
	if err := r.engine.Init(); err != nil {
		return err
	}
	r.state.Store(PreOp)
	r.log.Info().Msg("boot complete, entering PreOp")
	return nil
}

// Start transitions PreOp→Run: the cyclic scheduler loop begins
// executing in a background goroutine, and a supervisor goroutine
// mirrors the scheduler's own Fault/Terminated states into Runtime's
// top-level state.
func (r *Runtime) Start(ctx context.Context) error {
	if !r.state.TryTransition(PreOp, Run) {
		return fmt.Errorf("%w: Start called from %s", ErrInvalidTransition, r.State())
	}
	r.watchDone = make(chan struct{})
	go func() {
		if err := r.sched.Run(ctx); err != nil {
			r.log.Warn().Err(err).Msg("scheduler run loop returned an error")
		}
	}()
	go r.watchScheduler()
	return nil
}

// watchScheduler mirrors scheduler.RunState transitions into Runtime's
// own state word: there is no event-driven notification from the
// scheduler, so this polls at a coarse interval well below anything a
// control plane would notice.
func (r *Runtime) watchScheduler() {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.watchDone:
			return
		case <-ticker.C:
			switch r.sched.State() {
			case scheduler.StateFault:
				r.state.TryTransition(Run, Fault)
			case scheduler.StateTerminated:
				r.state.Store(Shutdown)
				return
			}
		}
	}
}

// Reset acknowledges a Fault and transitions Fault→PreOp, per spec.md
// §3. The scheduler's own cyclic loop keeps running underneath (it has
// no "paused" state of its own); RequestReset clears its fault state
// immediately, and a subsequent Start call simply advances Runtime's
// own label back to Run without restarting anything already in
// flight — Runtime's PreOp here marks "acknowledged, not yet
// resumed" rather than "loop stopped".
func (r *Runtime) Reset() error {
	if !r.state.TryTransition(Fault, PreOp) {
		return fmt.Errorf("%w: Reset called from %s", ErrInvalidTransition, r.State())
	}
	r.sched.RequestReset()
	return nil
}

// Shutdown transitions any state to Shutdown: the scheduler finishes
// its in-flight cycle, drives safe outputs, and closes the driver.
func (r *Runtime) Shutdown(ctx context.Context) error {
	err := r.sched.Shutdown(ctx)
	if r.watchDone != nil {
		select {
		case <-r.watchDone:
		default:
			close(r.watchDone)
		}
	}
	r.state.Store(Shutdown)
	return err
}

// Snapshot returns a copy of the most recently published process
// image.
func (r *Runtime) Snapshot() image.Image {
	return r.sched.Snapshot()
}

package scheduler

import (
	"time"

	"github.com/plcruntime/core/config"
	"github.com/plcruntime/core/faultlog"
	"github.com/plcruntime/core/metrics"
)

// schedulerOptions holds configuration assembled from Option values,
// grounded on the teacher's loopOptions/LoopOption split in
// eventloop/options.go.
type schedulerOptions struct {
	cycleTime       time.Duration
	watchdogTimeout time.Duration
	maxOverrun      time.Duration
	onOverrun       config.OverrunPolicy
	safeOutputs     config.SafeOutputsMode
	faultLatch      bool
	recorder        *faultlog.Recorder
	histogram       *metrics.Histogram
	realtime        config.RealtimeConfig
}

// Option configures a Scheduler.
type Option interface {
	apply(*schedulerOptions)
}

type optionFunc func(*schedulerOptions)

func (f optionFunc) apply(o *schedulerOptions) { f(o) }

// WithCyclePeriod sets the cyclic period (spec.md §6 cycle_time).
func WithCyclePeriod(d time.Duration) Option {
	return optionFunc(func(o *schedulerOptions) { o.cycleTime = d })
}

// WithWatchdogTimeout sets the watchdog deadline, which must strictly
// exceed the cycle period.
func WithWatchdogTimeout(d time.Duration) Option {
	return optionFunc(func(o *schedulerOptions) { o.watchdogTimeout = d })
}

// WithMaxOverrun sets the permitted lateness before the overrun policy
// fires; must be strictly less than the watchdog timeout.
func WithMaxOverrun(d time.Duration) Option {
	return optionFunc(func(o *schedulerOptions) { o.maxOverrun = d })
}

// WithOverrunPolicy selects warn-and-continue or fault-on-overrun.
func WithOverrunPolicy(p config.OverrunPolicy) Option {
	return optionFunc(func(o *schedulerOptions) { o.onOverrun = p })
}

// WithSafeOutputs selects the output pattern driven while in Fault.
func WithSafeOutputs(m config.SafeOutputsMode) Option {
	return optionFunc(func(o *schedulerOptions) { o.safeOutputs = m })
}

// WithFaultLatch makes Fault sticky until an external reset request.
func WithFaultLatch(latch bool) Option {
	return optionFunc(func(o *schedulerOptions) { o.faultLatch = latch })
}

// WithFaultRecorder supplies the fault recorder to observe every cycle
// and freeze on fault transitions. A default (DefaultSnapshotDepth, 16
// kept records) is used if omitted.
func WithFaultRecorder(r *faultlog.Recorder) Option {
	return optionFunc(func(o *schedulerOptions) { o.recorder = r })
}

// WithHistogram supplies the timing histogram to observe every cycle. A
// default (no percentiles, 1024-deep ring) is used if omitted.
func WithHistogram(h *metrics.Histogram) Option {
	return optionFunc(func(o *schedulerOptions) { o.histogram = h })
}

// WithRealtime configures OS-level real-time scheduling for the cycle
// goroutine's thread, applied once at the start of Run. A zero value
// (Enabled: false) leaves the thread under the Go runtime's ordinary
// scheduling.
func WithRealtime(rt config.RealtimeConfig) Option {
	return optionFunc(func(o *schedulerOptions) { o.realtime = rt })
}

// resolveOptions applies Option values over the spec's stated defaults.
func resolveOptions(opts []Option) *schedulerOptions {
	o := &schedulerOptions{
		cycleTime:       time.Millisecond,
		watchdogTimeout: 5 * time.Millisecond,
		maxOverrun:      time.Millisecond,
		onOverrun:       config.OverrunWarn,
		safeOutputs:     config.SafeOutputsAllOff,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(o)
	}
	if o.recorder == nil {
		o.recorder = faultlog.NewRecorder(faultlog.DefaultSnapshotDepth, 16)
	}
	if o.histogram == nil {
		o.histogram = metrics.NewHistogram(nil, 1024)
	}
	return o
}

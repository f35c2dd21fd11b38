//go:build linux

package scheduler

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/plcruntime/core/config"
)

// applyRealtimeConfig pins the calling goroutine to its OS thread and
// applies the configured scheduling policy, priority, memory lock and
// CPU affinity to it, per spec.md §5's real-time thread requirements.
// Must be called from the goroutine that is to become the cycle
// thread — runtime.LockOSThread binds the calling goroutine, not the
// process as a whole.
func applyRealtimeConfig(rt config.RealtimeConfig) error {
	runtime.LockOSThread()

	if rt.LockMemory {
		if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
			return fmt.Errorf("scheduler: mlockall: %w", err)
		}
	}

	if rt.PrefaultStackSize > 0 {
		prefaultStack(rt.PrefaultStackSize)
	}

	if len(rt.CPUAffinity) > 0 {
		var set unix.CPUSet
		set.Zero()
		for _, cpu := range rt.CPUAffinity {
			set.Set(cpu)
		}
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			return fmt.Errorf("scheduler: sched_setaffinity: %w", err)
		}
	}

	policy, ok := schedPolicy(rt.Policy)
	if !ok {
		return fmt.Errorf("scheduler: unrecognized scheduling policy %q", rt.Policy)
	}
	if policy == unix.SCHED_OTHER {
		return nil
	}
	param := &unix.SchedParam{Priority: int32(rt.Priority)}
	if err := unix.SchedSetscheduler(0, policy, param); err != nil {
		return fmt.Errorf("scheduler: sched_setscheduler: %w", err)
	}
	return nil
}

func schedPolicy(p config.SchedulingPolicy) (int, bool) {
	switch p {
	case config.PolicyFIFO:
		return unix.SCHED_FIFO, true
	case config.PolicyRoundRobin:
		return unix.SCHED_RR, true
	case config.PolicyOther, "":
		return unix.SCHED_OTHER, true
	default:
		return 0, false
	}
}

// prefaultStack touches n bytes of stack space so the kernel resolves
// the page faults now, rather than during the first few real cycles —
// growing the goroutine's stack is otherwise a lazily-faulted operation
// that could itself blow a tight cycle budget.
func prefaultStack(n int) {
	var buf [256]byte
	for i := range buf {
		buf[i] = byte(i)
	}
	if n > len(buf) {
		prefaultStack(n - len(buf))
	}
	runtime.KeepAlive(buf)
}

//go:build !linux

package scheduler

import "github.com/plcruntime/core/config"

// applyRealtimeConfig is a no-op on platforms other than Linux:
// mlockall/sched_setaffinity/sched_setscheduler have no portable
// equivalent, so a request for real-time scheduling there is silently
// ignored rather than failing the run.
func applyRealtimeConfig(config.RealtimeConfig) error {
	return nil
}

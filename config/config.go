// Package config defines the passive configuration input structs
// ingested from the (out-of-scope) CLI driver and config file parser,
// per spec.md §6. This package never reads a file or a flag itself —
// it only defines shape and validation.
package config

import (
	"fmt"
	"time"
)

// OverrunPolicy selects scheduler behavior when a cycle exceeds its
// deadline. See spec.md §4.1.
type OverrunPolicy string

const (
	OverrunWarn  OverrunPolicy = "warn"
	OverrunFault OverrunPolicy = "fault"
)

// SafeOutputsMode selects the output pattern driven while in Fault.
type SafeOutputsMode string

const (
	SafeOutputsAllOff   SafeOutputsMode = "all_off"
	SafeOutputsHoldLast SafeOutputsMode = "hold_last"
)

// SchedulingPolicy selects the OS thread scheduling class for the cycle
// thread, per spec.md §5.
type SchedulingPolicy string

const (
	PolicyFIFO       SchedulingPolicy = "fifo"
	PolicyRoundRobin SchedulingPolicy = "round-robin"
	PolicyOther      SchedulingPolicy = "other"
)

// DriverKind selects the fieldbus driver implementation.
type DriverKind string

const (
	DriverSimulated       DriverKind = "simulated"
	DriverRequestResponse DriverKind = "request_response"
	DriverRealtime        DriverKind = "realtime"
)

// RealtimeConfig configures OS-level real-time scheduling for the cycle
// thread. See spec.md §5 and §6.
type RealtimeConfig struct {
	Enabled           bool
	Policy            SchedulingPolicy
	Priority          int
	CPUAffinity       []int
	LockMemory        bool
	PrefaultStackSize int
}

// FaultPolicyConfig configures overrun/fault behavior, per spec.md §4.1/§7.
type FaultPolicyConfig struct {
	OnOverrun   OverrunPolicy
	SafeOutputs SafeOutputsMode
	FaultLatch  bool
}

// RequestResponseConfig configures the TCP request/response fieldbus
// variant, per spec.md §4.3.
type RequestResponseConfig struct {
	ServerAddress string
	UnitID        uint8
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// RealtimeBusConfig configures the distributed-clock fieldbus variant,
// per spec.md §4.3.
type RealtimeBusConfig struct {
	Interface        string
	DCEnabled        bool
	DCSync0Cycle     time.Duration
	WKCErrorThreshold int
	ExpectedPeers    int
}

// FieldbusConfig selects and configures the driver.
type FieldbusConfig struct {
	Driver          DriverKind
	RequestResponse RequestResponseConfig
	Realtime        RealtimeBusConfig
}

// MetricsConfig configures histogram collection, per spec.md §6.
type MetricsConfig struct {
	Enabled       bool
	HistogramSize int
	Percentiles   []float64
}

// Config is the top-level passive configuration struct. Every field
// here corresponds to a "Recognized option" in spec.md §6.
type Config struct {
	CycleTime        time.Duration
	WatchdogTimeout  time.Duration
	MaxOverrun       time.Duration
	Realtime         RealtimeConfig
	FaultPolicy      FaultPolicyConfig
	Fieldbus         FieldbusConfig
	Metrics          MetricsConfig
	FuelBudget       uint64
	MaxSandboxMemory int
	FailFast         bool
}

// Validate applies the boundary rules named in spec.md §4.1 and §8:
// watchdog_timeout must strictly exceed cycle_time, and max_overrun
// must be strictly less than watchdog_timeout.
func (c Config) Validate() error {
	if c.CycleTime <= 0 {
		return fmt.Errorf("config: cycle_time must be positive")
	}
	if c.WatchdogTimeout <= c.CycleTime {
		return fmt.Errorf("config: watchdog_timeout (%s) must strictly exceed cycle_time (%s)", c.WatchdogTimeout, c.CycleTime)
	}
	if c.MaxOverrun < 0 {
		return fmt.Errorf("config: max_overrun must not be negative")
	}
	if c.MaxOverrun >= c.WatchdogTimeout {
		return fmt.Errorf("config: max_overrun (%s) must be strictly less than watchdog_timeout (%s)", c.MaxOverrun, c.WatchdogTimeout)
	}
	switch c.FaultPolicy.OnOverrun {
	case OverrunWarn, OverrunFault, "":
	default:
		return fmt.Errorf("config: unrecognized fault_policy.on_overrun %q", c.FaultPolicy.OnOverrun)
	}
	switch c.FaultPolicy.SafeOutputs {
	case SafeOutputsAllOff, SafeOutputsHoldLast, "":
	default:
		return fmt.Errorf("config: unrecognized fault_policy.safe_outputs %q", c.FaultPolicy.SafeOutputs)
	}
	switch c.Fieldbus.Driver {
	case DriverSimulated, DriverRequestResponse, DriverRealtime, "":
	default:
		return fmt.Errorf("config: unrecognized fieldbus.driver %q", c.Fieldbus.Driver)
	}
	switch c.Realtime.Policy {
	case PolicyFIFO, PolicyRoundRobin, PolicyOther, "":
	default:
		return fmt.Errorf("config: unrecognized realtime.policy %q", c.Realtime.Policy)
	}
	if c.Fieldbus.Driver == DriverRealtime && c.Fieldbus.Realtime.DCEnabled {
		if c.Fieldbus.Realtime.DCSync0Cycle > 0 {
			if c.CycleTime%c.Fieldbus.Realtime.DCSync0Cycle != 0 && c.Fieldbus.Realtime.DCSync0Cycle%c.CycleTime != 0 {
				return fmt.Errorf("config: cycle_time (%s) must evenly divide or be a multiple of dc_sync0_cycle (%s)", c.CycleTime, c.Fieldbus.Realtime.DCSync0Cycle)
			}
		}
	}
	return nil
}

// Default returns a Config with conservative defaults matching the
// spec's stated defaults (fuel 500,000 units, 1 MiB sandbox memory). The
// pre-fault snapshot depth is not part of Config; it comes from
// faultlog.DefaultSnapshotDepth.
func Default() Config {
	return Config{
		CycleTime:       time.Millisecond,
		WatchdogTimeout: 5 * time.Millisecond,
		MaxOverrun:      time.Millisecond,
		FaultPolicy: FaultPolicyConfig{
			OnOverrun:   OverrunWarn,
			SafeOutputs: SafeOutputsAllOff,
			FaultLatch:  false,
		},
		Fieldbus: FieldbusConfig{
			Driver: DriverSimulated,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			HistogramSize: 1024,
			Percentiles:   []float64{0.5, 0.95, 0.99},
		},
		FuelBudget:       500_000,
		MaxSandboxMemory: 1 << 20,
	}
}

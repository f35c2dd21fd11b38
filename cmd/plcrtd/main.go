// Command plcrtd boots a runtime running a single built-in demo module
// against the simulated fieldbus driver, and shuts it down cleanly on
// SIGINT/SIGTERM. It exists to demonstrate wiring config, plcrt.New,
// and the Boot/Start/Shutdown sequence end to end; a real deployment
// would load its module source and config.Config from disk or a
// control-plane API instead of the constants below.
//
// Run with: go run ./cmd/plcrtd
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/plcruntime/core/config"
	"github.com/plcruntime/core/plcrt"
)

const demoModule = `
function init() {
  var view = new Uint8Array(memory);
  view[300] = 0;
}
function step() {
  var view = new Uint8Array(memory);
  view[300] = (view[300] + 1) & 0xFF;
  view[4] = view[0];
  view[8] = view[300];
}
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "plcrtd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()
	cfg.CycleTime = 2 * time.Millisecond
	cfg.WatchdogTimeout = 10 * time.Millisecond
	cfg.MaxOverrun = 2 * time.Millisecond

	rt, err := plcrt.New(cfg, demoModule)
	if err != nil {
		return fmt.Errorf("construct runtime: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Boot(ctx); err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	fmt.Println("plcrtd running; press Ctrl+C to stop")
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	fmt.Println("plcrtd stopped cleanly")
	return nil
}

// Package rtlog is the structured-logging glue shared by every package
// in this module.
//
// Design decision (adapted from eventloop/logging.go's package-level
// global logger): logging is an infrastructure cross-cutting concern,
// so a single injectable *zerolog.Logger lives at package scope rather
// than threading a logger parameter through every constructor. Unlike
// the teacher's hand-rolled Logger/LogEntry/DefaultLogger trio, this
// reuses zerolog directly: it already gives zero-allocation disabled-
// level checks and structured JSON output, which is exactly what the
// teacher's bespoke logger exists to approximate.
package rtlog

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	base   = zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()
	global atomic.Pointer[zerolog.Logger]
)

func init() {
	global.Store(&base)
}

// SetLogger replaces the global base logger. Intended to be called once
// at process startup by the (out-of-scope) CLI driver/collaborator.
func SetLogger(l zerolog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = l
	global.Store(&base)
}

// Logger returns the current global logger.
func Logger() *zerolog.Logger {
	return global.Load()
}

// For returns a child logger tagged with the given component name, e.g.
// rtlog.For("scheduler") or rtlog.For("fieldbus.reqresp").
func For(component string) zerolog.Logger {
	return Logger().With().Str("component", component).Logger()
}

// Disabled returns a logger that discards everything, for tests and for
// embedders that want silence without reconfiguring the global default.
func Disabled() zerolog.Logger {
	return zerolog.Nop()
}

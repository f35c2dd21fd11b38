// Package reqresp implements the TCP request/response fieldbus.Driver
// variant, per spec.md §4.3: a sequential request-per-function-code
// exchange against a single remote unit, with context-scoped per-call
// timeouts and a background reconnect supervisor.
package reqresp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/plcruntime/core/config"
	"github.com/plcruntime/core/fieldbus"
	"github.com/plcruntime/core/image"
)

// Driver is a TCP request/response fieldbus.Driver. It holds exactly
// one connection to cfg.ServerAddress at a time; ReadInputs,
// WriteOutputs and Exchange each perform one request/response round
// trip bounded by cfg.Timeout. A dropped connection is noticed by the
// failing call, which hands off to a background supervisor goroutine
// that retries the dial using catrate's sliding-window accounting as a
// backoff governor rather than a rate limit.
type Driver struct {
	cfg    config.RequestResponseConfig
	dialer net.Dialer
	log    zerolog.Logger

	mu   sync.Mutex
	conn net.Conn

	operational atomic.Bool

	digitalIn  uint32
	analogIn   [16]int16
	digitalOut uint32
	analogOut  [16]int16

	reconnect chan struct{}
	limiter   *catrate.Limiter

	group  *errgroup.Group
	runCtx context.Context
	cancel context.CancelFunc
}

// New constructs a reqresp driver. It does not dial until Init is
// called.
func New(cfg config.RequestResponseConfig, log zerolog.Logger) *Driver {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	return &Driver{
		cfg: cfg,
		log: log,
		// One reconnect attempt permitted per RetryDelay window, so the
		// supervisor's own retry cadence self-throttles the same way
		// catrate throttles a caller's request rate: the window just
		// tracks "attempts" instead of "requests".
		limiter:   catrate.NewLimiter(map[time.Duration]int{cfg.RetryDelay: 1}),
		reconnect: make(chan struct{}, 1),
	}
}

func (d *Driver) dial(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	return d.dialer.DialContext(dialCtx, "tcp", d.cfg.ServerAddress)
}

// Init performs the first, synchronous dial and starts the background
// reconnect supervisor. A failure here is fatal startup configuration
// (unreachable/misconfigured peer), wrapped in fieldbus.ErrInitFault.
func (d *Driver) Init(ctx context.Context) error {
	d.runCtx, d.cancel = context.WithCancel(context.Background())

	conn, err := d.dial(ctx)
	if err != nil {
		d.cancel()
		return fmt.Errorf("%w: dial %s: %w", fieldbus.ErrInitFault, d.cfg.ServerAddress, err)
	}
	d.conn = conn
	d.operational.Store(true)

	d.group = new(errgroup.Group)
	d.group.Go(d.superviseReconnects)
	return nil
}

// superviseReconnects is the background goroutine an errgroup
// supervises for the lifetime of the driver: it waits for a dropped
// connection to signal reconnect, then retries the dial up to
// cfg.RetryAttempts times, at most one attempt per RetryDelay; if every
// attempt fails it waits for the next signal. It returns once the driver
// is shut down.
func (d *Driver) superviseReconnects() error {
	for {
		select {
		case <-d.runCtx.Done():
			return nil
		case <-d.reconnect:
			d.attemptReconnect()
		}
	}
}

func (d *Driver) attemptReconnect() {
	attempts := d.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		if d.runCtx.Err() != nil {
			return
		}
		if next, allowed := d.limiter.Allow("reconnect"); !allowed {
			select {
			case <-time.After(time.Until(next)):
			case <-d.runCtx.Done():
				return
			}
		}
		conn, err := d.dial(d.runCtx)
		if err != nil {
			d.log.Warn().Err(err).Int("attempt", attempt).Int("of", attempts).Msg("reqresp: reconnect attempt failed")
			continue
		}
		d.mu.Lock()
		old := d.conn
		d.conn = conn
		d.mu.Unlock()
		if old != nil {
			_ = old.Close()
		}
		d.operational.Store(true)
		d.log.Info().Int("attempt", attempt).Msg("reqresp: reconnected")
		return
	}
	d.log.Error().Int("attempts", attempts).Msg("reqresp: exhausted reconnect attempts; will retry on next failed exchange")
}

// markDown drops a connection that just failed an I/O operation and
// wakes the reconnect supervisor. conn is the connection the failing
// call observed, so a concurrent reconnect that already replaced it
// isn't torn down a second time.
func (d *Driver) markDown(conn net.Conn) {
	d.mu.Lock()
	if d.conn == conn {
		d.conn = nil
	}
	d.mu.Unlock()
	_ = conn.Close()
	d.operational.Store(false)
	select {
	case d.reconnect <- struct{}{}:
	default:
	}
}

// doRequest performs one request/response round trip over the current
// connection, bounded by cfg.Timeout (or ctx's deadline, if sooner).
func (d *Driver) doRequest(ctx context.Context, fn functionCode, payload []byte) ([]byte, error) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		select {
		case d.reconnect <- struct{}{}:
		default:
		}
		return nil, fmt.Errorf("%w: reqresp: not connected", fieldbus.ErrTransient)
	}

	deadline := time.Now().Add(d.cfg.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: reqresp: set deadline: %w", fieldbus.ErrTransient, err)
	}

	if err := writeFrame(conn, d.cfg.UnitID, fn, payload); err != nil {
		d.markDown(conn)
		return nil, fmt.Errorf("%w: reqresp: write: %w", fieldbus.ErrTransient, err)
	}
	_, respFn, respPayload, err := readFrame(conn)
	if err != nil {
		d.markDown(conn)
		return nil, fmt.Errorf("%w: reqresp: read: %w", fieldbus.ErrTransient, err)
	}

	if respFn&funcErrorFlag != 0 {
		code := exceptionCode(0)
		if len(respPayload) > 0 {
			code = exceptionCode(respPayload[0])
		}
		ex := &exceptionError{function: fn, code: code}
		if ex.fatal() {
			return nil, fmt.Errorf("%w: %w", fieldbus.ErrProtocol, ex)
		}
		return nil, fmt.Errorf("%w: %w", fieldbus.ErrTransient, ex)
	}
	if respFn != fn {
		return nil, fmt.Errorf("%w: reqresp: unexpected function 0x%02x in response to 0x%02x", fieldbus.ErrProtocol, byte(respFn), byte(fn))
	}
	return respPayload, nil
}

// ReadInputs requests the remote unit's current input word/channels
// and caches them for the next GetInputs.
func (d *Driver) ReadInputs(ctx context.Context) error {
	resp, err := d.doRequest(ctx, funcReadInputs, nil)
	if err != nil {
		return err
	}
	digital, analog, err := decodeIO(resp)
	if err != nil {
		return fmt.Errorf("%w: %w", fieldbus.ErrProtocol, err)
	}
	d.mu.Lock()
	d.digitalIn, d.analogIn = digital, analog
	d.mu.Unlock()
	return nil
}

// WriteOutputs transmits snapshot's output regions to the remote unit.
func (d *Driver) WriteOutputs(ctx context.Context, snapshot *image.Image) error {
	d.SetOutputs(snapshot)
	d.mu.Lock()
	payload := encodeIO(d.digitalOut, d.analogOut)
	d.mu.Unlock()
	_, err := d.doRequest(ctx, funcWriteOutputs, payload)
	return err
}

// Exchange performs a single combined write-then-read round trip,
// using this protocol's dedicated exchange function code instead of
// two separate requests.
func (d *Driver) Exchange(ctx context.Context, snapshot *image.Image) error {
	d.SetOutputs(snapshot)
	d.mu.Lock()
	payload := encodeIO(d.digitalOut, d.analogOut)
	d.mu.Unlock()

	resp, err := d.doRequest(ctx, funcExchange, payload)
	if err != nil {
		return err
	}
	digital, analog, err := decodeIO(resp)
	if err != nil {
		return fmt.Errorf("%w: %w", fieldbus.ErrProtocol, err)
	}
	d.mu.Lock()
	d.digitalIn, d.analogIn = digital, analog
	d.mu.Unlock()
	return nil
}

// GetInputs copies the most recently read inputs into dst.
func (d *Driver) GetInputs(dst *image.Image) {
	d.mu.Lock()
	digital, analog := d.digitalIn, d.analogIn
	d.mu.Unlock()
	dst.SetDigitalInputs(digital)
	for ch, v := range analog {
		dst.SetAnalogInput(ch, v)
	}
}

// SetOutputs caches src's output regions for the next WriteOutputs or
// Exchange call.
func (d *Driver) SetOutputs(src *image.Image) {
	d.mu.Lock()
	d.digitalOut = src.DigitalOutputs()
	for ch := 0; ch < 16; ch++ {
		d.analogOut[ch] = src.AnalogOutput(ch)
	}
	d.mu.Unlock()
}

// IsOperational reports whether the current connection is up, per the
// last exchange or the background supervisor's last successful dial.
func (d *Driver) IsOperational() bool {
	return d.operational.Load()
}

// Shutdown stops the reconnect supervisor and closes the connection.
func (d *Driver) Shutdown(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.group != nil {
		_ = d.group.Wait()
	}
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

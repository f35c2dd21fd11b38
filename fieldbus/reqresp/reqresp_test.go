package reqresp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/plcruntime/core/config"
	"github.com/plcruntime/core/fieldbus"
	"github.com/plcruntime/core/image"
)

// fakeServer is a minimal in-process stand-in for the remote unit,
// just enough to drive the driver's framing and error classification.
type fakeServer struct {
	ln net.Listener
}

func newFakeServer(t *testing.T, handle func(conn net.Conn)) *fakeServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

func echoIOHandler(conn net.Conn) {
	defer conn.Close()
	for {
		unitID, fn, payload, err := readFrame(conn)
		if err != nil {
			return
		}
		switch fn {
		case funcReadInputs:
			if err := writeFrame(conn, unitID, fn, encodeIO(0xAA, [16]int16{1, 2, 3})); err != nil {
				return
			}
		case funcWriteOutputs, funcExchange:
			if err := writeFrame(conn, unitID, fn, payload); err != nil {
				return
			}
		}
	}
}

func TestReadInputsRoundTrip(t *testing.T) {
	srv := newFakeServer(t, echoIOHandler)
	d := New(config.RequestResponseConfig{
		ServerAddress: srv.addr(),
		Timeout:       200 * time.Millisecond,
		RetryAttempts: 2,
		RetryDelay:    10 * time.Millisecond,
	}, zerolog.Nop())

	ctx := context.Background()
	require.NoError(t, d.Init(ctx))
	defer d.Shutdown(ctx)

	require.NoError(t, d.ReadInputs(ctx))

	var img image.Image
	d.GetInputs(&img)
	require.Equal(t, uint32(0xAA), img.DigitalInputs())
	require.Equal(t, int16(1), img.AnalogInput(0))
	require.Equal(t, int16(3), img.AnalogInput(2))
}

func TestWriteOutputsSendsCurrentSnapshot(t *testing.T) {
	srv := newFakeServer(t, echoIOHandler)
	d := New(config.RequestResponseConfig{
		ServerAddress: srv.addr(),
		Timeout:       200 * time.Millisecond,
		RetryAttempts: 1,
		RetryDelay:    10 * time.Millisecond,
	}, zerolog.Nop())

	ctx := context.Background()
	require.NoError(t, d.Init(ctx))
	defer d.Shutdown(ctx)

	var img image.Image
	img.SetDigitalOutputs(0x0F)
	img.SetAnalogOutput(5, 42)

	require.NoError(t, d.WriteOutputs(ctx, &img))
	require.True(t, d.IsOperational())
}

func TestExceptionResponseClassifiesIllegalFunctionAsProtocolFault(t *testing.T) {
	srv := newFakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		unitID, fn, _, err := readFrame(conn)
		if err != nil {
			return
		}
		_ = writeFrame(conn, unitID, fn|funcErrorFlag, []byte{byte(excIllegalFunction)})
	})
	d := New(config.RequestResponseConfig{
		ServerAddress: srv.addr(),
		Timeout:       200 * time.Millisecond,
		RetryAttempts: 1,
		RetryDelay:    10 * time.Millisecond,
	}, zerolog.Nop())

	ctx := context.Background()
	require.NoError(t, d.Init(ctx))
	defer d.Shutdown(ctx)

	err := d.ReadInputs(ctx)
	require.ErrorIs(t, err, fieldbus.ErrProtocol)
}

func TestExceptionResponseClassifiesServerBusyAsTransientFault(t *testing.T) {
	srv := newFakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		unitID, fn, _, err := readFrame(conn)
		if err != nil {
			return
		}
		_ = writeFrame(conn, unitID, fn|funcErrorFlag, []byte{byte(excServerBusy)})
	})
	d := New(config.RequestResponseConfig{
		ServerAddress: srv.addr(),
		Timeout:       200 * time.Millisecond,
		RetryAttempts: 1,
		RetryDelay:    10 * time.Millisecond,
	}, zerolog.Nop())

	ctx := context.Background()
	require.NoError(t, d.Init(ctx))
	defer d.Shutdown(ctx)

	err := d.ReadInputs(ctx)
	require.ErrorIs(t, err, fieldbus.ErrTransient)
}

func TestExceptionResponseClassifiesIllegalDataValueAsTransientFault(t *testing.T) {
	srv := newFakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		unitID, fn, _, err := readFrame(conn)
		if err != nil {
			return
		}
		_ = writeFrame(conn, unitID, fn|funcErrorFlag, []byte{byte(excIllegalDataValue)})
	})
	d := New(config.RequestResponseConfig{
		ServerAddress: srv.addr(),
		Timeout:       200 * time.Millisecond,
		RetryAttempts: 1,
		RetryDelay:    10 * time.Millisecond,
	}, zerolog.Nop())

	ctx := context.Background()
	require.NoError(t, d.Init(ctx))
	defer d.Shutdown(ctx)

	// An illegal-value response rejects this cycle's payload, not the
	// unit's address map, so it's retryable rather than fatal.
	err := d.ReadInputs(ctx)
	require.ErrorIs(t, err, fieldbus.ErrTransient)
}

func TestInitFailsFastOnUnreachableServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close()) // nothing listening now

	d := New(config.RequestResponseConfig{
		ServerAddress: addr,
		Timeout:       50 * time.Millisecond,
		RetryAttempts: 1,
		RetryDelay:    10 * time.Millisecond,
	}, zerolog.Nop())

	err = d.Init(context.Background())
	require.ErrorIs(t, err, fieldbus.ErrInitFault)
}

func TestDroppedConnectionMarksNotOperationalThenReconnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	first := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		first <- conn
	}()

	d := New(config.RequestResponseConfig{
		ServerAddress: addr,
		Timeout:       100 * time.Millisecond,
		RetryAttempts: 3,
		RetryDelay:    10 * time.Millisecond,
	}, zerolog.Nop())

	ctx := context.Background()
	require.NoError(t, d.Init(ctx))
	defer func() {
		_ = d.Shutdown(ctx)
		_ = ln.Close()
	}()

	conn := <-first
	require.NoError(t, conn.Close()) // simulate the remote unit dropping the connection

	err = d.ReadInputs(ctx)
	require.Error(t, err)
	require.False(t, d.IsOperational())

	// The server keeps accepting, so the background supervisor's retry
	// should bring the driver back up within a couple of retry windows.
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go echoIOHandler(conn)
		}
	}()

	require.Eventually(t, d.IsOperational, 2*time.Second, 10*time.Millisecond)
}

package link

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/agvlink/internal/agv"
)

// Conn is the byte stream a Session owns while connected.
type Conn interface {
	io.ReadWriteCloser
}

// writeDeadliner is implemented by transports that support write deadlines.
type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Dialer opens the transport for an endpoint. Implementations must honour
// ctx's deadline.
type Dialer interface {
	Dial(ctx context.Context, ep agv.Endpoint) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, ep agv.Endpoint) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, ep agv.Endpoint) (Conn, error) {
	return f(ctx, ep)
}

// TCPDialer connects to Endpoint.HostPort over TCP.
type TCPDialer struct {
	KeepAlive time.Duration
}

func (d TCPDialer) Dial(ctx context.Context, ep agv.Endpoint) (Conn, error) {
	nd := net.Dialer{KeepAlive: d.KeepAlive}
	conn, err := nd.DialContext(ctx, "tcp", ep.HostPort())
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		// commands are a handful of bytes and must not wait for Nagle
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}

// SerialOpener opens a serial port. It matches serial.Open.
type SerialOpener func(path string, mode *serial.Mode) (serial.Port, error)

// SerialDialer opens Endpoint.Address as a serial device path.
type SerialDialer struct {
	Options PortOptions
	// Open defaults to serial.Open.
	Open SerialOpener
}

func (d SerialDialer) Dial(ctx context.Context, ep agv.Endpoint) (Conn, error) {
	mode, err := d.Options.SerialMode()
	if err != nil {
		return nil, err
	}
	open := d.Open
	if open == nil {
		open = serial.Open
	}

	// serial.Open does not take a context; run it aside so the connect
	// timeout still applies to a wedged USB device.
	type result struct {
		port serial.Port
		err  error
	}
	done := make(chan result, 1)
	go func() {
		p, err := open(ep.Address, mode)
		done <- result{p, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("open %s: %w", ep.Address, r.err)
		}
		return r.port, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				r.port.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// AutoDialer opens addresses that look like device paths ("/dev/ttyUSB0")
// with Serial and everything else with TCP.
type AutoDialer struct {
	TCP    Dialer
	Serial Dialer
}

func (d AutoDialer) Dial(ctx context.Context, ep agv.Endpoint) (Conn, error) {
	if strings.HasPrefix(ep.Address, "/") {
		if d.Serial == nil {
			return SerialDialer{}.Dial(ctx, ep)
		}
		return d.Serial.Dial(ctx, ep)
	}
	if d.TCP == nil {
		return TCPDialer{}.Dial(ctx, ep)
	}
	return d.TCP.Dial(ctx, ep)
}

package link

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/agvlink/internal/agv"
)

var errMockClosed = errors.New("mock connection closed")

// MockConn implements Conn with scripted reads for tests. Reads block until
// data is added, the peer hangs up or the connection is closed.
type MockConn struct {
	mu   sync.Mutex
	cond *sync.Cond

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer

	// ReadError is returned by the next Read once buffered data is drained.
	ReadError error
	// WriteError is returned by the next Write call if set.
	WriteError error
	// ShortWrite makes Write report one byte fewer than requested.
	ShortWrite bool

	closed        bool
	hungUp        bool
	writeDeadline time.Time
}

// NewMockConn returns an open connection with an empty read buffer.
func NewMockConn() *MockConn {
	m := &MockConn{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *MockConn) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.closed {
			return 0, errMockClosed
		}
		if m.readBuf.Len() > 0 {
			return m.readBuf.Read(p)
		}
		if m.ReadError != nil {
			err := m.ReadError
			m.ReadError = nil
			return 0, err
		}
		if m.hungUp {
			return 0, io.EOF
		}
		m.cond.Wait()
	}
}

func (m *MockConn) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errMockClosed
	}
	if m.WriteError != nil {
		err := m.WriteError
		m.WriteError = nil
		return 0, err
	}
	if m.ShortWrite && len(p) > 0 {
		m.writeBuf.Write(p[:len(p)-1])
		return len(p) - 1, nil
	}
	return m.writeBuf.Write(p)
}

func (m *MockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
	return nil
}

// SetWriteDeadline records the deadline for inspection.
func (m *MockConn) SetWriteDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeDeadline = t
	return nil
}

// AddReadData queues data for subsequent reads.
func (m *MockConn) AddReadData(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readBuf.Write(data)
	m.cond.Broadcast()
}

// FailRead makes the next read fail with err after buffered data drains.
func (m *MockConn) FailRead(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadError = err
	m.cond.Broadcast()
}

// Hangup simulates the peer closing: reads return io.EOF once drained.
func (m *MockConn) Hangup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hungUp = true
	m.cond.Broadcast()
}

// Written returns a copy of everything written so far.
func (m *MockConn) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.writeBuf.Bytes()...)
}

// WriteDeadline returns the last deadline set.
func (m *MockConn) WriteDeadline() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeDeadline
}

// IsClosed reports whether Close was called.
func (m *MockConn) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockDialer hands out queued connections in order.
type MockDialer struct {
	mu    sync.Mutex
	conns []*MockConn
	dials []agv.Endpoint

	// Err fails every dial when set.
	Err error
	// Block makes Dial wait for ctx to finish before failing.
	Block bool
}

// NewMockDialer returns a dialer that serves conns in order.
func NewMockDialer(conns ...*MockConn) *MockDialer {
	return &MockDialer{conns: conns}
}

func (d *MockDialer) Dial(ctx context.Context, ep agv.Endpoint) (Conn, error) {
	d.mu.Lock()
	d.dials = append(d.dials, ep)
	block, err := d.Block, d.Err
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

// Dials returns the endpoints dialled so far.
func (d *MockDialer) Dials() []agv.Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]agv.Endpoint(nil), d.dials...)
}

package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// PacketConn is the subset of *net.UDPConn used by the beacon discoverer.
// The abstraction lets tests run discovery without a real network.
type PacketConn interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// PacketConnFactory creates the socket a discovery run listens on.
type PacketConnFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (PacketConn, error)
}

// UDPFactory opens real UDP sockets.
type UDPFactory struct{}

// ListenUDP binds a UDP socket with SO_REUSEADDR set, so the beacon port can
// be shared with another listener on the host. Go enables SO_BROADCAST on
// datagram sockets, so the probe can be sent to the limited broadcast address.
func (UDPFactory) ListenUDP(network string, laddr *net.UDPAddr) (PacketConn, error) {
	address := ""
	if laddr != nil {
		address = laddr.String()
	}
	lc := net.ListenConfig{Control: reuseAddr}
	pc, err := lc.ListenPacket(context.Background(), network, address)
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("unexpected packet conn %T", pc)
	}
	return conn, nil
}

// MockPacket is a datagram delivered by MockPacketConn.
type MockPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

// MockPacketConn implements PacketConn for tests. Reads return queued
// packets in order, then block until the read deadline and report a timeout.
type MockPacketConn struct {
	mu sync.Mutex

	// Packets are returned from ReadFromUDP in order.
	Packets []MockPacket
	// Responder, when set, is called for every written datagram and its
	// return value is queued behind Packets.
	Responder func(data []byte, to *net.UDPAddr) []MockPacket
	// Written records every datagram passed to WriteToUDP.
	Written []MockPacket
	// ReadError is returned once by the next ReadFromUDP call.
	ReadError error
	// WriteError is returned by WriteToUDP.
	WriteError error

	replies      []MockPacket
	readIndex    int
	readDeadline time.Time
	closed       bool
}

// NewMockPacketConn returns a mock preloaded with packets.
func NewMockPacketConn(packets ...MockPacket) *MockPacketConn {
	return &MockPacketConn{Packets: packets}
}

func (m *MockPacketConn) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, nil, net.ErrClosed
	}
	if m.ReadError != nil {
		err := m.ReadError
		m.ReadError = nil
		m.mu.Unlock()
		return 0, nil, err
	}
	if m.readIndex < len(m.Packets) {
		pkt := m.Packets[m.readIndex]
		m.readIndex++
		m.mu.Unlock()
		return copy(b, pkt.Data), pkt.Addr, nil
	}
	if len(m.replies) > 0 {
		pkt := m.replies[0]
		m.replies = m.replies[1:]
		m.mu.Unlock()
		return copy(b, pkt.Data), pkt.Addr, nil
	}
	deadline := m.readDeadline
	m.mu.Unlock()

	if wait := time.Until(deadline); wait > 0 {
		time.Sleep(wait)
	}
	return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
}

func (m *MockPacketConn) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	if m.WriteError != nil {
		return 0, m.WriteError
	}
	data := append([]byte(nil), b...)
	m.Written = append(m.Written, MockPacket{Data: data, Addr: addr})
	if m.Responder != nil {
		m.replies = append(m.replies, m.Responder(data, addr)...)
	}
	return len(b), nil
}

func (m *MockPacketConn) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	m.readDeadline = t
	m.mu.Unlock()
	return nil
}

func (m *MockPacketConn) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (m *MockPacketConn) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Reset rewinds the mock so it can serve another discovery run.
func (m *MockPacketConn) Reset() {
	m.mu.Lock()
	m.readIndex = 0
	m.replies = nil
	m.closed = false
	m.Written = nil
	m.mu.Unlock()
}

func (m *MockPacketConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4zero, Port: DefaultBeaconPort}
}

// MockFactory hands out a fixed MockPacketConn, rewinding it on every bind
// so each discovery run sees the same traffic.
type MockFactory struct {
	Conn  *MockPacketConn
	Err   error
	Binds []*net.UDPAddr
}

func (f *MockFactory) ListenUDP(network string, laddr *net.UDPAddr) (PacketConn, error) {
	f.Binds = append(f.Binds, laddr)
	if f.Err != nil {
		return nil, f.Err
	}
	f.Conn.Reset()
	return f.Conn, nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Package link owns the connection to a vehicle: it dials the telemetry
// stream, runs the single read loop that frames and decodes it, fans samples
// out to observers and serialises command writes.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/banshee-data/agvlink/internal/agv"
	"github.com/banshee-data/agvlink/internal/agv/wire"
	"github.com/banshee-data/agvlink/internal/monitoring"
)

var (
	ErrBusy             = errors.New("connection attempt already in progress")
	ErrConnectionFailed = errors.New("connection failed")
	ErrConnectionLost   = errors.New("connection lost")
	ErrNotConnected     = errors.New("not connected")
	ErrWriteFailed      = errors.New("write failed")
	ErrClosed           = errors.New("session closed")
)

const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultWriteTimeout   = 2 * time.Second
	DefaultStaleAfter     = time.Second
	DefaultReadBufferSize = 4096

	subscriberBuffer = 256
	watcherBuffer    = 16
)

// Decoder turns stream chunks into samples. A Decoder keeps whatever partial
// state it needs between calls and is only ever fed by one goroutine.
type Decoder interface {
	Feed(chunk []byte, emit func(agv.Sample), reject func(error))
}

// Sink receives every decoded sample on the read loop goroutine, before
// subscribers see it. It must not block for long.
type Sink interface {
	HandleSample(agv.Sample)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(agv.Sample)

func (f SinkFunc) HandleSample(s agv.Sample) { f(s) }

// Config configures a Session. Zero values select the defaults.
type Config struct {
	// Name tags log lines, e.g. "link" or "ctrl".
	Name       string
	Dialer     Dialer
	NewDecoder func() Decoder
	Sink       Sink
	Stats      StatsCollector

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	StaleAfter     time.Duration
	ReadBufferSize int
}

// Status is a point-in-time summary of a Session.
type Status struct {
	State       State        `json:"state"`
	Endpoint    agv.Endpoint `json:"endpoint"`
	LastError   string       `json:"last_error,omitempty"`
	ConnectedAt time.Time    `json:"connected_at,omitzero"`
	Frames      uint64       `json:"frames"`
	Samples     uint64       `json:"samples"`
	IMU         uint64       `json:"imu"`
	LiDAR       uint64       `json:"lidar"`
	Malformed   uint64       `json:"malformed"`
	Corrupt     uint64       `json:"corrupt"`
	Dropped     uint64       `json:"dropped"`
	Bytes       uint64       `json:"bytes"`
	Commands    uint64       `json:"commands"`
	LastSeq     uint32       `json:"last_seq"`
	LastReceive time.Time    `json:"last_receive,omitzero"`
	Stale       bool         `json:"stale"`
}

type counters struct {
	samples, imu, lidar      atomic.Uint64
	malformed, corrupt       atomic.Uint64
	dropped, bytes, commands atomic.Uint64
	lastSeq                  atomic.Uint32
	lastReceive              atomic.Int64
}

func (c *counters) reset() {
	for _, v := range []*atomic.Uint64{&c.samples, &c.imu, &c.lidar, &c.malformed, &c.corrupt, &c.dropped, &c.bytes, &c.commands} {
		v.Store(0)
	}
	c.lastSeq.Store(0)
	c.lastReceive.Store(0)
}

// Session is the state machine for one vehicle link. All methods are safe
// for concurrent use.
type Session struct {
	cfg Config

	mu          sync.Mutex
	state       State
	endpoint    agv.Endpoint
	conn        Conn
	lastErr     error
	connectedAt time.Time
	dialCancel  context.CancelFunc
	closed      bool
	// gen identifies the current connection attempt. A read loop or dial
	// whose generation is stale must not touch session state.
	gen atomic.Uint64

	sendMu sync.Mutex

	subscriberMu sync.Mutex
	subscribers  map[string]chan agv.Sample
	watchers     map[string]chan StateChange
	fanoutClosed bool

	stats     counters
	rejectLog rate.Sometimes
	loops     sync.WaitGroup
}

// NewSession returns a Disconnected session.
func NewSession(cfg Config) *Session {
	if cfg.Name == "" {
		cfg.Name = "link"
	}
	if cfg.Dialer == nil {
		cfg.Dialer = TCPDialer{}
	}
	if cfg.NewDecoder == nil {
		cfg.NewDecoder = func() Decoder { return wire.NewStreamDecoder() }
	}
	if cfg.Stats == nil {
		cfg.Stats = noopStats{}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	return &Session{
		cfg:         cfg,
		subscribers: make(map[string]chan agv.Sample),
		watchers:    make(map[string]chan StateChange),
		rejectLog:   rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}
}

// Connect dials ep and starts the read loop. A connected session is
// disconnected first; a session that is already connecting returns ErrBusy.
func (s *Session) Connect(ctx context.Context, ep agv.Endpoint) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	switch s.state {
	case Connecting:
		s.mu.Unlock()
		return ErrBusy
	case Connected:
		s.teardownLocked()
	}
	gen := s.gen.Add(1)
	dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	s.dialCancel = cancel
	s.endpoint = ep
	s.lastErr = nil
	s.transitionLocked(Connecting, nil)
	s.mu.Unlock()

	monitoring.Logf("[%s] connecting to %s", s.cfg.Name, ep)
	conn, err := s.cfg.Dialer.Dial(dctx, ep)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen.Load() != gen || s.state != Connecting {
		// disconnected or closed while dialling
		if conn != nil {
			conn.Close()
		}
		return fmt.Errorf("%w: %s: attempt cancelled", ErrConnectionFailed, ep)
	}
	s.dialCancel = nil
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrConnectionFailed, ep, err)
		s.lastErr = err
		s.transitionLocked(Error, err)
		monitoring.Logf("[%s] %v", s.cfg.Name, err)
		return err
	}

	s.conn = conn
	s.connectedAt = time.Now()
	s.stats.reset()
	s.transitionLocked(Connected, nil)
	monitoring.Logf("[%s] connected to %s", s.cfg.Name, ep)

	s.loops.Add(1)
	go s.readLoop(conn, gen, s.cfg.NewDecoder())
	return nil
}

// Disconnect closes the connection and moves to Disconnected. Calling it on
// a Disconnected session does nothing.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
}

func (s *Session) teardownLocked() {
	if s.state == Disconnected {
		return
	}
	s.gen.Add(1)
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			monitoring.Debugf("[%s] close: %v", s.cfg.Name, err)
		}
		s.conn = nil
	}
	s.transitionLocked(Disconnected, nil)
	monitoring.Logf("[%s] disconnected", s.cfg.Name)
}

// failLocked moves a live connection to Error. It is a no-op for stale
// generations so a superseded read loop cannot clobber a newer connection.
func (s *Session) failLocked(gen uint64, err error) bool {
	if s.gen.Load() != gen || s.state != Connected {
		return false
	}
	s.gen.Add(1)
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.lastErr = err
	s.transitionLocked(Error, err)
	monitoring.Logf("[%s] %v", s.cfg.Name, err)
	return true
}

func (s *Session) transitionLocked(to State, err error) {
	from := s.state
	if !validTransition(from, to) {
		monitoring.Logf("[%s] ignoring invalid transition %s -> %s", s.cfg.Name, from, to)
		return
	}
	s.state = to
	s.notify(StateChange{From: from, To: to, Err: err, At: time.Now()})
}

func (s *Session) readLoop(conn Conn, gen uint64, dec Decoder) {
	defer s.loops.Done()

	emit := func(sample agv.Sample) {
		if s.gen.Load() != gen {
			return
		}
		s.handleSample(sample)
	}
	reject := func(err error) {
		s.handleReject(err)
	}

	buf := make([]byte, s.cfg.ReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.stats.bytes.Add(uint64(n))
			s.stats.lastReceive.Store(time.Now().UnixNano())
			s.cfg.Stats.AddBytes(n)
			dec.Feed(buf[:n], emit, reject)
		}
		if err == nil && n == 0 {
			err = io.EOF
		}
		if err != nil {
			s.mu.Lock()
			s.failLocked(gen, fmt.Errorf("%w: %v", ErrConnectionLost, err))
			s.mu.Unlock()
			return
		}
	}
}

func (s *Session) handleSample(sample agv.Sample) {
	s.stats.samples.Add(1)
	s.stats.lastSeq.Store(sample.SeqNum())
	switch sample.(type) {
	case agv.IMUSample:
		s.stats.imu.Add(1)
	case agv.LiDARScan:
		s.stats.lidar.Add(1)
	}
	s.cfg.Stats.AddSample()

	if s.cfg.Sink != nil {
		s.cfg.Sink.HandleSample(sample)
	}

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- sample:
		default:
			// slow subscriber, drop rather than stall the read loop
			s.stats.dropped.Add(1)
		}
	}
}

func (s *Session) handleReject(err error) {
	if errors.Is(err, wire.ErrCorruptFrame) {
		s.stats.corrupt.Add(1)
	} else {
		s.stats.malformed.Add(1)
	}
	s.cfg.Stats.AddRejected()
	s.rejectLog.Do(func() {
		monitoring.Logf("[%s] dropped frame: %v", s.cfg.Name, err)
	})
	monitoring.Debugf("[%s] dropped frame: %v", s.cfg.Name, err)
}

// Send writes cmd to the connection. Only one send is in flight at a time.
// A failed write closes the link and moves the session to Error.
func (s *Session) Send(cmd agv.Command) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	conn, state, gen := s.conn, s.state, s.gen.Load()
	s.mu.Unlock()
	if state != Connected || conn == nil {
		return ErrNotConnected
	}

	payload, err := cmd.MarshalBinary()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if dw, ok := conn.(writeDeadliner); ok {
		if err := dw.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			monitoring.Debugf("[%s] set write deadline: %v", s.cfg.Name, err)
		}
	}

	n, err := conn.Write(payload)
	if err == nil && n != len(payload) {
		err = io.ErrShortWrite
	}
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrWriteFailed, cmd, err)
		s.mu.Lock()
		s.failLocked(gen, err)
		s.mu.Unlock()
		return err
	}
	s.stats.commands.Add(1)
	monitoring.Debugf("[%s] sent %s (% X)", s.cfg.Name, cmd, payload)
	return nil
}

// Subscribe registers for decoded samples. The channel is buffered; samples
// are dropped for a subscriber whose buffer is full.
func (s *Session) Subscribe() (string, <-chan agv.Sample) {
	id := uuid.NewString()
	ch := make(chan agv.Sample, subscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.fanoutClosed {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a sample subscription.
func (s *Session) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Watch registers for state transitions.
func (s *Session) Watch() (string, <-chan StateChange) {
	id := uuid.NewString()
	ch := make(chan StateChange, watcherBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.fanoutClosed {
		close(ch)
		return id, ch
	}
	s.watchers[id] = ch
	return id, ch
}

// Unwatch removes and closes a state subscription.
func (s *Session) Unwatch(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.watchers[id]; ok {
		close(ch)
		delete(s.watchers, id)
	}
}

func (s *Session) notify(change StateChange) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- change:
		default:
		}
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Endpoint returns the endpoint of the current or most recent attempt.
func (s *Session) Endpoint() agv.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// Status returns counters and state for display.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		State:       s.state,
		Endpoint:    s.endpoint,
		ConnectedAt: s.connectedAt,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.Unlock()

	st.Samples = s.stats.samples.Load()
	st.IMU = s.stats.imu.Load()
	st.LiDAR = s.stats.lidar.Load()
	st.Malformed = s.stats.malformed.Load()
	st.Corrupt = s.stats.corrupt.Load()
	st.Frames = st.Samples + st.Malformed + st.Corrupt
	st.Dropped = s.stats.dropped.Load()
	st.Bytes = s.stats.bytes.Load()
	st.Commands = s.stats.commands.Load()
	st.LastSeq = s.stats.lastSeq.Load()
	if ns := s.stats.lastReceive.Load(); ns != 0 {
		st.LastReceive = time.Unix(0, ns)
	}

	if st.State == Connected {
		last := st.LastReceive
		if last.IsZero() {
			last = st.ConnectedAt
		}
		st.Stale = time.Since(last) > s.cfg.StaleAfter
	}
	return st
}

// Close disconnects, waits for the read loop to exit and closes every
// subscriber and watcher channel. The session cannot be reused.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.teardownLocked()
	s.mu.Unlock()

	s.loops.Wait()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.fanoutClosed = true
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	for id, ch := range s.watchers {
		close(ch)
		delete(s.watchers, id)
	}
	return nil
}

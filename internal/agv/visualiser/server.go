package visualiser

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/agvlink/internal/agv"
	"github.com/banshee-data/agvlink/internal/agv/wire"
	"github.com/banshee-data/agvlink/internal/monitoring"
)

// Source is a sample fan-out. Both link.Session and monitor.Hub provide it.
type Source interface {
	Subscribe() (string, <-chan agv.Sample)
	Unsubscribe(id string)
}

// Config holds configuration for the visualiser gRPC server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50051")
	ListenAddr string
	// MaxClients is the maximum number of concurrent streaming clients
	MaxClients int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr: "localhost:50051",
		MaxClients: 5,
	}
}

// Server implements TelemetryServer.
type Server struct {
	config Config
	source Source

	syntheticGen *SyntheticGenerator

	grpcServer *grpc.Server
	listener   net.Listener
	wg         sync.WaitGroup
	running    atomic.Bool

	clients atomic.Int32
	sent    atomic.Uint64
}

var _ TelemetryServer = (*Server)(nil)

// NewServer returns a server streaming from source.
func NewServer(cfg Config, source Source) *Server {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultConfig().MaxClients
	}
	return &Server{config: cfg, source: source}
}

// EnableSyntheticMode streams generated telemetry instead of the source.
func (s *Server) EnableSyntheticMode(gen *SyntheticGenerator) {
	if gen == nil {
		gen = NewSyntheticGenerator()
	}
	s.syntheticGen = gen
}

// Register adds the Telemetry service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("visualiser already running")
	}
	lis, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = lis
	s.grpcServer = grpc.NewServer()
	s.Register(s.grpcServer)
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		monitoring.Logf("[gRPC] telemetry server listening on %s", lis.Addr())
		if err := s.grpcServer.Serve(lis); err != nil && s.running.Load() {
			monitoring.Logf("[gRPC] server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	if !s.running.Swap(false) {
		return
	}
	// open streams only end when their clients go away
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		s.grpcServer.Stop()
		<-stopped
	}
	s.wg.Wait()
	monitoring.Logf("[gRPC] telemetry server stopped (%d messages sent)", s.sent.Load())
}

// StreamSamples implements TelemetryServer.
func (s *Server) StreamSamples(req *structpb.Struct, stream grpc.ServerStream) error {
	kinds, err := parseRequest(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if n := s.clients.Add(1); int(n) > s.config.MaxClients {
		s.clients.Add(-1)
		return status.Errorf(codes.ResourceExhausted, "too many clients (max %d)", s.config.MaxClients)
	}
	defer s.clients.Add(-1)
	monitoring.Logf("[gRPC] StreamSamples started (clients=%d)", s.clients.Load())

	send := func(sample agv.Sample) error {
		if kinds != nil && !kinds[agv.Kind(sample)] {
			return nil
		}
		msg, err := SampleToStruct(sample)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
		s.sent.Add(1)
		return nil
	}

	if s.syntheticGen != nil {
		return s.streamSynthetic(stream, send)
	}
	if s.source == nil {
		return status.Error(codes.Unavailable, "no telemetry source")
	}

	id, samples := s.source.Subscribe()
	defer s.source.Unsubscribe(id)
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("[gRPC] StreamSamples cancelled")
			return nil
		case sample, ok := <-samples:
			if !ok {
				return nil
			}
			if err := send(sample); err != nil {
				return err
			}
		}
	}
}

// streamSynthetic pushes generated frames through the wire codec so the
// client sees exactly what a vehicle link would decode.
func (s *Server) streamSynthetic(stream grpc.ServerStream, send func(agv.Sample) error) error {
	dec := wire.NewStreamDecoder()
	ticker := time.NewTicker(s.syntheticGen.Interval())
	defer ticker.Stop()

	ctx := stream.Context()
	var sendErr error
	emit := func(sample agv.Sample) {
		if sendErr == nil {
			sendErr = send(sample)
		}
	}
	reject := func(err error) {
		monitoring.Logf("[gRPC] synthetic frame rejected: %v", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			chunk, err := s.syntheticGen.Next()
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			dec.Feed(chunk, emit, reject)
			if sendErr != nil {
				return sendErr
			}
		}
	}
}

package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/pandablue0809/bittensor/neuron/data"
	"github.com/pandablue0809/bittensor/neuron/gossip"
)

// ErrServerRunning is returned when a server is started twice.
var ErrServerRunning = errors.New("server is already running")

// TensorHandler serves Fwd and Bwd requests. *axon.Axon implements it.
type TensorHandler interface {
	Forward(ctx context.Context, msg *data.TensorMessage) (*data.TensorMessage, error)
	Backward(ctx context.Context, msg *data.TensorMessage) (*data.TensorMessage, error)
}

// GossipHandler answers push-pull exchanges. *gossip.Engine implements it.
type GossipHandler interface {
	HandleGossip(ctx context.Context, batch *data.SynapseBatch) (*data.SynapseBatch, error)
}

// ServerConfig holds configuration for a gRPC server.
type ServerConfig struct {
	// MaxRecvMsgSize is the maximum message size in bytes
	MaxRecvMsgSize int

	// MaxSendMsgSize is the maximum message size in bytes
	MaxSendMsgSize int
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxRecvMsgSize: 16 * 1024 * 1024, // 16MB
		MaxSendMsgSize: 16 * 1024 * 1024, // 16MB
	}
}

// Server is a gRPC server for one neuron port. The axon port carries the
// Opentensor service and the metagraph port carries the Metagraph service;
// a single server may carry both.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	startTime  time.Time
	logger     *slog.Logger

	// Control
	running bool
	mu      sync.RWMutex
}

// NewServer creates a server with no services registered.
func NewServer(config ServerConfig) *Server {
	def := DefaultServerConfig()
	if config.MaxRecvMsgSize <= 0 {
		config.MaxRecvMsgSize = def.MaxRecvMsgSize
	}
	if config.MaxSendMsgSize <= 0 {
		config.MaxSendMsgSize = def.MaxSendMsgSize
	}

	return &Server{
		grpcServer: grpc.NewServer(
			grpc.MaxRecvMsgSize(config.MaxRecvMsgSize),
			grpc.MaxSendMsgSize(config.MaxSendMsgSize),
			grpc.ForceServerCodec(Codec{}),
		),
		logger: slog.Default().With("component", "rpc"),
	}
}

// SetLogger sets the logger.
func (s *Server) SetLogger(logger *slog.Logger) {
	s.logger = logger.With("component", "rpc")
}

// RegisterAxon exposes h as the Opentensor service.
func (s *Server) RegisterAxon(h TensorHandler) {
	RegisterOpentensorServer(s.grpcServer, &opentensorService{handler: h})
}

// RegisterGossip exposes h as the Metagraph service.
func (s *Server) RegisterGossip(h GossipHandler) {
	RegisterMetagraphServer(s.grpcServer, &metagraphService{handler: h})
}

// Start listens on address and serves asynchronously.
func (s *Server) Start(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	if err := s.Serve(lis); err != nil {
		_ = lis.Close()
		return err
	}
	return nil
}

// Serve serves on an existing listener asynchronously.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServerRunning
	}
	s.listener = lis
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()

	s.logger.Info("gRPC server listening", "address", lis.Addr().String())

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("gRPC server stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Uptime returns the time since Start.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startTime)
}

// Stop gracefully stops the server, waiting at most timeout for in-flight
// calls before closing them.
func (s *Server) Stop(timeout time.Duration) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.grpcServer.Stop()
		<-done
	}
}

type opentensorService struct {
	UnimplementedOpentensorServer
	handler TensorHandler
}

func (s *opentensorService) Fwd(ctx context.Context, in *data.TensorMessage) (*data.TensorMessage, error) {
	return reply(s.handler.Forward(ctx, in))
}

func (s *opentensorService) Bwd(ctx context.Context, in *data.TensorMessage) (*data.TensorMessage, error) {
	return reply(s.handler.Backward(ctx, in))
}

func reply(out *data.TensorMessage, err error) (*data.TensorMessage, error) {
	if err != nil {
		return nil, ToStatus(err)
	}
	if out == nil {
		return nil, status.Error(codes.Internal, "empty reply")
	}
	return out, nil
}

type metagraphService struct {
	UnimplementedMetagraphServer
	handler GossipHandler
}

func (s *metagraphService) Gossip(ctx context.Context, in *data.SynapseBatch) (*data.SynapseBatch, error) {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		ctx = gossip.WithRemote(ctx, remoteHost(p.Addr.String()))
	}
	out, err := s.handler.HandleGossip(ctx, in)
	if err != nil {
		return nil, ToStatus(err)
	}
	if out == nil {
		return nil, status.Error(codes.Internal, "empty reply")
	}
	return out, nil
}

// remoteHost drops the ephemeral port so that reconnecting does not reset a
// sender's rate limit.
func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

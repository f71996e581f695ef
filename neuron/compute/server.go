package compute

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/pandablue0809/bittensor/neuron/data"
)

// Server exposes a Model over the compute bridge protocol so that a model
// living in another process can be served by a neuron.
type Server struct {
	model    Model
	codec    *Codec
	logger   *slog.Logger
	listener net.Listener
	running  bool
	mu       sync.Mutex
	quit     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates a bridge server for model.
func NewServer(model Model, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		model:  model,
		codec:  NewCodec(nil),
		logger: logger.With("component", "compute-server"),
		quit:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start listens on address and serves connections in the background.
func (s *Server) Start(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server is already running")
	}

	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = lis
	s.running = true

	s.wg.Add(1)
	go s.acceptLoop(lis)

	s.logger.Info("Compute bridge listening", "address", lis.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for open connections to finish their
// current request.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.quit)
	s.cancel()
	if err := s.listener.Close(); err != nil {
		s.logger.Debug("Listener close failed", "error", err)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) acceptLoop(lis net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				s.logger.Warn("Accept failed", "error", err)
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection serves requests on conn until the peer hangs up.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.quit:
			conn.Close()
		case <-done:
		}
	}()

	for {
		op, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("Read failed", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}
		payload, err := ReadFrame(conn)
		if err != nil {
			s.logger.Debug("Read failed", "remote", conn.RemoteAddr().String(), "error", err)
			return
		}

		status, body := StatusOK, []byte(nil)
		if body, err = s.process(string(op), payload); err != nil {
			s.logger.Warn("Compute request failed", "op", string(op), "error", err)
			status, body = StatusErr, []byte(err.Error())
		}

		if err := WriteFrame(conn, []byte(status)); err != nil {
			return
		}
		if err := WriteFrame(conn, body); err != nil {
			return
		}
	}
}

// process runs one request and returns the encoded result.
func (s *Server) process(op string, payload []byte) ([]byte, error) {
	var dir data.Direction
	switch op {
	case OpForward:
		dir = data.Forward
	case OpBackward:
		dir = data.Backward
	default:
		return nil, fmt.Errorf("unknown op %q", op)
	}

	tensors, err := s.codec.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tensors: %w", err)
	}

	out, err := Call(s.ctx, s.model, dir, tensors)
	if err != nil {
		return nil, err
	}
	return s.codec.Encode([]data.Tensor{out})
}

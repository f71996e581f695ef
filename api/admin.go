// Package api provides the HTTP admin surface of a neuron.
//
// Routes:
//   - GET /metrics    Prometheus exposition
//   - GET /health     200 while the node runs, 503 otherwise
//   - GET /status     node identity, ports, peer counts and pool stats
//   - GET /metagraph  every known synapse
package api

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pandablue0809/bittensor/neuron/core"
	"github.com/pandablue0809/bittensor/neuron/metagraph"
	"github.com/pandablue0809/bittensor/neuron/network"
)

// Version is the current version of the neuron.
const Version = "0.1.0"

// Status is the body of GET /status.
type Status struct {
	Version         string         `json:"version"`
	NeuronKey       string         `json:"neuron_key"`
	Running         bool           `json:"running"`
	UptimeSeconds   float64        `json:"uptime_seconds"`
	AxonAddress     string         `json:"axon_address"`
	MetagraphAddr   string         `json:"metagraph_address"`
	GossipTransport string         `json:"gossip_transport"`
	Synapses        int            `json:"synapses"`
	Peers           int            `json:"peers"`
	SeenBatches     int            `json:"seen_batches"`
	WorkerPool      core.PoolStats `json:"worker_pool"`
}

// SynapseView is one entry of GET /metagraph.
type SynapseView struct {
	NeuronKey     string    `json:"neuron_key"`
	Address       string    `json:"address"`
	Port          string    `json:"port"`
	MetagraphPort string    `json:"metagraph_port"`
	Multiaddr     string    `json:"multiaddr,omitempty"`
	InputDef      string    `json:"input_def"`
	OutputDef     string    `json:"output_def"`
	BlockHash     string    `json:"block_hash"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Backend is the node state the admin API reports on.
type Backend interface {
	Running() bool
	Status() Status
	Entries() []metagraph.Entry
}

// Server serves the admin routes.
type Server struct {
	engine *gin.Engine
	server *http.Server
	logger *slog.Logger

	listener net.Listener
	mu       sync.Mutex
}

// NewServer builds the routes. gatherer backs /metrics; nil uses the
// default registry.
func NewServer(backend Backend, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	engine.GET("/health", func(c *gin.Context) {
		if !backend.Running() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stopped"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, backend.Status())
	})
	engine.GET("/metagraph", func(c *gin.Context) {
		entries := backend.Entries()
		views := make([]SynapseView, 0, len(entries))
		for _, e := range entries {
			views = append(views, viewOf(e))
		}
		c.JSON(http.StatusOK, gin.H{"count": len(views), "synapses": views})
	})

	return &Server{
		engine: engine,
		server: &http.Server{Handler: engine, ReadHeaderTimeout: 5 * time.Second},
		logger: slog.Default().With("component", "admin"),
	}
}

func viewOf(e metagraph.Entry) SynapseView {
	s := e.Synapse
	v := SynapseView{
		NeuronKey:     s.NeuronKey,
		Address:       s.Address,
		Port:          s.Port,
		MetagraphPort: s.MetagraphPort,
		InputDef:      s.InputDef.String(),
		OutputDef:     s.OutputDef.String(),
		BlockHash:     hex.EncodeToString(s.BlockHash),
		UpdatedAt:     e.UpdatedAt,
	}
	if m, err := network.Multiaddr(s.Address, s.Port); err == nil {
		v.Multiaddr = m.String()
	}
	return v
}

// SetLogger sets the logger.
func (s *Server) SetLogger(logger *slog.Logger) {
	s.logger = logger.With("component", "admin")
}

// Handler returns the route handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on address and serves asynchronously.
func (s *Server) Start(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("Admin API listening", "address", lis.Addr().String())
	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin API stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

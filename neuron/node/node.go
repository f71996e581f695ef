// Package node wires the neuron components into one running process: the
// metagraph, the axon and its server, gossip over gRPC or ZeroMQ, the
// dendrite and the admin API.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/pandablue0809/bittensor/api"
	"github.com/pandablue0809/bittensor/neuron/axon"
	"github.com/pandablue0809/bittensor/neuron/compute"
	"github.com/pandablue0809/bittensor/neuron/config"
	"github.com/pandablue0809/bittensor/neuron/data"
	"github.com/pandablue0809/bittensor/neuron/dendrite"
	"github.com/pandablue0809/bittensor/neuron/gossip"
	"github.com/pandablue0809/bittensor/neuron/identity"
	"github.com/pandablue0809/bittensor/neuron/metagraph"
	"github.com/pandablue0809/bittensor/neuron/monitoring"
	"github.com/pandablue0809/bittensor/neuron/network"
)

// SynapseVersion is stamped on every synapse this node advertises.
const SynapseVersion = 1

// Errors returned by the node lifecycle.
var (
	ErrAlreadyRunning = errors.New("node already running")
	ErrNotRunning     = errors.New("node not running")
	ErrStopped        = errors.New("node cannot be restarted")
)

// Option customises a Node.
type Option func(*Node)

// WithModel serves model instead of the one derived from the configuration.
func WithModel(model compute.Model) Option {
	return func(n *Node) { n.model = model }
}

// WithLogger sets the logger of the node and all of its components.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) { n.logger = logger }
}

// WithKey uses key instead of loading KeyFile.
func WithKey(key *identity.Keypair) Option {
	return func(n *Node) { n.key = key }
}

// Node is a running neuron.
type Node struct {
	config   config.Config
	inputDef data.TensorDef
	outDef   data.TensorDef

	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *monitoring.Metrics

	key      *identity.Keypair
	verifier *identity.KeyVerifier
	model    compute.Model

	graph    *metagraph.Metagraph
	axon     *axon.Axon
	gossip   *gossip.Engine
	dendrite *dendrite.Dendrite

	client     *network.Client
	zmqClient  *network.ZMQGossipClient
	axonServer *network.Server
	metaServer *network.Server
	zmqServer  *network.ZMQGossipServer
	admin      *api.Server

	startTime time.Time
	running   bool
	stopped   bool
	mu        sync.RWMutex
}

// New validates cfg and builds every component. Nothing listens until
// Start.
func New(cfg config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	in, err := cfg.InputDef()
	if err != nil {
		return nil, err
	}
	out, err := cfg.OutputDef()
	if err != nil {
		return nil, err
	}

	n := &Node{
		config:   cfg,
		inputDef: in,
		outDef:   out,
		logger:   slog.Default(),
		registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(n)
	}

	if n.key == nil {
		if n.key, err = identity.LoadOrCreate(cfg.KeyFile); err != nil {
			return nil, fmt.Errorf("failed to load identity: %w", err)
		}
	}
	if n.model == nil {
		if n.model, err = newModel(cfg, in, out); err != nil {
			return nil, err
		}
	}
	n.logger = n.logger.With("neuron", n.key.NeuronKey())

	n.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	n.metrics = monitoring.NewMetrics("neuron", n.registry)
	n.verifier = identity.NewKeyVerifier(cfg.Difficulty)

	n.graph = metagraph.New(cfg.Metagraph, n.verifier, n.key)
	n.graph.SetLogger(n.logger)
	n.graph.SetMetrics(n.metrics)

	n.axon = axon.New(cfg.Axon, n.key, n.verifier, n.graph, n.model)
	n.axon.SetLogger(n.logger)
	n.axon.SetMetrics(n.metrics)

	n.client = network.NewClient(network.DefaultClientConfig())
	n.graph.OnEvict(n.forgetPeers)
	n.dendrite = dendrite.New(cfg.Dendrite, n.key, n.verifier, n.client)
	n.dendrite.SetLogger(n.logger)
	n.dendrite.SetMetrics(n.metrics)

	var transport gossip.Transport = n.client
	if cfg.GossipTransport == config.TransportZMQ {
		n.zmqClient = network.NewZMQGossipClient()
		transport = n.zmqClient
	}
	if n.gossip, err = gossip.New(cfg.Gossip, n.graph, transport); err != nil {
		return nil, err
	}
	n.gossip.SetLogger(n.logger)
	n.gossip.SetMetrics(n.metrics)

	return n, nil
}

func newModel(cfg config.Config, in, out data.TensorDef) (compute.Model, error) {
	if cfg.ModelAddress != "" {
		return compute.NewRemoteModel(cfg.ModelAddress, 0), nil
	}
	p, err := compute.NewProjection(in, out, cfg.ModelSeed)
	if err != nil {
		return nil, fmt.Errorf("failed to build model: %w", err)
	}
	return p, nil
}

// Start binds the axon and metagraph ports, advertises the node's synapse
// and begins gossiping. Ports configured as 0 are bound to free ports and
// the bound values are advertised.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return ErrAlreadyRunning
	}
	if n.stopped {
		return ErrStopped
	}

	cfg := n.config
	shared := cfg.GossipTransport == config.TransportGRPC && cfg.MetagraphPort == cfg.AxonPort && cfg.AxonPort != 0

	axonLis, err := net.Listen("tcp", hostPort(cfg.Host, cfg.AxonPort))
	if err != nil {
		return fmt.Errorf("failed to listen for axon: %w", err)
	}
	var metaLis net.Listener
	if cfg.GossipTransport == config.TransportGRPC && !shared {
		if metaLis, err = net.Listen("tcp", hostPort(cfg.Host, cfg.MetagraphPort)); err != nil {
			_ = axonLis.Close()
			return fmt.Errorf("failed to listen for metagraph: %w", err)
		}
	}
	closeListeners := func() {
		_ = axonLis.Close()
		if metaLis != nil {
			_ = metaLis.Close()
		}
	}

	if cfg.GossipTransport == config.TransportZMQ {
		n.zmqServer = network.NewZMQGossipServer(n.gossip)
		n.zmqServer.SetLogger(n.logger)
		if err := n.zmqServer.Start(hostPort(cfg.Host, cfg.MetagraphPort)); err != nil {
			closeListeners()
			return fmt.Errorf("failed to start zmq gossip: %w", err)
		}
	}

	axonPort := boundPort(axonLis.Addr().String())
	metaPort := axonPort
	switch {
	case metaLis != nil:
		metaPort = boundPort(metaLis.Addr().String())
	case n.zmqServer != nil:
		metaPort = boundPort(n.zmqServer.Addr())
	}

	self := &data.Synapse{
		Version:       SynapseVersion,
		NeuronKey:     n.key.NeuronKey(),
		Identity:      n.key.NeuronKey(),
		Address:       cfg.AdvertisedAddress(),
		Port:          axonPort,
		MetagraphPort: metaPort,
		InputDef:      n.inputDef.Clone(),
		OutputDef:     n.outDef.Clone(),
	}
	if err := identity.Advertise(ctx, n.key, self, identity.BlockHashAt(time.Now()), cfg.Difficulty); err != nil {
		n.abortStart(closeListeners)
		return fmt.Errorf("failed to advertise synapse: %w", err)
	}
	if err := n.graph.Register(self); err != nil {
		n.abortStart(closeListeners)
		return fmt.Errorf("failed to register synapse: %w", err)
	}

	n.axonServer = network.NewServer(network.DefaultServerConfig())
	n.axonServer.SetLogger(n.logger)
	n.axonServer.RegisterAxon(n.axon)
	if shared {
		n.axonServer.RegisterGossip(n.gossip)
	}
	if err := n.axonServer.Serve(axonLis); err != nil {
		n.abortStart(closeListeners)
		return fmt.Errorf("failed to serve axon: %w", err)
	}
	if metaLis != nil {
		n.metaServer = network.NewServer(network.DefaultServerConfig())
		n.metaServer.SetLogger(n.logger)
		n.metaServer.RegisterGossip(n.gossip)
		if err := n.metaServer.Serve(metaLis); err != nil {
			n.axonServer.Stop(cfg.ShutdownTimeout)
			n.abortStart(closeListeners)
			return fmt.Errorf("failed to serve metagraph: %w", err)
		}
	}

	if cfg.AdminAddress != "" {
		n.admin = api.NewServer(n, n.registry)
		n.admin.SetLogger(n.logger)
		if err := n.admin.Start(cfg.AdminAddress); err != nil {
			n.stopServers()
			return fmt.Errorf("failed to start admin API: %w", err)
		}
	}

	n.graph.Start()
	n.gossip.Start()

	n.startTime = time.Now()
	n.running = true
	n.logger.Info("Neuron started",
		"axon", self.Endpoint(),
		"metagraph", self.MetagraphEndpoint(),
		"gossip", cfg.GossipTransport,
		"input", self.InputDef.String(),
		"output", self.OutputDef.String())
	return nil
}

// forgetPeers closes client connections to evicted synapses.
func (n *Node) forgetPeers(evicted []*data.Synapse) {
	endpoints := make([]string, 0, 2*len(evicted))
	for _, syn := range evicted {
		endpoints = append(endpoints, syn.Endpoint(), syn.MetagraphEndpoint())
	}
	if dropped := n.client.Forget(endpoints...); dropped > 0 {
		n.logger.Debug("Closed connections to evicted peers", "count", dropped)
	}
}

func (n *Node) abortStart(closeListeners func()) {
	closeListeners()
	if n.zmqServer != nil {
		n.zmqServer.Stop()
	}
}

// Stop shuts the node down in reverse start order. A stopped node cannot
// be started again.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return ErrNotRunning
	}
	n.running = false
	n.stopped = true
	n.mu.Unlock()

	// Stop in reverse order
	n.gossip.Stop()
	var errs []error
	if n.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), n.config.ShutdownTimeout)
		if err := n.admin.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop admin API: %w", err))
		}
		cancel()
	}
	n.stopServers()
	if err := n.axon.StopWithTimeout(n.config.ShutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop axon: %w", err))
	}
	n.graph.Stop()
	if err := n.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close client: %w", err))
	}

	n.logger.Info("Neuron stopped", "uptime", time.Since(n.startTime).Round(time.Millisecond).String())
	return errors.Join(errs...)
}

func (n *Node) stopServers() {
	if n.zmqServer != nil {
		n.zmqServer.Stop()
	}
	if n.metaServer != nil {
		n.metaServer.Stop(n.config.ShutdownTimeout)
	}
	if n.axonServer != nil {
		n.axonServer.Stop(n.config.ShutdownTimeout)
	}
}

// Running reports whether the node is started.
func (n *Node) Running() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}

// Status reports the node state for the admin API.
func (n *Node) Status() api.Status {
	n.mu.RLock()
	defer n.mu.RUnlock()

	status := api.Status{
		Version:         api.Version,
		NeuronKey:       n.key.NeuronKey(),
		Running:         n.running,
		GossipTransport: n.config.GossipTransport,
		Synapses:        n.graph.Len(),
		Peers:           n.graph.Peers(),
		SeenBatches:     n.gossip.SeenBatches(),
		WorkerPool:      n.axon.Stats(),
	}
	if n.running {
		status.UptimeSeconds = time.Since(n.startTime).Seconds()
	}
	if self, ok := n.graph.Self(); ok {
		status.AxonAddress = self.Endpoint()
		status.MetagraphAddr = self.MetagraphEndpoint()
	}
	return status
}

// Entries returns every known synapse.
func (n *Node) Entries() []metagraph.Entry {
	return n.graph.Entries()
}

// Key returns the node identity.
func (n *Node) Key() *identity.Keypair { return n.key }

// Metagraph returns the node's registry.
func (n *Node) Metagraph() *metagraph.Metagraph { return n.graph }

// Dendrite returns the node's client for querying peers.
func (n *Node) Dendrite() *dendrite.Dendrite { return n.dendrite }

// Gossip returns the gossip engine.
func (n *Node) Gossip() *gossip.Engine { return n.gossip }

// Registry returns the Prometheus registry behind /metrics.
func (n *Node) Registry() *prometheus.Registry { return n.registry }

// Self returns the advertised synapse once started.
func (n *Node) Self() (*data.Synapse, bool) { return n.graph.Self() }

// AxonAddr returns the advertised axon endpoint, or "" before Start.
func (n *Node) AxonAddr() string {
	if self, ok := n.graph.Self(); ok {
		return self.Endpoint()
	}
	return ""
}

// MetagraphAddr returns the advertised metagraph endpoint, or "" before
// Start.
func (n *Node) MetagraphAddr() string {
	if self, ok := n.graph.Self(); ok {
		return self.MetagraphEndpoint()
	}
	return ""
}

// AdminAddr returns the admin API address, or "" when disabled.
func (n *Node) AdminAddr() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.admin == nil {
		return ""
	}
	return n.admin.Addr()
}

func hostPort(host string, port int32) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

func boundPort(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	return port
}

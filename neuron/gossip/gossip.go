// Package gossip keeps the metagraph converging by push-pull exchange.
//
// Each round the engine picks a few random peers, pushes its own signed
// snapshot to each of them and merges the snapshot each one sends back.
// Exchanges within a round are independent: an unreachable peer or a bad
// reply is counted and skipped. Peers are only ever removed by the
// metagraph TTL.
package gossip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/pandablue0809/bittensor/neuron/data"
	"github.com/pandablue0809/bittensor/neuron/metagraph"
	"github.com/pandablue0809/bittensor/neuron/monitoring"
)

// Transport performs one push-pull exchange with the metagraph endpoint of
// a peer.
type Transport interface {
	Exchange(ctx context.Context, endpoint string, batch *data.SynapseBatch) (*data.SynapseBatch, error)
}

// Registry is the part of the metagraph the engine needs.
type Registry interface {
	Snapshot(limit int) (*data.SynapseBatch, error)
	VerifyBatch(batch *data.SynapseBatch) bool
	Merge(batch *data.SynapseBatch) (metagraph.MergeReport, error)
	SelectPeers(k int, exclude []string) []*data.Synapse
}

// Config defines gossip behaviour.
type Config struct {
	// RoundInterval is the time between rounds.
	RoundInterval time.Duration `json:"round_interval"`
	// Fanout is the number of peers contacted per round.
	Fanout int `json:"fanout"`
	// SnapshotLimit bounds the synapses pushed per exchange.
	SnapshotLimit int `json:"snapshot_limit"`
	// ExchangeTimeout bounds one exchange.
	ExchangeTimeout time.Duration `json:"exchange_timeout"`
	// SeenTTL is how long a merged batch is remembered.
	SeenTTL time.Duration `json:"seen_ttl"`
	// RateLimit is the number of authenticated inbound exchanges per second
	// allowed per author, with RateBurst on top.
	RateLimit int64 `json:"rate_limit"`
	RateBurst int64 `json:"rate_burst"`
	// RemoteRateLimit and RemoteRateBurst bound inbound exchanges per
	// transport address before any signature is checked.
	RemoteRateLimit int64 `json:"remote_rate_limit"`
	RemoteRateBurst int64 `json:"remote_rate_burst"`
	// Seeds are metagraph endpoints (host:port) contacted at start.
	Seeds []string `json:"seeds,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RoundInterval:   10 * time.Second,
		Fanout:          3,
		SnapshotLimit:   64,
		ExchangeTimeout: 3 * time.Second,
		SeenTTL:         time.Minute,
		RateLimit:       2,
		RateBurst:       10,
		RemoteRateLimit: 20,
		RemoteRateBurst: 50,
	}
}

// RoundReport summarises one round or bootstrap.
type RoundReport struct {
	Selected  int                   `json:"selected"`
	Succeeded int                   `json:"succeeded"`
	Failed    int                   `json:"failed"`
	Merge     metagraph.MergeReport `json:"merge"`
}

// Engine runs gossip rounds and answers inbound exchanges.
type Engine struct {
	config    Config
	registry  Registry
	transport Transport
	authors   *limiter.TokenBucket
	remotes   *limiter.TokenBucket
	seen      *seenCache
	logger    *slog.Logger
	metrics   *monitoring.Metrics

	// Control
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

// New creates an engine. transport may be nil for a node that only answers
// inbound exchanges.
func New(config Config, registry Registry, transport Transport) (*Engine, error) {
	def := DefaultConfig()
	if config.RoundInterval <= 0 {
		config.RoundInterval = def.RoundInterval
	}
	if config.Fanout <= 0 {
		config.Fanout = def.Fanout
	}
	if config.ExchangeTimeout <= 0 {
		config.ExchangeTimeout = def.ExchangeTimeout
	}
	if config.SeenTTL <= 0 {
		config.SeenTTL = def.SeenTTL
	}
	if config.RateLimit <= 0 {
		config.RateLimit = def.RateLimit
	}
	if config.RateBurst <= 0 {
		config.RateBurst = def.RateBurst
	}
	if config.RemoteRateLimit <= 0 {
		config.RemoteRateLimit = def.RemoteRateLimit
	}
	if config.RemoteRateBurst <= 0 {
		config.RemoteRateBurst = def.RemoteRateBurst
	}

	authors, err := newLimiter(config.RateLimit, config.RateBurst)
	if err != nil {
		return nil, err
	}
	remotes, err := newLimiter(config.RemoteRateLimit, config.RemoteRateBurst)
	if err != nil {
		return nil, err
	}

	return &Engine{
		config:    config,
		registry:  registry,
		transport: transport,
		authors:   authors,
		remotes:   remotes,
		seen:      newSeenCache(config.SeenTTL),
		logger:    slog.Default().With("component", "gossip"),
		stopChan:  make(chan struct{}),
	}, nil
}

func newLimiter(rate, burst int64) (*limiter.TokenBucket, error) {
	tb, err := limiter.NewTokenBucket(
		limiter.Config{
			Rate:     rate,
			Duration: time.Second,
			Burst:    burst,
		},
		store.NewMemoryStore(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}
	return tb, nil
}

type remoteKey struct{}

// WithRemote records the transport address an inbound exchange came from.
// HandleGossip rate limits unauthenticated traffic per remote.
func WithRemote(ctx context.Context, remote string) context.Context {
	return context.WithValue(ctx, remoteKey{}, remote)
}

// RemoteFrom returns the address stored by WithRemote.
func RemoteFrom(ctx context.Context) (string, bool) {
	remote, ok := ctx.Value(remoteKey{}).(string)
	return remote, ok && remote != ""
}

// SetLogger sets the logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	e.logger = logger.With("component", "gossip")
}

// SetMetrics attaches metrics.
func (e *Engine) SetMetrics(metrics *monitoring.Metrics) {
	e.metrics = metrics
}

// Start bootstraps from the configured seeds and then runs a round every
// RoundInterval until Stop.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		<-e.stopChan
		cancel()
	}()

	e.wg.Add(1)
	go e.roundLoop(ctx)
}

// Stop aborts the current round and waits for the loop to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	close(e.stopChan)
	e.wg.Wait()
}

func (e *Engine) roundLoop(ctx context.Context) {
	defer e.wg.Done()

	if len(e.config.Seeds) > 0 {
		report := e.Bootstrap(ctx, e.config.Seeds)
		e.logger.Info("Bootstrapped from seeds", "seeds", len(e.config.Seeds),
			"succeeded", report.Succeeded, "accepted", report.Merge.Accepted)
	}

	ticker := time.NewTicker(e.config.RoundInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := e.RunRound(ctx)
			e.seen.clean()
			e.logger.Debug("Gossip round finished", "selected", report.Selected,
				"succeeded", report.Succeeded, "failed", report.Failed,
				"accepted", report.Merge.Accepted, "rejected", report.Merge.Rejected)
		}
	}
}

// RunRound performs one push-pull round against Fanout random peers.
func (e *Engine) RunRound(ctx context.Context) RoundReport {
	peers := e.registry.SelectPeers(e.config.Fanout, nil)
	endpoints := make([]string, len(peers))
	for i, p := range peers {
		endpoints[i] = p.MetagraphEndpoint()
	}
	report := e.exchangeAll(ctx, endpoints)
	e.metrics.RecordGossipRound(report.Succeeded, report.Failed)
	return report
}

// Bootstrap exchanges with endpoints whose keys are not known yet.
func (e *Engine) Bootstrap(ctx context.Context, endpoints []string) RoundReport {
	return e.exchangeAll(ctx, endpoints)
}

func (e *Engine) exchangeAll(ctx context.Context, endpoints []string) RoundReport {
	report := RoundReport{Selected: len(endpoints)}
	if len(endpoints) == 0 || e.transport == nil {
		report.Failed = len(endpoints)
		return report
	}

	snapshot, err := e.registry.Snapshot(e.config.SnapshotLimit)
	if err != nil {
		e.logger.Error("Failed to build snapshot", "error", err)
		report.Failed = len(endpoints)
		return report
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, endpoint := range endpoints {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()
			merged, err := e.exchange(ctx, endpoint, snapshot)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				e.logger.Warn("Gossip exchange failed", "endpoint", endpoint, "error", err)
				return
			}
			report.Succeeded++
			report.Merge.Add(merged)
		}(endpoint)
	}
	wg.Wait()

	return report
}

// exchange pushes snapshot to one endpoint and merges the reply.
func (e *Engine) exchange(ctx context.Context, endpoint string, snapshot *data.SynapseBatch) (metagraph.MergeReport, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.ExchangeTimeout)
	defer cancel()

	reply, err := e.transport.Exchange(ctx, endpoint, snapshot)
	if err != nil {
		return metagraph.MergeReport{}, err
	}
	return e.merge(reply)
}

// HandleGossip answers an inbound exchange: it merges the pushed batch and
// replies with this node's snapshot.
//
// Exchanges are limited per remote (see WithRemote) before the signature is
// checked, and per author only once it verifies, so a forged batch never
// spends the budget of the key it claims.
func (e *Engine) HandleGossip(ctx context.Context, batch *data.SynapseBatch) (*data.SynapseBatch, error) {
	if batch == nil {
		return nil, data.Errorf(data.KindMalformedMessage, "empty batch")
	}
	if remote, ok := RemoteFrom(ctx); ok && !e.remotes.Allow(remote) {
		return nil, data.Errorf(data.KindBusy, "gossip rate limit exceeded for remote %s", remote)
	}
	if !e.registry.VerifyBatch(batch) {
		e.logger.Debug("Rejected unauthenticated batch", "claimed", batch.NeuronKey)
		return nil, data.Errorf(data.KindUnauthenticated, "batch signature from %q is invalid", batch.NeuronKey)
	}
	if !e.authors.Allow(batch.NeuronKey) {
		return nil, data.Errorf(data.KindBusy, "gossip rate limit exceeded for %q", batch.NeuronKey)
	}
	if err := ctx.Err(); err != nil {
		return nil, data.NewError(data.KindTimeout, "exchange abandoned", err)
	}

	if _, err := e.merge(batch); err != nil {
		e.logger.Warn("Rejected pushed batch", "from", batch.NeuronKey, "error", err)
		return nil, err
	}

	reply, err := e.registry.Snapshot(e.config.SnapshotLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to build snapshot: %w", err)
	}
	return reply, nil
}

// merge applies a batch unless the same batch was merged within SeenTTL.
func (e *Engine) merge(batch *data.SynapseBatch) (metagraph.MergeReport, error) {
	if batch == nil {
		return metagraph.MergeReport{}, data.Errorf(data.KindMalformedMessage, "empty batch")
	}

	id, err := ContentID(batch)
	if err == nil && e.seen.has(id) {
		return metagraph.MergeReport{Ignored: len(batch.Synapses)}, nil
	}

	report, err := e.registry.Merge(batch)
	if err != nil {
		return report, err
	}
	if id.Defined() {
		e.seen.add(id)
	}
	return report, nil
}

// SeenBatches returns the number of remembered batch content IDs.
func (e *Engine) SeenBatches() int {
	return e.seen.size()
}

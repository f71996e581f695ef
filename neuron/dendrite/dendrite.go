// Package dendrite issues outbound Fwd and Bwd requests to peers.
//
// A query fans out one call per peer, each bounded by its own timeout, and
// returns one Result per peer in peer order. A failed peer only fills its
// own slot, so callers train against whichever peers answered.
package dendrite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/pandablue0809/bittensor/neuron/data"
	"github.com/pandablue0809/bittensor/neuron/identity"
	"github.com/pandablue0809/bittensor/neuron/monitoring"
)

// Transport delivers one request to the axon at endpoint.
type Transport interface {
	Call(ctx context.Context, endpoint string, dir data.Direction, msg *data.TensorMessage) (*data.TensorMessage, error)
}

// Config defines dendrite behaviour.
type Config struct {
	// Timeout bounds one peer call including retries.
	Timeout time.Duration `json:"timeout"`
	// Retries is the number of extra attempts after an Unreachable failure.
	Retries int `json:"retries"`
	// BreakerFailures opens a peer's breaker after this many consecutive
	// transport failures. Zero disables breakers.
	BreakerFailures uint32 `json:"breaker_failures"`
	// BreakerTimeout is how long an open breaker fails fast.
	BreakerTimeout time.Duration `json:"breaker_timeout"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         5 * time.Second,
		Retries:         1,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// Result is the outcome of one peer call.
type Result struct {
	Peer     *data.Synapse
	Response *data.TensorMessage
	Err      error
	Duration time.Duration
}

// Ok reports whether the call succeeded.
func (r Result) Ok() bool {
	return r.Err == nil
}

// Tensor returns the single response tensor of a successful call.
func (r Result) Tensor() (data.Tensor, bool) {
	if r.Err != nil || r.Response == nil || len(r.Response.Tensors) == 0 {
		return data.Tensor{}, false
	}
	return r.Response.Tensors[0], true
}

// Dendrite is the tensor exchange client. It is safe for concurrent use.
type Dendrite struct {
	config    Config
	signer    identity.Signer
	verifier  identity.Verifier
	transport Transport
	logger    *slog.Logger
	metrics   *monitoring.Metrics

	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.Mutex
}

// New creates a dendrite that signs requests with signer.
func New(config Config, signer identity.Signer, verifier identity.Verifier, transport Transport) *Dendrite {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Retries < 0 {
		config.Retries = 0
	}
	return &Dendrite{
		config:    config,
		signer:    signer,
		verifier:  verifier,
		transport: transport,
		logger:    slog.Default().With("component", "dendrite"),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

// SetLogger sets the logger.
func (d *Dendrite) SetLogger(logger *slog.Logger) {
	d.logger = logger.With("component", "dendrite")
}

// SetMetrics attaches metrics.
func (d *Dendrite) SetMetrics(metrics *monitoring.Metrics) {
	d.metrics = metrics
}

// Query sends the same tensors to every peer.
func (d *Dendrite) Query(ctx context.Context, peers []*data.Synapse, dir data.Direction, tensors []data.Tensor) []Result {
	inputs := make([][]data.Tensor, len(peers))
	for i := range inputs {
		inputs[i] = tensors
	}
	return d.QueryEach(ctx, peers, dir, inputs)
}

// QueryEach sends inputs[i] to peers[i]. Backward passes use it to return a
// different gradient to each peer.
func (d *Dendrite) QueryEach(ctx context.Context, peers []*data.Synapse, dir data.Direction, inputs [][]data.Tensor) []Result {
	results := make([]Result, len(peers))

	var wg sync.WaitGroup
	for i, peer := range peers {
		var tensors []data.Tensor
		if i < len(inputs) {
			tensors = inputs[i]
		}
		wg.Add(1)
		go func(i int, peer *data.Synapse, tensors []data.Tensor) {
			defer wg.Done()
			results[i] = d.call(ctx, peer, dir, tensors)
		}(i, peer, tensors)
	}
	wg.Wait()

	return results
}

// call runs one peer call with retries inside a single timeout budget.
func (d *Dendrite) call(ctx context.Context, peer *data.Synapse, dir data.Direction, tensors []data.Tensor) Result {
	start := time.Now()
	result := Result{Peer: peer}
	defer func() {
		result.Duration = time.Since(start)
		d.metrics.RecordDendriteCall(dir.String(), result.Err, result.Duration)
	}()

	if peer == nil || peer.NeuronKey == "" {
		result.Err = data.Errorf(data.KindUnreachable, "peer has no neuron key")
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	for attempt := 0; ; attempt++ {
		result.Response, result.Err = d.attempt(ctx, peer, dir, tensors)
		if result.Err == nil || attempt >= d.config.Retries || !errors.Is(result.Err, data.ErrUnreachable) || ctx.Err() != nil {
			break
		}
		d.logger.Debug("Retrying peer", "peer", peer.NeuronKey, "attempt", attempt+1, "error", result.Err)
	}

	if result.Err != nil {
		d.logger.Debug("Peer call failed", "peer", peer.NeuronKey, "method", dir.String(), "error", result.Err)
	}
	return result
}

// attempt sends one freshly signed request and validates the response.
func (d *Dendrite) attempt(ctx context.Context, peer *data.Synapse, dir data.Direction, tensors []data.Tensor) (*data.TensorMessage, error) {
	req := &data.TensorMessage{
		Version:  1,
		SourceID: d.signer.NeuronKey(),
		TargetID: peer.NeuronKey,
		Nonce:    identity.NewNonce(),
		Tensors:  tensors,
	}
	if err := identity.SignMessage(d.signer, req); err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	endpoint := peer.Endpoint()
	out, err := d.breaker(peer.NeuronKey).Execute(func() (interface{}, error) {
		return d.transport.Call(ctx, endpoint, dir, req)
	})
	if err != nil {
		return nil, classify(ctx, err)
	}

	resp, _ := out.(*data.TensorMessage)
	if err := d.validate(peer, dir, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// validate checks the response signature, that it answers req, and its
// shape.
func (d *Dendrite) validate(peer *data.Synapse, dir data.Direction, req, resp *data.TensorMessage) error {
	if resp == nil {
		return data.Errorf(data.KindMalformedMessage, "empty response")
	}
	if resp.NeuronKey != peer.NeuronKey || !identity.VerifyMessage(d.verifier, resp) {
		return data.Errorf(data.KindUnauthenticated, "response not signed by %s", peer.NeuronKey)
	}
	if resp.SourceID != req.TargetID || resp.TargetID != req.SourceID {
		return data.Errorf(data.KindUnauthenticated, "response addressed %s -> %s, expected %s -> %s",
			resp.SourceID, resp.TargetID, req.TargetID, req.SourceID)
	}

	want := peer.OutputDef
	if dir == data.Backward {
		want = peer.InputDef
	}
	if len(resp.Tensors) != 1 {
		return data.Errorf(data.KindContractViolation, "expected 1 response tensor, got %d", len(resp.Tensors))
	}
	if err := resp.Tensors[0].Validate(); err != nil {
		return data.NewError(data.KindMalformedMessage, "response tensor", err)
	}
	if !resp.Tensors[0].Matches(want) {
		return data.Errorf(data.KindContractViolation, "response is %s, expected %s", resp.Tensors[0].Def, want)
	}
	return nil
}

// classify maps breaker, context and untyped transport errors onto the
// error taxonomy.
func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return data.NewError(data.KindUnreachable, "circuit open", err)
	case data.KindOf(err) != data.KindUnknown:
		return err
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return data.NewError(data.KindTimeout, "peer did not answer in time", err)
	default:
		return data.NewError(data.KindUnreachable, "", err)
	}
}

// breaker returns the circuit breaker for a peer.
func (d *Dendrite) breaker(key string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cb, ok := d.breakers[key]; ok {
		return cb
	}

	threshold := d.config.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     d.config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= threshold
		},
		// Only transport failures count against a peer; a peer that answers
		// with an application error is reachable.
		IsSuccessful: func(err error) bool {
			switch data.KindOf(err) {
			case data.KindUnreachable, data.KindTimeout:
				return false
			case data.KindUnknown:
				return err == nil
			default:
				return true
			}
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Info("Peer breaker state changed", "peer", name, "from", from.String(), "to", to.String())
		},
	})
	d.breakers[key] = cb
	return cb
}

// BreakerState returns the breaker state for a peer.
func (d *Dendrite) BreakerState(key string) gobreaker.State {
	return d.breaker(key).State()
}

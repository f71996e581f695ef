// Package axon serves inbound Fwd and Bwd tensor requests.
//
// Every request runs through the same pipeline, and the first failing step
// decides the error: admission to the bounded worker pool (Busy), nonce
// presence (MalformedMessage), signature (Unauthenticated), nonce freshness
// (ReplayDetected), the advertised tensor contract (ContractViolation) and
// finally the model (ComputeFailed). A failed request never changes state
// other than recording its nonce.
package axon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/pandablue0809/bittensor/neuron/compute"
	"github.com/pandablue0809/bittensor/neuron/core"
	"github.com/pandablue0809/bittensor/neuron/data"
	"github.com/pandablue0809/bittensor/neuron/identity"
	"github.com/pandablue0809/bittensor/neuron/monitoring"
)

// Config defines the axon resource bounds.
type Config struct {
	// Workers is the number of requests computed concurrently.
	Workers int `json:"workers"`
	// QueueSize is how many admitted requests may wait for a worker.
	QueueSize int `json:"queue_size"`
	// ReplayWindow is how long a nonce is remembered.
	ReplayWindow time.Duration `json:"replay_window"`
	// ReplayCacheSize bounds the number of remembered nonces.
	ReplayCacheSize int `json:"replay_cache_size"`
	// RequestTimeout bounds one request including queueing.
	RequestTimeout time.Duration `json:"request_timeout"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         runtime.NumCPU(),
		QueueSize:       64,
		ReplayWindow:    5 * time.Minute,
		ReplayCacheSize: 100000,
		RequestTimeout:  30 * time.Second,
	}
}

// SelfSource provides the synapse this node currently advertises.
type SelfSource interface {
	Self() (*data.Synapse, bool)
}

// Axon is the tensor exchange server.
type Axon struct {
	config   Config
	signer   identity.Signer
	verifier identity.Verifier
	self     SelfSource
	model    compute.Model
	pool     *core.WorkerPool
	replay   *ReplayCache
	logger   *slog.Logger
	metrics  *monitoring.Metrics
}

// New creates an axon serving model under the signer's identity. The tensor
// contract is read from self on every request, so re-advertising a new
// synapse takes effect immediately.
func New(config Config, signer identity.Signer, verifier identity.Verifier, self SelfSource, model compute.Model) *Axon {
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if config.ReplayWindow <= 0 {
		config.ReplayWindow = DefaultConfig().ReplayWindow
	}
	if config.ReplayCacheSize <= 0 {
		config.ReplayCacheSize = DefaultConfig().ReplayCacheSize
	}
	return &Axon{
		config:   config,
		signer:   signer,
		verifier: verifier,
		self:     self,
		model:    model,
		pool:     core.NewWorkerPool("axon", config.Workers, config.QueueSize),
		replay:   NewReplayCache(config.ReplayWindow, config.ReplayCacheSize),
		logger:   slog.Default().With("component", "axon"),
	}
}

// SetLogger sets the logger.
func (a *Axon) SetLogger(logger *slog.Logger) {
	a.logger = logger.With("component", "axon")
}

// SetMetrics attaches metrics.
func (a *Axon) SetMetrics(metrics *monitoring.Metrics) {
	a.metrics = metrics
}

// SetClock replaces the time source of the replay cache.
func (a *Axon) SetClock(clock func() time.Time) {
	a.replay.SetClock(clock)
}

// Stats returns worker pool statistics.
func (a *Axon) Stats() core.PoolStats {
	return a.pool.GetStats()
}

// Stop stops admitting requests and waits for in-flight ones.
func (a *Axon) Stop() {
	a.pool.Shutdown()
}

// StopWithTimeout stops like Stop but gives up waiting after timeout, so a
// model that never returns cannot hold up shutdown.
func (a *Axon) StopWithTimeout(timeout time.Duration) error {
	if err := a.pool.ShutdownWithTimeout(timeout); err != nil {
		a.logger.Warn("Abandoned in-flight requests", "error", err)
		return err
	}
	return nil
}

// Forward serves a Fwd request.
func (a *Axon) Forward(ctx context.Context, msg *data.TensorMessage) (*data.TensorMessage, error) {
	return a.serve(ctx, data.Forward, msg)
}

// Backward serves a Bwd request.
func (a *Axon) Backward(ctx context.Context, msg *data.TensorMessage) (*data.TensorMessage, error) {
	return a.serve(ctx, data.Backward, msg)
}

func (a *Axon) serve(ctx context.Context, dir data.Direction, msg *data.TensorMessage) (*data.TensorMessage, error) {
	start := time.Now()
	if a.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.RequestTimeout)
		defer cancel()
	}

	out, err := a.pool.Run(ctx, dir.String(), func(ctx context.Context) (interface{}, error) {
		return a.process(ctx, dir, msg)
	})
	err = admissionError(err)

	stats := a.pool.GetStats()
	a.metrics.UpdateWorkerPool(int(stats.Active), stats.Pending)
	a.metrics.RecordAxonRequest(dir.String(), err, time.Since(start))

	if err != nil {
		a.logFailure(dir, msg, err)
		return nil, err
	}
	return out.(*data.TensorMessage), nil
}

// admissionError maps pool and context failures onto the error taxonomy.
func admissionError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrPoolBusy):
		return data.NewError(data.KindBusy, "all workers busy", err)
	case errors.Is(err, core.ErrPoolClosed):
		return data.NewError(data.KindBusy, "axon is shutting down", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return data.NewError(data.KindTimeout, "request abandoned", err)
	}
	var derr *data.Error
	if errors.As(err, &derr) {
		return err
	}
	return data.NewError(data.KindComputeFailed, "unexpected failure", err)
}

func (a *Axon) logFailure(dir data.Direction, msg *data.TensorMessage, err error) {
	var from string
	if msg != nil {
		from = msg.NeuronKey
	}
	switch data.KindOf(err) {
	case data.KindReplayDetected, data.KindUnauthenticated:
		a.logger.Warn("Rejected request", "method", dir.String(), "from", from, "error", err)
	case data.KindBusy:
		a.logger.Debug("Rejected request", "method", dir.String(), "from", from, "error", err)
	default:
		a.logger.Info("Request failed", "method", dir.String(), "from", from, "error", err)
	}
}

// process runs the request pipeline on a worker.
func (a *Axon) process(ctx context.Context, dir data.Direction, msg *data.TensorMessage) (*data.TensorMessage, error) {
	if msg == nil {
		return nil, data.Errorf(data.KindMalformedMessage, "nil message")
	}
	if len(msg.Nonce) == 0 {
		return nil, data.Errorf(data.KindMalformedMessage, "empty nonce")
	}
	for i, t := range msg.Tensors {
		if err := t.Validate(); err != nil {
			return nil, data.NewError(data.KindMalformedMessage, fmt.Sprintf("tensor %d", i), err)
		}
	}

	if !identity.VerifyMessage(a.verifier, msg) {
		return nil, data.Errorf(data.KindUnauthenticated, "invalid signature from %q", msg.NeuronKey)
	}

	if err := a.replay.Check(msg.SourceID, msg.TargetID, msg.Nonce); err != nil {
		return nil, err
	}

	self, ok := a.self.Self()
	if !ok {
		return nil, data.Errorf(data.KindContractViolation, "no synapse advertised")
	}
	want, err := checkContract(dir, self, msg.Tensors)
	if err != nil {
		return nil, err
	}

	out, err := compute.Call(ctx, a.model, dir, msg.Tensors)
	if err != nil {
		return nil, data.NewError(data.KindComputeFailed, "model "+dir.String()+" failed", err)
	}
	if err := out.Validate(); err != nil {
		return nil, data.NewError(data.KindComputeFailed, "model returned an invalid tensor", err)
	}
	if !out.Matches(want) {
		return nil, data.Errorf(data.KindComputeFailed, "model returned %s, advertised %s", out.Def, want)
	}

	resp := &data.TensorMessage{
		Version:  msg.Version,
		SourceID: msg.TargetID,
		TargetID: msg.SourceID,
		Nonce:    identity.NewNonce(),
		Tensors:  []data.Tensor{out},
	}
	if err := identity.SignMessage(a.signer, resp); err != nil {
		return nil, data.NewError(data.KindComputeFailed, "failed to sign response", err)
	}
	return resp, nil
}

// checkContract validates request tensors against the advertised synapse and
// returns the definition the model output must have.
//
// Fwd carries exactly one tensor matching input_def. Bwd carries the
// gradient with respect to the outputs, matching output_def, optionally
// followed by the forward input matching input_def.
func checkContract(dir data.Direction, self *data.Synapse, tensors []data.Tensor) (data.TensorDef, error) {
	violation := func(format string, args ...interface{}) (data.TensorDef, error) {
		return data.TensorDef{}, data.Errorf(data.KindContractViolation, format, args...)
	}

	if dir == data.Forward {
		if len(tensors) != 1 {
			return violation("fwd expects 1 tensor, got %d", len(tensors))
		}
		if !tensors[0].Matches(self.InputDef) {
			return violation("fwd input is %s, advertised input_def is %s", tensors[0].Def, self.InputDef)
		}
		return self.OutputDef, nil
	}

	if len(tensors) != 1 && len(tensors) != 2 {
		return violation("bwd expects 1 or 2 tensors, got %d", len(tensors))
	}
	if !tensors[0].Matches(self.OutputDef) {
		return violation("bwd gradient is %s, advertised output_def is %s", tensors[0].Def, self.OutputDef)
	}
	if len(tensors) == 2 && !tensors[1].Matches(self.InputDef) {
		return violation("bwd input is %s, advertised input_def is %s", tensors[1].Def, self.InputDef)
	}
	return self.InputDef, nil
}

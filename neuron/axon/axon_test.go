package axon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandablue0809/bittensor/neuron/compute"
	"github.com/pandablue0809/bittensor/neuron/core"
	"github.com/pandablue0809/bittensor/neuron/data"
	"github.com/pandablue0809/bittensor/neuron/identity"
	"github.com/pandablue0809/bittensor/neuron/monitoring"
)

var (
	inputDef  = data.TensorDef{Shape: []int64{1, 3, 32, 32}, DType: data.DTypeFloat32}
	outputDef = data.TensorDef{Shape: []int64{1, 10}, DType: data.DTypeFloat32}
)

type staticSelf struct{ syn *data.Synapse }

func (s staticSelf) Self() (*data.Synapse, bool) { return s.syn, s.syn != nil }

type fixture struct {
	axon   *Axon
	server *identity.Keypair
	client *identity.Keypair
}

func newFixture(t *testing.T, config Config, model compute.Model) *fixture {
	t.Helper()
	server, err := identity.GenerateKeypair()
	require.NoError(t, err)
	client, err := identity.GenerateKeypair()
	require.NoError(t, err)

	if model == nil {
		model, err = compute.NewProjection(inputDef, outputDef, 1)
		require.NoError(t, err)
	}
	self := &data.Synapse{NeuronKey: server.NeuronKey(), InputDef: inputDef, OutputDef: outputDef}

	a := New(config, server, identity.NewKeyVerifier(0), staticSelf{self}, model)
	t.Cleanup(a.Stop)
	return &fixture{axon: a, server: server, client: client}
}

func (f *fixture) request(t *testing.T, tensors ...data.Tensor) *data.TensorMessage {
	t.Helper()
	msg := &data.TensorMessage{
		Version:  1,
		SourceID: f.client.NeuronKey(),
		TargetID: f.server.NeuronKey(),
		Nonce:    identity.NewNonce(),
		Tensors:  tensors,
	}
	require.NoError(t, identity.SignMessage(f.client, msg))
	return msg
}

func TestForward(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)

	resp, err := f.axon.Forward(context.Background(), f.request(t, data.Zeros(inputDef)))
	require.NoError(t, err)

	require.Len(t, resp.Tensors, 1)
	assert.True(t, resp.Tensors[0].Matches(outputDef))
	assert.Equal(t, f.server.NeuronKey(), resp.NeuronKey)
	assert.Equal(t, f.server.NeuronKey(), resp.SourceID)
	assert.Equal(t, f.client.NeuronKey(), resp.TargetID)
	assert.NotEmpty(t, resp.Nonce)
	assert.True(t, identity.VerifyMessage(identity.NewKeyVerifier(0), resp))
}

func TestBackward(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)

	resp, err := f.axon.Backward(context.Background(), f.request(t, data.Zeros(outputDef)))
	require.NoError(t, err)
	require.Len(t, resp.Tensors, 1)
	assert.True(t, resp.Tensors[0].Matches(inputDef))

	resp, err = f.axon.Backward(context.Background(), f.request(t, data.Zeros(outputDef), data.Zeros(inputDef)))
	require.NoError(t, err)
	assert.True(t, resp.Tensors[0].Matches(inputDef))
}

func TestReplayRejected(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	msg := f.request(t, data.Zeros(inputDef))

	_, err := f.axon.Forward(context.Background(), msg)
	require.NoError(t, err)

	_, err = f.axon.Forward(context.Background(), msg)
	assert.ErrorIs(t, err, data.ErrReplayDetected)
}

func TestConcurrentReplayAcceptsOne(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	msg := f.request(t, data.Zeros(inputDef))

	var ok, replayed int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.axon.Forward(context.Background(), msg)
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, data.ErrReplayDetected):
				atomic.AddInt32(&replayed, 1)
			case errors.Is(err, data.ErrBusy):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok)
}

func TestUnauthenticated(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)

	msg := f.request(t, data.Zeros(inputDef))
	msg.TargetID = "someone-else"
	_, err := f.axon.Forward(context.Background(), msg)
	assert.ErrorIs(t, err, data.ErrUnauthenticated)

	// A rejected signature does not burn the nonce.
	msg.TargetID = f.server.NeuronKey()
	_, err = f.axon.Forward(context.Background(), msg)
	assert.NoError(t, err)
}

func TestEmptyNonceMalformed(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)

	msg := f.request(t, data.Zeros(inputDef))
	msg.Nonce = nil
	require.NoError(t, identity.SignMessage(f.client, msg))

	_, err := f.axon.Forward(context.Background(), msg)
	assert.ErrorIs(t, err, data.ErrMalformedMessage)
}

func TestContractViolation(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	small := data.TensorDef{Shape: []int64{1, 3, 28, 28}, DType: data.DTypeFloat32}
	float64s := data.TensorDef{Shape: inputDef.Shape, DType: data.DTypeFloat64}

	cases := []struct {
		name    string
		dir     data.Direction
		tensors []data.Tensor
	}{
		{"fwd wrong shape", data.Forward, []data.Tensor{data.Zeros(small)}},
		{"fwd wrong dtype", data.Forward, []data.Tensor{data.Zeros(float64s)}},
		{"fwd no tensors", data.Forward, nil},
		{"fwd two tensors", data.Forward, []data.Tensor{data.Zeros(inputDef), data.Zeros(inputDef)}},
		{"bwd input shaped gradient", data.Backward, []data.Tensor{data.Zeros(inputDef)}},
		{"bwd wrong forward input", data.Backward, []data.Tensor{data.Zeros(outputDef), data.Zeros(small)}},
		{"bwd three tensors", data.Backward, []data.Tensor{data.Zeros(outputDef), data.Zeros(inputDef), data.Zeros(inputDef)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := f.request(t, tc.tensors...)
			var err error
			if tc.dir == data.Forward {
				_, err = f.axon.Forward(context.Background(), msg)
			} else {
				_, err = f.axon.Backward(context.Background(), msg)
			}
			assert.ErrorIs(t, err, data.ErrContractViolation)
		})
	}
}

func TestComputeFailed(t *testing.T) {
	failing := compute.Funcs{ForwardFunc: func(ctx context.Context, input data.Tensor) (data.Tensor, error) {
		return data.Tensor{}, errors.New("nan in activations")
	}}
	f := newFixture(t, DefaultConfig(), failing)

	_, err := f.axon.Forward(context.Background(), f.request(t, data.Zeros(inputDef)))
	assert.ErrorIs(t, err, data.ErrComputeFailed)
}

func TestComputeWrongOutputShape(t *testing.T) {
	identityModel := compute.Funcs{ForwardFunc: func(ctx context.Context, input data.Tensor) (data.Tensor, error) {
		return input, nil
	}}
	f := newFixture(t, DefaultConfig(), identityModel)

	_, err := f.axon.Forward(context.Background(), f.request(t, data.Zeros(inputDef)))
	assert.ErrorIs(t, err, data.ErrComputeFailed)
}

func TestBusyWhenSaturated(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	blocking := compute.Funcs{ForwardFunc: func(ctx context.Context, input data.Tensor) (data.Tensor, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return data.Zeros(outputDef), nil
	}}

	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.QueueSize = 0
	f := newFixture(t, cfg, blocking)

	done := make(chan error, 1)
	go func() {
		_, err := f.axon.Forward(context.Background(), f.request(t, data.Zeros(inputDef)))
		done <- err
	}()
	<-started

	_, err := f.axon.Forward(context.Background(), f.request(t, data.Zeros(inputDef)))
	assert.ErrorIs(t, err, data.ErrBusy)

	close(release)
	assert.NoError(t, <-done)
}

func TestRequestTimeout(t *testing.T) {
	slow := compute.Funcs{ForwardFunc: func(ctx context.Context, input data.Tensor) (data.Tensor, error) {
		<-ctx.Done()
		return data.Tensor{}, ctx.Err()
	}}
	cfg := DefaultConfig()
	cfg.RequestTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg, slow)

	_, err := f.axon.Forward(context.Background(), f.request(t, data.Zeros(inputDef)))
	assert.True(t, errors.Is(err, data.ErrTimeout) || errors.Is(err, data.ErrComputeFailed), "got %v", err)
}

func TestNoSelfSynapse(t *testing.T) {
	server, err := identity.GenerateKeypair()
	require.NoError(t, err)
	model, err := compute.NewProjection(inputDef, outputDef, 1)
	require.NoError(t, err)
	a := New(DefaultConfig(), server, identity.NewKeyVerifier(0), staticSelf{}, model)
	defer a.Stop()

	msg := &data.TensorMessage{Nonce: identity.NewNonce(), Tensors: []data.Tensor{data.Zeros(inputDef)}}
	require.NoError(t, identity.SignMessage(server, msg))
	_, err = a.Forward(context.Background(), msg)
	assert.ErrorIs(t, err, data.ErrContractViolation)
}

func TestAxonMetrics(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics("test", reg)
	f.axon.SetMetrics(metrics)

	msg := f.request(t, data.Zeros(inputDef))
	_, _ = f.axon.Forward(context.Background(), msg)
	_, _ = f.axon.Forward(context.Background(), msg)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AxonRequests.WithLabelValues("fwd", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ReplaysDetected))
}

func TestStopWithTimeoutAbandonsHungModel(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{}, 1)
	hung := compute.Funcs{ForwardFunc: func(ctx context.Context, input data.Tensor) (data.Tensor, error) {
		started <- struct{}{}
		<-release
		return data.Zeros(outputDef), nil
	}}
	cfg := DefaultConfig()
	cfg.Workers = 1
	f := newFixture(t, cfg, hung)

	go func() { _, _ = f.axon.Forward(context.Background(), f.request(t, data.Zeros(inputDef))) }()
	<-started

	start := time.Now()
	err := f.axon.StopWithTimeout(20 * time.Millisecond)
	assert.ErrorIs(t, err, core.ErrShutdownTimeout)
	assert.Less(t, time.Since(start), time.Second)

	_, err = f.axon.Forward(context.Background(), f.request(t, data.Zeros(inputDef)))
	assert.ErrorIs(t, err, data.ErrBusy)
}

func TestStoppedAxonIsBusy(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	f.axon.Stop()

	_, err := f.axon.Forward(context.Background(), f.request(t, data.Zeros(inputDef)))
	assert.ErrorIs(t, err, data.ErrBusy)
}

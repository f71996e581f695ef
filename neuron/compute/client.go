package compute

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pandablue0809/bittensor/neuron/data"
)

// RemoteModel is a Model served by a compute bridge Server. Each call uses
// its own connection, so a RemoteModel is safe for concurrent use.
type RemoteModel struct {
	address     string
	dialTimeout time.Duration
	codec       *Codec
}

// NewRemoteModel creates a client for the bridge at address.
func NewRemoteModel(address string, dialTimeout time.Duration) *RemoteModel {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &RemoteModel{
		address:     address,
		dialTimeout: dialTimeout,
		codec:       NewCodec(nil),
	}
}

// Forward sends input to the remote model.
func (m *RemoteModel) Forward(ctx context.Context, input data.Tensor) (data.Tensor, error) {
	return m.call(ctx, OpForward, []data.Tensor{input})
}

// Backward sends the output gradient, and the forward input if present.
func (m *RemoteModel) Backward(ctx context.Context, grad data.Tensor, input *data.Tensor) (data.Tensor, error) {
	tensors := []data.Tensor{grad}
	if input != nil {
		tensors = append(tensors, *input)
	}
	return m.call(ctx, OpBackward, tensors)
}

func (m *RemoteModel) call(ctx context.Context, op string, tensors []data.Tensor) (data.Tensor, error) {
	payload, err := m.codec.Encode(tensors)
	if err != nil {
		return data.Tensor{}, err
	}

	dialer := net.Dialer{Timeout: m.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", m.address)
	if err != nil {
		return data.Tensor{}, fmt.Errorf("failed to connect to compute bridge %s: %w", m.address, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return data.Tensor{}, fmt.Errorf("failed to set deadline: %w", err)
		}
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := WriteFrame(conn, []byte(op)); err != nil {
		return data.Tensor{}, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return data.Tensor{}, err
	}

	status, err := ReadFrame(conn)
	if err != nil {
		return data.Tensor{}, fmt.Errorf("failed to read reply status: %w", err)
	}
	body, err := ReadFrame(conn)
	if err != nil {
		return data.Tensor{}, fmt.Errorf("failed to read reply body: %w", err)
	}

	switch string(status) {
	case StatusOK:
	case StatusErr:
		return data.Tensor{}, fmt.Errorf("%w: %s", ErrRemote, body)
	default:
		return data.Tensor{}, fmt.Errorf("unexpected reply status %q", status)
	}

	out, err := m.codec.Decode(body)
	if err != nil {
		return data.Tensor{}, fmt.Errorf("failed to decode reply: %w", err)
	}
	if len(out) != 1 {
		return data.Tensor{}, fmt.Errorf("expected 1 output tensor, got %d", len(out))
	}
	return out[0], nil
}

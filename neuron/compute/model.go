package compute

import (
	"context"
	"errors"

	"github.com/pandablue0809/bittensor/neuron/data"
)

var (
	// ErrNotImplemented is returned by Funcs for a missing direction.
	ErrNotImplemented = errors.New("model does not implement this direction")
	// ErrRemote wraps an error reported by a model on the far side of the bridge.
	ErrRemote = errors.New("remote model error")
)

// Model is the local model served by the axon.
//
// Forward maps an input tensor to an output tensor. Backward maps the
// gradient with respect to the outputs to the gradient with respect to the
// inputs; input is the forward input when the caller supplied it, nil
// otherwise. Implementations must be safe for concurrent use.
type Model interface {
	Forward(ctx context.Context, input data.Tensor) (data.Tensor, error)
	Backward(ctx context.Context, grad data.Tensor, input *data.Tensor) (data.Tensor, error)
}

// Funcs adapts plain functions to Model.
type Funcs struct {
	ForwardFunc  func(ctx context.Context, input data.Tensor) (data.Tensor, error)
	BackwardFunc func(ctx context.Context, grad data.Tensor, input *data.Tensor) (data.Tensor, error)
}

// Forward calls ForwardFunc.
func (f Funcs) Forward(ctx context.Context, input data.Tensor) (data.Tensor, error) {
	if f.ForwardFunc == nil {
		return data.Tensor{}, ErrNotImplemented
	}
	return f.ForwardFunc(ctx, input)
}

// Backward calls BackwardFunc.
func (f Funcs) Backward(ctx context.Context, grad data.Tensor, input *data.Tensor) (data.Tensor, error) {
	if f.BackwardFunc == nil {
		return data.Tensor{}, ErrNotImplemented
	}
	return f.BackwardFunc(ctx, grad, input)
}

// Call dispatches tensors to m in the given direction, using the layout of
// a Fwd or Bwd request: Fwd takes tensors[0]; Bwd takes tensors[0] as the
// output gradient and the optional tensors[1] as the forward input.
func Call(ctx context.Context, m Model, dir data.Direction, tensors []data.Tensor) (data.Tensor, error) {
	if len(tensors) == 0 {
		return data.Tensor{}, errors.New("no input tensors")
	}
	if dir == data.Forward {
		return m.Forward(ctx, tensors[0])
	}
	var input *data.Tensor
	if len(tensors) > 1 {
		input = &tensors[1]
	}
	return m.Backward(ctx, tensors[0], input)
}

package compute

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/pandablue0809/bittensor/neuron/data"
)

// Projection is a fixed random linear map from one FLOAT32 tensor shape to
// another. It stands in for a trained model in demos, load tests and
// end-to-end tests: outputs depend on inputs, and Backward is the exact
// transpose of Forward.
type Projection struct {
	in, out data.TensorDef
	inN     int
	outN    int
	weights []float32 // outN x inN, row-major
}

// NewProjection creates a projection from in to out with weights drawn
// from seed. Both definitions must be FLOAT32.
func NewProjection(in, out data.TensorDef, seed int64) (*Projection, error) {
	for _, def := range []data.TensorDef{in, out} {
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if def.DType != data.DTypeFloat32 {
			return nil, fmt.Errorf("projection requires FLOAT32, got %s", def.DType)
		}
	}

	inN, outN := int(in.Elements()), int(out.Elements())
	rng := rand.New(rand.NewSource(seed))
	scale := float32(1 / math.Sqrt(float64(inN)))
	weights := make([]float32, inN*outN)
	for i := range weights {
		weights[i] = float32(rng.NormFloat64()) * scale
	}

	return &Projection{
		in:      in.Clone(),
		out:     out.Clone(),
		inN:     inN,
		outN:    outN,
		weights: weights,
	}, nil
}

// InputDef returns the accepted input definition.
func (p *Projection) InputDef() data.TensorDef { return p.in.Clone() }

// OutputDef returns the produced output definition.
func (p *Projection) OutputDef() data.TensorDef { return p.out.Clone() }

// Forward computes W x.
func (p *Projection) Forward(ctx context.Context, input data.Tensor) (data.Tensor, error) {
	x, err := p.values(input, p.inN)
	if err != nil {
		return data.Tensor{}, err
	}
	if err := ctx.Err(); err != nil {
		return data.Tensor{}, err
	}

	y := make([]float32, p.outN)
	for o := 0; o < p.outN; o++ {
		row := p.weights[o*p.inN : (o+1)*p.inN]
		var sum float32
		for i, w := range row {
			sum += w * x[i]
		}
		y[o] = sum
	}
	return data.NewFloat32Tensor(p.out.Shape, y), nil
}

// Backward computes W^T g. The forward input is not needed.
func (p *Projection) Backward(ctx context.Context, grad data.Tensor, _ *data.Tensor) (data.Tensor, error) {
	g, err := p.values(grad, p.outN)
	if err != nil {
		return data.Tensor{}, err
	}
	if err := ctx.Err(); err != nil {
		return data.Tensor{}, err
	}

	dx := make([]float32, p.inN)
	for o, gv := range g {
		row := p.weights[o*p.inN : (o+1)*p.inN]
		for i, w := range row {
			dx[i] += w * gv
		}
	}
	return data.NewFloat32Tensor(p.in.Shape, dx), nil
}

func (p *Projection) values(t data.Tensor, n int) ([]float32, error) {
	if t.Def.DType != data.DTypeFloat32 {
		return nil, fmt.Errorf("expected FLOAT32 tensor, got %s", t.Def.DType)
	}
	v := t.Float32s()
	if len(v) != n {
		return nil, fmt.Errorf("expected %d elements, got %d", n, len(v))
	}
	return v, nil
}

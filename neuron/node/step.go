package node

import (
	"context"
	"math/rand"

	"github.com/pandablue0809/bittensor/neuron/data"
)

// StepReport summarises one RunStep.
type StepReport struct {
	Queried  int `json:"queried"`
	Answered int `json:"answered"`
	Backward int `json:"backward"`
	// Errors counts failed calls by kind.
	Errors map[string]int `json:"errors,omitempty"`
}

// RunStep performs one distillation step against up to k peers that accept
// this node's input contract. A random input is sent forward; every output
// shaped like this node's own output is compared with the mean of those
// outputs, and each peer receives its deviation from the mean as gradient.
func (n *Node) RunStep(ctx context.Context, k int) (StepReport, error) {
	if !n.Running() {
		return StepReport{}, ErrNotRunning
	}

	peers := n.compatiblePeers(k)
	report := StepReport{Queried: len(peers), Errors: make(map[string]int)}
	if len(peers) == 0 {
		return report, nil
	}

	input := randomTensor(n.inputDef)
	fwd := n.dendrite.Query(ctx, peers, data.Forward, []data.Tensor{input})
	outputs := make([][]float32, len(fwd))
	matched := 0
	for i, res := range fwd {
		if !res.Ok() {
			report.Errors[data.KindOf(res.Err).String()]++
			continue
		}
		report.Answered++
		if out, ok := res.Tensor(); ok && out.Matches(n.outDef) && out.Def.DType == data.DTypeFloat32 {
			outputs[i] = out.Float32s()
			matched++
		}
	}
	if matched == 0 {
		return report, nil
	}

	mean := meanOf(outputs)
	var targets []*data.Synapse
	var grads [][]data.Tensor
	for i, out := range outputs {
		if out == nil {
			continue
		}
		grad := make([]float32, len(out))
		for j := range out {
			grad[j] = out[j] - mean[j]
		}
		targets = append(targets, fwd[i].Peer)
		grads = append(grads, []data.Tensor{data.NewFloat32Tensor(n.outDef.Shape, grad), input})
	}

	for _, res := range n.dendrite.QueryEach(ctx, targets, data.Backward, grads) {
		if !res.Ok() {
			report.Errors[data.KindOf(res.Err).String()]++
			continue
		}
		report.Backward++
	}

	n.logger.Debug("Distillation step finished", "queried", report.Queried,
		"answered", report.Answered, "backward", report.Backward)
	return report, nil
}

// compatiblePeers returns up to k random peers whose input contract equals
// this node's.
func (n *Node) compatiblePeers(k int) []*data.Synapse {
	if k <= 0 {
		return nil
	}
	var peers []*data.Synapse
	for _, p := range n.graph.SelectPeers(n.graph.Len(), nil) {
		if p.InputDef.Equal(n.inputDef) {
			peers = append(peers, p)
			if len(peers) == k {
				break
			}
		}
	}
	return peers
}

// randomTensor fills FLOAT32 inputs uniformly in [-1, 1); other dtypes are
// sent as zeros.
func randomTensor(def data.TensorDef) data.Tensor {
	if def.DType != data.DTypeFloat32 {
		return data.Zeros(def)
	}
	values := make([]float32, def.Elements())
	for i := range values {
		values[i] = rand.Float32()*2 - 1
	}
	return data.NewFloat32Tensor(def.Shape, values)
}

// meanOf averages the non-nil rows element-wise.
func meanOf(rows [][]float32) []float32 {
	var mean []float32
	count := 0
	for _, row := range rows {
		if row == nil {
			continue
		}
		if mean == nil {
			mean = make([]float32, len(row))
		}
		for j, v := range row {
			mean[j] += v
		}
		count++
	}
	for j := range mean {
		mean[j] /= float32(count)
	}
	return mean
}

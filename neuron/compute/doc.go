// Package compute defines the boundary between a neuron and its local model.
//
// This package implements:
//   - The Model interface called by the axon for Fwd and Bwd
//   - A deterministic projection model for demos and tests
//   - A TCP bridge carrying tensors as Arrow IPC streams, so the model can
//     live in another process
package compute

// Package data provides the neuron wire model.
// This package implements:
// - Tensor, Synapse and TensorMessage types
// - Deterministic protobuf encoding with strict decoding
// - Tensor to Arrow record conversion for the compute bridge
// - The shared error taxonomy
package data

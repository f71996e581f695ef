// Package core provides the execution primitives shared by the neuron
// services.
//
// This package implements:
//   - Bounded worker pool with non-blocking admission
//   - Per-task results with panic recovery
//   - Pool statistics for monitoring
package core

// Package monitoring provides metrics and observability.
// This package implements:
// - Prometheus metrics for the axon, dendrite and gossip paths
// - Per-node registries so several neurons can share a process
package monitoring

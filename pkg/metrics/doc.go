// Package metrics exposes Prometheus collectors for the storage,
// gossip, reconciliation, topology, SMT and vault subsystems. Handler
// serves them; cmd/dsm-storage-node mounts it at /metrics.
package metrics

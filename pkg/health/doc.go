// Package health implements the peer-edge failure detector: a
// phi-accrual suspicion score computed from a bounded window of RTT
// samples, generalized from container health checks (Checker/Status)
// to the gossip engine's peer edges. A peer is suspected once its phi
// score crosses a threshold; suspected peers are excluded from gossip
// targeting but stay in the topology.
package health

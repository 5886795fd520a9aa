package routing

import (
	"crypto/sha256"

	"github.com/cuemby/dsm-storage-node/pkg/topology"
)

// hashToNodeID maps an arbitrary key into the node-id space so
// replica selection can reuse the same XOR-distance machinery as peer
// lookups.
func hashToNodeID(key string) topology.NodeID {
	return sha256.Sum256([]byte(key))
}

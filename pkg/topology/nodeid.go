// Package topology maintains the hybrid DHT/small-world/geographic
// overlay a node builds over its known peers: structural XOR buckets,
// long-range links, a geographic map and a reputation list, admitting
// each newly seen peer into exactly one of the four per a fixed
// priority order.
package topology

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"math/bits"

	"github.com/cuemby/dsm-storage-node/pkg/dsmerr"
)

// NodeID is a 256-bit node identifier, rendered as 64 hex characters.
type NodeID [32]byte

// String renders the id as lowercase hex.
func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

// ParseNodeID decodes a 64-character hex string into a NodeID.
func ParseNodeID(s string) (NodeID, error) {
	const op = "topology.ParseNodeID"
	var n NodeID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return n, dsmerr.Wrap(dsmerr.Validation, op, "node id is not valid hex", err)
	}
	if len(raw) != len(n) {
		return n, dsmerr.New(dsmerr.Validation, op, "node id must decode to 32 bytes")
	}
	copy(n[:], raw)
	return n, nil
}

// RandomNodeID returns a cryptographically random id, useful for tests
// and for nodes that self-assign an identity on first start.
func RandomNodeID() NodeID {
	var n NodeID
	_, _ = rand.Read(n[:])
	return n
}

// Distance returns the XOR distance between two node ids.
func Distance(a, b NodeID) NodeID {
	var d NodeID
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less orders two distances as big-endian integers: d1 < d2.
func Less(d1, d2 NodeID) bool {
	return bytes.Compare(d1[:], d2[:]) < 0
}

// BucketIndex returns the position of the highest set bit of a
// distance, 0..255. A zero distance (identical ids) has no bucket and
// returns -1.
func BucketIndex(d NodeID) int {
	for i, b := range d {
		if b == 0 {
			continue
		}
		// byte i holds the highest set bit; bits.Len8 gives 1..8 within
		// it, so the bit's global index counted from the most
		// significant byte is:
		topBit := bits.Len8(b) - 1
		return (len(d)-1-i)*8 + topBit
	}
	return -1
}

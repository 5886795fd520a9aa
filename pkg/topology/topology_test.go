package topology

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/dsm-storage-node/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func peerID(b byte) NodeID {
	var id NodeID
	id[31] = b
	return id
}

func peerInfo(id NodeID, region string, reputation int) types.NodeInfo {
	return types.NodeInfo{
		NodeID:     id.String(),
		Region:     region,
		LastSeen:   time.Now(),
		Reputation: reputation,
	}
}

func TestBucketIndexOfZeroDistanceIsNegativeOne(t *testing.T) {
	assert.Equal(t, -1, BucketIndex(NodeID{}))
}

func TestBucketIndexHighestSetBit(t *testing.T) {
	var d NodeID
	d[0] = 0x80 // MSB of the most significant byte
	assert.Equal(t, 255, BucketIndex(d))

	d = NodeID{}
	d[31] = 0x01 // LSB of the least significant byte
	assert.Equal(t, 0, BucketIndex(d))
}

func TestDistanceIsAMetric(t *testing.T) {
	a, b, c := peerID(1), peerID(2), peerID(3)
	assert.Equal(t, NodeID{}, Distance(a, a))
	assert.Equal(t, Distance(a, b), Distance(b, a))

	dac := Distance(a, c)
	dab := Distance(a, b)
	dbc := Distance(b, c)
	var xored NodeID
	for i := range dab {
		xored[i] = dab[i] ^ dbc[i]
	}
	assert.True(t, !Less(xored, dac) || dac == xored)
}

func TestAddPeerPrefersUnderRepresentedRegion(t *testing.T) {
	self := peerID(0)
	cfg := DefaultConfig()
	cfg.GeoTargetPerRegion = 2
	top := New(self, cfg)

	require.NoError(t, top.AddPeer(peerInfo(peerID(10), "eu", 10)))

	all := top.AllPeers()
	require.Len(t, all, 1)
	assert.Equal(t, types.ConnGeographic, all[0].ConnectionType)
}

func TestAddPeerFallsBackToStructuralOnceRegionSatisfied(t *testing.T) {
	self := peerID(0)
	cfg := DefaultConfig()
	cfg.GeoTargetPerRegion = 1
	top := New(self, cfg)

	require.NoError(t, top.AddPeer(peerInfo(peerID(10), "eu", 10)))
	require.NoError(t, top.AddPeer(peerInfo(peerID(11), "eu", 10)))

	all := top.AllPeers()
	require.Len(t, all, 2)
}

func TestClosestNodesOrdersByXORDistance(t *testing.T) {
	self := peerID(0)
	top := New(self, DefaultConfig())
	for i := byte(1); i <= 5; i++ {
		require.NoError(t, top.AddPeer(peerInfo(peerID(i), "eu", 10)))
	}

	closest := top.ClosestNodes(peerID(1), 2)
	require.Len(t, closest, 2)
	assert.Equal(t, peerID(1).String(), closest[0].NodeID)
}

func TestMarkSuspectedRoundTrip(t *testing.T) {
	top := New(peerID(0), DefaultConfig())
	id := peerID(7)
	assert.False(t, top.IsSuspected(id))
	top.MarkSuspected(id, true)
	assert.True(t, top.IsSuspected(id))
	top.MarkSuspected(id, false)
	assert.False(t, top.IsSuspected(id))
}

func TestRemoveStaleDropsOldPeers(t *testing.T) {
	top := New(peerID(0), DefaultConfig())
	info := peerInfo(peerID(9), "eu", 10)
	info.LastSeen = time.Now().Add(-time.Hour)
	require.NoError(t, top.AddPeer(info))

	removed := top.RemoveStale(time.Now(), time.Minute)
	assert.Contains(t, removed, peerID(9).String())
	assert.Empty(t, top.AllPeers())
}

func TestSavePeerTableAndLoadPeerTableRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peers.db")

	a := New(peerID(0), DefaultConfig())
	require.NoError(t, a.AddPeer(peerInfo(peerID(5), "eu", 10)))
	require.NoError(t, a.SavePeerTable(path))

	b := New(peerID(0), DefaultConfig())
	require.NoError(t, b.LoadPeerTable(path))
	assert.Len(t, b.AllPeers(), 1)
}

package topology

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/dsm-storage-node/pkg/dsmerr"
	"github.com/cuemby/dsm-storage-node/pkg/log"
	"github.com/cuemby/dsm-storage-node/pkg/metrics"
	"github.com/cuemby/dsm-storage-node/pkg/types"
)

const numBuckets = 256

// Config parameterizes the four connection sets.
type Config struct {
	BucketSize          int // K per structural bucket, default 20
	LongRangeTarget     int // long-range link quota
	GeoTargetPerRegion  int // peers wanted per region before it's "represented"
	GeoMinRegions       int // minimum distinct regions to aim for
	ReputationTopN      int
	ReputationThreshold int
}

// DefaultConfig returns the standard defaults.
func DefaultConfig() Config {
	return Config{
		BucketSize:          20,
		LongRangeTarget:     16,
		GeoTargetPerRegion:  4,
		GeoMinRegions:       3,
		ReputationTopN:      20,
		ReputationThreshold: 50,
	}
}

// Topology holds a node's view of its peers across four overlapping
// connection sets: structural buckets, long-range links, a geographic
// map and a reputation list.
type Topology struct {
	mu   sync.RWMutex
	self NodeID
	cfg  Config

	buckets    [numBuckets]*bucket
	longRange  map[NodeID]types.NodeInfo
	geo        map[string]map[NodeID]types.NodeInfo
	reputation map[NodeID]types.NodeInfo

	suspected map[NodeID]bool
}

// New returns an empty topology centered on self.
func New(self NodeID, cfg Config) *Topology {
	t := &Topology{
		self:       self,
		cfg:        cfg,
		longRange:  make(map[NodeID]types.NodeInfo),
		geo:        make(map[string]map[NodeID]types.NodeInfo),
		reputation: make(map[NodeID]types.NodeInfo),
		suspected:  make(map[NodeID]bool),
	}
	for i := range t.buckets {
		t.buckets[i] = newBucket(cfg.BucketSize)
	}
	return t
}

// Self returns the node id this topology is centered on.
func (t *Topology) Self() NodeID {
	return t.self
}

// AddPeer admits info into exactly one connection set, chosen by the
// priority order (a) under-represented region, (b) under-filled
// structural bucket, (c) long-range quota unmet, (d) reputation (only
// if reputation clears the threshold).
func (t *Topology) AddPeer(info types.NodeInfo) error {
	const op = "topology.AddPeer"
	id, err := ParseNodeID(info.NodeID)
	if err != nil {
		return dsmerr.Wrap(dsmerr.Validation, op, "invalid peer node id", err)
	}
	if id == t.self {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.regionUnderRepresented(info.Region) {
		t.admitGeo(id, info)
		return nil
	}

	idx := BucketIndex(Distance(t.self, id))
	if idx >= 0 && !t.buckets[idx].full() {
		t.admitStructural(idx, id, info)
		return nil
	}

	if len(t.longRange) < t.cfg.LongRangeTarget {
		t.admitLongRange(id, info)
		return nil
	}

	if info.Reputation >= t.cfg.ReputationThreshold {
		t.admitReputation(id, info)
		return nil
	}

	// No category accepted the peer outright; still give it a shot at
	// its structural bucket, evicting the LRU occupant if necessary.
	if idx >= 0 {
		if evicted, ok := t.buckets[idx].evictLRU(); ok {
			metrics.TopologyPeersEvictedTotal.WithLabelValues("structural_overflow").Inc()
			_ = evicted
		}
		t.admitStructural(idx, id, info)
	}
	return nil
}

func (t *Topology) regionUnderRepresented(region string) bool {
	if region == "" {
		return false
	}
	return len(t.geo[region]) < t.cfg.GeoTargetPerRegion
}

func (t *Topology) admitGeo(id NodeID, info types.NodeInfo) {
	info.ConnectionType = types.ConnGeographic
	if t.geo[info.Region] == nil {
		t.geo[info.Region] = make(map[NodeID]types.NodeInfo)
	}
	t.geo[info.Region][id] = info
	metrics.TopologyPeersByConnection.WithLabelValues("geographic").Inc()
	log.WithRegion(info.Region).Debug().Str("peer_id", id.String()).Msg("peer admitted to geographic set")
}

func (t *Topology) admitStructural(idx int, id NodeID, info types.NodeInfo) {
	info.ConnectionType = types.ConnStructural
	t.buckets[idx].touch(id, info)
	metrics.TopologyPeersByConnection.WithLabelValues("structural").Inc()
}

func (t *Topology) admitLongRange(id NodeID, info types.NodeInfo) {
	info.ConnectionType = types.ConnLongRange
	t.longRange[id] = info
	metrics.TopologyPeersByConnection.WithLabelValues("long_range").Inc()
}

func (t *Topology) admitReputation(id NodeID, info types.NodeInfo) {
	info.ConnectionType = types.ConnReputation
	t.reputation[id] = info
	metrics.TopologyPeersByConnection.WithLabelValues("reputation").Inc()
	t.trimReputationLocked()
}

// trimReputationLocked keeps only the top ReputationTopN entries by
// reputation score. Caller holds t.mu.
func (t *Topology) trimReputationLocked() {
	if t.cfg.ReputationTopN <= 0 || len(t.reputation) <= t.cfg.ReputationTopN {
		return
	}
	type kv struct {
		id   NodeID
		info types.NodeInfo
	}
	all := make([]kv, 0, len(t.reputation))
	for id, info := range t.reputation {
		all = append(all, kv{id, info})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].info.Reputation > all[j].info.Reputation })
	t.reputation = make(map[NodeID]types.NodeInfo, t.cfg.ReputationTopN)
	for _, e := range all[:t.cfg.ReputationTopN] {
		t.reputation[e.id] = e.info
	}
}

// MarkSuspected records the health monitor's verdict that a peer
// should be excluded from gossip targeting. It remains in the
// topology so routing can still see it for e.g. diagnostics.
func (t *Topology) MarkSuspected(id NodeID, suspected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if suspected {
		t.suspected[id] = true
	} else {
		delete(t.suspected, id)
	}
}

func (t *Topology) IsSuspected(id NodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.suspected[id]
}

// ClosestNodes walks the structural bucket matching target, then
// adjacent buckets outward, merges in long-range, geographic and
// reputation peers, and returns the k globally nearest by XOR distance.
func (t *Topology) ClosestNodes(target NodeID, k int) []types.NodeInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[NodeID]types.NodeInfo)
	centerIdx := BucketIndex(Distance(t.self, target))
	if centerIdx < 0 {
		centerIdx = 0
	}
	for radius := 0; radius < numBuckets && len(seen) < k*4; radius++ {
		for _, idx := range []int{centerIdx - radius, centerIdx + radius} {
			if idx < 0 || idx >= numBuckets {
				continue
			}
			for _, info := range t.buckets[idx].list() {
				id, err := ParseNodeID(info.NodeID)
				if err == nil {
					seen[id] = info
				}
			}
		}
		if radius == 0 {
			continue
		}
	}
	for id, info := range t.longRange {
		seen[id] = info
	}
	for _, peers := range t.geo {
		for id, info := range peers {
			seen[id] = info
		}
	}
	for id, info := range t.reputation {
		seen[id] = info
	}

	type kv struct {
		id   NodeID
		info types.NodeInfo
	}
	all := make([]kv, 0, len(seen))
	for id, info := range seen {
		all = append(all, kv{id, info})
	}
	sort.Slice(all, func(i, j int) bool {
		return Less(Distance(target, all[i].id), Distance(target, all[j].id))
	})
	if k > len(all) {
		k = len(all)
	}
	out := make([]types.NodeInfo, k)
	for i := 0; i < k; i++ {
		out[i] = all[i].info
	}
	return out
}

// AllPeers returns every peer currently admitted into any connection
// set, de-duplicated, for maintenance loops and snapshotting.
func (t *Topology) AllPeers() []types.NodeInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[NodeID]types.NodeInfo)
	for _, b := range t.buckets {
		for _, info := range b.list() {
			if id, err := ParseNodeID(info.NodeID); err == nil {
				seen[id] = info
			}
		}
	}
	for id, info := range t.longRange {
		seen[id] = info
	}
	for region := range t.geo {
		for id, info := range t.geo[region] {
			seen[id] = info
		}
	}
	for id, info := range t.reputation {
		seen[id] = info
	}
	out := make([]types.NodeInfo, 0, len(seen))
	for _, info := range seen {
		out = append(out, info)
	}
	return out
}

// RemoveStale drops peers across every connection set whose LastSeen
// is older than maxAge, relative to now. Returns the removed ids.
func (t *Topology) RemoveStale(now time.Time, maxAge time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []string
	for _, b := range t.buckets {
		kept := b.entries[:0]
		for _, e := range b.entries {
			if now.Sub(e.info.LastSeen) > maxAge {
				removed = append(removed, e.id.String())
				continue
			}
			kept = append(kept, e)
		}
		b.entries = kept
	}
	for id, info := range t.longRange {
		if now.Sub(info.LastSeen) > maxAge {
			removed = append(removed, id.String())
			delete(t.longRange, id)
		}
	}
	for region, peers := range t.geo {
		for id, info := range peers {
			if now.Sub(info.LastSeen) > maxAge {
				removed = append(removed, id.String())
				delete(peers, id)
			}
		}
		if len(peers) == 0 {
			delete(t.geo, region)
		}
	}
	for id, info := range t.reputation {
		if now.Sub(info.LastSeen) > maxAge {
			removed = append(removed, id.String())
			delete(t.reputation, id)
		}
	}
	return removed
}

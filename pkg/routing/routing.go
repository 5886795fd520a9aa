// Package routing selects the next hop toward a target node id over a
// topology, caching computed routes and tracking per-edge
// success/failure counts so failed edges can be avoided.
package routing

import (
	"container/list"
	"math/rand"
	"sync"
	"time"

	"github.com/cuemby/dsm-storage-node/pkg/dsmerr"
	"github.com/cuemby/dsm-storage-node/pkg/metrics"
	"github.com/cuemby/dsm-storage-node/pkg/topology"
	"github.com/cuemby/dsm-storage-node/pkg/types"
)

// Strategy selects how a next hop is picked among known-closer peers.
type Strategy string

const (
	Greedy        Strategy = "greedy"
	Perimeter     Strategy = "perimeter"
	Probabilistic Strategy = "probabilistic"
	Hybrid        Strategy = "hybrid"
)

const (
	DefaultRouteTTL   = 5 * time.Minute
	DefaultCacheCap   = 1000
	ProbabilisticPool = 3
)

type edgeStats struct {
	successes int64
	failures  int64
}

func (e edgeStats) failed() bool {
	return e.failures > 0 && e.failures >= e.successes
}

type cacheEntry struct {
	key     string
	hop     types.NodeInfo
	expires time.Time
}

// Table layers a TTL+LRU route cache and per-edge counters over a
// topology.
type Table struct {
	mu    sync.Mutex
	top   *topology.Topology
	cache map[string]*list.Element
	order *list.List // front = most recently used
	cap   int
	ttl   time.Duration

	edges map[string]*edgeStats // keyed by peer node id
}

// NewTable returns a route cache over top with the standard defaults (TTL
// 5 minutes, LRU-capped at 1000 entries).
func NewTable(top *topology.Topology) *Table {
	return &Table{
		top:   top,
		cache: make(map[string]*list.Element),
		order: list.New(),
		cap:   DefaultCacheCap,
		ttl:   DefaultRouteTTL,
		edges: make(map[string]*edgeStats),
	}
}

// RecordSuccess/RecordFailure update an edge's counters and, on
// failure, invalidate any cached routes through that edge.
func (t *Table) RecordSuccess(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.edgeLocked(peerID).successes++
}

func (t *Table) RecordFailure(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.edgeLocked(peerID).failures++
	t.invalidateLocked(peerID)
}

func (t *Table) edgeLocked(peerID string) *edgeStats {
	e, ok := t.edges[peerID]
	if !ok {
		e = &edgeStats{}
		t.edges[peerID] = e
	}
	return e
}

func (t *Table) edgeFailed(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.edges[peerID]
	return ok && e.failed()
}

// invalidateLocked drops every cached route whose chosen hop is
// peerID. Caller holds t.mu.
func (t *Table) invalidateLocked(peerID string) {
	for key, el := range t.cache {
		if el.Value.(*cacheEntry).hop.NodeID == peerID {
			t.order.Remove(el)
			delete(t.cache, key)
		}
	}
}

// NextHop selects the next hop toward target using strategy, caching
// the result keyed by (strategy, target).
func (t *Table) NextHop(target topology.NodeID, strategy Strategy) (types.NodeInfo, error) {
	const op = "routing.NextHop"
	key := string(strategy) + ":" + target.String()

	if hop, ok := t.lookupCache(key); ok {
		metrics.RouteCacheHitsTotal.Inc()
		return hop, nil
	}
	metrics.RouteCacheMissesTotal.Inc()

	closest := t.top.ClosestNodes(target, ProbabilisticPool+1)
	if len(closest) == 0 {
		return types.NodeInfo{}, dsmerr.New(dsmerr.NotFound, op, "no known peers toward target")
	}

	var hop types.NodeInfo
	var err error
	switch strategy {
	case Greedy:
		hop = closest[0]
	case Perimeter:
		hop, err = t.perimeter(closest, target)
	case Probabilistic:
		hop = t.probabilistic(closest)
	case Hybrid:
		if t.edgeFailed(closest[0].NodeID) {
			hop, err = t.perimeter(closest, target)
		} else {
			hop = closest[0]
		}
	default:
		return types.NodeInfo{}, dsmerr.New(dsmerr.Validation, op, "unknown routing strategy")
	}
	if err != nil {
		return types.NodeInfo{}, err
	}

	t.storeCache(key, hop)
	return hop, nil
}

// perimeter picks the closest peer strictly closer to target than
// self, excluding known-failed edges.
func (t *Table) perimeter(candidates []types.NodeInfo, target topology.NodeID) (types.NodeInfo, error) {
	const op = "routing.perimeter"
	self := t.top.Self()
	selfDist := topology.Distance(self, target)
	for _, c := range candidates {
		if t.edgeFailed(c.NodeID) {
			continue
		}
		id, err := topology.ParseNodeID(c.NodeID)
		if err != nil {
			continue
		}
		if !topology.Less(topology.Distance(id, target), selfDist) {
			continue
		}
		return c, nil
	}
	return types.NodeInfo{}, dsmerr.New(dsmerr.Network, op, "no live edge toward target")
}

func (t *Table) probabilistic(candidates []types.NodeInfo) types.NodeInfo {
	n := ProbabilisticPool
	if n > len(candidates) {
		n = len(candidates)
	}
	return candidates[rand.Intn(n)]
}

func (t *Table) lookupCache(key string) (types.NodeInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.cache[key]
	if !ok {
		return types.NodeInfo{}, false
	}
	ce := el.Value.(*cacheEntry)
	if time.Now().After(ce.expires) {
		t.order.Remove(el)
		delete(t.cache, key)
		return types.NodeInfo{}, false
	}
	t.order.MoveToFront(el)
	return ce.hop, true
}

func (t *Table) storeCache(key string, hop types.NodeInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.cache[key]; ok {
		el.Value.(*cacheEntry).hop = hop
		el.Value.(*cacheEntry).expires = time.Now().Add(t.ttl)
		t.order.MoveToFront(el)
		return
	}
	el := t.order.PushFront(&cacheEntry{key: key, hop: hop, expires: time.Now().Add(t.ttl)})
	t.cache[key] = el
	for len(t.cache) > t.cap {
		back := t.order.Back()
		if back == nil {
			break
		}
		t.order.Remove(back)
		delete(t.cache, back.Value.(*cacheEntry).key)
	}
}

// ResponsibleReplicas returns the N nodes responsible for key: hash
// key into a NodeID, then the N closest known peers.
func ResponsibleReplicas(top *topology.Topology, key string, n int) []types.NodeInfo {
	target := hashToNodeID(key)
	return top.ClosestNodes(target, n)
}

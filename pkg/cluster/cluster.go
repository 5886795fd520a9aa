// Package cluster partitions the actively discovered node set into
// one or more overlapping clusters and assigns each node a role,
// reworked from Raft-peer membership bookkeeping (node roles and
// ListNodes) into a gossip-driven, consensus-free formation.
package cluster

import (
	"math/rand"
	"sort"
	"time"

	"github.com/cuemby/dsm-storage-node/pkg/metrics"
	"github.com/cuemby/dsm-storage-node/pkg/types"
	"github.com/google/uuid"
)

// Role is a node's position within its cluster(s).
type Role string

const (
	Seed    Role = "seed"    // cluster center
	Member  Role = "member"  // ordinary member
	Bridge  Role = "bridge"  // center with inter-cluster edges
	Standby Role = "standby" // not currently placed in any cluster
)

// Cluster mirrors the normative cluster membership shape.
type Cluster struct {
	ID        string
	MemberIDs []string
	CenterID  string
	CreatedAt time.Time
	Healthy   bool
}

// Edge is an undirected connection the formation algorithm wires,
// consumed by gossip-peer selection and topology maintenance.
type Edge struct {
	A, B string
}

// Config parameterizes cluster formation.
type Config struct {
	MaxNodes int // operator-configured cap
}

const hardClusterSizeCap = 8

func (c Config) maxClusterSize() int {
	if c.MaxNodes <= 0 || c.MaxNodes > hardClusterSizeCap {
		return hardClusterSizeCap
	}
	return c.MaxNodes
}

// Manager owns the current partition of the active node set.
type Manager struct {
	cfg      Config
	clusters map[string]*Cluster
	roles    map[string]Role
	edges    []Edge
}

// New returns an empty Manager.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:      cfg,
		clusters: make(map[string]*Cluster),
		roles:    make(map[string]Role),
	}
}

// Recompute re-derives the partition from the active node set
// (including the local node if it belongs there), replacing any prior
// partition. active order is treated as the "first listed" order the
// spec uses to pick centers.
func (m *Manager) Recompute(active []types.NodeInfo, localNodeID string) {
	ids := make([]string, 0, len(active))
	for _, n := range active {
		ids = append(ids, n.NodeID)
	}

	m.clusters = make(map[string]*Cluster)
	m.roles = make(map[string]Role)
	m.edges = nil

	if len(ids) == 0 {
		metrics.ClustersTotal.Set(0)
		metrics.OverlapNodesTotal.Set(0)
		return
	}

	maxSize := m.cfg.maxClusterSize()
	if len(ids) <= maxSize {
		m.formSingle(ids, localNodeID)
	} else {
		m.formPartitioned(ids, localNodeID, maxSize)
	}

	membership := make(map[string]int)
	for _, cl := range m.clusters {
		for _, id := range cl.MemberIDs {
			membership[id]++
		}
	}
	overlap := 0
	for _, n := range membership {
		if n >= 2 {
			overlap++
		}
	}
	for _, id := range ids {
		if _, ok := m.roles[id]; !ok {
			m.roles[id] = Standby
		}
	}

	metrics.ClustersTotal.Set(float64(len(m.clusters)))
	metrics.OverlapNodesTotal.Set(float64(overlap))
}

func (m *Manager) formSingle(ids []string, localNodeID string) {
	center := centerOf(ids, localNodeID)
	cl := &Cluster{
		ID:        uuid.NewString(),
		MemberIDs: append([]string(nil), ids...),
		CenterID:  center,
		CreatedAt: time.Now(),
		Healthy:   true,
	}
	m.clusters[cl.ID] = cl
	for _, id := range ids {
		if id == center {
			m.roles[id] = Seed
		} else {
			m.roles[id] = Member
			m.edges = append(m.edges, Edge{A: id, B: center})
		}
	}
}

func (m *Manager) formPartitioned(ids []string, localNodeID string, maxSize int) {
	numClusters := (len(ids) + maxSize - 1) / maxSize
	groups := make([][]string, numClusters)
	for i, id := range ids {
		g := i / maxSize
		groups[g] = append(groups[g], id)
	}

	centers := make([]string, 0, numClusters)
	for _, g := range groups {
		center := centerOf(g, localNodeID)
		centers = append(centers, center)

		cl := &Cluster{
			ID:        uuid.NewString(),
			MemberIDs: append([]string(nil), g...),
			CenterID:  center,
			CreatedAt: time.Now(),
			Healthy:   true,
		}
		m.clusters[cl.ID] = cl

		ringWire(g, center, &m.edges)
		for _, id := range g {
			if id == center {
				m.roles[id] = Seed
			} else {
				m.roles[id] = Member
			}
		}
	}

	// Every pair of centers is bridged; centers become Bridge role.
	for i := 0; i < len(centers); i++ {
		for j := i + 1; j < len(centers); j++ {
			m.edges = append(m.edges, Edge{A: centers[i], B: centers[j]})
		}
	}
	for _, c := range centers {
		m.roles[c] = Bridge
	}
}

// ringWire connects every non-center member to the center and to its
// two ring-neighbors within the group's own ordering.
func ringWire(group []string, center string, edges *[]Edge) {
	n := len(group)
	for i, id := range group {
		if id == center {
			continue
		}
		*edges = append(*edges, Edge{A: id, B: center})
		if n > 2 {
			next := group[(i+1)%n]
			if next != id && next != center {
				*edges = append(*edges, Edge{A: id, B: next})
			}
		}
	}
}

// centerOf picks the first listed member, preferring localNodeID when
// it is present in the group (per spec: "its first listed member (or
// the local node if included)").
func centerOf(group []string, localNodeID string) string {
	for _, id := range group {
		if id == localNodeID {
			return localNodeID
		}
	}
	if len(group) == 0 {
		return ""
	}
	return group[0]
}

// RoleOf returns the role most recently assigned to nodeID.
func (m *Manager) RoleOf(nodeID string) Role {
	if r, ok := m.roles[nodeID]; ok {
		return r
	}
	return Standby
}

// Clusters returns every cluster in the current partition.
func (m *Manager) Clusters() []*Cluster {
	out := make([]*Cluster, 0, len(m.clusters))
	for _, c := range m.clusters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Edges returns the wired intra- and inter-cluster edges.
func (m *Manager) Edges() []Edge {
	return m.edges
}

// IsOverlap reports whether nodeID belongs to two or more clusters.
func (m *Manager) IsOverlap(nodeID string) bool {
	count := 0
	for _, cl := range m.clusters {
		for _, id := range cl.MemberIDs {
			if id == nodeID {
				count++
				break
			}
		}
	}
	return count >= 2
}

// GossipPeers returns nodeID's cluster neighbors first, then fills up
// to targetCount from the remaining active nodes.
func (m *Manager) GossipPeers(nodeID string, targetCount int, active []types.NodeInfo) []string {
	neighbors := make(map[string]bool)
	for _, e := range m.edges {
		if e.A == nodeID {
			neighbors[e.B] = true
		} else if e.B == nodeID {
			neighbors[e.A] = true
		}
	}

	out := make([]string, 0, targetCount)
	for id := range neighbors {
		out = append(out, id)
	}
	sort.Strings(out)
	if len(out) > targetCount {
		return out[:targetCount]
	}

	var fillers []string
	for _, n := range active {
		if n.NodeID == nodeID || neighbors[n.NodeID] {
			continue
		}
		fillers = append(fillers, n.NodeID)
	}
	rand.Shuffle(len(fillers), func(i, j int) { fillers[i], fillers[j] = fillers[j], fillers[i] })
	for _, id := range fillers {
		if len(out) >= targetCount {
			break
		}
		out = append(out, id)
	}
	return out
}

// PruneMissing removes cluster references to node ids no longer in
// the known set and drops any cluster left with zero members.
func (m *Manager) PruneMissing(known map[string]bool) {
	for id, cl := range m.clusters {
		kept := cl.MemberIDs[:0]
		for _, member := range cl.MemberIDs {
			if known[member] {
				kept = append(kept, member)
			}
		}
		cl.MemberIDs = kept
		if len(cl.MemberIDs) == 0 {
			delete(m.clusters, id)
		}
	}
	metrics.ClustersTotal.Set(float64(len(m.clusters)))
}

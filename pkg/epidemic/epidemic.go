// Package epidemic composes storage, digest, reconciliation,
// topology, routing and cluster formation into the three periodic
// loops and inbound dispatcher described by the replication model:
// gossip, anti-entropy and topology maintenance, grounded on the
// ticker+stopCh+select loop idiom used elsewhere for periodic work.
package epidemic

import (
	"context"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/dsm-storage-node/pkg/cluster"
	"github.com/cuemby/dsm-storage-node/pkg/digest"
	"github.com/cuemby/dsm-storage-node/pkg/discovery"
	"github.com/cuemby/dsm-storage-node/pkg/dsmerr"
	"github.com/cuemby/dsm-storage-node/pkg/events"
	"github.com/cuemby/dsm-storage-node/pkg/health"
	"github.com/cuemby/dsm-storage-node/pkg/log"
	"github.com/cuemby/dsm-storage-node/pkg/metrics"
	"github.com/cuemby/dsm-storage-node/pkg/reconcile"
	"github.com/cuemby/dsm-storage-node/pkg/routing"
	"github.com/cuemby/dsm-storage-node/pkg/topology"
	"github.com/cuemby/dsm-storage-node/pkg/transport"
	"github.com/cuemby/dsm-storage-node/pkg/types"
	"github.com/rs/zerolog"
)

// Default intervals and limits per the replication model.
const (
	DefaultGossipInterval       = 5 * time.Second
	DefaultAntiEntropyInterval  = 30 * time.Second
	DefaultTopologyInterval     = 60 * time.Second
	DefaultFanout               = 3
	DefaultMaxEntriesPerGossip  = 50
	DefaultInitialTTL           = 3
	DefaultMaxPropagationCount  = 10
	DefaultAntiEntropySample    = 3
	DefaultPingTimeout          = 2 * time.Second
	DefaultDataTransferTimeout  = 5 * time.Second
	DefaultStatusProbeTimeout   = 30 * time.Second
)

// LocalStore is the epidemic-aware view of local content a concrete
// storage implementation (e.g. the distributed facade) presents to
// the engine: full entries keyed by id, plus a point-in-time snapshot
// suitable for digest generation.
type LocalStore interface {
	Get(ctx context.Context, blindedID string) (types.EpidemicEntry, bool, error)
	Put(ctx context.Context, entry types.EpidemicEntry) error
	Snapshot(ctx context.Context) ([]digest.Source, error)
}

// Config parameterizes one Engine instance.
type Config struct {
	NodeID               string
	BindAddr             string
	GossipInterval       time.Duration
	AntiEntropyInterval  time.Duration
	TopologyInterval     time.Duration
	Fanout               int
	MaxEntriesPerGossip  int
	InitialTTL           int
	MaxPropagationCount  int
	AntiEntropySample    int
	DialTimeout          time.Duration
}

// DefaultConfig returns the standard defaults.
func DefaultConfig() Config {
	return Config{
		GossipInterval:      DefaultGossipInterval,
		AntiEntropyInterval: DefaultAntiEntropyInterval,
		TopologyInterval:    DefaultTopologyInterval,
		Fanout:              DefaultFanout,
		MaxEntriesPerGossip: DefaultMaxEntriesPerGossip,
		InitialTTL:          DefaultInitialTTL,
		MaxPropagationCount: DefaultMaxPropagationCount,
		AntiEntropySample:   DefaultAntiEntropySample,
		DialTimeout:         DefaultDataTransferTimeout,
	}
}

// Engine is the top-level replication driver for one node.
type Engine struct {
	cfg Config

	store      LocalStore
	top        *topology.Topology
	routes     *routing.Table
	clusters   *cluster.Manager
	reconciler *reconcile.Engine
	health     *health.Monitor
	scanner    *discovery.Scanner
	repairs    *events.Broker[events.Change]

	dialer   *transport.Dialer
	listener *transport.Listener

	logger zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu           sync.Mutex
	propagations map[string]int // blinded_id -> times re-gossiped this process lifetime
}

// New constructs an Engine from its collaborating subsystems. Any of
// scanner and repairs may be nil; both are optional.
func New(cfg Config, store LocalStore, top *topology.Topology, routes *routing.Table, clusters *cluster.Manager, reconciler *reconcile.Engine, mon *health.Monitor, scanner *discovery.Scanner, repairs *events.Broker[events.Change]) *Engine {
	if cfg.GossipInterval <= 0 {
		cfg.GossipInterval = DefaultGossipInterval
	}
	if cfg.AntiEntropyInterval <= 0 {
		cfg.AntiEntropyInterval = DefaultAntiEntropyInterval
	}
	if cfg.TopologyInterval <= 0 {
		cfg.TopologyInterval = DefaultTopologyInterval
	}
	if cfg.Fanout <= 0 {
		cfg.Fanout = DefaultFanout
	}
	if cfg.MaxEntriesPerGossip <= 0 {
		cfg.MaxEntriesPerGossip = DefaultMaxEntriesPerGossip
	}
	if cfg.InitialTTL <= 0 {
		cfg.InitialTTL = DefaultInitialTTL
	}
	if cfg.MaxPropagationCount <= 0 {
		cfg.MaxPropagationCount = DefaultMaxPropagationCount
	}
	if cfg.AntiEntropySample <= 0 {
		cfg.AntiEntropySample = DefaultAntiEntropySample
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDataTransferTimeout
	}
	return &Engine{
		cfg:          cfg,
		store:        store,
		top:          top,
		routes:       routes,
		clusters:     clusters,
		reconciler:   reconciler,
		health:       mon,
		scanner:      scanner,
		repairs:      repairs,
		dialer:       transport.NewDialer(cfg.DialTimeout),
		logger:       log.WithComponent("epidemic"),
		stopCh:       make(chan struct{}),
		propagations: make(map[string]int),
	}
}

// Start binds the inbound listener and launches the three periodic
// loops. It returns once the listener is bound; the loops run in the
// background until Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	const op = "epidemic.Engine.Start"
	ln, err := transport.Listen(e.cfg.BindAddr, e.handleInbound)
	if err != nil {
		return dsmerr.Wrap(dsmerr.Network, op, "bind inbound listener", err)
	}
	e.listener = ln

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_ = ln.Serve(ctx)
	}()

	e.wg.Add(3)
	go e.loop(e.cfg.GossipInterval, e.gossipTick)
	go e.loop(e.cfg.AntiEntropyInterval, e.antiEntropyTick)
	go e.loop(e.cfg.TopologyInterval, e.topologyTick)

	e.logger.Info().Str("bind", ln.Addr().String()).Msg("epidemic engine started")
	return nil
}

// Stop signals every loop to exit and waits for them to do so.
func (e *Engine) Stop() {
	close(e.stopCh)
	if e.listener != nil {
		e.listener.Close()
	}
	e.wg.Wait()
}

// loop runs fn every interval until stopCh closes, checking the
// signal at least once per iteration per the cancellation contract.
func (e *Engine) loop(interval time.Duration, fn func()) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-e.stopCh:
			return
		}
	}
}

// gossipTick chooses up to Fanout peers, each getting up to
// MaxEntriesPerGossip recently modified entries tagged with a
// decrementing TTL.
func (e *Engine) gossipTick() {
	peers := e.gossipTargets()
	if len(peers) == 0 {
		return
	}

	entries, err := e.recentEntries(e.cfg.MaxEntriesPerGossip)
	if err != nil || len(entries) == 0 {
		return
	}

	env := transport.Envelope{Kind: transport.KindGossip, Payload: transport.Gossip{Entries: entries, TTL: e.cfg.InitialTTL}}
	for _, peer := range peers {
		e.castTo(peer, env)
	}
}

// gossipTargets resolves cluster-neighbor-first gossip peers (§4.6)
// into dialable NodeInfo records, dropping any currently suspected.
func (e *Engine) gossipTargets() []types.NodeInfo {
	active := e.top.AllPeers()
	if e.clusters == nil {
		return e.sampleExcludingSuspected(active, e.cfg.Fanout)
	}
	ids := e.clusters.GossipPeers(e.cfg.NodeID, e.cfg.Fanout, active)
	byID := make(map[string]types.NodeInfo, len(active))
	for _, n := range active {
		byID[n.NodeID] = n
	}
	out := make([]types.NodeInfo, 0, len(ids))
	for _, id := range ids {
		if n, ok := byID[id]; ok && !e.isSuspected(n.NodeID) {
			out = append(out, n)
		}
	}
	return out
}

func (e *Engine) sampleExcludingSuspected(active []types.NodeInfo, n int) []types.NodeInfo {
	var candidates []types.NodeInfo
	for _, p := range active {
		if !e.isSuspected(p.NodeID) {
			candidates = append(candidates, p)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

func (e *Engine) isSuspected(nodeID string) bool {
	if e.health == nil {
		return false
	}
	id, err := topology.ParseNodeID(nodeID)
	if err != nil {
		return false
	}
	return e.top.IsSuspected(id)
}

func (e *Engine) recentEntries(max int) ([]types.EpidemicEntry, error) {
	sources, err := e.store.Snapshot(context.Background())
	if err != nil {
		return nil, err
	}
	sort.SliceStable(sources, func(i, j int) bool { return sources[i].LastModified.After(sources[j].LastModified) })
	if len(sources) > max {
		sources = sources[:max]
	}
	out := make([]types.EpidemicEntry, 0, len(sources))
	for _, s := range sources {
		if ent, ok, err := e.store.Get(context.Background(), s.BlindedID); err == nil && ok {
			out = append(out, ent)
		}
	}
	return out, nil
}

// castTo fire-and-forgets env to peer, recording the outcome on the
// edge's success/failure counters.
func (e *Engine) castTo(peer types.NodeInfo, env transport.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DialTimeout)
	defer cancel()
	if err := e.dialer.Cast(ctx, peer.Endpoint, env); err != nil {
		e.routes.RecordFailure(peer.NodeID)
		return
	}
	e.routes.RecordSuccess(peer.NodeID)
}

// Disseminate immediately gossips entry to this tick's gossip targets,
// used by the distributed storage facade to fan out a fresh local
// write without waiting for the next gossip tick.
func (e *Engine) Disseminate(entry types.EpidemicEntry) {
	peers := e.gossipTargets()
	env := transport.Envelope{Kind: transport.KindGossip, Payload: transport.Gossip{Entries: []types.EpidemicEntry{entry}, TTL: e.cfg.InitialTTL}}
	for _, peer := range peers {
		go e.castTo(peer, env)
	}
}

// FetchRemote issues a PullRequest to peer for a single id, used by
// the distributed storage facade's replica-fallback reads.
func (e *Engine) FetchRemote(peer types.NodeInfo, blindedID string) (*types.EpidemicEntry, bool, error) {
	resp, err := e.sendTo(peer, transport.Envelope{
		Kind:    transport.KindPullRequest,
		Payload: transport.PullRequest{IDs: []string{blindedID}},
	})
	if err != nil {
		return nil, false, err
	}
	pullResp, ok := resp.Payload.(transport.PullResponse)
	if !ok || len(pullResp.Entries) == 0 {
		return nil, false, nil
	}
	return &pullResp.Entries[0], true, nil
}

// sendTo performs a request/response exchange with peer.
func (e *Engine) sendTo(peer types.NodeInfo, env transport.Envelope) (transport.Envelope, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DialTimeout)
	defer cancel()
	resp, err := e.dialer.Send(ctx, peer.Endpoint, env)
	if err != nil {
		e.routes.RecordFailure(peer.NodeID)
		return transport.Envelope{}, err
	}
	e.routes.RecordSuccess(peer.NodeID)
	return resp, nil
}

// antiEntropyTick exchanges full digests with a small random peer
// sample, pulls ids only the peer has, pushes ids only the local node
// has, and reconciles any id both sides hold but disagree on.
func (e *Engine) antiEntropyTick() {
	active := e.top.AllPeers()
	sample := e.sampleExcludingSuspected(active, e.cfg.AntiEntropySample)

	sources, err := e.store.Snapshot(context.Background())
	if err != nil {
		return
	}
	localDigest := digest.GenerateFull(sources, digest.DefaultMaxEntriesPerDigest)

	for _, peer := range sample {
		e.antiEntropyWith(peer, localDigest)
	}
}

func (e *Engine) antiEntropyWith(peer types.NodeInfo, localDigest digest.Digest) {
	resp, err := e.sendTo(peer, transport.Envelope{
		Kind:    transport.KindDigestRequest,
		Payload: transport.DigestRequest{DigestType: digest.Full},
	})
	if err != nil {
		return
	}
	digestResp, ok := resp.Payload.(transport.DigestResponse)
	if !ok {
		return
	}

	cmp := digest.Compare(localDigest, digestResp.Digest)

	if len(cmp.OnlyInSecond) > 0 {
		e.pullFrom(peer, cmp.OnlyInSecond)
	}
	if len(cmp.OnlyInFirst) > 0 {
		e.pushTo(peer, cmp.OnlyInFirst)
	}
	if len(cmp.Conflicts) > 0 {
		e.pullFrom(peer, cmp.Conflicts)
	}
}

func (e *Engine) pullFrom(peer types.NodeInfo, ids []string) {
	resp, err := e.sendTo(peer, transport.Envelope{
		Kind:    transport.KindPullRequest,
		Payload: transport.PullRequest{IDs: ids},
	})
	if err != nil {
		return
	}
	pullResp, ok := resp.Payload.(transport.PullResponse)
	if !ok {
		return
	}
	for _, entry := range pullResp.Entries {
		e.ingest(entry, peer.NodeID)
	}
}

func (e *Engine) pushTo(peer types.NodeInfo, ids []string) {
	entries := make([]types.EpidemicEntry, 0, len(ids))
	for _, id := range ids {
		if ent, ok, err := e.store.Get(context.Background(), id); err == nil && ok {
			entries = append(entries, ent)
		}
	}
	if len(entries) == 0 {
		return
	}
	e.castTo(peer, transport.Envelope{Kind: transport.KindPush, Payload: transport.Push{Entries: entries}})
}

// topologyTick reconciles the topology against the discovery view,
// recomputes cluster formation, and prunes stale peers and routes.
func (e *Engine) topologyTick() {
	if e.scanner != nil {
		for _, c := range e.scanner.Candidates() {
			if _, err := topology.ParseNodeID(c.Status.NodeID); err != nil {
				continue
			}
			_ = e.top.AddPeer(types.NodeInfo{
				NodeID:   c.Status.NodeID,
				Endpoint: c.Addr,
				Region:   c.Status.Region,
				LastSeen: c.SeenAt,
			})
		}
	}

	removed := e.top.RemoveStale(time.Now(), 10*e.cfg.TopologyInterval)
	for range removed {
		metrics.TopologyPeersEvictedTotal.WithLabelValues("stale").Inc()
	}

	if e.clusters != nil {
		active := e.top.AllPeers()
		e.clusters.Recompute(active, e.cfg.NodeID)
		known := make(map[string]bool, len(active))
		for _, n := range active {
			known[n.NodeID] = true
		}
		e.clusters.PruneMissing(known)
	}
}

// handleInbound dispatches one decoded Envelope arriving on the
// listener, implementing the request/response and fire-and-forget
// message kinds of §6.3.
func (e *Engine) handleInbound(from net.Addr, env transport.Envelope) (transport.Envelope, bool) {
	switch env.Kind {
	case transport.KindGossip:
		msg := env.Payload.(transport.Gossip)
		for _, entry := range msg.Entries {
			e.ingestWithTTL(entry, msg.TTL)
		}
		return transport.Envelope{}, false

	case transport.KindPush:
		msg := env.Payload.(transport.Push)
		for _, entry := range msg.Entries {
			e.ingest(entry, entry.ReceivedFrom)
		}
		return transport.Envelope{}, false

	case transport.KindDigestRequest:
		req := env.Payload.(transport.DigestRequest)
		sources, err := e.store.Snapshot(context.Background())
		if err != nil {
			return transport.Envelope{}, false
		}
		var d digest.Digest
		switch req.DigestType {
		case digest.Region:
			d = digest.GenerateRegion(sources, req.Region, digest.DefaultMaxEntriesPerDigest)
		case digest.Bloom:
			d = digest.GenerateBloom(sources)
		case digest.Merkle:
			d = digest.GenerateMerkle(sources)
		default:
			d = digest.GenerateFull(sources, digest.DefaultMaxEntriesPerDigest)
		}
		return transport.Envelope{Kind: transport.KindDigestResponse, Payload: transport.DigestResponse{Digest: d}}, true

	case transport.KindPullRequest:
		req := env.Payload.(transport.PullRequest)
		entries := make([]types.EpidemicEntry, 0, len(req.IDs))
		for _, id := range req.IDs {
			if ent, ok, err := e.store.Get(context.Background(), id); err == nil && ok {
				entries = append(entries, ent)
			}
		}
		return transport.Envelope{Kind: transport.KindPullResponse, Payload: transport.PullResponse{Entries: entries}}, true

	case transport.KindPing:
		ping := env.Payload.(transport.Ping)
		now := time.Now()
		if e.health != nil {
			e.health.RecordRTT(ping.Sender, now.Sub(ping.Timestamp))
		}
		return transport.Envelope{
			Kind: transport.KindPong,
			Payload: transport.Pong{
				Responder:         e.cfg.NodeID,
				RequestTimestamp:  ping.Timestamp,
				ResponseTimestamp: now,
				Seq:               ping.Seq,
			},
		}, true

	default:
		return transport.Envelope{}, false
	}
}

// ingest implements the §4.7 inbound-handling algorithm for one
// entry: store if unknown locally, else reconcile and write back the
// winner iff it differs from what was already stored.
func (e *Engine) ingest(incoming types.EpidemicEntry, from string) {
	if err := incoming.Validate(time.Now()); err != nil {
		return
	}
	incoming.ReceivedFrom = from

	local, ok, err := e.store.Get(context.Background(), incoming.BlindedID)
	if err != nil {
		return
	}
	if !ok {
		_ = e.store.Put(context.Background(), incoming)
		return
	}

	winner, _, err := e.reconciler.Reconcile(incoming.BlindedID, []types.EpidemicEntry{local, incoming})
	if err != nil {
		return
	}
	if winner.VectorClock.Compare(local.VectorClock) != 0 {
		_ = e.store.Put(context.Background(), *winner)
		log.WithBlindedID(incoming.BlindedID).Debug().Str("peer", from).Msg("local entry superseded by reconciliation")
		if e.repairs != nil {
			e.repairs.Publish(events.Change{BlindedID: winner.BlindedID, VectorClock: winner.VectorClock, Origin: from, Timestamp: time.Now()})
		}
	}
}

// ingestWithTTL applies ingest, then re-gossips the entry to a
// further random peer if its propagation budget allows, bounding
// re-propagation per process lifetime at MaxPropagationCount.
func (e *Engine) ingestWithTTL(incoming types.EpidemicEntry, ttl int) {
	e.ingest(incoming, incoming.ReceivedFrom)
	if ttl <= 0 {
		return
	}

	e.mu.Lock()
	count := e.propagations[incoming.BlindedID]
	if count >= e.cfg.MaxPropagationCount {
		e.mu.Unlock()
		return
	}
	e.propagations[incoming.BlindedID] = count + 1
	e.mu.Unlock()

	targets := e.sampleExcludingSuspected(e.top.AllPeers(), 1)
	if len(targets) == 0 {
		return
	}
	e.castTo(targets[0], transport.Envelope{
		Kind:    transport.KindGossip,
		Payload: transport.Gossip{Entries: []types.EpidemicEntry{incoming}, TTL: ttl - 1},
	})
}

// Package distributed implements the storage.Backend facade that
// composes a local backend (memory or SQL) with the epidemic engine:
// writes commit locally first and fan out asynchronously; reads fall
// back to the responsible replica set when the local copy is absent.
package distributed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/dsm-storage-node/pkg/digest"
	"github.com/cuemby/dsm-storage-node/pkg/dsmerr"
	"github.com/cuemby/dsm-storage-node/pkg/epidemic"
	"github.com/cuemby/dsm-storage-node/pkg/events"
	"github.com/cuemby/dsm-storage-node/pkg/log"
	"github.com/cuemby/dsm-storage-node/pkg/routing"
	"github.com/cuemby/dsm-storage-node/pkg/storage"
	"github.com/cuemby/dsm-storage-node/pkg/topology"
	"github.com/cuemby/dsm-storage-node/pkg/types"
	"github.com/cuemby/dsm-storage-node/pkg/vclock"
	"github.com/rs/zerolog"
)

// DefaultReplicaFanout bounds how many responsible replicas a
// fallback read tries before giving up.
const DefaultReplicaFanout = 3

// Disseminator is the subset of *epidemic.Engine the facade needs.
// Kept as an interface so tests can substitute a recording fake.
type Disseminator interface {
	Disseminate(entry types.EpidemicEntry)
	FetchRemote(peer types.NodeInfo, blindedID string) (*types.EpidemicEntry, bool, error)
}

// Config controls the facade's replication behavior.
type Config struct {
	NodeID        string
	ReplicaFanout int
}

// Backend wraps a local storage.Backend with epidemic replication.
type Backend struct {
	cfg    Config
	local  storage.Backend
	engine Disseminator
	top    *topology.Topology

	mu     sync.RWMutex
	clocks map[string]vclock.Clock

	conflicts chan events.Conflict
	sub       events.Subscriber[events.Conflict]
	broker    *events.Broker[events.Conflict]

	logger zerolog.Logger
}

var _ storage.Backend = (*Backend)(nil)
var _ epidemic.LocalStore = (*Backend)(nil)

// New wraps local with epidemic replication driven by engine and
// routed against top. If conflictBroker is non-nil, the facade
// subscribes to it and republishes on its own Conflicts() stream.
func New(cfg Config, local storage.Backend, engine Disseminator, top *topology.Topology, conflictBroker *events.Broker[events.Conflict]) *Backend {
	if cfg.ReplicaFanout <= 0 {
		cfg.ReplicaFanout = DefaultReplicaFanout
	}
	b := &Backend{
		cfg:       cfg,
		local:     local,
		engine:    engine,
		top:       top,
		clocks:    make(map[string]vclock.Clock),
		conflicts: make(chan events.Conflict, 64),
		logger:    log.WithComponent("distributed-storage"),
	}
	if conflictBroker != nil {
		b.broker = conflictBroker
		b.sub = conflictBroker.Subscribe()
		go b.forwardConflicts()
	}
	return b
}

// SetEngine attaches the replication engine after construction,
// breaking the construction cycle between the facade (which the
// engine stores entries through) and the engine (which the facade
// disseminates writes through).
func (b *Backend) SetEngine(engine Disseminator) {
	b.mu.Lock()
	b.engine = engine
	b.mu.Unlock()
}

func (b *Backend) forwardConflicts() {
	for c := range b.sub {
		select {
		case b.conflicts <- c:
		default:
		}
	}
}

func (b *Backend) clockFor(id string) vclock.Clock {
	b.mu.RLock()
	c, ok := b.clocks[id]
	b.mu.RUnlock()
	if !ok {
		return vclock.New()
	}
	return c.Clone()
}

// Store commits entry to the local backend, advances its vector
// clock for this node, and asynchronously fans the write out to the
// gossip targets of the current tick.
func (b *Backend) Store(ctx context.Context, entry *types.BlindedEntry) (storage.StoreResult, error) {
	res, err := b.local.Store(ctx, entry)
	if err != nil {
		return res, err
	}

	b.mu.Lock()
	clock := b.clocks[entry.BlindedID]
	if clock == nil {
		clock = vclock.New()
	} else {
		clock = clock.Clone()
	}
	clock.Increment(b.cfg.NodeID)
	b.clocks[entry.BlindedID] = clock
	b.mu.Unlock()

	if b.engine != nil {
		epidemicEntry := types.EpidemicEntry{
			BlindedEntry: *entry,
			VectorClock:  clock.Clone(),
			LastModified: time.Now(),
			OriginRegion: entry.Region,
		}
		go b.engine.Disseminate(epidemicEntry)
	}
	return res, nil
}

// Retrieve returns the local copy if present; otherwise it tries the
// key's responsible replicas in order, repairing the local copy from
// the first one that answers.
func (b *Backend) Retrieve(ctx context.Context, blindedID string) (*types.BlindedEntry, bool, error) {
	if entry, ok, err := b.local.Retrieve(ctx, blindedID); err != nil {
		return nil, false, err
	} else if ok {
		return entry, true, nil
	}

	if b.engine == nil || b.top == nil {
		return nil, false, nil
	}

	replicas := routing.ResponsibleReplicas(b.top, blindedID, b.cfg.ReplicaFanout)
	var trace []string
	for i, peer := range replicas {
		if peer.NodeID == b.cfg.NodeID {
			continue
		}
		remote, ok, err := b.engine.FetchRemote(peer, blindedID)
		if err != nil {
			trace = append(trace, fmt.Sprintf("tried replica %d of %d (%s): error", i+1, len(replicas), peer.NodeID))
			continue
		}
		if !ok {
			trace = append(trace, fmt.Sprintf("tried replica %d of %d (%s): not found", i+1, len(replicas), peer.NodeID))
			continue
		}

		b.mu.Lock()
		b.clocks[blindedID] = remote.VectorClock.Clone()
		b.mu.Unlock()
		_, _ = b.local.Store(ctx, &remote.BlindedEntry)
		return &remote.BlindedEntry, true, nil
	}

	b.logger.Debug().Str("blinded_id", blindedID).Strs("trace", trace).Msg("replica fallback exhausted")
	return nil, false, nil
}

// Delete removes blindedID from the local backend. Deletion is not
// actively propagated beyond the normal gossip/anti-entropy cycle:
// an entry with TTL expiry or a tombstone write is the mechanism the
// engine replicates, matching §4.1's entry-granularity update model.
func (b *Backend) Delete(ctx context.Context, blindedID string) (bool, error) {
	b.mu.Lock()
	delete(b.clocks, blindedID)
	b.mu.Unlock()
	return b.local.Delete(ctx, blindedID)
}

func (b *Backend) Exists(ctx context.Context, blindedID string) (bool, error) {
	return b.local.Exists(ctx, blindedID)
}

func (b *Backend) List(ctx context.Context, limit, offset int) ([]string, error) {
	return b.local.List(ctx, limit, offset)
}

func (b *Backend) GetStats(ctx context.Context) (types.StorageStats, error) {
	return b.local.GetStats(ctx)
}

func (b *Backend) StorePolicy(ctx context.Context, id string, policy []byte) error {
	return b.local.StorePolicy(ctx, id, policy)
}

func (b *Backend) GetPolicy(ctx context.Context, id string) ([]byte, bool, error) {
	return b.local.GetPolicy(ctx, id)
}

func (b *Backend) ListPolicies(ctx context.Context) ([]string, error) {
	return b.local.ListPolicies(ctx)
}

func (b *Backend) RemovePolicy(ctx context.Context, id string) (bool, error) {
	return b.local.RemovePolicy(ctx, id)
}

func (b *Backend) Changes() <-chan events.Change {
	return b.local.Changes()
}

func (b *Backend) Conflicts() <-chan events.Conflict {
	return b.conflicts
}

func (b *Backend) Close() error {
	if b.broker != nil && b.sub != nil {
		b.broker.Unsubscribe(b.sub)
	}
	return b.local.Close()
}

// Get implements epidemic.LocalStore: the engine's view of one entry,
// including its vector clock, for reconciliation and digesting.
func (b *Backend) Get(ctx context.Context, blindedID string) (types.EpidemicEntry, bool, error) {
	entry, ok, err := b.local.Retrieve(ctx, blindedID)
	if err != nil || !ok {
		return types.EpidemicEntry{}, ok, err
	}
	return types.EpidemicEntry{
		BlindedEntry: *entry,
		VectorClock:  b.clockFor(blindedID),
		LastModified: time.Unix(entry.Timestamp, 0),
		OriginRegion: entry.Region,
	}, true, nil
}

// Put implements epidemic.LocalStore: commits an entry the engine
// received from a peer, recording its vector clock as authoritative.
func (b *Backend) Put(ctx context.Context, entry types.EpidemicEntry) error {
	b.mu.Lock()
	b.clocks[entry.BlindedID] = entry.VectorClock.Clone()
	b.mu.Unlock()
	_, err := b.local.Store(ctx, &entry.BlindedEntry)
	return err
}

// Snapshot implements epidemic.LocalStore: a digest-ready view of
// every locally held entry.
func (b *Backend) Snapshot(ctx context.Context) ([]digest.Source, error) {
	const pageSize = 10_000
	ids, err := b.local.List(ctx, pageSize, 0)
	if err != nil {
		return nil, dsmerr.Wrap(dsmerr.Storage, "distributed.Backend.Snapshot", "list entries", err)
	}

	out := make([]digest.Source, 0, len(ids))
	for _, id := range ids {
		entry, ok, err := b.local.Retrieve(ctx, id)
		if err != nil || !ok {
			continue
		}
		out = append(out, digest.Source{
			BlindedID:    entry.BlindedID,
			Region:       entry.Region,
			LastModified: time.Unix(entry.Timestamp, 0),
			Timestamp:    entry.Timestamp,
			Size:         int64(len(entry.EncryptedPayload)),
			ContentHash:  entry.ProofHash,
			VectorClock:  b.clockFor(id),
		})
	}
	return out, nil
}

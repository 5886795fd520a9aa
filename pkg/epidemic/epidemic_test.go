package epidemic

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cuemby/dsm-storage-node/pkg/cluster"
	"github.com/cuemby/dsm-storage-node/pkg/digest"
	"github.com/cuemby/dsm-storage-node/pkg/reconcile"
	"github.com/cuemby/dsm-storage-node/pkg/routing"
	"github.com/cuemby/dsm-storage-node/pkg/topology"
	"github.com/cuemby/dsm-storage-node/pkg/transport"
	"github.com/cuemby/dsm-storage-node/pkg/types"
	"github.com/cuemby/dsm-storage-node/pkg/vclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	entries map[string]types.EpidemicEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]types.EpidemicEntry)}
}

func (f *fakeStore) Get(ctx context.Context, id string) (types.EpidemicEntry, bool, error) {
	e, ok := f.entries[id]
	return e, ok, nil
}

func (f *fakeStore) Put(ctx context.Context, entry types.EpidemicEntry) error {
	f.entries[entry.BlindedID] = entry
	return nil
}

func (f *fakeStore) Snapshot(ctx context.Context) ([]digest.Source, error) {
	out := make([]digest.Source, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, digest.Source{
			BlindedID:    e.BlindedID,
			Region:       e.Region,
			LastModified: e.LastModified,
			Timestamp:    e.Timestamp,
			Size:         int64(len(e.EncryptedPayload)),
			ContentHash:  e.ProofHash,
			VectorClock:  e.VectorClock,
		})
	}
	return out, nil
}

func newTestEngine(t *testing.T, store *fakeStore) *Engine {
	self := topology.RandomNodeID()
	top := topology.New(self, topology.DefaultConfig())
	routes := routing.NewTable(top)
	clusters := cluster.New(cluster.Config{MaxNodes: 8})
	recEngine := reconcile.New(reconcile.Config{}, nil)
	cfg := DefaultConfig()
	cfg.NodeID = self.String()
	cfg.BindAddr = "127.0.0.1:0"
	return New(cfg, store, top, routes, clusters, recEngine, nil, nil, nil)
}

func makeEntry(id, region string, ts int64, node string, counter uint64) types.EpidemicEntry {
	e := types.EpidemicEntry{
		BlindedEntry: types.BlindedEntry{
			BlindedID:        id,
			EncryptedPayload: []byte("payload"),
			Timestamp:        ts,
			Region:           region,
			Priority:         0,
		},
		VectorClock:  vclock.New(),
		LastModified: time.Unix(ts, 0),
	}
	e.VectorClock.Set(node, counter)
	e.ComputeProofHash()
	return e
}

func TestIngestStoresUnknownEntry(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store)

	entry := makeEntry("e1", "us", time.Now().Unix(), "peer-a", 1)
	e.ingest(entry, "peer-a")

	got, ok, err := store.Get(context.Background(), "e1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry.BlindedID, got.BlindedID)
}

func TestIngestReconcilesAgainstExistingEntry(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store)

	older := makeEntry("e1", "us", 1000, "local", 1)
	require.NoError(t, store.Put(context.Background(), older))

	newer := makeEntry("e1", "us", 2000, "peer-a", 1)
	e.ingest(newer, "peer-a")

	got, ok, err := store.Get(context.Background(), "e1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2000), got.Timestamp)
}

func TestHandleInboundDigestRequestReturnsFullDigest(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store)

	entry := makeEntry("e1", "us", time.Now().Unix(), "local", 1)
	require.NoError(t, store.Put(context.Background(), entry))

	resp, ok := e.handleInbound(nil, transport.Envelope{
		Kind:    transport.KindDigestRequest,
		Payload: transport.DigestRequest{DigestType: digest.Full},
	})
	require.True(t, ok)
	assert.Equal(t, transport.KindDigestResponse, resp.Kind)

	d := resp.Payload.(transport.DigestResponse).Digest
	assert.Contains(t, d.Entries, "e1")
}

func TestHandleInboundPullRequestReturnsStoredEntries(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store)

	entry := makeEntry("e1", "us", time.Now().Unix(), "local", 1)
	require.NoError(t, store.Put(context.Background(), entry))

	resp, ok := e.handleInbound(nil, transport.Envelope{
		Kind:    transport.KindPullRequest,
		Payload: transport.PullRequest{IDs: []string{"e1", "missing"}},
	})
	require.True(t, ok)
	entries := resp.Payload.(transport.PullResponse).Entries
	require.Len(t, entries, 1)
	assert.Equal(t, "e1", entries[0].BlindedID)
}

func TestHandleInboundGossipIngestsEntries(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store)

	entry := makeEntry("e2", "us", time.Now().Unix(), "peer-a", 1)
	resp, ok := e.handleInbound(nil, transport.Envelope{
		Kind:    transport.KindGossip,
		Payload: transport.Gossip{Entries: []types.EpidemicEntry{entry}, TTL: 0},
	})
	assert.False(t, ok)
	assert.Equal(t, transport.Envelope{}, resp)

	_, exists, err := store.Get(context.Background(), "e2")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestHandleInboundPingReturnsPong(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store)

	resp, ok := e.handleInbound(nil, transport.Envelope{
		Kind:    transport.KindPing,
		Payload: transport.Ping{Sender: "peer-a", Timestamp: time.Now(), Seq: 5},
	})
	require.True(t, ok)
	pong := resp.Payload.(transport.Pong)
	assert.Equal(t, uint64(5), pong.Seq)
}

func TestEngineStartStopDoesNotHang(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	time.Sleep(10 * time.Millisecond)
	e.Stop()
}

var _ net.Addr = (*net.TCPAddr)(nil)

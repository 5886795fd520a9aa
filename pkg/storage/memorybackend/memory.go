// Package memorybackend implements the in-memory storage backend of
// §4.1(a): a concurrent map bounded by (max_memory_bytes,
// max_entries), one of {LRU, LFU, FIFO} eviction, and an optional
// periodic snapshot to disk.
package memorybackend

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/dsm-storage-node/pkg/dsmerr"
	"github.com/cuemby/dsm-storage-node/pkg/events"
	"github.com/cuemby/dsm-storage-node/pkg/metrics"
	"github.com/cuemby/dsm-storage-node/pkg/storage"
	"github.com/cuemby/dsm-storage-node/pkg/types"
)

// EvictionPolicy selects which entry is evicted once a bound is hit.
type EvictionPolicy string

const (
	EvictionLRU  EvictionPolicy = "lru"
	EvictionLFU  EvictionPolicy = "lfu"
	EvictionFIFO EvictionPolicy = "fifo"
)

// Config controls bounds and snapshotting.
type Config struct {
	MaxMemoryBytes int64
	MaxEntries     int
	Eviction       EvictionPolicy
	SnapshotPath   string        // empty disables snapshotting
	SnapshotEvery  time.Duration // default 5 minutes when SnapshotPath set
}

type record struct {
	entry      *types.BlindedEntry
	size       int64
	insertedAt time.Time
	lastUsed   time.Time
	hits       int64
}

// Backend is the in-memory storage.Backend implementation.
type Backend struct {
	cfg Config

	mu      sync.RWMutex
	entries map[string]*record
	seq     []string // insertion order, for FIFO
	bytes   int64

	changes   chan events.Change
	conflicts chan events.Conflict

	stopCh chan struct{}
	wg     sync.WaitGroup
}

var _ storage.Backend = (*Backend)(nil)

// New constructs a memory backend. If cfg.SnapshotPath is non-empty
// and an existing snapshot is found, it is loaded (tolerant to
// truncation) before New returns.
func New(cfg Config) (*Backend, error) {
	if cfg.Eviction == "" {
		cfg.Eviction = EvictionLRU
	}
	if cfg.SnapshotEvery == 0 {
		cfg.SnapshotEvery = 5 * time.Minute
	}
	b := &Backend{
		cfg:       cfg,
		entries:   make(map[string]*record),
		changes:   make(chan events.Change, 256),
		conflicts: make(chan events.Conflict, 64),
		stopCh:    make(chan struct{}),
	}
	if cfg.SnapshotPath != "" {
		if err := b.loadSnapshot(cfg.SnapshotPath); err != nil {
			return nil, err
		}
		b.wg.Add(1)
		go b.snapshotLoop()
	}
	return b, nil
}

func (b *Backend) snapshotLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.SnapshotEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = b.saveSnapshot(b.cfg.SnapshotPath)
		case <-b.stopCh:
			return
		}
	}
}

// Store upserts entry, validating and computing its proof hash if the
// caller has not already done so.
func (b *Backend) Store(ctx context.Context, entry *types.BlindedEntry) (storage.StoreResult, error) {
	const op = "memorybackend.Store"
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StorageOpDuration, "memory", "store")

	now := storage.Now()
	if err := entry.Validate(now); err != nil {
		return storage.StoreResult{}, err
	}
	if entry.ProofHash == ([32]byte{}) {
		entry.ComputeProofHash()
	} else if !entry.VerifyProofHash() {
		return storage.StoreResult{}, dsmerr.New(dsmerr.Integrity, op, "proof_hash does not match canonical content")
	}

	size := int64(len(entry.EncryptedPayload)) + int64(len(entry.BlindedID))

	b.mu.Lock()
	existing, had := b.entries[entry.BlindedID]
	if had {
		b.bytes -= existing.size
	}
	for b.overBounds(size) {
		if !b.evictLocked() {
			break
		}
	}
	rec := &record{entry: entry, size: size, insertedAt: now, lastUsed: now}
	b.entries[entry.BlindedID] = rec
	b.bytes += size
	if !had {
		b.seq = append(b.seq, entry.BlindedID)
	}
	b.mu.Unlock()

	metrics.EntriesTotal.WithLabelValues("memory").Set(float64(b.Len()))
	metrics.BytesStored.WithLabelValues("memory").Set(float64(b.bytesLocked()))

	status := storage.StatusCreated
	if had {
		status = storage.StatusUpdated
	}
	select {
	case b.changes <- events.Change{BlindedID: entry.BlindedID, VectorClock: nil, Timestamp: now}:
	default:
	}

	return storage.StoreResult{BlindedID: entry.BlindedID, Timestamp: entry.Timestamp, Status: status}, nil
}

func (b *Backend) bytesLocked() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bytes
}

// overBounds reports whether adding addBytes would exceed the
// configured bounds, given the caller holds b.mu.
func (b *Backend) overBounds(addBytes int64) bool {
	if b.cfg.MaxEntries > 0 && len(b.entries) >= b.cfg.MaxEntries {
		return true
	}
	if b.cfg.MaxMemoryBytes > 0 && b.bytes+addBytes > b.cfg.MaxMemoryBytes {
		return true
	}
	return false
}

// evictLocked removes one entry per the configured policy. Caller
// holds b.mu. Returns false if there is nothing left to evict.
func (b *Backend) evictLocked() bool {
	if len(b.entries) == 0 {
		return false
	}
	var victim string
	switch b.cfg.Eviction {
	case EvictionLFU:
		var min int64 = -1
		for id, r := range b.entries {
			if min == -1 || r.hits < min {
				min = r.hits
				victim = id
			}
		}
	case EvictionFIFO:
		for len(b.seq) > 0 {
			victim = b.seq[0]
			b.seq = b.seq[1:]
			if _, ok := b.entries[victim]; ok {
				break
			}
			victim = ""
		}
	default: // LRU
		var oldest time.Time
		first := true
		for id, r := range b.entries {
			if first || r.lastUsed.Before(oldest) {
				oldest = r.lastUsed
				victim = id
				first = false
			}
		}
	}
	if victim == "" {
		return false
	}
	if r, ok := b.entries[victim]; ok {
		b.bytes -= r.size
		delete(b.entries, victim)
		metrics.EvictionsTotal.WithLabelValues(string(b.cfg.Eviction)).Inc()
		return true
	}
	return false
}

// Retrieve returns the entry, or (nil, false, nil) if absent or
// expired.
func (b *Backend) Retrieve(ctx context.Context, blindedID string) (*types.BlindedEntry, bool, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StorageOpDuration, "memory", "retrieve")

	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.entries[blindedID]
	if !ok {
		return nil, false, nil
	}
	if rec.entry.IsExpired(storage.Now()) {
		return nil, false, nil
	}
	rec.lastUsed = storage.Now()
	rec.hits++
	return rec.entry, true, nil
}

// Delete removes an entry, returning true iff one was present.
func (b *Backend) Delete(ctx context.Context, blindedID string) (bool, error) {
	b.mu.Lock()
	rec, ok := b.entries[blindedID]
	if ok {
		b.bytes -= rec.size
		delete(b.entries, blindedID)
	}
	b.mu.Unlock()
	if ok {
		select {
		case b.changes <- events.Change{BlindedID: blindedID, Deleted: true, Timestamp: storage.Now()}:
		default:
		}
		metrics.EntriesTotal.WithLabelValues("memory").Set(float64(b.Len()))
	}
	return ok, nil
}

// Exists is cheaper than Retrieve: it takes only the read lock and
// leaves the entry's recency and hit count untouched.
func (b *Backend) Exists(ctx context.Context, blindedID string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.entries[blindedID]
	if !ok {
		return false, nil
	}
	return !rec.entry.IsExpired(storage.Now()), nil
}

// List returns blinded_ids in lexicographic order, skipping expired
// entries, honoring limit/offset.
func (b *Backend) List(ctx context.Context, limit, offset int) ([]string, error) {
	b.mu.RLock()
	ids := make([]string, 0, len(b.entries))
	now := storage.Now()
	for id, rec := range b.entries {
		if storage.IsPolicyKey(id) {
			continue
		}
		if rec.entry.IsExpired(now) {
			continue
		}
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	sort.Strings(ids)
	if offset >= len(ids) {
		return nil, nil
	}
	end := len(ids)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return ids[offset:end], nil
}

// GetStats computes aggregate statistics over the live entry set.
func (b *Backend) GetStats(ctx context.Context) (types.StorageStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := types.StorageStats{Regions: make(map[string]int64)}
	now := storage.Now()
	var totalSize int64
	for id, rec := range b.entries {
		if storage.IsPolicyKey(id) {
			continue
		}
		if rec.entry.IsExpired(now) {
			stats.TotalExpired++
			continue
		}
		stats.TotalEntries++
		stats.TotalBytes += rec.size
		totalSize += rec.size
		stats.Regions[rec.entry.Region]++
		ts := time.Unix(rec.entry.Timestamp, 0)
		if stats.Oldest.IsZero() || ts.Before(stats.Oldest) {
			stats.Oldest = ts
		}
		if ts.After(stats.Newest) {
			stats.Newest = ts
		}
	}
	if stats.TotalEntries > 0 {
		stats.AvgSize = float64(totalSize) / float64(stats.TotalEntries)
	}
	stats.LastUpdated = now
	return stats, nil
}

func (b *Backend) StorePolicy(ctx context.Context, id string, policy []byte) error {
	_, err := b.Store(ctx, &types.BlindedEntry{
		BlindedID:        storage.PolicyKey(id),
		EncryptedPayload: policy,
		Timestamp:        storage.Now().Unix(),
		Region:           "_policy",
		Metadata:         map[string]string{},
	})
	return err
}

func (b *Backend) GetPolicy(ctx context.Context, id string) ([]byte, bool, error) {
	entry, ok, err := b.Retrieve(ctx, storage.PolicyKey(id))
	if err != nil || !ok {
		return nil, ok, err
	}
	return entry.EncryptedPayload, true, nil
}

func (b *Backend) ListPolicies(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var ids []string
	for id := range b.entries {
		if storage.IsPolicyKey(id) {
			ids = append(ids, id[len("policy:"):])
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *Backend) RemovePolicy(ctx context.Context, id string) (bool, error) {
	return b.Delete(ctx, storage.PolicyKey(id))
}

func (b *Backend) Changes() <-chan events.Change     { return b.changes }
func (b *Backend) Conflicts() <-chan events.Conflict { return b.conflicts }

// Len returns the number of entries, including expired ones not yet
// pruned.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Close stops the snapshot loop (if any) and, if a snapshot path is
// configured, writes a final snapshot.
func (b *Backend) Close() error {
	close(b.stopCh)
	b.wg.Wait()
	if b.cfg.SnapshotPath != "" {
		return b.saveSnapshot(b.cfg.SnapshotPath)
	}
	return nil
}


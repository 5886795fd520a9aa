// Package digest produces the compact set descriptions the epidemic
// engine's anti-entropy loop exchanges to discover divergence between
// two nodes without shipping full entry payloads.
package digest

import (
	"crypto/sha256"
	"sort"
	"time"

	"github.com/cuemby/dsm-storage-node/pkg/vclock"
)

// Kind selects one of the six digest shapes of §4.3.
type Kind string

const (
	Full        Kind = "full"
	Incremental Kind = "incremental"
	Delta       Kind = "delta"
	Region      Kind = "region"
	Bloom       Kind = "bloom"
	Merkle      Kind = "merkle"
)

// DefaultMaxEntriesPerDigest caps Full/Incremental/Delta/Region
// digests; when exceeded the most recent entries by timestamp are
// retained.
const DefaultMaxEntriesPerDigest = 10_000

// EntrySummary is the per-id record carried by Full/Incremental/
// Delta/Region digests.
type EntrySummary struct {
	VectorClock vclock.Clock
	ContentHash [32]byte
	Timestamp   int64
	Size        int64
}

// Source describes one local entry as seen by the digest generator.
// Producers (the storage backend, via the epidemic engine) build a
// []Source snapshot and pass it to the Generate* functions below.
type Source struct {
	BlindedID    string
	Region       string
	LastModified time.Time
	Timestamp    int64
	Size         int64
	ContentHash  [32]byte
	VectorClock  vclock.Clock
}

// Digest is the wire-level result of one Generate call.
type Digest struct {
	Kind      Kind
	Entries   map[string]EntrySummary // nil for Bloom/Merkle
	RootHash  [32]byte                // set for Bloom/Merkle only
	MaxedOut  bool                    // true if entries were truncated to the cap
}

// GenerateFull builds the Full digest: every entry, capped at
// maxEntries (most recent by timestamp retained on overflow).
func GenerateFull(entries []Source, maxEntries int) Digest {
	return buildMapDigest(Full, entries, maxEntries)
}

// GenerateIncremental restricts to entries modified at or after
// sinceTS.
func GenerateIncremental(entries []Source, sinceTS time.Time, maxEntries int) Digest {
	filtered := make([]Source, 0, len(entries))
	for _, e := range entries {
		if !e.LastModified.Before(sinceTS) {
			filtered = append(filtered, e)
		}
	}
	return buildMapDigest(Incremental, filtered, maxEntries)
}

// GenerateDelta restricts to an explicit id set.
func GenerateDelta(entries []Source, ids map[string]bool, maxEntries int) Digest {
	filtered := make([]Source, 0, len(ids))
	for _, e := range entries {
		if ids[e.BlindedID] {
			filtered = append(filtered, e)
		}
	}
	return buildMapDigest(Delta, filtered, maxEntries)
}

// GenerateRegion restricts to entries whose region matches r.
func GenerateRegion(entries []Source, r string, maxEntries int) Digest {
	filtered := make([]Source, 0, len(entries))
	for _, e := range entries {
		if e.Region == r {
			filtered = append(filtered, e)
		}
	}
	return buildMapDigest(Region, filtered, maxEntries)
}

func buildMapDigest(kind Kind, entries []Source, maxEntries int) Digest {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntriesPerDigest
	}
	maxedOut := false
	if len(entries) > maxEntries {
		sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp > entries[j].Timestamp })
		entries = entries[:maxEntries]
		maxedOut = true
	}
	m := make(map[string]EntrySummary, len(entries))
	for _, e := range entries {
		m[e.BlindedID] = EntrySummary{
			VectorClock: e.VectorClock,
			ContentHash: e.ContentHash,
			Timestamp:   e.Timestamp,
			Size:        e.Size,
		}
	}
	return Digest{Kind: kind, Entries: m, MaxedOut: maxedOut}
}

// GenerateBloom returns a single 32-byte root hash over the sorted id
// set. This is deliberately not a real Bloom filter — §9 leaves
// the representation open and this stand-in is cheap to compute and
// compare.
func GenerateBloom(entries []Source) Digest {
	ids := idsOf(entries)
	sort.Strings(ids)
	h := sha256.New()
	for _, id := range ids {
		h.Write([]byte(id))
	}
	var root [32]byte
	copy(root[:], h.Sum(nil))
	return Digest{Kind: Bloom, RootHash: root}
}

// merkleBranching is the k-ary branching factor of the Merkle digest.
const merkleBranching = 4

// GenerateMerkle builds a k-ary (branching factor 4) tree: entries
// are bucketed by the first byte of H(id) mod branching, each
// leaf-level bucket is sorted by id before hashing, and parent hashes
// recursively combine their children.
func GenerateMerkle(entries []Source) Digest {
	buckets := make([][]string, merkleBranching)
	for _, id := range idsOf(entries) {
		h := sha256.Sum256([]byte(id))
		b := int(h[0]) % merkleBranching
		buckets[b] = append(buckets[b], id)
	}
	leafHashes := make([][32]byte, merkleBranching)
	for i, bucket := range buckets {
		sort.Strings(bucket)
		h := sha256.New()
		for _, id := range bucket {
			h.Write([]byte(id))
		}
		copy(leafHashes[i][:], h.Sum(nil))
	}
	root := combine(leafHashes)
	return Digest{Kind: Merkle, RootHash: root}
}

func combine(hashes [][32]byte) [32]byte {
	h := sha256.New()
	for _, hh := range hashes {
		h.Write(hh[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func idsOf(entries []Source) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.BlindedID)
	}
	return ids
}

// Comparison is the result of comparing two map-shaped digests.
type Comparison struct {
	OnlyInFirst  []string
	OnlyInSecond []string
	Conflicts    []string
}

// Compare diffs two map-shaped digests (Full/Incremental/Delta/
// Region). Bloom/Merkle digests carry no entry map and can only be
// compared by RootHash equality at the caller's discretion.
func Compare(a, b Digest) Comparison {
	var cmp Comparison
	for id, sa := range a.Entries {
		sb, ok := b.Entries[id]
		if !ok {
			cmp.OnlyInFirst = append(cmp.OnlyInFirst, id)
			continue
		}
		if sa.ContentHash != sb.ContentHash || !clocksIdentical(sa.VectorClock, sb.VectorClock) {
			cmp.Conflicts = append(cmp.Conflicts, id)
		}
	}
	for id := range b.Entries {
		if _, ok := a.Entries[id]; !ok {
			cmp.OnlyInSecond = append(cmp.OnlyInSecond, id)
		}
	}
	sort.Strings(cmp.OnlyInFirst)
	sort.Strings(cmp.OnlyInSecond)
	sort.Strings(cmp.Conflicts)
	return cmp
}

func clocksIdentical(a, b vclock.Clock) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

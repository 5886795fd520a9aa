// Package smt implements the Sparse Merkle Tree used to commit to the
// node's entry set: a rebuild-on-insert tree truncated to a height
// derived from the current entry count, with domain-separated leaf
// and internal hashes.
package smt

import (
	"crypto/sha256"
	"crypto/subtle"
	"math/bits"
	"sort"
	"sync"

	"github.com/cuemby/dsm-storage-node/pkg/dsmerr"
	"github.com/cuemby/dsm-storage-node/pkg/metrics"
)

var emptyHash [32]byte // all-zero, used for absent positions

func leafHash(value []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte("DSM_SMT_LEAF:"))
	h.Write(value)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func internalHash(left, right [32]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte("DSM_SMT_INTERNAL:"))
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func keyPath(key string) [32]byte {
	h := sha256.New()
	h.Write([]byte("DSM_SMT_KEY:"))
	h.Write([]byte(key))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// pathBits returns the first h bits of path, MSB-first.
func pathBits(path [32]byte, h int) []bool {
	bitsOut := make([]bool, h)
	for i := 0; i < h; i++ {
		byteIdx := i / 8
		bitIdx := 7 - uint(i%8)
		bitsOut[i] = (path[byteIdx]>>bitIdx)&1 == 1
	}
	return bitsOut
}

// height computes h = max(1, ceil(log2(n))).
func height(n int) int {
	if n <= 1 {
		return 1
	}
	return bits.Len(uint(n - 1))
}

type leaf struct {
	key   string
	value []byte
}

// Proof is returned by ProveMembership/ProveNonMembership and
// consumed by Verify. Height is carried explicitly so verification
// never has to infer the tree's height at proof-generation time.
type Proof struct {
	Siblings  [][32]byte
	PathBits  []bool
	LeafValue []byte // nil for non-membership
	Present   bool
	Root      [32]byte
	Height    int
}

// Tree is a Sparse Merkle Tree indexed by blinded_id-style string
// keys, rebuilt in full on every Insert.
type Tree struct {
	mu     sync.RWMutex
	leaves map[string]leaf // key -> leaf
	root   [32]byte
	h      int
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{leaves: make(map[string]leaf), h: 1, root: emptyHash}
}

// Insert adds or replaces the value at key and rebuilds the tree,
// returning the new root. stateIndex is accepted for grounding with
// DSM-state callers but is not itself part of the tree's
// cryptographic commitment — it is the caller's bookkeeping key.
func (t *Tree) Insert(key string, value []byte, stateIndex uint64) [32]byte {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SMTRebuildDuration)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.leaves[key] = leaf{key: key, value: value}
	t.rebuildLocked()
	metrics.SMTRootUpdatesTotal.Inc()
	return t.root
}

// Get returns the stored value for key, if present.
func (t *Tree) Get(key string) ([]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.leaves[key]
	if !ok {
		return nil, false
	}
	return l.value, true
}

// Root returns the current commitment.
func (t *Tree) Root() [32]byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// rebuildLocked recomputes h and the full tree bottom-up. Caller
// holds t.mu.
func (t *Tree) rebuildLocked() {
	t.h = height(len(t.leaves))

	// group leaves by their h-bit path, keyed as a string of '0'/'1'
	buckets := make(map[string][32]byte)
	for _, l := range t.leaves {
		path := keyPath(l.key)
		bitsForPath := pathBits(path, t.h)
		buckets[bitsKey(bitsForPath)] = leafHash(l.value)
	}

	t.root = buildLevel(buckets, t.h)
}

// buildLevel recursively combines a sparse level map into a single
// root hash over a tree of the given height.
func buildLevel(level map[string][32]byte, h int) [32]byte {
	if h == 0 {
		for _, v := range level {
			return v
		}
		return emptyHash
	}
	left := make(map[string][32]byte)
	right := make(map[string][32]byte)
	for k, v := range level {
		if k[0] == '0' {
			left[k[1:]] = v
		} else {
			right[k[1:]] = v
		}
	}
	var leftHash, rightHash [32]byte
	if len(left) == 0 {
		leftHash = emptyHashAtHeight(h - 1)
	} else {
		leftHash = buildLevel(left, h-1)
	}
	if len(right) == 0 {
		rightHash = emptyHashAtHeight(h - 1)
	} else {
		rightHash = buildLevel(right, h-1)
	}
	return internalHash(leftHash, rightHash)
}

// emptyHashAtHeight returns the hash of an entirely empty subtree of
// the given remaining height: the all-zero hash, since an empty
// subtree carries no leaves to hash. Internal domain separation at
// empty positions is unnecessary because an empty subtree is
// indistinguishable at any height — both sides collapse to the same
// all-zero sentinel, matching §3's "empty positions use the
// all-zero hash."
func emptyHashAtHeight(h int) [32]byte {
	return emptyHash
}

func bitsKey(b []bool) string {
	out := make([]byte, len(b))
	for i, bit := range b {
		if bit {
			out[i] = '1'
		} else {
			out[i] = '0'
		}
	}
	return string(out)
}

// ProveMembership returns a membership proof for key. The key must
// be present.
func (t *Tree) ProveMembership(key string) (*Proof, error) {
	const op = "smt.ProveMembership"
	t.mu.RLock()
	defer t.mu.RUnlock()

	l, ok := t.leaves[key]
	if !ok {
		return nil, dsmerr.New(dsmerr.NotFound, op, "key not present in tree")
	}
	return t.buildProofLocked(key, l.value, true), nil
}

// ProveNonMembership returns a non-membership proof for key. Errors
// if the key is present (§4.8: "errors if key present").
func (t *Tree) ProveNonMembership(key string) (*Proof, error) {
	const op = "smt.ProveNonMembership"
	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, ok := t.leaves[key]; ok {
		return nil, dsmerr.New(dsmerr.InvalidOp, op, "non-membership proof requested for a present key")
	}
	return t.buildProofLocked(key, nil, false), nil
}

func (t *Tree) buildProofLocked(key string, value []byte, present bool) *Proof {
	path := keyPath(key)
	bitsForPath := pathBits(path, t.h)

	buckets := make(map[string][32]byte)
	for _, l := range t.leaves {
		p := keyPath(l.key)
		buckets[bitsKey(pathBits(p, t.h))] = leafHash(l.value)
	}

	siblings := make([][32]byte, t.h)
	level := buckets
	for i := 0; i < t.h; i++ {
		bit := bitsForPath[i]
		left := make(map[string][32]byte)
		right := make(map[string][32]byte)
		for k, v := range level {
			if k[0] == '0' {
				left[k[1:]] = v
			} else {
				right[k[1:]] = v
			}
		}
		remaining := t.h - i - 1
		var siblingMap, nextMap map[string][32]byte
		if bit {
			siblingMap, nextMap = left, right
		} else {
			siblingMap, nextMap = right, left
		}
		if len(siblingMap) == 0 {
			siblings[i] = emptyHashAtHeight(remaining)
		} else {
			siblings[i] = buildLevel(siblingMap, remaining)
		}
		level = nextMap
	}

	return &Proof{
		Siblings:  siblings,
		PathBits:  bitsForPath,
		LeafValue: value,
		Present:   present,
		Root:      t.root,
		Height:    t.h,
	}
}

// Verify recomputes the path from the proof's leaf (or the empty hash
// for a non-membership proof) up to the root, checking it equals
// both proof.Root and the tree's current root, and binds the proof to
// key by requiring proof.PathBits to match key's own derived path —
// without this a proof for one key would verify against any other.
func (t *Tree) Verify(proof *Proof, key string) bool {
	if proof == nil || len(proof.Siblings) != proof.Height || len(proof.PathBits) != proof.Height {
		return false
	}

	wantBits := pathBits(keyPath(key), proof.Height)
	for i, bit := range wantBits {
		if bit != proof.PathBits[i] {
			return false
		}
	}

	var cur [32]byte
	if proof.Present {
		cur = leafHash(proof.LeafValue)
	} else {
		cur = emptyHash
	}

	for i := proof.Height - 1; i >= 0; i-- {
		sibling := proof.Siblings[i]
		if proof.PathBits[i] {
			cur = internalHash(sibling, cur)
		} else {
			cur = internalHash(cur, sibling)
		}
	}

	if subtle.ConstantTimeCompare(cur[:], proof.Root[:]) != 1 {
		return false
	}
	current := t.Root()
	return subtle.ConstantTimeCompare(proof.Root[:], current[:]) == 1
}

// Keys returns all present keys in lexicographic order, for callers
// that want to enumerate the committed set.
func (t *Tree) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.leaves))
	for k := range t.leaves {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

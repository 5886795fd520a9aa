package topology

import "github.com/cuemby/dsm-storage-node/pkg/types"

// entry pairs the peer's id with its info so a bucket doesn't have to
// re-parse NodeInfo.NodeID on every LRU touch.
type entry struct {
	id   NodeID
	info types.NodeInfo
}

// bucket is a structural bucket: up to K entries, ordered oldest-seen
// first so the front is the LRU-eviction candidate.
type bucket struct {
	cap     int
	entries []entry
}

func newBucket(cap int) *bucket {
	return &bucket{cap: cap}
}

func (b *bucket) indexOf(id NodeID) int {
	for i, e := range b.entries {
		if e.id == id {
			return i
		}
	}
	return -1
}

// touch moves an existing entry to the back (most-recently-seen) or
// appends a new one if there's room. Returns false if the bucket is
// full and id is not already present.
func (b *bucket) touch(id NodeID, info types.NodeInfo) bool {
	if i := b.indexOf(id); i >= 0 {
		b.entries = append(b.entries[:i], b.entries[i+1:]...)
		b.entries = append(b.entries, entry{id: id, info: info})
		return true
	}
	if len(b.entries) >= b.cap {
		return false
	}
	b.entries = append(b.entries, entry{id: id, info: info})
	return true
}

// evictLRU drops the least-recently-seen entry (the front) to make
// room, returning the evicted id.
func (b *bucket) evictLRU() (NodeID, bool) {
	if len(b.entries) == 0 {
		return NodeID{}, false
	}
	evicted := b.entries[0].id
	b.entries = b.entries[1:]
	return evicted, true
}

func (b *bucket) remove(id NodeID) bool {
	if i := b.indexOf(id); i >= 0 {
		b.entries = append(b.entries[:i], b.entries[i+1:]...)
		return true
	}
	return false
}

func (b *bucket) full() bool {
	return len(b.entries) >= b.cap
}

func (b *bucket) list() []types.NodeInfo {
	out := make([]types.NodeInfo, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e.info)
	}
	return out
}

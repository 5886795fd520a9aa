// Package storage defines the capability surface every storage
// backend implements (in-memory, embedded SQL, distributed facade)
// plus the two streams — changes and conflicts — upper layers depend
// on. Concrete backends live in subpackages: memorybackend,
// sqlbackend, distributed.
package storage

import (
	"context"
	"time"

	"github.com/cuemby/dsm-storage-node/pkg/events"
	"github.com/cuemby/dsm-storage-node/pkg/types"
)

// StoreResult is returned by a successful Store call.
type StoreResult struct {
	BlindedID string
	Timestamp int64
	Status    string
}

const (
	StatusCreated = "created"
	StatusUpdated = "updated"
)

// policyKeyPrefix namespaces policy documents within the same
// key space as ordinary entries, per §4.1's reserved
// "policy:<id>" convention.
const policyKeyPrefix = "policy:"

// PolicyKey returns the reserved storage key for policy id.
func PolicyKey(id string) string {
	return policyKeyPrefix + id
}

// IsPolicyKey reports whether blindedID is a reserved policy key.
func IsPolicyKey(blindedID string) bool {
	return len(blindedID) > len(policyKeyPrefix) && blindedID[:len(policyKeyPrefix)] == policyKeyPrefix
}

// Backend is the capability surface of §4.1, implemented
// identically (modulo persistence strategy) by every concrete
// backend. All methods are safe for concurrent use.
type Backend interface {
	Store(ctx context.Context, entry *types.BlindedEntry) (StoreResult, error)
	Retrieve(ctx context.Context, blindedID string) (*types.BlindedEntry, bool, error)
	Delete(ctx context.Context, blindedID string) (bool, error)
	Exists(ctx context.Context, blindedID string) (bool, error)
	List(ctx context.Context, limit, offset int) ([]string, error)
	GetStats(ctx context.Context) (types.StorageStats, error)

	// Policy sub-surface: identical semantics over the "policy:<id>"
	// key namespace.
	StorePolicy(ctx context.Context, id string, policy []byte) error
	GetPolicy(ctx context.Context, id string) ([]byte, bool, error)
	ListPolicies(ctx context.Context) ([]string, error)
	RemovePolicy(ctx context.Context, id string) (bool, error)

	// Changes emits one Change per committed write (store or delete).
	Changes() <-chan events.Change
	// Conflicts emits one Conflict per reconciliation conflict
	// observed while applying a remote write. Backends without
	// built-in reconciliation (e.g. a bare in-memory or SQL backend)
	// never publish on this stream; only pkg/storage/distributed does.
	Conflicts() <-chan events.Conflict

	Close() error
}

// Now returns the wall clock used for expiry and future-skew checks.
// A package-level var so tests can deterministically freeze time.
var Now = time.Now

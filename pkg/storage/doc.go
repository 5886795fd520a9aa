// Package storage defines the Backend contract shared by every
// storage implementation: store/retrieve/delete/exists/list/
// get_stats, a policy sub-surface over a reserved key namespace, and
// the changes/conflicts streams consumed by upper layers. See
// pkg/storage/memorybackend, pkg/storage/sqlbackend and
// pkg/storage/distributed for concrete backends.
package storage

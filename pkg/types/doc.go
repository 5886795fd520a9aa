// Package types defines the storage node's core data model: the
// BlindedEntry unit of storage, its epidemic-engine augmentation, and
// the peer/node descriptors used by topology and routing.
//
// Canonical encoding and proof_hash computation live here because
// every subsystem that hashes or verifies an entry — storage
// backends, the reconciliation engine, and the digest generator
// through each entry's proof_hash — needs the same byte-for-byte
// serialization. The transport encodes entries with gob instead.
package types

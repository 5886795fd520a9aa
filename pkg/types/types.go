// Package types defines the core data model shared across storage
// backends, the epidemic engine, and the topology layer: blinded
// entries, their validation rules, canonical wire encoding and
// proof-hash computation.
package types

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"sort"
	"time"

	"github.com/cuemby/dsm-storage-node/pkg/dsmerr"
	"github.com/cuemby/dsm-storage-node/pkg/vclock"
)

const (
	MaxBlindedIDBytes   = 512
	MaxPayloadBytes     = 100 * 1024 * 1024
	MaxRegionBytes      = 64
	MaxMetadataEntries  = 100
	MaxMetadataKeyBytes = 256
	MaxMetadataValBytes = 1024
	MinPriority         = -1000
	MaxPriority         = 1000
	MaxFutureSkew       = 300 * time.Second
)

// ConnectionType classifies how a peer was learned about.
type ConnectionType string

const (
	ConnStructural ConnectionType = "structural"
	ConnLongRange  ConnectionType = "long_range"
	ConnGeographic ConnectionType = "geographic"
	ConnReputation ConnectionType = "reputation"
)

// BlindedEntry is the universal unit of storage: an opaque,
// client-encrypted payload addressed by blinded_id. The node never
// interprets encrypted_payload; it only stores, replicates and proves
// the integrity of the bytes it was given.
type BlindedEntry struct {
	BlindedID        string
	EncryptedPayload []byte
	Timestamp        int64 // seconds since epoch
	TTL              int64 // seconds; 0 = no expiration
	Region           string
	Priority         int32
	ProofHash        [32]byte
	Metadata         map[string]string
}

// Validate checks BlindedEntry against the field-level invariants.
// It does not check ProofHash — callers that mint new entries should
// call ComputeProofHash afterward; callers verifying received entries
// should call VerifyProofHash.
func (e *BlindedEntry) Validate(now time.Time) error {
	const op = "types.BlindedEntry.Validate"
	if e.BlindedID == "" {
		return dsmerr.New(dsmerr.Validation, op, "blinded_id must not be empty")
	}
	if len(e.BlindedID) > MaxBlindedIDBytes {
		return dsmerr.New(dsmerr.Validation, op, "blinded_id exceeds 512 bytes")
	}
	if len(e.EncryptedPayload) > MaxPayloadBytes {
		return dsmerr.New(dsmerr.Validation, op, "encrypted_payload exceeds 100 MB")
	}
	skew := time.Unix(e.Timestamp, 0)
	if skew.After(now.Add(MaxFutureSkew)) {
		return dsmerr.New(dsmerr.Validation, op, "timestamp is more than 300s in the future")
	}
	if e.TTL < 0 {
		return dsmerr.New(dsmerr.Validation, op, "ttl must be non-negative")
	}
	if e.Region == "" || len(e.Region) > MaxRegionBytes {
		return dsmerr.New(dsmerr.Validation, op, "region must be non-empty and at most 64 bytes")
	}
	if e.Priority < MinPriority || e.Priority > MaxPriority {
		return dsmerr.New(dsmerr.Validation, op, "priority out of range [-1000, 1000]")
	}
	if len(e.Metadata) > MaxMetadataEntries {
		return dsmerr.New(dsmerr.Validation, op, "metadata has more than 100 entries")
	}
	for k, v := range e.Metadata {
		if len(k) > MaxMetadataKeyBytes {
			return dsmerr.New(dsmerr.Validation, op, "metadata key exceeds 256 bytes")
		}
		if len(v) > MaxMetadataValBytes {
			return dsmerr.New(dsmerr.Validation, op, "metadata value exceeds 1024 bytes")
		}
	}
	return nil
}

// IsExpired reports whether the entry is expired as of now: ttl > 0
// and now > timestamp + ttl.
func (e *BlindedEntry) IsExpired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.Unix() > e.Timestamp+e.TTL
}

// canonicalBytes returns the §6.3 canonical encoding used both for
// proof_hash computation and for wire serialization:
//
//	blinded_id || payload || timestamp(LE8) || ttl(LE8) || region ||
//	priority(LE4) || proof_hash || metadata_sorted_by_key
//
// The proof_hash field is included as all-zero bytes when computing a
// fresh hash, and as the entry's current value when re-serializing an
// already-hashed entry for the wire.
func (e *BlindedEntry) canonicalBytes(proofHash [32]byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(e.BlindedID)
	buf.Write(e.EncryptedPayload)

	var le8 [8]byte
	binary.LittleEndian.PutUint64(le8[:], uint64(e.Timestamp))
	buf.Write(le8[:])
	binary.LittleEndian.PutUint64(le8[:], uint64(e.TTL))
	buf.Write(le8[:])

	buf.WriteString(e.Region)

	var le4 [4]byte
	binary.LittleEndian.PutUint32(le4[:], uint32(e.Priority))
	buf.Write(le4[:])

	buf.Write(proofHash[:])

	keys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteString(e.Metadata[k])
	}
	return buf.Bytes()
}

// ComputeProofHash derives and sets ProofHash from the canonical
// encoding of every other field (I1).
func (e *BlindedEntry) ComputeProofHash() {
	var zero [32]byte
	e.ProofHash = sha256.Sum256(e.canonicalBytes(zero))
}

// VerifyProofHash recomputes the canonical hash and compares it
// against the stored ProofHash in constant time, satisfying I1.
func (e *BlindedEntry) VerifyProofHash() bool {
	var zero [32]byte
	want := sha256.Sum256(e.canonicalBytes(zero))
	return subtle.ConstantTimeCompare(want[:], e.ProofHash[:]) == 1
}

// WireBytes returns the full canonical encoding including the current
// ProofHash value, suitable for gossip and reconciliation transport.
func (e *BlindedEntry) WireBytes() []byte {
	return e.canonicalBytes(e.ProofHash)
}

// EpidemicEntry augments a BlindedEntry with the bookkeeping the
// epidemic engine needs to order, attribute and rate-limit
// propagation. The vector clock is the conflict-ordering authority;
// timestamps are advisory only.
type EpidemicEntry struct {
	BlindedEntry
	VectorClock       vclock.Clock
	LastModified      time.Time
	LastSync          time.Time
	ReceivedFrom      string // optional source node id, "" if locally authored
	PropagationCount  int
	VerificationCount int
	OriginRegion      string
}

// NodeMetrics tracks the rolling performance signals used by the
// routing layer to prefer healthy, fast peers.
type NodeMetrics struct {
	AvgResponseTime  time.Duration
	SuccessRate      float64
	TransferRate     float64 // bytes/sec
	AvailableStorage int64
}

// NodeInfo describes a known or discovered peer.
type NodeInfo struct {
	NodeID         string // 64 hex chars, 256-bit id
	Endpoint       string
	Region         string
	LastSeen       time.Time
	Reputation     int // 0..100
	Capabilities   []string
	ConnectionType ConnectionType
	Metrics        NodeMetrics
}

// StorageStats is returned by a backend's get_stats operation.
type StorageStats struct {
	TotalEntries int64
	TotalBytes   int64
	TotalExpired int64
	Oldest       time.Time
	Newest       time.Time
	AvgSize      float64
	Regions      map[string]int64
	LastUpdated  time.Time
}

package smt

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/cuemby/dsm-storage-node/pkg/dsmerr"
)

// StateEntry is the leaf shape DSM-state callers commit into the
// tree: a hash-chained record of a single state transition. This
// supplements the distilled contract (the tree itself is
// value-agnostic) with the concrete shape the original system
// actually drives it with.
type StateEntry struct {
	StateHash     [32]byte
	PrevHash      [32]byte
	Operation     string
	BalanceDeltas map[string]int64
	StateIndex    uint64
	Timestamp     time.Time
}

// InsertState serializes entry and inserts it keyed by its own
// StateHash, matching the DSM-state convention of addressing leaves
// by content hash rather than an external key.
func InsertState(t *Tree, entry StateEntry) ([32]byte, error) {
	const op = "smt.InsertState"
	buf, err := encodeStateEntry(entry)
	if err != nil {
		return [32]byte{}, dsmerr.Wrap(dsmerr.Serialization, op, "failed to encode state entry", err)
	}
	key := string(entry.StateHash[:])
	return t.Insert(key, buf, entry.StateIndex), nil
}

// GetState looks up and decodes a previously inserted StateEntry by
// its state hash.
func GetState(t *Tree, stateHash [32]byte) (*StateEntry, bool, error) {
	const op = "smt.GetState"
	raw, ok := t.Get(string(stateHash[:]))
	if !ok {
		return nil, false, nil
	}
	var entry StateEntry
	if err := decodeStateEntry(raw, &entry); err != nil {
		return nil, false, dsmerr.Wrap(dsmerr.Serialization, op, "failed to decode state entry", err)
	}
	return &entry, true, nil
}

func encodeStateEntry(e StateEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeStateEntry(data []byte, out *StateEntry) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(out)
}

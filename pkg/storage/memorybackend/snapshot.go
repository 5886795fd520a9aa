package memorybackend

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"
	"os"

	"github.com/cuemby/dsm-storage-node/pkg/dsmerr"
	"github.com/cuemby/dsm-storage-node/pkg/storage"
	"github.com/cuemby/dsm-storage-node/pkg/types"
)

// snapshot format (§6.2): a length-prefixed sequence of
// (blinded_id, entry) pairs. Each record is a 4-byte little-endian
// length followed by that many gob-encoded bytes. Loading stops at
// the first record it cannot fully read rather than failing the
// whole load — a crash mid-write truncates the tail, not the file.
type snapshotPair struct {
	BlindedID string
	Entry     types.BlindedEntry
}

func (b *Backend) saveSnapshot(path string) error {
	const op = "memorybackend.saveSnapshot"
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return dsmerr.Wrap(dsmerr.Storage, op, "failed to create snapshot file", err)
	}
	w := bufio.NewWriter(f)

	b.mu.RLock()
	pairs := make([]snapshotPair, 0, len(b.entries))
	for id, rec := range b.entries {
		pairs = append(pairs, snapshotPair{BlindedID: id, Entry: *rec.entry})
	}
	b.mu.RUnlock()

	var writeErr error
	for _, p := range pairs {
		var buf bytes.Buffer
		if writeErr = gob.NewEncoder(&buf).Encode(p); writeErr != nil {
			break
		}
		var lenBytes [4]byte
		binary.LittleEndian.PutUint32(lenBytes[:], uint32(buf.Len()))
		if _, writeErr = w.Write(lenBytes[:]); writeErr != nil {
			break
		}
		if _, writeErr = w.Write(buf.Bytes()); writeErr != nil {
			break
		}
	}
	if writeErr == nil {
		writeErr = w.Flush()
	}
	closeErr := f.Close()
	if writeErr != nil {
		os.Remove(tmp)
		return dsmerr.Wrap(dsmerr.Storage, op, "failed to write snapshot", writeErr)
	}
	if closeErr != nil {
		return dsmerr.Wrap(dsmerr.Storage, op, "failed to close snapshot file", closeErr)
	}
	return os.Rename(tmp, path)
}

func (b *Backend) loadSnapshot(path string) error {
	const op = "memorybackend.loadSnapshot"
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return dsmerr.Wrap(dsmerr.Storage, op, "failed to open snapshot file", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	now := storage.Now()
	for {
		var lenBytes [4]byte
		if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
			break // truncated or EOF: stop at first unreadable record
		}
		size := binary.LittleEndian.Uint32(lenBytes[:])
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			break
		}
		var pair snapshotPair
		if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&pair); err != nil {
			break
		}
		if pair.Entry.IsExpired(now) {
			continue
		}
		sz := int64(len(pair.Entry.EncryptedPayload)) + int64(len(pair.BlindedID))
		entry := pair.Entry
		b.entries[pair.BlindedID] = &record{entry: &entry, size: sz, insertedAt: now, lastUsed: now}
		b.seq = append(b.seq, pair.BlindedID)
		b.bytes += sz
	}
	return nil
}

package topology

import (
	"bytes"
	"encoding/gob"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/dsm-storage-node/pkg/dsmerr"
	"github.com/cuemby/dsm-storage-node/pkg/types"
)

var peersBucket = []byte("peers")

// SavePeerTable persists every currently known peer into a single
// bbolt bucket keyed by node id, so a restarted node can re-seed its
// topology without a fresh discovery scan.
func (t *Topology) SavePeerTable(path string) error {
	const op = "topology.SavePeerTable"
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return dsmerr.Wrap(dsmerr.Storage, op, "failed to open peer table file", err)
	}
	defer db.Close()

	peers := t.AllPeers()
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(peersBucket)
		if err != nil {
			return err
		}
		for _, p := range peers {
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(p); err != nil {
				return err
			}
			if err := b.Put([]byte(p.NodeID), buf.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return dsmerr.Wrap(dsmerr.Storage, op, "failed to write peer table", err)
	}
	return nil
}

// LoadPeerTable reloads a previously saved peer table and re-admits
// every entry through AddPeer, preserving the normal admission
// priority rules rather than blindly restoring connection-set
// assignments.
func (t *Topology) LoadPeerTable(path string) error {
	const op = "topology.LoadPeerTable"
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return nil
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return dsmerr.Wrap(dsmerr.Storage, op, "failed to open peer table file", err)
	}
	defer db.Close()

	var loaded []types.NodeInfo
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(peersBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var info types.NodeInfo
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&info); err != nil {
				return err
			}
			loaded = append(loaded, info)
			return nil
		})
	})
	if err != nil {
		return dsmerr.Wrap(dsmerr.Storage, op, "failed to read peer table", err)
	}
	for _, info := range loaded {
		_ = t.AddPeer(info)
	}
	return nil
}

// Package sqlbackend implements the embedded SQL storage backend of
// §4.1(b): a single-file SQLite relational store with an
// entries table and a metadata table, following the schema of
// §6.2.
package sqlbackend

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cuemby/dsm-storage-node/pkg/dsmerr"
	"github.com/cuemby/dsm-storage-node/pkg/events"
	"github.com/cuemby/dsm-storage-node/pkg/metrics"
	"github.com/cuemby/dsm-storage-node/pkg/storage"
	"github.com/cuemby/dsm-storage-node/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	blinded_id TEXT PRIMARY KEY,
	encrypted_payload BLOB,
	timestamp INTEGER,
	ttl INTEGER,
	region TEXT,
	priority INTEGER,
	proof_hash BLOB
);
CREATE INDEX IF NOT EXISTS idx_entries_timestamp ON entries(timestamp);

CREATE TABLE IF NOT EXISTS metadata (
	blinded_id TEXT,
	key TEXT,
	value TEXT,
	PRIMARY KEY (blinded_id, key),
	FOREIGN KEY (blinded_id) REFERENCES entries(blinded_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_metadata_blinded_id ON metadata(blinded_id);
`

// Backend is the database/sql + mattn/go-sqlite3 storage.Backend
// implementation.
type Backend struct {
	db *sql.DB

	changes   chan events.Change
	conflicts chan events.Conflict
}

var _ storage.Backend = (*Backend)(nil)

// Open opens (creating if necessary) a SQLite database at path in
// WAL mode with foreign keys enforced, and ensures the schema exists.
func Open(path string) (*Backend, error) {
	const op = "sqlbackend.Open"
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, dsmerr.Wrap(dsmerr.Storage, op, "failed to open sqlite database", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver: serialize writers, avoid SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, dsmerr.Wrap(dsmerr.Storage, op, "failed to apply schema", err)
	}
	return &Backend{
		db:        db,
		changes:   make(chan events.Change, 256),
		conflicts: make(chan events.Conflict, 64),
	}, nil
}

// Store upserts entry: one transaction replaces the entries row, a
// second transaction replaces metadata rows (delete-then-insert), per
// §4.1(b).
func (b *Backend) Store(ctx context.Context, entry *types.BlindedEntry) (storage.StoreResult, error) {
	const op = "sqlbackend.Store"
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StorageOpDuration, "sql", "store")

	now := storage.Now()
	if err := entry.Validate(now); err != nil {
		return storage.StoreResult{}, err
	}
	if entry.ProofHash == ([32]byte{}) {
		entry.ComputeProofHash()
	} else if !entry.VerifyProofHash() {
		return storage.StoreResult{}, dsmerr.New(dsmerr.Integrity, op, "proof_hash does not match canonical content")
	}

	status := storage.StatusCreated
	if exists, err := b.Exists(ctx, entry.BlindedID); err == nil && exists {
		status = storage.StatusUpdated
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.StoreResult{}, dsmerr.Wrap(dsmerr.Storage, op, "failed to begin entries transaction", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries (blinded_id, encrypted_payload, timestamp, ttl, region, priority, proof_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(blinded_id) DO UPDATE SET
			encrypted_payload=excluded.encrypted_payload,
			timestamp=excluded.timestamp,
			ttl=excluded.ttl,
			region=excluded.region,
			priority=excluded.priority,
			proof_hash=excluded.proof_hash
	`, entry.BlindedID, entry.EncryptedPayload, entry.Timestamp, entry.TTL, entry.Region, entry.Priority, entry.ProofHash[:])
	if err != nil {
		tx.Rollback()
		return storage.StoreResult{}, dsmerr.Wrap(dsmerr.Storage, op, "failed to upsert entry row", err)
	}
	if err := tx.Commit(); err != nil {
		return storage.StoreResult{}, dsmerr.Wrap(dsmerr.Storage, op, "failed to commit entry row", err)
	}

	mtx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.StoreResult{}, dsmerr.Wrap(dsmerr.Storage, op, "failed to begin metadata transaction", err)
	}
	if _, err := mtx.ExecContext(ctx, `DELETE FROM metadata WHERE blinded_id = ?`, entry.BlindedID); err != nil {
		mtx.Rollback()
		return storage.StoreResult{}, dsmerr.Wrap(dsmerr.Storage, op, "failed to clear prior metadata", err)
	}
	for k, v := range entry.Metadata {
		if _, err := mtx.ExecContext(ctx, `INSERT INTO metadata (blinded_id, key, value) VALUES (?, ?, ?)`, entry.BlindedID, k, v); err != nil {
			mtx.Rollback()
			return storage.StoreResult{}, dsmerr.Wrap(dsmerr.Storage, op, "failed to insert metadata row", err)
		}
	}
	if err := mtx.Commit(); err != nil {
		return storage.StoreResult{}, dsmerr.Wrap(dsmerr.Storage, op, "failed to commit metadata", err)
	}

	select {
	case b.changes <- events.Change{BlindedID: entry.BlindedID, Timestamp: now}:
	default:
	}
	return storage.StoreResult{BlindedID: entry.BlindedID, Timestamp: entry.Timestamp, Status: status}, nil
}

// Retrieve loads the entries row and its metadata, returning
// (nil, false, nil) for an absent or expired entry.
func (b *Backend) Retrieve(ctx context.Context, blindedID string) (*types.BlindedEntry, bool, error) {
	const op = "sqlbackend.Retrieve"
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StorageOpDuration, "sql", "retrieve")

	row := b.db.QueryRowContext(ctx, `
		SELECT encrypted_payload, timestamp, ttl, region, priority, proof_hash
		FROM entries WHERE blinded_id = ?`, blindedID)

	entry := &types.BlindedEntry{BlindedID: blindedID, Metadata: map[string]string{}}
	var proofHash []byte
	if err := row.Scan(&entry.EncryptedPayload, &entry.Timestamp, &entry.TTL, &entry.Region, &entry.Priority, &proofHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, dsmerr.Wrap(dsmerr.Storage, op, "failed to query entry row", err)
	}
	copy(entry.ProofHash[:], proofHash)

	if entry.IsExpired(storage.Now()) {
		return nil, false, nil
	}

	rows, err := b.db.QueryContext(ctx, `SELECT key, value FROM metadata WHERE blinded_id = ?`, blindedID)
	if err != nil {
		return nil, false, dsmerr.Wrap(dsmerr.Storage, op, "failed to query metadata", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, false, dsmerr.Wrap(dsmerr.Storage, op, "failed to scan metadata row", err)
		}
		entry.Metadata[k] = v
	}
	return entry, true, nil
}

// Delete removes the entries row (metadata cascades) and reports
// whether a row existed.
func (b *Backend) Delete(ctx context.Context, blindedID string) (bool, error) {
	const op = "sqlbackend.Delete"
	res, err := b.db.ExecContext(ctx, `DELETE FROM entries WHERE blinded_id = ?`, blindedID)
	if err != nil {
		return false, dsmerr.Wrap(dsmerr.Storage, op, "failed to delete entry row", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dsmerr.Wrap(dsmerr.Storage, op, "failed to read rows affected", err)
	}
	if n > 0 {
		select {
		case b.changes <- events.Change{BlindedID: blindedID, Deleted: true, Timestamp: storage.Now()}:
		default:
		}
	}
	return n > 0, nil
}

// Exists is a cheap existence probe that still honors TTL expiry.
func (b *Backend) Exists(ctx context.Context, blindedID string) (bool, error) {
	const op = "sqlbackend.Exists"
	var timestamp, ttl int64
	err := b.db.QueryRowContext(ctx, `SELECT timestamp, ttl FROM entries WHERE blinded_id = ?`, blindedID).Scan(&timestamp, &ttl)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, dsmerr.Wrap(dsmerr.Storage, op, "failed to probe entry row", err)
	}
	e := &types.BlindedEntry{Timestamp: timestamp, TTL: ttl}
	return !e.IsExpired(storage.Now()), nil
}

// List returns blinded_ids in lexicographic order, skipping expired
// entries, honoring limit/offset.
func (b *Backend) List(ctx context.Context, limit, offset int) ([]string, error) {
	const op = "sqlbackend.List"
	now := storage.Now().Unix()
	query := `
		SELECT blinded_id FROM entries
		WHERE (ttl = 0 OR ? <= timestamp + ttl)
		AND blinded_id NOT LIKE 'policy:%'
		ORDER BY blinded_id`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dsmerr.Wrap(dsmerr.Storage, op, "failed to list entries", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, dsmerr.Wrap(dsmerr.Storage, op, "failed to scan entry id", err)
		}
		ids = append(ids, id)
	}
	if limit <= 0 && offset > 0 {
		if offset >= len(ids) {
			return nil, nil
		}
		ids = ids[offset:]
	}
	return ids, nil
}

// GetStats aggregates entry counts and sizes directly in SQL.
func (b *Backend) GetStats(ctx context.Context) (types.StorageStats, error) {
	const op = "sqlbackend.GetStats"
	now := storage.Now().Unix()
	stats := types.StorageStats{Regions: make(map[string]int64), LastUpdated: storage.Now()}

	row := b.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(LENGTH(encrypted_payload)), 0),
		       MIN(timestamp), MAX(timestamp)
		FROM entries WHERE (ttl = 0 OR ? <= timestamp + ttl) AND blinded_id NOT LIKE 'policy:%'`, now)
	var oldest, newest sql.NullInt64
	if err := row.Scan(&stats.TotalEntries, &stats.TotalBytes, &oldest, &newest); err != nil {
		return stats, dsmerr.Wrap(dsmerr.Storage, op, "failed to aggregate stats", err)
	}
	if oldest.Valid {
		stats.Oldest = time.Unix(oldest.Int64, 0)
	}
	if newest.Valid {
		stats.Newest = time.Unix(newest.Int64, 0)
	}
	if stats.TotalEntries > 0 {
		stats.AvgSize = float64(stats.TotalBytes) / float64(stats.TotalEntries)
	}

	expRow := b.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM entries WHERE ttl > 0 AND ? > timestamp + ttl`, now)
	if err := expRow.Scan(&stats.TotalExpired); err != nil {
		return stats, dsmerr.Wrap(dsmerr.Storage, op, "failed to count expired entries", err)
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT region, COUNT(*) FROM entries
		WHERE (ttl = 0 OR ? <= timestamp + ttl) AND blinded_id NOT LIKE 'policy:%'
		GROUP BY region`, now)
	if err != nil {
		return stats, dsmerr.Wrap(dsmerr.Storage, op, "failed to group by region", err)
	}
	defer rows.Close()
	for rows.Next() {
		var region string
		var count int64
		if err := rows.Scan(&region, &count); err != nil {
			return stats, dsmerr.Wrap(dsmerr.Storage, op, "failed to scan region row", err)
		}
		stats.Regions[region] = count
	}
	return stats, nil
}

func (b *Backend) StorePolicy(ctx context.Context, id string, policy []byte) error {
	_, err := b.Store(ctx, &types.BlindedEntry{
		BlindedID:        storage.PolicyKey(id),
		EncryptedPayload: policy,
		Timestamp:        storage.Now().Unix(),
		Region:           "_policy",
		Metadata:         map[string]string{},
	})
	return err
}

func (b *Backend) GetPolicy(ctx context.Context, id string) ([]byte, bool, error) {
	entry, ok, err := b.Retrieve(ctx, storage.PolicyKey(id))
	if err != nil || !ok {
		return nil, ok, err
	}
	return entry.EncryptedPayload, true, nil
}

func (b *Backend) ListPolicies(ctx context.Context) ([]string, error) {
	const op = "sqlbackend.ListPolicies"
	rows, err := b.db.QueryContext(ctx, `SELECT blinded_id FROM entries WHERE blinded_id LIKE 'policy:%' ORDER BY blinded_id`)
	if err != nil {
		return nil, dsmerr.Wrap(dsmerr.Storage, op, "failed to list policies", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, dsmerr.Wrap(dsmerr.Storage, op, "failed to scan policy id", err)
		}
		ids = append(ids, id[len("policy:"):])
	}
	return ids, nil
}

func (b *Backend) RemovePolicy(ctx context.Context, id string) (bool, error) {
	return b.Delete(ctx, storage.PolicyKey(id))
}

func (b *Backend) Changes() <-chan events.Change     { return b.changes }
func (b *Backend) Conflicts() <-chan events.Conflict { return b.conflicts }

// Close closes the underlying database handle.
func (b *Backend) Close() error {
	return b.db.Close()
}

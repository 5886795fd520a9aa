package sqlbackend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/dsm-storage-node/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Backend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.db")
	b, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func entry(id string) *types.BlindedEntry {
	return &types.BlindedEntry{
		BlindedID:        id,
		EncryptedPayload: []byte("payload-" + id),
		Timestamp:        time.Now().Unix(),
		Region:           "us-east",
		Priority:         1,
		Metadata:         map[string]string{"a": "1", "b": "2"},
	}
}

func TestSQLStoreRetrieveRoundTrip(t *testing.T) {
	b := openTest(t)
	ctx := context.Background()

	res, err := b.Store(ctx, entry("e1"))
	require.NoError(t, err)
	assert.Equal(t, "created", res.Status)

	got, ok, err := b.Retrieve(ctx, "e1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "payload-e1", string(got.EncryptedPayload))
	assert.Equal(t, "1", got.Metadata["a"])
}

func TestSQLStoreIsUpsert(t *testing.T) {
	b := openTest(t)
	ctx := context.Background()

	_, err := b.Store(ctx, entry("e1"))
	require.NoError(t, err)

	e2 := entry("e1")
	e2.Metadata = map[string]string{"only": "this"}
	res, err := b.Store(ctx, e2)
	require.NoError(t, err)
	assert.Equal(t, "updated", res.Status)

	got, ok, err := b.Retrieve(ctx, "e1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"only": "this"}, got.Metadata)
}

func TestSQLDeleteCascadesMetadata(t *testing.T) {
	b := openTest(t)
	ctx := context.Background()

	_, err := b.Store(ctx, entry("e1"))
	require.NoError(t, err)

	ok, err := b.Delete(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, ok)

	var count int
	require.NoError(t, b.db.QueryRow(`SELECT COUNT(*) FROM metadata WHERE blinded_id = ?`, "e1").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestSQLListSkipsExpiredAndPolicies(t *testing.T) {
	b := openTest(t)
	ctx := context.Background()

	_, err := b.Store(ctx, entry("b"))
	require.NoError(t, err)
	_, err = b.Store(ctx, entry("a"))
	require.NoError(t, err)

	expired := entry("c")
	expired.Timestamp = time.Now().Add(-10 * time.Second).Unix()
	expired.TTL = 1
	_, err = b.Store(ctx, expired)
	require.NoError(t, err)

	require.NoError(t, b.StorePolicy(ctx, "p1", []byte("policy")))

	ids, err := b.List(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestSQLGetStats(t *testing.T) {
	b := openTest(t)
	ctx := context.Background()

	_, err := b.Store(ctx, entry("a"))
	require.NoError(t, err)
	_, err = b.Store(ctx, entry("b"))
	require.NoError(t, err)

	stats, err := b.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.TotalEntries)
	assert.Equal(t, int64(2), stats.Regions["us-east"])
}

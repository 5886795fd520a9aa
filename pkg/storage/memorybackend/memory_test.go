package memorybackend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/dsm-storage-node/pkg/dsmerr"
	"github.com/cuemby/dsm-storage-node/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(id string, payload string) *types.BlindedEntry {
	return &types.BlindedEntry{
		BlindedID:        id,
		EncryptedPayload: []byte(payload),
		Timestamp:        time.Now().Unix(),
		Region:           "us-east",
		Metadata:         map[string]string{},
	}
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	b, err := New(Config{})
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	res, err := b.Store(ctx, entry("e1", "payload"))
	require.NoError(t, err)
	assert.Equal(t, "created", res.Status)

	got, ok, err := b.Retrieve(ctx, "e1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "payload", string(got.EncryptedPayload))
}

func TestStoreRejectsInvalidEntry(t *testing.T) {
	b, err := New(Config{})
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Store(context.Background(), entry("", "payload"))
	require.Error(t, err)
	assert.Equal(t, dsmerr.Validation, dsmerr.KindOf(err))
}

func TestRetrieveExpiredEntryIsInvisible(t *testing.T) {
	b, err := New(Config{})
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	e := entry("e1", "payload")
	e.Timestamp = time.Now().Add(-10 * time.Second).Unix()
	e.TTL = 5
	_, err = b.Store(ctx, e)
	require.NoError(t, err)

	_, ok, err := b.Retrieve(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteReturnsTrueOnlyWhenPresent(t *testing.T) {
	b, err := New(Config{})
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	_, err = b.Store(ctx, entry("e1", "payload"))
	require.NoError(t, err)

	ok, err := b.Delete(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Delete(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListIsLexicographicAndPaginated(t *testing.T) {
	b, err := New(Config{})
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		_, err := b.Store(ctx, entry(id, "x"))
		require.NoError(t, err)
	}

	ids, err := b.List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	ids, err = b.List(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}

func TestEvictionRespectsMaxEntries(t *testing.T) {
	b, err := New(Config{MaxEntries: 2, Eviction: EvictionFIFO})
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	for _, id := range []string{"e1", "e2", "e3"} {
		_, err := b.Store(ctx, entry(id, "x"))
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, b.Len(), 2)
	_, ok, err := b.Retrieve(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, ok, "oldest entry should have been evicted under FIFO")
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.bin")

	b, err := New(Config{SnapshotPath: path})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = b.Store(ctx, entry("e1", "payload"))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	reloaded, err := New(Config{SnapshotPath: path})
	require.NoError(t, err)
	defer reloaded.Close()

	got, ok, err := reloaded.Retrieve(ctx, "e1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "payload", string(got.EncryptedPayload))
}

func TestPolicySubSurface(t *testing.T) {
	b, err := New(Config{})
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, b.StorePolicy(ctx, "p1", []byte("policy-bytes")))

	got, ok, err := b.GetPolicy(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "policy-bytes", string(got))

	ids, err := b.ListPolicies(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, ids)

	// policy keys must not leak into List()
	dataIDs, err := b.List(ctx, 10, 0)
	require.NoError(t, err)
	assert.NotContains(t, dataIDs, "policy:p1")

	ok, err = b.RemovePolicy(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, ok)
}

package smt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAndGet(t *testing.T) {
	tr := New()
	tr.Insert("k1", []byte("v1"), 1)
	tr.Insert("k2", []byte("v2"), 2)

	v, ok := tr.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "v1", string(v))

	_, ok = tr.Get("missing")
	assert.False(t, ok)
}

func TestRootChangesOnInsert(t *testing.T) {
	tr := New()
	r0 := tr.Root()
	tr.Insert("k1", []byte("v1"), 1)
	r1 := tr.Root()
	assert.NotEqual(t, r0, r1)
	tr.Insert("k2", []byte("v2"), 2)
	r2 := tr.Root()
	assert.NotEqual(t, r1, r2)
}

func TestProveAndVerifyMembership(t *testing.T) {
	tr := New()
	tr.Insert("k1", []byte("v1"), 1)
	tr.Insert("k2", []byte("v2"), 2)
	tr.Insert("k3", []byte("v3"), 3)

	proof, err := tr.ProveMembership("k2")
	require.NoError(t, err)
	assert.True(t, tr.Verify(proof, "k2"))
}

func TestProveMembershipMissingKeyErrors(t *testing.T) {
	tr := New()
	tr.Insert("k1", []byte("v1"), 1)
	_, err := tr.ProveMembership("missing")
	assert.Error(t, err)
}

func TestProveNonMembership(t *testing.T) {
	tr := New()
	tr.Insert("k1", []byte("v1"), 1)
	tr.Insert("k2", []byte("v2"), 2)

	proof, err := tr.ProveNonMembership("missing")
	require.NoError(t, err)
	assert.True(t, tr.Verify(proof, "missing"))
}

func TestProveNonMembershipOnPresentKeyErrors(t *testing.T) {
	tr := New()
	tr.Insert("k1", []byte("v1"), 1)
	_, err := tr.ProveNonMembership("k1")
	assert.Error(t, err)
}

func TestVerifyRejectsTamperedProof(t *testing.T) {
	tr := New()
	tr.Insert("k1", []byte("v1"), 1)
	tr.Insert("k2", []byte("v2"), 2)

	proof, err := tr.ProveMembership("k1")
	require.NoError(t, err)
	proof.LeafValue = []byte("tampered")
	assert.False(t, tr.Verify(proof, "k1"))
}

func TestVerifyRejectsProofForWrongKey(t *testing.T) {
	tr := New()
	tr.Insert("k1", []byte("v1"), 1)
	tr.Insert("k2", []byte("v2"), 2)
	tr.Insert("k3", []byte("v3"), 3)

	proof, err := tr.ProveMembership("k1")
	require.NoError(t, err)
	assert.True(t, tr.Verify(proof, "k1"))
	assert.False(t, tr.Verify(proof, "k2"))
	assert.False(t, tr.Verify(proof, "some-unrelated-key"))
}

func TestDSMStateInsertAndGet(t *testing.T) {
	tr := New()
	entry := StateEntry{
		Operation:     "transfer",
		BalanceDeltas: map[string]int64{"acct-1": -10, "acct-2": 10},
		StateIndex:    1,
	}
	entry.StateHash[0] = 0xAB

	_, err := InsertState(tr, entry)
	require.NoError(t, err)

	got, ok, err := GetState(tr, entry.StateHash)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "transfer", got.Operation)
	assert.Equal(t, int64(-10), got.BalanceDeltas["acct-1"])
}

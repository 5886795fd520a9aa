package digest

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/cuemby/dsm-storage-node/pkg/vclock"
	"github.com/stretchr/testify/assert"
)

func src(id, region string, ts int64) Source {
	return Source{
		BlindedID:    id,
		Region:       region,
		LastModified: time.Unix(ts, 0),
		Timestamp:    ts,
		ContentHash:  sha256.Sum256([]byte(id)),
		VectorClock:  vclock.Clock{"n1": uint64(ts)},
	}
}

func TestGenerateFullCapsToMostRecent(t *testing.T) {
	entries := []Source{src("a", "r1", 1), src("b", "r1", 2), src("c", "r1", 3)}
	d := GenerateFull(entries, 2)
	assert.True(t, d.MaxedOut)
	assert.Len(t, d.Entries, 2)
	_, hasC := d.Entries["c"]
	_, hasB := d.Entries["b"]
	assert.True(t, hasC)
	assert.True(t, hasB)
}

func TestGenerateRegionFiltersByRegion(t *testing.T) {
	entries := []Source{src("a", "r1", 1), src("b", "r2", 2)}
	d := GenerateRegion(entries, "r1", 0)
	assert.Len(t, d.Entries, 1)
	_, ok := d.Entries["a"]
	assert.True(t, ok)
}

func TestCompareDetectsConflictsAndDiffs(t *testing.T) {
	a := GenerateFull([]Source{src("x", "r1", 1), src("y", "r1", 2)}, 0)
	bEntries := []Source{src("x", "r1", 1), src("z", "r1", 3)}
	bEntries[0].ContentHash = sha256.Sum256([]byte("different"))
	b := GenerateFull(bEntries, 0)

	cmp := Compare(a, b)
	assert.Equal(t, []string{"x"}, cmp.Conflicts)
	assert.Equal(t, []string{"y"}, cmp.OnlyInFirst)
	assert.Equal(t, []string{"z"}, cmp.OnlyInSecond)
}

func TestBloomDigestIsOrderIndependent(t *testing.T) {
	d1 := GenerateBloom([]Source{src("a", "r", 1), src("b", "r", 2)})
	d2 := GenerateBloom([]Source{src("b", "r", 2), src("a", "r", 1)})
	assert.Equal(t, d1.RootHash, d2.RootHash)
}

func TestMerkleDigestIsDeterministic(t *testing.T) {
	entries := []Source{src("a", "r", 1), src("b", "r", 2), src("c", "r", 3)}
	d1 := GenerateMerkle(entries)
	d2 := GenerateMerkle(entries)
	assert.Equal(t, d1.RootHash, d2.RootHash)
}

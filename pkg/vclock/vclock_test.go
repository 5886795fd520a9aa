package vclock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompareEqual(t *testing.T) {
	a := Clock{"n1": 2, "n2": 3}
	b := Clock{"n1": 2, "n2": 3}
	assert.Equal(t, Equal, a.Compare(b))
}

func TestCompareHappensBeforeAndAfter(t *testing.T) {
	a := Clock{"n1": 1}
	b := Clock{"n1": 2}
	assert.Equal(t, HappensBefore, a.Compare(b))
	assert.Equal(t, HappensAfter, b.Compare(a))
}

func TestCompareConcurrent(t *testing.T) {
	a := Clock{"n1": 2, "n2": 0}
	b := Clock{"n1": 1, "n2": 1}
	assert.Equal(t, Concurrent, a.Compare(b))
}

func TestMergeTakesPointwiseMax(t *testing.T) {
	a := Clock{"n1": 5, "n2": 1}
	b := Clock{"n1": 2, "n3": 7}
	merged := a.Merge(b)
	assert.Equal(t, uint64(5), merged.Get("n1"))
	assert.Equal(t, uint64(1), merged.Get("n2"))
	assert.Equal(t, uint64(7), merged.Get("n3"))

	// Merge must not mutate either input.
	assert.Equal(t, uint64(5), a.Get("n1"))
	assert.Equal(t, uint64(0), a.Get("n3"))
}

func TestIncrementAdvancesOwnNode(t *testing.T) {
	c := New()
	assert.Equal(t, uint64(1), c.Increment("n1"))
	assert.Equal(t, uint64(2), c.Increment("n1"))
	assert.Equal(t, uint64(0), c.Get("n2"))
}

func TestCloneIsIndependent(t *testing.T) {
	a := Clock{"n1": 1}
	b := a.Clone()
	b.Increment("n1")
	assert.Equal(t, uint64(1), a.Get("n1"))
	assert.Equal(t, uint64(2), b.Get("n1"))
}

package reconcile

import (
	"testing"
	"time"

	"github.com/cuemby/dsm-storage-node/pkg/events"
	"github.com/cuemby/dsm-storage-node/pkg/types"
	"github.com/cuemby/dsm-storage-node/pkg/vclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func epEntry(id string, ts int64, clock vclock.Clock, priority int32) types.EpidemicEntry {
	return types.EpidemicEntry{
		BlindedEntry: types.BlindedEntry{
			BlindedID: id,
			Timestamp: ts,
			Region:    "r1",
			Priority:  priority,
			Metadata:  map[string]string{},
		},
		VectorClock: clock,
	}
}

func TestReconcileLastWriteWins(t *testing.T) {
	e := New(Config{DefaultPolicy: LastWriteWins}, nil)
	inputs := []types.EpidemicEntry{
		epEntry("e1", 100, vclock.Clock{"n1": 1}, 0),
		epEntry("e1", 200, vclock.Clock{"n2": 1}, 0),
	}
	winner, _, err := e.Reconcile("e1", inputs)
	require.NoError(t, err)
	assert.Equal(t, int64(200), winner.Timestamp)
	assert.Equal(t, uint64(1), winner.VectorClock.Get("n1"))
	assert.Equal(t, uint64(1), winner.VectorClock.Get("n2"))
	assert.Equal(t, 1, winner.VerificationCount)
}

func TestReconcileHighestPriority(t *testing.T) {
	e := New(Config{DefaultPolicy: HighestPriority}, nil)
	inputs := []types.EpidemicEntry{
		epEntry("e1", 100, vclock.Clock{"n1": 1}, 5),
		epEntry("e1", 50, vclock.Clock{"n2": 1}, 50),
	}
	winner, _, err := e.Reconcile("e1", inputs)
	require.NoError(t, err)
	assert.EqualValues(t, 50, winner.Priority)
}

func TestReconcileHighestVectorClockCoverage(t *testing.T) {
	e := New(Config{DefaultPolicy: HighestVectorClockCoverage}, nil)
	inputs := []types.EpidemicEntry{
		epEntry("e1", 100, vclock.Clock{"n1": 1}, 0),
		epEntry("e1", 50, vclock.Clock{"n1": 1, "n2": 1, "n3": 1}, 0),
	}
	winner, _, err := e.Reconcile("e1", inputs)
	require.NoError(t, err)
	assert.EqualValues(t, 50, winner.Timestamp)
}

func TestReconcileDeterministicMergeMajorityVote(t *testing.T) {
	e := New(Config{DefaultPolicy: DeterministicMerge}, nil)
	a := epEntry("e1", 300, vclock.Clock{"n1": 1}, 0)
	a.Metadata = map[string]string{"k": "v1"}
	b := epEntry("e1", 100, vclock.Clock{"n2": 1}, 0)
	b.Metadata = map[string]string{"k": "v2"}
	c := epEntry("e1", 100, vclock.Clock{"n3": 1}, 0)
	c.Metadata = map[string]string{"k": "v2"}

	winner, _, err := e.Reconcile("e1", []types.EpidemicEntry{a, b, c})
	require.NoError(t, err)
	assert.Equal(t, "v2", winner.Metadata["k"])
}

func TestReconcileSingleInputHasNoConflict(t *testing.T) {
	e := New(Config{}, nil)
	winner, _, err := e.Reconcile("e1", []types.EpidemicEntry{epEntry("e1", 1, vclock.Clock{"n1": 1}, 0)})
	require.NoError(t, err)
	assert.NotNil(t, winner)
	assert.Empty(t, e.ConflictHistory())
}

func TestApplyRejectsStaleDelta(t *testing.T) {
	base := epEntry("e1", 1, vclock.Clock{"n1": 5}, 0)
	err := Apply(&base, Delta{
		Op:              SetValue,
		Value:           []byte("new"),
		BaseVectorClock: vclock.Clock{"n1": 10}, // ahead of base, invalid
		TargetClock:     vclock.Clock{"n1": 11},
	})
	assert.Error(t, err)
}

func TestApplySetValueAdvancesClock(t *testing.T) {
	base := epEntry("e1", 1, vclock.Clock{"n1": 5}, 0)
	err := Apply(&base, Delta{
		Op:              SetValue,
		Value:           []byte("new-payload"),
		BaseVectorClock: vclock.Clock{"n1": 5},
		TargetClock:     vclock.Clock{"n1": 6},
	})
	require.NoError(t, err)
	assert.Equal(t, "new-payload", string(base.EncryptedPayload))
	assert.Equal(t, uint64(6), base.VectorClock.Get("n1"))
}

func TestPolicyOverridesPerIDThenRegionThenDefault(t *testing.T) {
	e := New(Config{
		DefaultPolicy: LastWriteWins,
		RegionPolicy:  map[string]Policy{"r1": HighestPriority},
		IDPolicy:      map[string]Policy{"special": DeterministicMerge},
	}, nil)

	assert.Equal(t, DeterministicMerge, e.policyFor("special", "r1"))
	assert.Equal(t, HighestPriority, e.policyFor("other", "r1"))
	assert.Equal(t, LastWriteWins, e.policyFor("other", "r2"))
}

func TestConflictIsPublishedOnMultiInputReconcile(t *testing.T) {
	broker := events.NewConflictBroker()
	broker.Start()
	defer broker.Stop()
	e := New(Config{}, broker)

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	inputs := []types.EpidemicEntry{
		epEntry("e1", 100, vclock.Clock{"n1": 1}, 0),
		epEntry("e1", 50, vclock.Clock{"n2": 1}, 0),
	}
	_, _, err := e.Reconcile("e1", inputs)
	require.NoError(t, err)

	select {
	case c := <-sub:
		assert.Equal(t, "e1", c.BlindedID)
	case <-time.After(time.Second):
		t.Fatal("expected a conflict event")
	}
}

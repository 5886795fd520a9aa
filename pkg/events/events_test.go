package events

import (
	"testing"
	"time"

	"github.com/cuemby/dsm-storage-node/pkg/vclock"
	"github.com/stretchr/testify/assert"
)

func TestChangeBrokerPublishSubscribe(t *testing.T) {
	b := NewChangeBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	assert.Equal(t, 1, b.SubscriberCount())

	clock := vclock.New()
	clock.Increment("node-a")
	b.Publish(Change{
		BlindedID:   "blinded-1",
		VectorClock: clock,
		Origin:      "",
		Timestamp:   time.Now(),
	})

	select {
	case got := <-sub:
		assert.Equal(t, "blinded-1", got.BlindedID)
		assert.Equal(t, uint64(1), got.VectorClock.Get("node-a"))
		assert.False(t, got.Deleted)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change event")
	}
}

func TestConflictBrokerDropsWhenSubscriberBufferFull(t *testing.T) {
	b := NewConflictBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	// Fill the subscriber's 50-slot buffer past capacity; excess
	// publishes must be dropped, never block the broadcast loop.
	for i := 0; i < 200; i++ {
		b.Publish(Conflict{
			BlindedID:  "blinded-1",
			Policy:     "last_write_wins",
			Resolution: "blinded-1",
			Timestamp:  time.Now(),
		})
	}

	// Give the broadcast loop a chance to drain into sub.
	time.Sleep(50 * time.Millisecond)

	assert.LessOrEqual(t, len(sub), 50)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewChangeBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, ok := <-sub
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount())
}

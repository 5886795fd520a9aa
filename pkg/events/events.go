package events

import (
	"sync"
	"time"

	"github.com/cuemby/dsm-storage-node/pkg/vclock"
)

// StreamKind distinguishes the two storage-contract streams defined
// by the storage backend: committed writes and reconciliation
// conflicts.
type StreamKind string

const (
	StreamChanges   StreamKind = "changes"
	StreamConflicts StreamKind = "conflicts"
)

// Change is emitted on the changes stream for every committed write
// (store, delete or reconciliation-driven merge), carrying the
// information upper layers need to react without re-reading the
// backend: which entry changed, its resulting vector clock, and the
// origin ("" for a locally authored write, otherwise the peer node id
// the write arrived from).
type Change struct {
	BlindedID   string
	VectorClock vclock.Clock
	Origin      string
	Deleted     bool
	Timestamp   time.Time
}

// Conflict is emitted on the conflicts stream whenever the
// reconciliation engine observes two concurrent versions of the same
// entry, regardless of which policy resolved it.
type Conflict struct {
	BlindedID    string
	LocalClock   vclock.Clock
	RemoteClock  vclock.Clock
	RemoteOrigin string
	Policy       string
	Resolution   string // blinded_id of the entry that won, or "merged"
	Timestamp    time.Time
}

// Subscriber is a channel that receives events of type T.
type Subscriber[T any] chan T

// Broker fans a single stream of events of type T out to any number
// of subscribers without blocking on slow readers.
type Broker[T any] struct {
	subscribers map[Subscriber[T]]bool
	mu          sync.RWMutex
	eventCh     chan T
	stopCh      chan struct{}
}

// NewBroker creates a broker with the standard buffer sizes: 100 for
// the intake channel, 50 per subscriber.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		subscribers: make(map[Subscriber[T]]bool),
		eventCh:     make(chan T, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker[T]) Start() {
	go b.run()
}

// Stop halts the distribution loop. Subscriber channels are left open
// so in-flight reads can drain; callers should still Unsubscribe.
func (b *Broker[T]) Stop() {
	close(b.stopCh)
}

// Subscribe registers a new subscriber and returns its channel.
func (b *Broker[T]) Subscribe() Subscriber[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber[T], 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscriber's channel.
func (b *Broker[T]) Unsubscribe(sub Subscriber[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish enqueues an event for broadcast. Non-blocking except when
// the intake buffer is full, in which case it blocks until either
// space frees up or Stop is called.
func (b *Broker[T]) Publish(event T) {
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker[T]) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker[T]) broadcast(event T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// subscriber buffer full, drop rather than block the stream
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// ChangeBroker and ConflictBroker are the two concrete streams a
// storage backend exposes per the storage contract.
type ChangeBroker = Broker[Change]
type ConflictBroker = Broker[Conflict]

// NewChangeBroker and NewConflictBroker are typed constructors kept
// alongside the generic one for call-site clarity.
func NewChangeBroker() *ChangeBroker     { return NewBroker[Change]() }
func NewConflictBroker() *ConflictBroker { return NewBroker[Conflict]() }

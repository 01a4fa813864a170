package replication

import (
	"sync"

	"github.com/sirupsen/logrus"

	"minidis/internal/metrics"
	"minidis/internal/protocol"
)

// subscriberBuffer bounds each replica writer's queue. A writer that
// falls this far behind is dropped rather than stalling the
// dispatcher.
const subscriberBuffer = 16

// Broadcast fans replicated write frames out to every subscribed
// replica writer. The dispatcher is the single publisher; each replica
// writer owns one subscription.
type Broadcast struct {
	mu   sync.Mutex
	subs map[uint64]*Subscription
	next uint64
	log  *logrus.Entry
}

// Subscription is one replica writer's view of the broadcast. C is
// closed when the subscription is cancelled or dropped on overflow.
type Subscription struct {
	C  <-chan protocol.Frame
	ch chan protocol.Frame
	id uint64
	b  *Broadcast
}

// NewBroadcast creates an empty broadcast hub.
func NewBroadcast() *Broadcast {
	return &Broadcast{
		subs: make(map[uint64]*Subscription),
		log:  logrus.WithField("component", "replication"),
	}
}

// Subscribe registers a new replica writer. Frames published after
// this call are delivered in publish order until Cancel or overflow.
func (b *Broadcast) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan protocol.Frame, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, id: b.next, b: b}
	b.subs[b.next] = sub
	b.next++
	return sub
}

// Cancel removes the subscription and closes its channel. Safe to call
// after an overflow drop.
func (s *Subscription) Cancel() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.remove(s.id)
}

// Publish delivers f to every subscriber. A subscriber with a full
// queue is dropped: its channel closes and its writer terminates.
func (b *Broadcast) Publish(f protocol.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		select {
		case sub.ch <- f:
		default:
			b.log.WithField("subscriber", id).Warn("replica writer lagging, dropping subscription")
			metrics.ReplicaDrops.Inc()
			b.remove(id)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcast) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// remove must be called with the lock held.
func (b *Broadcast) remove(id uint64) {
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

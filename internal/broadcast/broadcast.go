// Package broadcast fans events out to any number of subscribers.
//
// Every subscriber owns an overwrite-oldest ring buffer, so a slow subscriber loses
// its oldest events instead of stalling the publisher. Within a subscriber, events are
// always delivered in publication order.
package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
)

// DefaultBuffer is the per-subscriber buffer size used when none is given
const DefaultBuffer = 64

// Broadcaster publishes values of type T to its subscribers.
type Broadcaster[T any] struct {
	// mu orders Publish against Subscribe/Close so a subscription never misses or
	// receives after its channel is closed.
	mu     sync.RWMutex
	subs   *hashmap.Map[uint64, *Subscription[T]]
	nextID atomic.Uint64
	buffer int
	closed bool
}

// New creates a Broadcaster whose subscribers buffer up to bufferSize values.
func New[T any](bufferSize int) *Broadcaster[T] {
	if bufferSize <= 0 {
		bufferSize = DefaultBuffer
	}
	return &Broadcaster[T]{
		subs:   hashmap.New[uint64, *Subscription[T]](),
		buffer: bufferSize,
	}
}

// Subscribe registers a new subscriber. Subscribing to a closed Broadcaster returns a
// subscription whose channel is already closed.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{
		id:     b.nextID.Add(1),
		ring:   NewRingChannel[T](b.buffer),
		parent: b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.ring.Close()
		return sub
	}
	b.subs.Set(sub.id, sub)
	return sub
}

// Publish delivers v to every current subscriber.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.subs.Range(func(_ uint64, sub *Subscription[T]) bool {
		sub.deliver(v)
		return true
	})
}

// Len returns the number of active subscribers.
func (b *Broadcaster[T]) Len() int {
	return b.subs.Len()
}

// Close closes every subscription and rejects later publications. Idempotent.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.subs.Range(func(id uint64, sub *Subscription[T]) bool {
		sub.ring.Close()
		b.subs.Del(id)
		return true
	})
}

func (b *Broadcaster[T]) unsubscribe(sub *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs.Del(sub.id) {
		sub.ring.Close()
	}
}

// Subscription is one subscriber's view of a Broadcaster.
type Subscription[T any] struct {
	id     uint64
	ring   *RingChannel[T]
	parent *Broadcaster[T]
	// publishers hold the parent read lock, so concurrent Publish calls may deliver
	// to the same ring; dmu keeps each delivery whole.
	dmu sync.Mutex
}

func (s *Subscription[T]) deliver(v T) {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	s.ring.Send(v)
}

// C returns the receive channel. It is closed by Close or when the Broadcaster closes.
func (s *Subscription[T]) C() <-chan T {
	return s.ring.C()
}

// Dropped returns how many values were overwritten because the subscriber fell behind.
func (s *Subscription[T]) Dropped() uint64 {
	return s.ring.Metrics().Overwritten
}

// Close unsubscribes. Idempotent.
func (s *Subscription[T]) Close() {
	s.parent.unsubscribe(s)
}

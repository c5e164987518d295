// Package broadcast implements the small fan-out primitive backing signals
// and states: one publisher, N live subscribers, each subscriber getting
// its own buffered channel. A slow subscriber is dropped rather than ever
// blocking the publisher, per the bus's backpressure policy.
package broadcast

import "sync"

// DefaultSubscriberDepth is the default per-subscriber channel capacity.
const DefaultSubscriberDepth = 10

// Channel is a single named broadcast channel. The zero value is not usable;
// construct with New.
type Channel[T any] struct {
	mu          sync.Mutex
	subscribers map[uint64]chan T
	nextID      uint64
	closed      bool
	depth       int
}

// New creates a Channel with the default subscriber depth.
func New[T any]() *Channel[T] {
	return NewWithDepth[T](DefaultSubscriberDepth)
}

// NewWithDepth creates a Channel whose per-subscriber buffer holds depth
// undelivered values before the subscriber is dropped.
func NewWithDepth[T any](depth int) *Channel[T] {
	return &Channel[T]{
		subscribers: make(map[uint64]chan T),
		depth:       depth,
	}
}

// Subscription is a handle returned by Subscribe.
type Subscription[T any] struct {
	id int64
	ch *Channel[T]
	c  chan T
}

// Receive returns the channel of values pushed to this subscriber. It is
// closed when the subscriber unsubscribes, lags, or the Channel is closed.
func (s *Subscription[T]) Receive() <-chan T {
	return s.c
}

// Unsubscribe removes this subscriber; Receive's channel observes
// end-of-stream.
func (s *Subscription[T]) Unsubscribe() {
	s.ch.remove(uint64(s.id))
}

// Subscribe registers a new subscriber and returns its Subscription.
func (c *Channel[T]) Subscribe() *Subscription[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	ch := make(chan T, c.depth)
	if c.closed {
		close(ch)
		return &Subscription[T]{id: int64(id), ch: c, c: ch}
	}
	c.subscribers[id] = ch
	return &Subscription[T]{id: int64(id), ch: c, c: ch}
}

func (c *Channel[T]) remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.subscribers[id]; ok {
		delete(c.subscribers, id)
		close(ch)
	}
}

// Publish fans v out to every live subscriber. A subscriber whose buffer is
// full is dropped (its Receive channel is closed) instead of blocking this
// call; onLag, if non-nil, is invoked with the dropped subscriber's id.
func (c *Channel[T]) Publish(v T, onLag func(id uint64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	for id, ch := range c.subscribers {
		select {
		case ch <- v:
		default:
			delete(c.subscribers, id)
			close(ch)
			if onLag != nil {
				onLag(id)
			}
		}
	}
}

// Close ends the channel: every live subscriber observes end-of-stream and
// future Subscribe calls get an already-closed channel.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.subscribers {
		delete(c.subscribers, id)
		close(ch)
	}
}

// SubscriberCount reports the number of currently live subscribers.
func (c *Channel[T]) SubscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers)
}

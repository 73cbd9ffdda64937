package ringchan

import "sync"

// Broadcaster fans values out to any number of subscribers. Each subscriber
// owns a RingChannel, so a stalled subscriber loses its oldest values instead
// of blocking the publisher or its peers.
type Broadcaster[T any] struct {
	mu       sync.Mutex
	subs     map[uint64]*RingChannel[T]
	next     uint64
	capacity int
	closed   bool

	// replay, when set, yields the value a new subscriber receives first.
	replay func() (T, bool)
}

// NewBroadcaster creates a Broadcaster whose subscribers buffer up to
// capacity values.
func NewBroadcaster[T any](capacity int) *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[uint64]*RingChannel[T]), capacity: capacity}
}

// WithReplay makes every new subscriber start with the value returned by fn.
func (b *Broadcaster[T]) WithReplay(fn func() (T, bool)) *Broadcaster[T] {
	b.replay = fn
	return b
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes its channel. Subscribing to a closed Broadcaster returns an
// already-closed channel.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	rc := New[T](b.capacity)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		rc.Close()
		return rc.C(), func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = rc
	if b.replay != nil {
		if v, ok := b.replay(); ok {
			rc.Send(v)
		}
	}
	b.mu.Unlock()

	var once sync.Once
	return rc.C(), func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			rc.Close()
		})
	}
}

// Publish delivers v to every subscriber and returns how many of them had to
// drop an older value to make room.
func (b *Broadcaster[T]) Publish(v T) (overwritten int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rc := range b.subs {
		if rc.Send(v) {
			overwritten++
		}
	}
	return overwritten
}

// Len returns the number of active subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are no-ops.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, rc := range b.subs {
		rc.Close()
		delete(b.subs, id)
	}
}

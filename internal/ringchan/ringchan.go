// Package ringchan provides bounded, never-blocking channels for fan-out of
// link events. Producers overwrite the oldest buffered element instead of
// waiting for slow consumers.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a bounded channel with overwrite-oldest semantics.
//
// Producers use Send or TrySend; consumers read C() like a normal channel.
// Producers are serialised internally, so the drop-then-insert step in Send
// can never block on a concurrent producer refilling the slot.
type RingChannel[T any] struct {
	mu      sync.Mutex
	ch      chan T
	closed  bool
	metrics Metrics
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. It is closed by Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element when full.
// It reports whether an element was discarded. Sends after Close are ignored.
func (rc *RingChannel[T]) Send(v T) (dropped bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return false
	}

	select {
	case rc.ch <- v:
	default:
		select {
		case <-rc.ch:
			atomic.AddInt64(&rc.metrics.Overwritten, 1)
			dropped = true
		default:
		}
		rc.ch <- v
	}
	atomic.AddInt64(&rc.metrics.Written, 1)
	return dropped
}

// TrySend inserts v only if there is room.
func (rc *RingChannel[T]) TrySend(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return false
	}
	select {
	case rc.ch <- v:
		atomic.AddInt64(&rc.metrics.Written, 1)
		return true
	default:
		return false
	}
}

// TryReceive attempts a non-blocking receive.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			atomic.AddInt64(&rc.metrics.Processed, 1)
		}
		return v, ok
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int { return len(rc.ch) }

// Cap returns the capacity.
func (rc *RingChannel[T]) Cap() int { return cap(rc.ch) }

// Close closes the receive side. It is safe to call more than once.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if !rc.closed {
		rc.closed = true
		close(rc.ch)
	}
}

// GetMetrics returns a snapshot of the counters.
// Processed only counts reads made through TryReceive.
func (rc *RingChannel[T]) GetMetrics() Metrics {
	return Metrics{
		Processed:   atomic.LoadInt64(&rc.metrics.Processed),
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
	}
}

// Metrics are lock-free counters for a RingChannel.
type Metrics struct {
	Processed   int64
	Written     int64
	Overwritten int64
}

package ingest

import (
	"time"

	"github.com/srg/ionlink/internal/device"
)

// held is an event waiting for its reorder window to close.
type held struct {
	ev      device.TelemetryEvent
	key     device.EventKey
	ts      int64 // unix ms
	seq     uint64
	arrived time.Time
}

// eventHeap orders held events by timestamp, then by arrival. It implements
// container/heap.Interface.
type eventHeap []*held

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].ts != h[j].ts {
		return h[i].ts < h[j].ts
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(*held)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

func (h eventHeap) peek() *held {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/srg/ionlink/internal/device"
)

// Memory is an in-process Sink keyed like the database table.
type Memory struct {
	mu     sync.Mutex
	events map[device.EventKey]device.TelemetryEvent
	order  []device.EventKey
	writes int
}

func NewMemory() *Memory {
	return &Memory{events: make(map[device.EventKey]device.TelemetryEvent)}
}

func (m *Memory) Store(ctx context.Context, ev device.TelemetryEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	key := ev.Key()
	if _, ok := m.events[key]; !ok {
		m.order = append(m.order, key)
	}
	m.events[key] = ev
	return nil
}

// Events returns stored events in timestamp order.
func (m *Memory) Events() []device.TelemetryEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]device.TelemetryEvent, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, m.events[k])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At().Before(out[j].At()) })
	return out
}

// Len returns the number of distinct events.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// Writes returns how many Store calls succeeded, repeats included.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

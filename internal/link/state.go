package link

import (
	"time"

	"github.com/srg/ionlink/internal/device"
)

// State is the connection state a Link broadcasts.
type State string

const (
	StateIdle         State = "idle"
	StateConnected    State = "connected"
	StateSwapped      State = "swapped"
	StateLinkLost     State = "link_lost"
	StateDisconnected State = "disconnected"
)

// StateEvent is one connection-state change.
type StateEvent struct {
	State     State
	Transport device.TransportKind
	Err       error
	At        time.Time
}

// Up reports whether the link has a usable transport in this state.
func (e StateEvent) Up() bool {
	return e.State == StateConnected || e.State == StateSwapped
}

// State returns the most recent state.
func (l *Link) State() StateEvent {
	return l.state.Load().(StateEvent)
}

// States subscribes to state changes. The current state is delivered first.
// The channel closes when the link is closed or cancel is called.
func (l *Link) States() (<-chan StateEvent, func()) {
	return l.states.Subscribe()
}

func (l *Link) setState(ev StateEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	l.state.Store(ev)
	l.states.Publish(ev)
}

// Package pairing drives a filter from power-on to a paired, provisioned
// link:
//
//	PoweredOff → Discovering → Associating → AwaitingDeviceAck → Paired
//
// Failed is reachable from every other state and is terminal. Paired falls
// back to Discovering when its link is lost.
package pairing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/ionlink/internal/device"
	"github.com/srg/ionlink/internal/groutine"
	"github.com/srg/ionlink/internal/link"
	"github.com/srg/ionlink/internal/ringchan"
)

// Transition is one state change. Reason is set when To is Failed or when a
// Paired link was lost.
type Transition struct {
	From   device.PairingState
	To     device.PairingState
	Reason error
	At     time.Time
}

// session is the ephemeral state of one Select call.
type session struct {
	id        string
	selection Selection
	ctx       context.Context
	cancel    context.CancelFunc
	attempts  int
}

type Machine struct {
	logger *logrus.Logger
	opts   Options
	deps   Deps

	mu         sync.Mutex
	state      device.PairingState
	failure    error
	candidates []device.Candidate
	info       device.Info
	session    *session
	active     *link.Link // link of the session in progress or the paired link
	handedOff  *link.Link // link given away by Link; never closed by the machine

	last        atomic.Pointer[Transition]
	transitions *ringchan.Broadcaster[Transition]
}

func New(logger *logrus.Logger, opts *Options, deps Deps) *Machine {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	o := DefaultOptions()
	if opts != nil {
		o = opts.withDefaults()
	}
	m := &Machine{
		logger: logger,
		opts:   o,
		deps:   deps,
		state:  device.PoweredOff,
		info:   device.Info{Transport: device.TransportNone, State: device.PoweredOff},
	}
	m.transitions = ringchan.NewBroadcaster[Transition](32).WithReplay(func() (Transition, bool) {
		t := m.last.Load()
		if t == nil {
			return Transition{}, false
		}
		return *t, true
	})
	return m
}

// State returns the current state.
func (m *Machine) State() device.PairingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the reason the machine failed, or nil.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failure
}

// Info returns what is known about the device.
func (m *Machine) Info() device.Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := m.info
	info.State = m.state
	return info
}

// Candidates returns the candidates of the last Discover, strongest first.
func (m *Machine) Candidates() []device.Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]device.Candidate(nil), m.candidates...)
}

// Transitions subscribes to state changes. The most recent transition, if
// any, is delivered first.
func (m *Machine) Transitions() (<-chan Transition, func()) {
	return m.transitions.Subscribe()
}

// PowerOn starts discovery mode.
func (m *Machine) PowerOn(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != device.PoweredOff {
		return fmt.Errorf("%w: power on from %s", ErrInvalidState, m.state)
	}
	m.transitionLocked(device.Discovering, nil)
	return nil
}

// Discover scans for filters in setup mode for at most ScanTimeout. It only
// proposes: the candidates come back strongest first and nothing is
// selected.
func (m *Machine) Discover(ctx context.Context) ([]device.Candidate, error) {
	m.mu.Lock()
	if m.state != device.Discovering {
		st := m.state
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: discover in %s", ErrInvalidState, st)
	}
	if m.session != nil {
		m.mu.Unlock()
		return nil, ErrSessionActive
	}
	m.mu.Unlock()

	if m.deps.Discoverer == nil {
		return nil, fmt.Errorf("pairing: no discoverer configured")
	}

	scanCtx, cancel := context.WithTimeout(ctx, m.opts.ScanTimeout)
	defer cancel()

	var mu sync.Mutex
	best := map[string]device.Candidate{}
	err := m.deps.Discoverer.Discover(scanCtx, func(c device.Candidate) {
		mu.Lock()
		defer mu.Unlock()
		if prev, ok := best[c.Address]; !ok || c.Signal > prev.Signal {
			best[c.Address] = c
		}
	})
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	mu.Lock()
	all := make([]device.Candidate, 0, len(best))
	for _, c := range best {
		all = append(all, c)
	}
	mu.Unlock()
	found := device.SetupCandidates(all)

	m.mu.Lock()
	m.candidates = found
	m.mu.Unlock()

	m.logger.WithField("candidates", len(found)).Info("Discovery finished")
	return append([]device.Candidate(nil), found...), nil
}

// Cancel abandons the current attempt. The machine ends in
// Failed(UserCancelled) and the link, unless already handed off, is closed
// before Cancel returns.
func (m *Machine) Cancel() {
	m.mu.Lock()
	if m.state.IsTerminal() {
		m.mu.Unlock()
		return
	}
	m.failLocked(&device.PairingError{Kind: device.PairingUserCancelled})
	var cancel context.CancelFunc
	if m.session != nil {
		cancel = m.session.cancel
		m.session = nil
	}
	l := m.releaseLocked()
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if l != nil {
		_ = l.Close()
	}
	m.logger.Info("Pairing cancelled")
}

// Link hands the paired link to the caller, who becomes responsible for
// closing it.
func (m *Machine) Link() (*link.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != device.Paired || m.active == nil {
		return nil, fmt.Errorf("%w: no paired link in %s", ErrInvalidState, m.state)
	}
	m.handedOff = m.active
	return m.active, nil
}

// Close cancels anything in progress and stops the transition stream.
func (m *Machine) Close() {
	m.Cancel()
	m.transitions.Close()
}

// releaseLocked detaches the active link and returns it if the machine
// still owns it.
func (m *Machine) releaseLocked() *link.Link {
	l := m.active
	m.active = nil
	if l == nil || l == m.handedOff {
		return nil
	}
	return l
}

func (m *Machine) transitionLocked(to device.PairingState, reason error) {
	t := Transition{From: m.state, To: to, Reason: reason, At: time.Now()}
	m.state = to
	m.info.State = to
	m.last.Store(&t)
	m.transitions.Publish(t)

	fields := logrus.Fields{"from": t.From, "to": t.To}
	if reason != nil {
		fields["reason"] = reason
	}
	m.logger.WithFields(fields).Info("Pairing state changed")
}

// failLocked moves to Failed unless the machine already failed.
func (m *Machine) failLocked(err error) {
	if m.state.IsTerminal() {
		return
	}
	m.failure = err
	m.transitionLocked(device.Failed, err)
}

// advance moves from → to, or reports false when something else (usually
// Cancel) changed the state first.
func (m *Machine) advance(s *session, from, to device.PairingState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != s || m.state != from {
		return false
	}
	m.transitionLocked(to, nil)
	return true
}

// fail ends session s with err, unless it was already ended.
func (m *Machine) fail(s *session, err error) error {
	m.mu.Lock()
	if m.session != s {
		failure := m.failure
		m.mu.Unlock()
		if failure != nil {
			return failure
		}
		return err
	}
	m.failLocked(err)
	m.session = nil
	l := m.releaseLocked()
	m.mu.Unlock()

	s.cancel()
	if l != nil {
		_ = l.Close()
	}
	return err
}

// abandoned returns the error Select reports when its context ended. If s
// is still current the caller's ctx was cancelled, which counts as a user
// cancellation.
func (m *Machine) abandoned(s *session) error {
	m.mu.Lock()
	current := m.session == s
	failure := m.failure
	m.mu.Unlock()

	if current {
		return m.fail(s, &device.PairingError{Kind: device.PairingUserCancelled, Err: context.Cause(s.ctx)})
	}
	if failure != nil {
		return failure
	}
	return &device.PairingError{Kind: device.PairingUserCancelled}
}

func newSessionID() string { return uuid.NewString() }

// watch returns a Paired machine to Discovering when l is lost.
func (m *Machine) watch(l *link.Link) {
	states, cancel := l.States()
	groutine.Go(context.Background(), "pairing-link-watch", func(context.Context) {
		defer cancel()
		for ev := range states {
			if ev.State != link.StateLinkLost && ev.State != link.StateDisconnected {
				continue
			}
			m.linkLost(l, ev)
			return
		}
	})
}

func (m *Machine) linkLost(l *link.Link, ev link.StateEvent) {
	m.mu.Lock()
	if m.state != device.Paired || m.active != l {
		m.mu.Unlock()
		return
	}
	reason := ev.Err
	if reason == nil {
		reason = device.ErrLinkLost
	}
	owned := m.releaseLocked()
	m.info.Transport = device.TransportNone
	m.transitionLocked(device.Discovering, reason)
	m.mu.Unlock()

	if owned != nil {
		_ = owned.Close()
	}
}

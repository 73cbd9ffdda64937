// Package link is the transport adapter the pairing machine, profile sync and
// telemetry pump share. One Link owns one logical connection to a filter,
// whichever radio currently carries it.
//
// Every outbound frame passes through a single writer goroutine. Frames stay
// in an ordered journal until they are settled (replied to, or written when
// no reply is expected), so a hot swap from BLE to WiFi, or a reattach after
// link loss, replays them in their original order.
package link

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/ionlink/internal/device"
	"github.com/srg/ionlink/internal/frame"
	"github.com/srg/ionlink/internal/groutine"
	"github.com/srg/ionlink/internal/ringchan"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type Options struct {
	// RequestTimeout bounds Request and Send when ctx carries no deadline.
	RequestTimeout time.Duration `default:"5s"`
	QueueSize      int           `default:"64"`
	// SubscriberBuffer is the per-subscriber backlog before the oldest
	// inbound frame is overwritten.
	SubscriberBuffer int `default:"256"`
	ReassemblyBuffer int `default:"0"`
}

// DefaultOptions returns Options with every default applied.
func DefaultOptions() Options {
	o := Options{}
	defaults.SetDefaults(&o)
	return o
}

// outbound is a frame waiting to be written or answered.
type outbound struct {
	seq        uint32
	typ        frame.Type
	data       []byte
	ctx        context.Context
	awaitReply bool

	// guarded by Link.mu
	written bool
	parked  bool

	reply  chan *frame.Frame
	result chan error
	once   sync.Once
}

func (ob *outbound) finish(err error) {
	ob.once.Do(func() { ob.result <- err })
}

type Link struct {
	logger *logrus.Logger
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	seq    atomic.Uint32

	mu        sync.Mutex
	transport device.Transport
	gen       uint64
	nextGen   uint64
	journal   *orderedmap.OrderedMap[uint32, *outbound]
	subs      map[uint64]*subscription
	nextSub   uint64
	closed    bool

	// writeMu is held by the writer for the duration of one frame and by
	// install while it replays, so frames never interleave on the wire.
	writeMu sync.Mutex
	queue   chan *outbound

	state  atomic.Value // StateEvent
	states *ringchan.Broadcaster[StateEvent]

	replayed atomic.Int64
}

// New creates an unattached link. Its goroutines live until Close.
func New(logger *logrus.Logger, opts *Options) *Link {
	o := DefaultOptions()
	if opts != nil {
		if opts.RequestTimeout > 0 {
			o.RequestTimeout = opts.RequestTimeout
		}
		if opts.QueueSize > 0 {
			o.QueueSize = opts.QueueSize
		}
		if opts.SubscriberBuffer > 0 {
			o.SubscriberBuffer = opts.SubscriberBuffer
		}
		if opts.ReassemblyBuffer > 0 {
			o.ReassemblyBuffer = opts.ReassemblyBuffer
		}
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		logger:  logger,
		opts:    o,
		ctx:     ctx,
		cancel:  cancel,
		journal: orderedmap.New[uint32, *outbound](),
		subs:    make(map[uint64]*subscription),
		queue:   make(chan *outbound, o.QueueSize),
	}
	l.state.Store(StateEvent{State: StateIdle, Transport: device.TransportNone, At: time.Now()})
	l.states = ringchan.NewBroadcaster[StateEvent](16).WithReplay(func() (StateEvent, bool) {
		return l.State(), true
	})

	groutine.Go(ctx, "link-writer", l.writeLoop)
	return l
}

// Attach connects t and makes it the active transport. Frames parked while
// the link was down are replayed on it.
func (l *Link) Attach(ctx context.Context, t device.Transport, address string) error {
	l.mu.Lock()
	busy := l.transport != nil
	l.mu.Unlock()
	if busy {
		return &device.TransportError{Kind: device.TransportRejected, Msg: "link already attached, use Swap"}
	}
	return l.install(ctx, t, address, StateConnected)
}

// Swap hot-swaps the active transport for t. The new transport is connected
// first; the writer is then paused, journaled frames are replayed on t in
// order, and finally the old transport is released.
func (l *Link) Swap(ctx context.Context, t device.Transport, address string) error {
	return l.install(ctx, t, address, StateSwapped)
}

func (l *Link) install(ctx context.Context, t device.Transport, address string, state State) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.nextGen++
	gen := l.nextGen
	l.mu.Unlock()

	reasm := frame.NewReassembler(l.opts.ReassemblyBuffer)
	if err := t.Connect(ctx, address, l.receiver(gen, reasm)); err != nil {
		return err
	}

	l.writeMu.Lock()
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.writeMu.Unlock()
		_ = t.Disconnect()
		return ErrClosed
	}
	old := l.transport
	l.transport, l.gen = t, gen
	var replay []*outbound
	for pair := l.journal.Oldest(); pair != nil; pair = pair.Next() {
		ob := pair.Value
		if ob.parked || (ob.written && ob.awaitReply) {
			ob.parked = false
			replay = append(replay, ob)
		}
	}
	l.mu.Unlock()

	var replayErr error
	for i, ob := range replay {
		if ob.ctx.Err() != nil {
			continue
		}
		if err := t.Write(ob.ctx, ob.data); err != nil {
			replayErr = err
			l.mu.Lock()
			for _, rest := range replay[i:] {
				rest.parked = true
			}
			l.mu.Unlock()
			break
		}
		l.replayed.Add(1)
		l.markWritten(ob)
	}
	l.writeMu.Unlock()

	if old != nil && old != t {
		if err := old.Disconnect(); err != nil {
			l.logger.WithField("error", err).Warn("Releasing previous transport failed")
		}
	}

	l.logger.WithFields(logrus.Fields{
		"transport": t.Kind(),
		"address":   address,
		"replayed":  len(replay),
		"state":     state,
	}).Info("Link transport installed")

	l.setState(StateEvent{State: state, Transport: t.Kind()})
	l.watch(gen, t)

	if replayErr != nil {
		l.lost(gen, replayErr)
		return fmt.Errorf("replay on %s: %w", t.Kind(), replayErr)
	}
	return nil
}

// watch turns a transport's Disconnected signal into a LinkLost event.
func (l *Link) watch(gen uint64, t device.Transport) {
	groutine.Go(l.ctx, "link-monitor", func(ctx context.Context) {
		select {
		case <-t.Disconnected():
			l.lost(gen, device.ErrLinkLost)
		case <-ctx.Done():
		}
	})
}

// lost drops the transport of generation gen, if it is still active.
func (l *Link) lost(gen uint64, cause error) {
	l.mu.Lock()
	if l.closed || gen != l.gen || l.transport == nil {
		l.mu.Unlock()
		return
	}
	t := l.transport
	l.transport = nil
	pending := l.journal.Len()
	l.mu.Unlock()

	_ = t.Disconnect()
	l.logger.WithFields(logrus.Fields{
		"transport": t.Kind(),
		"pending":   pending,
		"cause":     cause,
	}).Warn("Link lost")
	l.setState(StateEvent{State: StateLinkLost, Transport: t.Kind(), Err: cause})
}

// Close releases the transport and stops the link. Subscribers observe
// StateDisconnected before Close returns.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	t := l.transport
	l.transport = nil
	l.gen++
	subs := l.subs
	l.subs = map[uint64]*subscription{}
	l.mu.Unlock()

	l.cancel()

	var err error
	kind := device.TransportNone
	if t != nil {
		kind = t.Kind()
		err = t.Disconnect()
	}
	l.setState(StateEvent{State: StateDisconnected, Transport: kind})
	l.states.Close()
	for _, sub := range subs {
		sub.rc.Close()
	}
	l.logger.WithField("transport", kind).Info("Link closed")
	return err
}

// Kind returns the active transport's radio, or TransportNone.
func (l *Link) Kind() device.TransportKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.transport == nil {
		return device.TransportNone
	}
	return l.transport.Kind()
}

// Pending returns the number of unsettled outbound frames.
func (l *Link) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.journal.Len()
}

// Replayed returns how many frames have been rewritten by Attach or Swap.
func (l *Link) Replayed() int64 { return l.replayed.Load() }

// ErrClosed is returned by operations on a closed link. It matches
// device.ErrLinkLost.
var ErrClosed = &device.TransportError{Kind: device.TransportLinkLost, Msg: "link closed"}

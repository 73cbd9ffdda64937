// Package client is the application-facing facade over a paired filter. It
// owns the telemetry pipeline and the profile ledger, and it survives the
// link being replaced after a re-pair.
package client

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/ionlink/internal/device"
	"github.com/srg/ionlink/internal/frame"
	"github.com/srg/ionlink/internal/groutine"
	"github.com/srg/ionlink/internal/ingest"
	"github.com/srg/ionlink/internal/link"
	"github.com/srg/ionlink/internal/profilesync"
	"github.com/srg/ionlink/internal/ringchan"
	"github.com/srg/ionlink/internal/store"
	"go.opentelemetry.io/otel/metric"
)

type Config struct {
	// StreamBuffer bounds every UI stream; slow readers lose the oldest event.
	StreamBuffer int           `default:"128"`
	AckTimeout   time.Duration `default:"2s"`
	Sync         profilesync.Options
	Ingest       ingest.Options
	Forward      ingest.ForwardOptions
}

func DefaultConfig() Config {
	c := Config{}
	defaults.SetDefaults(&c)
	c.Sync = profilesync.DefaultOptions()
	c.Ingest = ingest.DefaultOptions()
	return c
}

// Deps are the client's collaborators. A nil Sink keeps events in memory and
// a nil Meter disables metric export.
type Deps struct {
	Sink  store.Sink
	Meter metric.Meter
}

type Client struct {
	logger *logrus.Logger
	cfg    Config
	sink   store.Sink

	// ctx scopes ingest only; pairing runs on its caller's context.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	queue  *ingest.Queue
	syncer *profilesync.Syncer

	mu       sync.Mutex
	link     *link.Link
	detach   context.CancelFunc
	closed   bool
	forwards ingest.ForwardStats

	state       atomic.Value // link.StateEvent
	consumption *ringchan.Broadcaster[device.ConsumptionEvent]
	quality     *ringchan.Broadcaster[device.QualityEvent]
	states      *ringchan.Broadcaster[link.StateEvent]
}

func New(logger *logrus.Logger, cfg *Config, deps Deps) (*Client, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	c := DefaultConfig()
	if cfg != nil {
		if cfg.StreamBuffer > 0 {
			c.StreamBuffer = cfg.StreamBuffer
		}
		if cfg.AckTimeout > 0 {
			c.AckTimeout = cfg.AckTimeout
		}
		c.Sync = cfg.Sync
		c.Ingest = cfg.Ingest
		c.Forward = cfg.Forward
	}
	if c.Forward.Logger == nil {
		c.Forward.Logger = logger
	}
	sink := deps.Sink
	if sink == nil {
		sink = store.NewMemory()
	}

	queue, err := ingest.New(logger, &c.Ingest, deps.Meter)
	if err != nil {
		return nil, fmt.Errorf("create ingest queue: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cl := &Client{
		logger:      logger,
		cfg:         c,
		sink:        sink,
		ctx:         ctx,
		cancel:      cancel,
		queue:       queue,
		consumption: ringchan.NewBroadcaster[device.ConsumptionEvent](c.StreamBuffer),
		quality:     ringchan.NewBroadcaster[device.QualityEvent](c.StreamBuffer),
	}
	cl.syncer = profilesync.New(logger, &c.Sync, requester{cl})
	cl.state.Store(link.StateEvent{State: link.StateIdle, Transport: device.TransportNone, At: time.Now()})
	cl.states = ringchan.NewBroadcaster[link.StateEvent](c.StreamBuffer).WithReplay(func() (link.StateEvent, bool) {
		return cl.ConnectionState(), true
	})

	cl.start(ctx, "client-ingest", func(ctx context.Context) {
		if err := queue.Run(ctx, nil); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("Telemetry queue stopped")
		}
	})
	cl.start(ctx, "client-forward", func(ctx context.Context) {
		opts := c.Forward
		opts.Then = cl.publish
		// Forward ends when the queue closes its output after flushing, so
		// events held at Close still reach the sink.
		stats := ingest.Forward(context.WithoutCancel(ctx), queue.Events(), sink, &opts)
		cl.mu.Lock()
		cl.forwards = stats
		cl.mu.Unlock()
	})
	return cl, nil
}

func (c *Client) start(ctx context.Context, name string, fn func(ctx context.Context)) {
	c.wg.Add(1)
	c.run(ctx, name, fn)
}

// run starts fn for a slot already added to c.wg.
func (c *Client) run(ctx context.Context, name string, fn func(ctx context.Context)) {
	groutine.Go(ctx, name, func(ctx context.Context) {
		defer c.wg.Done()
		fn(ctx)
	})
}

// Attach adopts a paired link. A previously attached link is closed.
func (c *Client) Attach(l *link.Link) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return link.ErrClosed
	}
	old, oldDetach := c.link, c.detach
	ctx, detach := context.WithCancel(c.ctx)
	c.link, c.detach = l, detach
	frames, unsubscribe := l.Subscribe(frame.TypeTelemetry)
	states, unwatch := l.States()
	// added under mu so a concurrent Close waits for both loops
	c.wg.Add(2)
	c.mu.Unlock()

	if oldDetach != nil {
		oldDetach()
	}
	if old != nil && old != l {
		_ = old.Close()
	}

	c.run(ctx, "client-telemetry", func(ctx context.Context) {
		defer unsubscribe()
		c.pump(ctx, l, frames)
	})
	c.run(ctx, "client-states", func(ctx context.Context) {
		defer unwatch()
		c.relay(ctx, states)
	})

	c.logger.WithField("transport", l.Kind()).Info("Client attached to link")
	return nil
}

// pump offers every telemetry push to the queue and acks it. Duplicates are
// acked too so the device stops retransmitting them.
func (c *Client) pump(ctx context.Context, l *link.Link, frames <-chan *frame.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			c.handleTelemetry(ctx, l, f)
		}
	}
}

func (c *Client) handleTelemetry(ctx context.Context, l *link.Link, f *frame.Frame) {
	log := c.logger.WithField("seq", f.Seq)

	var rec frame.Telemetry
	err := f.Decode(&rec)
	var ev device.TelemetryEvent
	if err == nil {
		ev, err = rec.Event()
	}
	if err != nil {
		log.WithError(err).Warn("Malformed telemetry rejected")
		c.reply(ctx, l, f, frame.TypeNack, frame.Nack{Code: frame.NackBadFrame, Reason: err.Error()})
		return
	}

	if err := c.queue.Offer(ev); err != nil {
		log.WithFields(logrus.Fields{"event": ev.Key(), "reason": err}).Debug("Telemetry not queued")
	}
	c.reply(ctx, l, f, frame.TypeAck, nil)
}

func (c *Client) reply(ctx context.Context, l *link.Link, f *frame.Frame, t frame.Type, payload any) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AckTimeout)
	defer cancel()
	if err := l.Reply(ctx, f, t, payload); err != nil {
		c.logger.WithFields(logrus.Fields{"seq": f.Seq, "error": err}).Warn("Telemetry ack not sent")
	}
}

func (c *Client) relay(ctx context.Context, states <-chan link.StateEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-states:
			if !ok {
				return
			}
			c.state.Store(ev)
			c.states.Publish(ev)
		}
	}
}

func (c *Client) publish(ev device.TelemetryEvent) {
	switch e := ev.(type) {
	case device.ConsumptionEvent:
		c.consumption.Publish(e)
	case device.QualityEvent:
		c.quality.Publish(e)
	}
}

func (c *Client) current() (*link.Link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, link.ErrClosed
	}
	if c.link == nil {
		return nil, device.ErrNotConnected
	}
	return c.link, nil
}

// requester routes profile writes to whichever link is attached, so the
// ledger outlives a re-pair.
type requester struct{ c *Client }

func (r requester) Request(ctx context.Context, t frame.Type, payload any) (*frame.Frame, error) {
	l, err := r.c.current()
	if err != nil {
		return nil, err
	}
	return l.Request(ctx, t, payload)
}

// RequestSync sends every profile.
func (c *Client) RequestSync(ctx context.Context, profiles []device.FamilyMemberProfile) (*profilesync.SyncResult, error) {
	if _, err := c.current(); err != nil {
		return nil, err
	}
	return c.syncer.SyncProfiles(ctx, profiles)
}

// OnProfilesChanged sends only the profiles the device does not already hold
// in their current form.
func (c *Client) OnProfilesChanged(ctx context.Context, profiles []device.FamilyMemberProfile) (*profilesync.SyncResult, error) {
	if _, err := c.current(); err != nil {
		return nil, err
	}
	changed := c.syncer.Changed(profiles)
	if len(changed) == 0 {
		return &profilesync.SyncResult{Rejected: map[string]*device.SyncError{}}, nil
	}
	c.logger.WithFields(logrus.Fields{"changed": len(changed), "total": len(profiles)}).Info("Syncing changed profiles")
	return c.syncer.SyncProfiles(ctx, changed)
}

// DispenseWater asks the filter to dispense liters at the given pH for a
// member. The resulting consumption reading arrives as telemetry.
func (c *Client) DispenseWater(ctx context.Context, memberID string, liters, ph float64) error {
	if liters <= 0 {
		return fmt.Errorf("dispense volume must be positive, got %.2f", liters)
	}
	if ph < device.MinTargetPH || ph > device.MaxTargetPH {
		return fmt.Errorf("dispense pH %.1f outside [%.1f, %.1f]", ph, device.MinTargetPH, device.MaxTargetPH)
	}
	l, err := c.current()
	if err != nil {
		return err
	}
	_, err = l.Request(ctx, frame.TypeDispense, frame.Dispense{MemberID: memberID, Liters: liters, PH: int(math.Round(ph * 10))})
	if err != nil {
		return fmt.Errorf("dispense for %s: %w", memberID, err)
	}
	return nil
}

func (c *Client) ConsumptionEvents() (<-chan device.ConsumptionEvent, func()) {
	return c.consumption.Subscribe()
}

func (c *Client) QualityEvents() (<-chan device.QualityEvent, func()) {
	return c.quality.Subscribe()
}

// ConnectionStates delivers the current state first, then every change.
func (c *Client) ConnectionStates() (<-chan link.StateEvent, func()) {
	return c.states.Subscribe()
}

func (c *Client) ConnectionState() link.StateEvent {
	return c.state.Load().(link.StateEvent)
}

// Telemetry reports the ingest counters.
func (c *Client) Telemetry() ingest.Stats { return c.queue.Stats() }

// RecentDrops drains the queue's record of discarded events.
func (c *Client) RecentDrops() []ingest.Drop { return c.queue.RecentDrops() }

// Known lists the profile ids the device has acknowledged.
func (c *Client) Known() []string { return c.syncer.Known() }

// Close stops ingest, flushing held events to the sink, and closes the
// attached link. A pairing in progress elsewhere is unaffected.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	l := c.link
	c.link = nil
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	var err error
	if l != nil {
		err = l.Close()
	}
	// The link's own Disconnected is not relayed once ingest stopped.
	c.state.Store(link.StateEvent{State: link.StateDisconnected, Transport: device.TransportNone, At: time.Now()})
	c.states.Publish(c.ConnectionState())

	c.consumption.Close()
	c.quality.Close()
	c.states.Close()

	c.mu.Lock()
	stats := c.forwards
	c.mu.Unlock()
	c.logger.WithFields(logrus.Fields{"stored": stats.Stored, "failed": stats.Failed}).Info("Client closed")
	return err
}

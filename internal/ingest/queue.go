// Package ingest turns the device's telemetry pushes, which may arrive late,
// out of order or more than once, into a deduplicated stream ordered by
// timestamp.
//
// Events are held in a min-heap until a reorder window closes behind them.
// The watermark is
//
//	max(last released timestamp, highest timestamp seen - Window)
//
// and anything older is dropped as expired. Held plus undelivered events
// are bounded by Capacity; on overflow the oldest is evicted.
package ingest

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/ionlink/internal/device"
	"github.com/srg/ionlink/internal/ringchan"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/srg/ionlink/internal/ingest"

type Options struct {
	Window   time.Duration `default:"5s"`
	Capacity int           `default:"1000"`
	Tick     time.Duration `default:"250ms"`
	// RecentDrops is the size of the ring keeping the latest drops.
	RecentDrops uint32 `default:"64"`
	Clock       Clock
}

func DefaultOptions() Options {
	o := Options{}
	defaults.SetDefaults(&o)
	return o
}

// Stats are the queue's counters since creation.
type Stats struct {
	Delivered  int64
	Duplicates int64
	Expired    int64
	Evicted    int64
	Held       int
}

// Drop records an event the queue discarded.
type Drop struct {
	Key    device.EventKey
	Reason device.TelemetryErrorKind
	At     time.Time
}

// EvictedKind marks a Drop caused by the capacity bound.
const EvictedKind device.TelemetryErrorKind = "evicted"

type counters struct {
	delivered  metric.Int64Counter
	duplicates metric.Int64Counter
	expired    metric.Int64Counter
	evicted    metric.Int64Counter
}

type Queue struct {
	logger *logrus.Logger
	opts   Options
	clock  Clock

	mu           sync.Mutex
	held         eventHeap
	seq          uint64
	maxSeen      int64
	haveSeen     bool
	lastReleased int64
	released     bool
	stats        Stats

	seen  *hashmap.Map[string, int64]
	out   *ringchan.RingChannel[device.TelemetryEvent]
	drops mpmc.RichOverlappedRingBuffer[Drop]
	otel  counters
}

// New creates a queue. A nil meter disables metric export.
func New(logger *logrus.Logger, opts *Options, meter metric.Meter) (*Queue, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	o := DefaultOptions()
	if opts != nil {
		if opts.Window > 0 {
			o.Window = opts.Window
		}
		if opts.Capacity > 0 {
			o.Capacity = opts.Capacity
		}
		if opts.Tick > 0 {
			o.Tick = opts.Tick
		}
		if opts.RecentDrops > 0 {
			o.RecentDrops = opts.RecentDrops
		}
		o.Clock = opts.Clock
	}
	if o.Clock == nil {
		o.Clock = systemClock{}
	}
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(meterName)
	}

	c, err := newCounters(meter)
	if err != nil {
		return nil, err
	}

	return &Queue{
		logger: logger,
		opts:   o,
		clock:  o.Clock,
		seen:   hashmap.New[string, int64](),
		out:    ringchan.New[device.TelemetryEvent](o.Capacity),
		drops:  mpmc.NewOverlappedRingBuffer[Drop](o.RecentDrops),
		otel:   c,
	}, nil
}

func newCounters(meter metric.Meter) (counters, error) {
	var c counters
	var err error
	if c.delivered, err = meter.Int64Counter("ionlink.telemetry.delivered",
		metric.WithDescription("Telemetry events released in timestamp order"),
		metric.WithUnit("{event}")); err != nil {
		return c, err
	}
	if c.duplicates, err = meter.Int64Counter("ionlink.telemetry.duplicates",
		metric.WithDescription("Retransmitted telemetry events dropped"),
		metric.WithUnit("{event}")); err != nil {
		return c, err
	}
	if c.expired, err = meter.Int64Counter("ionlink.telemetry.expired",
		metric.WithDescription("Telemetry events older than the reorder window"),
		metric.WithUnit("{event}")); err != nil {
		return c, err
	}
	if c.evicted, err = meter.Int64Counter("ionlink.telemetry.evicted",
		metric.WithDescription("Telemetry events evicted by the capacity bound"),
		metric.WithUnit("{event}")); err != nil {
		return c, err
	}
	return c, nil
}

// Events is the ordered output stream. It is closed when Run returns.
func (q *Queue) Events() <-chan device.TelemetryEvent { return q.out.C() }

// Offer admits one event. Duplicates and expired events are rejected with a
// TelemetryError; both are counted and neither is fatal.
func (q *Queue) Offer(ev device.TelemetryEvent) error {
	key := ev.Key()
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	if wm, ok := q.watermarkLocked(); ok && key.Timestamp < wm {
		q.stats.Expired++
		q.otel.expired.Add(context.Background(), 1)
		q.recordDrop(Drop{Key: key, Reason: device.TelemetryWindowExpired, At: now})
		q.logger.WithFields(logrus.Fields{"event": key, "watermark": wm}).Warn("Telemetry event outside reorder window dropped")
		return &device.TelemetryError{Kind: device.TelemetryWindowExpired, Key: key}
	}

	if _, dup := q.seen.GetOrInsert(key.String(), key.Timestamp); dup {
		q.stats.Duplicates++
		q.otel.duplicates.Add(context.Background(), 1)
		q.logger.WithField("event", key).Debug("Duplicate telemetry event dropped")
		return &device.TelemetryError{Kind: device.TelemetryDuplicateDropped, Key: key}
	}

	for q.held.Len()+q.out.Len() >= q.opts.Capacity {
		q.evictOldestLocked(now)
	}

	q.seq++
	heap.Push(&q.held, &held{ev: ev, key: key, ts: key.Timestamp, seq: q.seq, arrived: now})
	if !q.haveSeen || key.Timestamp > q.maxSeen {
		q.maxSeen = key.Timestamp
		q.haveSeen = true
	}

	q.releaseLocked(now)
	return nil
}

// Tick releases events whose window closed by wall-clock time and prunes
// the duplicate set. Run calls it every Options.Tick.
func (q *Queue) Tick() {
	now := q.clock.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releaseLocked(now)
	q.pruneLocked()
}

// Flush releases everything held, in order.
func (q *Queue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.held.Len() > 0 {
		q.releaseOneLocked()
	}
}

// Run consumes source until ctx is done or source closes, then flushes and
// closes Events. A nil source only drives the ticker, for callers that use
// Offer directly.
func (q *Queue) Run(ctx context.Context, source <-chan device.TelemetryEvent) error {
	ticker := time.NewTicker(q.opts.Tick)
	defer ticker.Stop()
	defer q.out.Close()

	for {
		select {
		case <-ctx.Done():
			q.Flush()
			return ctx.Err()
		case ev, ok := <-source:
			if !ok {
				q.Flush()
				return nil
			}
			_ = q.Offer(ev)
		case <-ticker.C:
			q.Tick()
		}
	}
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Held = q.held.Len()
	return s
}

// RecentDrops drains the ring of recent drops, oldest first.
func (q *Queue) RecentDrops() []Drop {
	var out []Drop
	for !q.drops.IsEmpty() {
		d, err := q.drops.Dequeue()
		if err != nil {
			break
		}
		out = append(out, d)
	}
	return out
}

func (q *Queue) watermarkLocked() (int64, bool) {
	if !q.haveSeen {
		return 0, false
	}
	wm := q.maxSeen - q.opts.Window.Milliseconds()
	if q.released && q.lastReleased > wm {
		wm = q.lastReleased
	}
	return wm, true
}

func (q *Queue) releaseLocked(now time.Time) {
	window := q.opts.Window.Milliseconds()
	for {
		top := q.held.peek()
		if top == nil {
			return
		}
		closedByData := top.ts <= q.maxSeen-window
		closedByTime := now.Sub(top.arrived) >= q.opts.Window
		if !closedByData && !closedByTime {
			return
		}
		q.releaseOneLocked()
	}
}

func (q *Queue) releaseOneLocked() {
	h := heap.Pop(&q.held).(*held)
	if !q.released || h.ts > q.lastReleased {
		q.lastReleased = h.ts
		q.released = true
	}
	q.stats.Delivered++
	q.otel.delivered.Add(context.Background(), 1)
	if q.out.Send(h.ev) {
		q.countEviction(h.key, q.clock.Now())
	}
}

// evictOldestLocked makes room for one event. Undelivered output is older
// than anything still held, so it goes first.
func (q *Queue) evictOldestLocked(now time.Time) {
	if ev, ok := q.out.TryReceive(); ok {
		q.countEviction(ev.Key(), now)
		return
	}
	if q.held.Len() > 0 {
		h := heap.Pop(&q.held).(*held)
		q.countEviction(h.key, now)
	}
}

func (q *Queue) countEviction(key device.EventKey, now time.Time) {
	q.stats.Evicted++
	q.otel.evicted.Add(context.Background(), 1)
	q.recordDrop(Drop{Key: key, Reason: EvictedKind, At: now})
	q.logger.WithField("event", key).Warn("Telemetry queue full, oldest event evicted")
}

func (q *Queue) recordDrop(d Drop) {
	if _, err := q.drops.EnqueueM(d); err != nil {
		q.logger.WithField("error", err).Debug("Recent drop not recorded")
	}
}

// pruneLocked forgets keys below the watermark; a retransmission that old is
// rejected as expired before the duplicate check.
func (q *Queue) pruneLocked() {
	wm, ok := q.watermarkLocked()
	if !ok {
		return
	}
	var stale []string
	q.seen.Range(func(k string, ts int64) bool {
		if ts < wm {
			stale = append(stale, k)
		}
		return true
	})
	for _, k := range stale {
		q.seen.Del(k)
	}
}

package ingest_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/ionlink/internal/device"
	"github.com/srg/ionlink/internal/ingest"
	"github.com/srg/ionlink/internal/store"
	"github.com/srg/ionlink/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var epoch = time.UnixMilli(1_700_000_000_000)

// drink is a consumption event at epoch+sec seconds.
func drink(member string, sec float64) device.ConsumptionEvent {
	return device.ConsumptionEvent{
		MemberID:  member,
		Liters:    0.2,
		PH:        7.4,
		Timestamp: epoch.Add(time.Duration(sec * float64(time.Second))),
	}
}

func drain(ch <-chan device.TelemetryEvent) []device.TelemetryEvent {
	var out []device.TelemetryEvent
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func seconds(events []device.TelemetryEvent) []float64 {
	var out []float64
	for _, ev := range events {
		out = append(out, ev.At().Sub(epoch).Seconds())
	}
	return out
}

type QueueSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	clock  *manualClock
	reader *sdkmetric.ManualReader
	queue  *ingest.Queue
}

func (s *QueueSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.clock = &manualClock{now: time.Now()}
	s.reader = sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(s.reader))

	q, err := ingest.New(s.helper.Logger, &ingest.Options{Window: 5 * time.Second, Capacity: 1000, Clock: s.clock}, provider.Meter("test"))
	s.Require().NoError(err)
	s.queue = q
}

func (s *QueueSuite) counter(name string) int64 {
	var rm metricdata.ResourceMetrics
	s.Require().NoError(s.reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			s.Require().True(ok, "%s MUST be an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func (s *QueueSuite) TestDeliversInTimestampOrder() {
	// GOAL: events arriving out of order within the window come out in timestamp order
	//
	// TEST SCENARIO: offer 10,8,9,12 → nothing released; offer 16 → 8,9,10 released (≤ 16-5); flush → 12,16

	for _, sec := range []float64{10, 8, 9, 12} {
		s.Require().NoError(s.queue.Offer(drink("p1", sec)))
	}
	s.Empty(drain(s.queue.Events()), "nothing MUST be released while the window is open")

	s.Require().NoError(s.queue.Offer(drink("p1", 16)))
	s.Equal([]float64{8, 9, 10}, seconds(drain(s.queue.Events())), "events behind the window MUST be released in order")

	s.queue.Flush()
	s.Equal([]float64{12, 16}, seconds(drain(s.queue.Events())))
	s.Equal(int64(5), s.queue.Stats().Delivered)
	s.Equal(int64(5), s.counter("ionlink.telemetry.delivered"))
}

func (s *QueueSuite) TestLateEventsAreExpired() {
	// GOAL: events older than the watermark are dropped, counted and remembered
	//
	// TEST SCENARIO: offer 10, 20 → watermark 15 → offer 12 → WindowExpired; offer 15 → accepted

	s.Require().NoError(s.queue.Offer(drink("p1", 10)))
	s.Require().NoError(s.queue.Offer(drink("p1", 20)))

	err := s.queue.Offer(drink("p2", 12))
	s.ErrorIs(err, device.ErrWindowExpired)
	s.NoError(s.queue.Offer(drink("p2", 15)), "an event at the watermark MUST be accepted")

	st := s.queue.Stats()
	s.Equal(int64(1), st.Expired)
	s.Equal(int64(1), s.counter("ionlink.telemetry.expired"))

	drops := s.queue.RecentDrops()
	s.Require().Len(drops, 1)
	s.Equal("p2", drops[0].Key.MemberID)
	s.Equal(device.TelemetryWindowExpired, drops[0].Reason)
	s.Empty(s.queue.RecentDrops(), "RecentDrops MUST drain")
}

func (s *QueueSuite) TestRetransmissionsAreDeduplicated() {
	// GOAL: a retransmitted reading is delivered once
	//
	// TEST SCENARIO: same (member, ts, kind) twice → second DuplicateDropped; same ts other member and a quality event → both kept

	s.Require().NoError(s.queue.Offer(drink("p1", 10)))
	s.ErrorIs(s.queue.Offer(drink("p1", 10)), device.ErrDuplicateDropped)
	s.NoError(s.queue.Offer(drink("p2", 10)))
	s.NoError(s.queue.Offer(device.QualityEvent{QualityScore: 90, AveragePH: 7.2, Timestamp: epoch.Add(10 * time.Second)}))

	s.queue.Flush()
	s.Len(drain(s.queue.Events()), 3)
	s.Equal(int64(1), s.queue.Stats().Duplicates)
	s.Equal(int64(1), s.counter("ionlink.telemetry.duplicates"))

	s.ErrorIs(s.queue.Offer(drink("p1", 10)), device.ErrDuplicateDropped, "a delivered reading MUST stay deduplicated")
}

func (s *QueueSuite) TestWallClockClosesTheWindow() {
	// GOAL: a lone event is released once it has been held for the window
	//
	// TEST SCENARIO: offer 10 → tick → held; advance 5s → tick → released

	s.Require().NoError(s.queue.Offer(drink("p1", 10)))
	s.queue.Tick()
	s.Empty(drain(s.queue.Events()))

	s.clock.Advance(5 * time.Second)
	s.queue.Tick()
	s.Equal([]float64{10}, seconds(drain(s.queue.Events())))
	s.Zero(s.queue.Stats().Held)
}

func TestQueueSuite(t *testing.T) {
	suite.Run(t, new(QueueSuite))
}

func TestCapacityEvictsOldest(t *testing.T) {
	// GOAL: held plus undelivered events never exceed Capacity, the oldest going first
	//
	// TEST SCENARIO: capacity 3, nobody reading, offer 0,10,20,30,40 → 2 evicted → remaining output starts after the evicted ones

	helper := testutils.NewTestHelper(t)
	reader := sdkmetric.NewManualReader()
	q, err := ingest.New(helper.Logger, &ingest.Options{Window: 5 * time.Second, Capacity: 3, Clock: &manualClock{now: time.Now()}},
		sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	require.NoError(t, err)

	for _, sec := range []float64{0, 10, 20, 30, 40} {
		require.NoError(t, q.Offer(drink("p1", sec)))
		st := q.Stats()
		assert.LessOrEqual(t, st.Held+len(q.Events()), 3, "bound MUST hold after every offer")
	}

	st := q.Stats()
	assert.Equal(t, int64(2), st.Evicted)
	q.Flush()
	assert.Equal(t, []float64{20, 30, 40}, seconds(drain(q.Events())), "the oldest events MUST be evicted first")

	drops := q.RecentDrops()
	require.Len(t, drops, 2)
	assert.Equal(t, ingest.EvictedKind, drops[0].Reason)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "ionlink.telemetry.evicted" {
				found = true
				assert.Equal(t, int64(2), m.Data.(metricdata.Sum[int64]).DataPoints[0].Value)
			}
		}
	}
	assert.True(t, found, "eviction counter MUST be exported")
}

func TestRunFlushesWhenSourceCloses(t *testing.T) {
	// GOAL: Run drains its source, flushes held events and closes the output
	//
	// TEST SCENARIO: source 3,1,2 then closed → Run returns nil → Events yields 1,2,3 and closes

	helper := testutils.NewTestHelper(t)
	q, err := ingest.New(helper.Logger, &ingest.Options{Tick: 10 * time.Millisecond}, nil)
	require.NoError(t, err)

	source := make(chan device.TelemetryEvent, 3)
	for _, sec := range []float64{3, 1, 2} {
		source <- drink("p1", sec)
	}
	close(source)

	require.NoError(t, q.Run(context.Background(), source))

	var got []device.TelemetryEvent
	for ev := range q.Events() {
		got = append(got, ev)
	}
	assert.Equal(t, []float64{1, 2, 3}, seconds(got))
}

func TestRunStopsOnContext(t *testing.T) {
	// GOAL: Run ends with the context and reports why
	//
	// TEST SCENARIO: Run with nil source → cancel → context.Canceled

	q, err := ingest.New(nil, nil, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	assert.ErrorIs(t, q.Run(ctx, nil), context.Canceled)
}

type flakySink struct {
	*store.Memory
	mu       sync.Mutex
	failures map[string]int
}

func (f *flakySink) Store(ctx context.Context, ev device.TelemetryEvent) error {
	f.mu.Lock()
	left := f.failures[ev.Key().MemberID]
	if left != 0 {
		f.failures[ev.Key().MemberID] = left - 1
	}
	f.mu.Unlock()
	if left != 0 {
		return errors.New("database unavailable")
	}
	return f.Memory.Store(ctx, ev)
}

func TestForwardRetriesAndCounts(t *testing.T) {
	// GOAL: Forward retries a failing sink a bounded number of times and never stops on failure
	//
	// TEST SCENARIO: p1 fails once then succeeds, p2 always fails → Stored 1, Failed 1, Then sees both

	helper := testutils.NewTestHelper(t)
	sink := &flakySink{Memory: store.NewMemory(), failures: map[string]int{"p1": 1, "p2": -1}}

	events := make(chan device.TelemetryEvent, 2)
	events <- drink("p1", 1)
	events <- drink("p2", 2)
	close(events)

	var seen []string
	stats := ingest.Forward(context.Background(), events, sink, &ingest.ForwardOptions{
		Attempts:    3,
		BackoffBase: time.Millisecond,
		Logger:      helper.Logger,
		Then:        func(ev device.TelemetryEvent) { seen = append(seen, ev.Key().MemberID) },
	})

	assert.Equal(t, ingest.ForwardStats{Stored: 1, Failed: 1}, stats)
	assert.Equal(t, []string{"p1", "p2"}, seen, "every event MUST reach the UI even if storing failed")
	assert.Equal(t, 1, sink.Len())
}

package ingest

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/ionlink/internal/device"
	"github.com/srg/ionlink/internal/store"
)

type ForwardOptions struct {
	Attempts    int           `default:"3"`
	BackoffBase time.Duration `default:"100ms"`
	Logger      *logrus.Logger
	// Then is called with every event after the sink has been tried,
	// whether or not storing it succeeded.
	Then func(device.TelemetryEvent)
}

// ForwardStats counts the outcome of a Forward run.
type ForwardStats struct {
	Stored int
	Failed int
}

// Forward stores every event from events in sink, retrying each a bounded
// number of times. Failures are logged and counted, never returned. It runs
// until events closes or ctx is done.
func Forward(ctx context.Context, events <-chan device.TelemetryEvent, sink store.Sink, opts *ForwardOptions) ForwardStats {
	o := ForwardOptions{}
	defaults.SetDefaults(&o)
	if opts != nil {
		if opts.Attempts > 0 {
			o.Attempts = opts.Attempts
		}
		if opts.BackoffBase > 0 {
			o.BackoffBase = opts.BackoffBase
		}
		o.Logger = opts.Logger
		o.Then = opts.Then
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
		o.Logger.SetLevel(logrus.PanicLevel)
	}

	var stats ForwardStats
	for {
		select {
		case <-ctx.Done():
			return stats
		case ev, ok := <-events:
			if !ok {
				return stats
			}
			if err := storeWithRetry(ctx, sink, ev, o); err != nil {
				stats.Failed++
				o.Logger.WithFields(logrus.Fields{"event": ev.Key(), "error": err}).Error("Telemetry event not persisted")
			} else {
				stats.Stored++
			}
			if o.Then != nil {
				o.Then(ev)
			}
		}
	}
}

func storeWithRetry(ctx context.Context, sink store.Sink, ev device.TelemetryEvent, o ForwardOptions) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.BackoffBase
	policy.Multiplier = 2
	policy.RandomizationFactor = 0

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, sink.Store(ctx, ev)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(o.Attempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			o.Logger.WithFields(logrus.Fields{"event": ev.Key(), "error": err, "retry_in": wait}).Warn("Storing telemetry failed, retrying")
		}),
	)
	return err
}

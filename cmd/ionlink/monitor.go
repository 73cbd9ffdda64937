package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/ionlink/internal/client"
	"github.com/srg/ionlink/internal/device"
	"github.com/srg/ionlink/internal/link"
	"github.com/srg/ionlink/internal/simulator"
	"github.com/srg/ionlink/internal/store"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Stream consumption and water quality telemetry",
	Long: `Pair with a filter and print its telemetry in timestamp order, with
retransmissions removed. Events are persisted to Postgres when database_url
is configured. Counters are printed on exit.`,
	RunE: runMonitor,
}

var (
	monitorOpts     pairFlags
	monitorDuration time.Duration
	monitorDemo     time.Duration
)

func init() {
	monitorOpts.register(monitorCmd)
	monitorCmd.Flags().DurationVarP(&monitorDuration, "duration", "d", 0, "Stop after this long (0 runs until Ctrl+C)")
	monitorCmd.Flags().DurationVar(&monitorDemo, "demo-interval", 2*time.Second, "With --simulate, how often the simulated filter reports")
}

type eventLine struct {
	Kind      device.EventKind `json:"kind"`
	Timestamp time.Time        `json:"timestamp"`
	MemberID  string           `json:"member_id,omitempty"`
	Liters    float64          `json:"liters,omitempty"`
	PH        float64          `json:"ph,omitempty"`
	Quality   float64          `json:"quality_score,omitempty"`
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	env, err := newEnvironment(cmd, monitorOpts.password)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	if monitorDuration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, monitorDuration)
		defer stop()
	}

	var sink store.Sink = store.NewMemory()
	if env.cfg.DatabaseURL != "" {
		pg, err := store.Open(ctx, env.cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		sink = pg
	}

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	c, err := env.connect(ctx, &monitorOpts, sink, &client.Deps{Meter: provider.Meter("ionlink")})
	if err != nil {
		return err
	}

	consumption, stopC := c.ConsumptionEvents()
	defer stopC()
	quality, stopQ := c.QualityEvents()
	defer stopQ()
	states, stopS := c.ConnectionStates()
	defer stopS()

	if env.sim != nil && monitorDemo > 0 {
		go demo(ctx, env.sim, monitorDemo)
	}

	enc := json.NewEncoder(env.out)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case ev, ok := <-consumption:
			if !ok {
				break loop
			}
			env.printEvent(enc, eventLine{Kind: ev.Kind(), Timestamp: ev.Timestamp, MemberID: ev.MemberID, Liters: ev.Liters, PH: ev.PH})
		case ev, ok := <-quality:
			if !ok {
				break loop
			}
			env.printEvent(enc, eventLine{Kind: ev.Kind(), Timestamp: ev.Timestamp, Quality: ev.QualityScore, PH: ev.AveragePH})
		case st, ok := <-states:
			if !ok {
				break loop
			}
			if !env.json() {
				fmt.Fprintf(env.out, "%s link %s (%s)\n", st.At.Format(time.TimeOnly), colorLink(st.State), st.Transport)
			}
		}
	}

	if err := c.Close(); err != nil {
		env.logger.WithError(err).Warn("Link close failed")
	}
	return printCounters(env.out, reader)
}

func colorLink(s link.State) string {
	switch s {
	case link.StateConnected, link.StateSwapped:
		return color.GreenString(string(s))
	case link.StateLinkLost:
		return color.YellowString(string(s))
	case link.StateDisconnected:
		return color.RedString(string(s))
	}
	return string(s)
}

func (e *environment) printEvent(enc *json.Encoder, ev eventLine) {
	if e.json() {
		_ = enc.Encode(ev)
		return
	}
	ts := ev.Timestamp.Format(time.TimeOnly)
	switch ev.Kind {
	case device.KindConsumption:
		fmt.Fprintf(e.out, "%s %s %s %.2f L at pH %.1f\n", ts, color.CyanString("drink"), ev.MemberID, ev.Liters, ev.PH)
	case device.KindQuality:
		fmt.Fprintf(e.out, "%s %s score %.0f, average pH %.1f\n", ts, color.BlueString("quality"), ev.Quality, ev.PH)
	}
}

// printCounters reports the ingest counters as exported to OpenTelemetry.
func printCounters(w io.Writer, reader *sdkmetric.ManualReader) error {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		return fmt.Errorf("collect metrics: %w", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			fmt.Fprintf(w, "%s: %d\n", m.Name, total)
		}
	}
	return nil
}

// demo makes the simulated filter report like a household would: quality
// reports and drinks at random, with the occasional retransmission.
func demo(ctx context.Context, dev *simulator.Device, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	members := []string{"ana", "leo", "mia"}
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if rand.IntN(3) == 0 {
				dev.Push(device.QualityEvent{QualityScore: float64(80 + rand.IntN(20)), AveragePH: 7 + float64(rand.IntN(10))/10, Timestamp: now})
				continue
			}
			ev := device.ConsumptionEvent{
				MemberID:  members[rand.IntN(len(members))],
				Liters:    0.1 + float64(rand.IntN(4))/10,
				PH:        7.4,
				Timestamp: now,
			}
			dev.Push(ev)
			if rand.IntN(4) == 0 {
				dev.Retransmit(ev)
			}
		}
	}
}

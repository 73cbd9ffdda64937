package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/ionlink/internal/store"
)

var dispenseCmd = &cobra.Command{
	Use:   "dispense <member-id>",
	Short: "Dispense water for a family member",
	Args:  cobra.ExactArgs(1),
	RunE:  runDispense,
}

var (
	dispenseOpts   pairFlags
	dispenseLiters float64
	dispensePH     float64
	dispenseWait   time.Duration
)

func init() {
	dispenseOpts.register(dispenseCmd)
	dispenseCmd.Flags().Float64VarP(&dispenseLiters, "liters", "l", 0.25, "Volume to dispense")
	dispenseCmd.Flags().Float64Var(&dispensePH, "ph", 7.4, "Target pH")
	dispenseCmd.Flags().DurationVar(&dispenseWait, "wait", 10*time.Second, "How long to wait for the consumption report")
}

func runDispense(cmd *cobra.Command, args []string) error {
	env, err := newEnvironment(cmd, dispenseOpts.password)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	c, err := env.connect(ctx, &dispenseOpts, store.NewMemory(), nil)
	if err != nil {
		return err
	}
	defer c.Close()

	events, stop := c.ConsumptionEvents()
	defer stop()

	member := args[0]
	if err := c.DispenseWater(ctx, member, dispenseLiters, dispensePH); err != nil {
		return err
	}

	timeout := time.After(dispenseWait)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return fmt.Errorf("dispensed, but no consumption report within %s", dispenseWait)
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("telemetry stream closed before the consumption report")
			}
			if ev.MemberID != member {
				continue
			}
			line := eventLine{Kind: ev.Kind(), Timestamp: ev.Timestamp, MemberID: ev.MemberID, Liters: ev.Liters, PH: ev.PH}
			if env.json() {
				return json.NewEncoder(env.out).Encode(line)
			}
			env.printEvent(nil, line)
			return nil
		}
	}
}

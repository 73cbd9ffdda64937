package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/ionlink/internal/device"
	"github.com/srg/ionlink/internal/pairing"
)

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Pair with a filter and hand over home network credentials",
	Long: `Run the full setup: discover, connect over BLE, hand over the sealed
home network password, wait for the filter's signed confirmation and, when
the filter announces an operational address, move the link to WiFi.`,
	RunE: runPair,
}

var pairOpts pairFlags

func init() {
	pairOpts.register(pairCmd)
}

type pairOutput struct {
	Info  device.Info         `json:"info"`
	Steps []pairing.SetupStep `json:"steps"`
	Step  int                 `json:"step"`
}

func runPair(cmd *cobra.Command, _ []string) error {
	env, err := newEnvironment(cmd, pairOpts.password)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	m, l, err := env.pair(ctx, &pairOpts)
	if err != nil {
		return err
	}
	defer m.Close()
	defer l.Close()

	steps, step := m.SetupSteps()
	out := pairOutput{Info: m.Info(), Steps: steps, Step: step}
	if env.json() {
		enc := json.NewEncoder(env.out)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	fmt.Fprintln(env.out)
	printInfo(env.out, out.Info)
	return nil
}

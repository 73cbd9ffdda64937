package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/ionlink/internal/device"
	"github.com/srg/ionlink/internal/pairing"
	"github.com/srg/ionlink/internal/simulator"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List filters in setup mode",
	Long: `Scan for Ionphor filters advertising their setup name and list them,
strongest signal first. Nothing is selected or connected.`,
	RunE: runDiscover,
}

var discoverDuration time.Duration

func init() {
	discoverCmd.Flags().DurationVarP(&discoverDuration, "duration", "d", 0, "Scan duration (default from config scan_timeout)")
}

type discoverOutput struct {
	Candidates []device.Candidate `json:"candidates"`
	Networks   []device.Network   `json:"networks,omitempty"`
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	env, err := newEnvironment(cmd, "")
	if err != nil {
		return err
	}
	defer env.Close()

	opts := env.cfg.PairingOptions()
	if discoverDuration > 0 {
		opts.ScanTimeout = discoverDuration
	}
	m := pairing.New(env.logger, &opts, env.deps)
	defer m.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	if err := m.PowerOn(ctx); err != nil {
		return err
	}
	candidates, err := discoverWithProgress(ctx, env, m, opts.ScanTimeout)
	if err != nil {
		return err
	}

	out := discoverOutput{Candidates: candidates}
	// Home network scanning is done by the phone OS; only the simulator
	// knows its surroundings.
	if env.sim != nil {
		out.Networks = simulator.HomeNetworks()
	}

	if env.json() {
		enc := json.NewEncoder(env.out)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	printCandidates(env.out, out)
	return nil
}

const scanDonePhase = "Processing results"

// discoverWithProgress runs the scan with a countdown line on terminals.
func discoverWithProgress(ctx context.Context, env *environment, m *pairing.Machine, timeout time.Duration) ([]device.Candidate, error) {
	if env.json() || !isTerminal(env.out) {
		return m.Discover(ctx)
	}
	progress := NewCountdownProgressPrinter(env.out, "Scanning for filters", "Scanning", timeout, scanDonePhase)
	progress.Start()
	defer progress.Stop()

	candidates, err := m.Discover(ctx)
	progress.Callback()(scanDonePhase)
	return candidates, err
}

func signalBar(signal int) string {
	c := color.New(color.FgRed)
	switch {
	case signal >= 70:
		c = color.New(color.FgGreen)
	case signal >= 30:
		c = color.New(color.FgYellow)
	}
	return c.Sprintf("%3d", signal)
}

func printCandidates(w io.Writer, out discoverOutput) {
	if len(out.Candidates) == 0 {
		fmt.Fprintln(w, "No filters in setup mode found.")
	} else {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tADDRESS\tSIGNAL\tSECURED")
		for _, c := range out.Candidates {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", c.Name, c.Address, signalBar(c.Signal), c.Secured)
		}
		_ = tw.Flush()
	}

	if len(out.Networks) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "SSID\tSIGNAL\tSECURED")
		for _, n := range out.Networks {
			fmt.Fprintf(tw, "%s\t%s\t%t\n", n.SSID, signalBar(n.Signal), n.Secured)
		}
		_ = tw.Flush()
	}
}

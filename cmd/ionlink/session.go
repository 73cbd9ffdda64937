package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/ionlink/internal/device"
	goble "github.com/srg/ionlink/internal/device/go-ble"
	"github.com/srg/ionlink/internal/device/wifi"
	"github.com/srg/ionlink/internal/link"
	"github.com/srg/ionlink/internal/pairing"
	"github.com/srg/ionlink/internal/simulator"
	"github.com/srg/ionlink/pkg/config"
	"golang.org/x/term"
)

// simulatedPassword is what the simulated filter accepts when no
// --password is given.
const simulatedPassword = "ionphor-demo"

// environment is what every command needs before talking to a filter.
type environment struct {
	cfg    *config.Config
	logger *logrus.Logger
	out    io.Writer
	format string

	// sim is nil when running against hardware.
	sim  *simulator.Device
	deps pairing.Deps
}

func newEnvironment(cmd *cobra.Command, simPassword string) (*environment, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}
	if format, _ := cmd.Flags().GetString("format"); format != "" {
		cfg.OutputFormat = format
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	env := &environment{cfg: cfg, logger: logger, out: cmd.OutOrStdout(), format: cfg.OutputFormat}

	simulate, _ := cmd.Flags().GetBool("simulate")
	if simulate {
		if simPassword == "" {
			simPassword = simulatedPassword
		}
		dev, err := simulator.New(logger, &simulator.Options{
			Address:     "sim-wifi",
			Credential:  simPassword,
			Retransmits: 3,
		})
		if err != nil {
			return nil, fmt.Errorf("start simulator: %w", err)
		}
		env.sim = dev
		env.deps = pairing.Deps{
			Discoverer: simulator.NewDiscoverer(simulator.SetupCandidates()...),
			BLE: func(device.Candidate) device.Transport {
				return simulator.NewTransport(dev, device.TransportBLE)
			},
			WiFi: func(string) device.Transport {
				return simulator.NewTransport(dev, device.TransportWiFi)
			},
		}
		return env, nil
	}

	env.deps = pairing.Deps{
		Discoverer: goble.NewScanner(logger),
		BLE: func(device.Candidate) device.Transport {
			return goble.NewTransport(logger, nil)
		},
		WiFi: func(string) device.Transport {
			return wifi.NewTransport(logger, nil)
		},
	}
	return env, nil
}

func (e *environment) Close() {
	if e.sim != nil {
		e.sim.Close()
	}
}

func (e *environment) json() bool { return e.format == "json" }

// signalContext ends on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// pairFlags are shared by every command that needs a paired filter.
type pairFlags struct {
	device   string
	ssid     string
	password string
	open     bool
}

func (f *pairFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.device, "device", "", "Filter name or address (default: strongest signal)")
	cmd.Flags().StringVar(&f.ssid, "ssid", "HomeWiFi", "Home network the filter joins")
	cmd.Flags().StringVar(&f.password, "password", "", "Home network password (prompted when omitted on a terminal)")
	cmd.Flags().BoolVar(&f.open, "open", false, "Home network has no password")
}

var stateColor = map[device.PairingState]*color.Color{
	device.Discovering:       color.New(color.FgCyan),
	device.Associating:       color.New(color.FgYellow),
	device.AwaitingDeviceAck: color.New(color.FgYellow),
	device.Paired:            color.New(color.FgGreen, color.Bold),
	device.Failed:            color.New(color.FgRed, color.Bold),
}

func colorState(s device.PairingState) string {
	if c, ok := stateColor[s]; ok {
		return c.Sprint(s.String())
	}
	return s.String()
}

// pair runs the machine from power-on to Paired and returns the machine and
// its link, now owned by the caller.
func (e *environment) pair(ctx context.Context, flags *pairFlags) (*pairing.Machine, *link.Link, error) {
	opts := e.cfg.PairingOptions()
	m := pairing.New(e.logger, &opts, e.deps)

	transitions, stop := m.Transitions()
	defer stop()
	var progress *ProgressPrinter
	if !e.json() && isTerminal(e.out) {
		progress = NewProgressPrinter(e.out, "Pairing", device.PoweredOff.String(), device.Paired.String(), device.Failed.String())
		progress.Start()
		defer progress.Stop()
	}
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		for tr := range transitions {
			if progress != nil {
				progress.Callback()(tr.To.String())
				continue
			}
			if !e.json() {
				line := fmt.Sprintf("%s → %s", tr.From, colorState(tr.To))
				if tr.Reason != nil {
					line += fmt.Sprintf(" (%v)", tr.Reason)
				}
				fmt.Fprintln(e.out, line)
			}
		}
	}()
	finish := func() {
		stop()
		<-watched
	}

	if err := m.PowerOn(ctx); err != nil {
		finish()
		return nil, nil, err
	}
	candidates, err := m.Discover(ctx)
	if err != nil {
		finish()
		m.Close()
		return nil, nil, fmt.Errorf("discover: %w", err)
	}
	cand, err := pick(candidates, flags.device)
	if err != nil {
		finish()
		m.Close()
		return nil, nil, err
	}

	password := flags.password
	if !flags.open && password == "" {
		if e.sim != nil {
			password = simulatedPassword
		} else if password, err = promptPassword(flags.ssid); err != nil {
			finish()
			m.Close()
			return nil, nil, err
		}
	}

	sel := pairing.Selection{
		Candidate:  cand,
		Network:    device.Network{SSID: flags.ssid, Secured: !flags.open},
		Credential: password,
	}
	if err := m.Select(ctx, sel); err != nil {
		finish()
		m.Close()
		return nil, nil, err
	}
	l, err := m.Link()
	finish()
	if err != nil {
		m.Close()
		return nil, nil, err
	}
	return m, l, nil
}

func pick(candidates []device.Candidate, want string) (device.Candidate, error) {
	if len(candidates) == 0 {
		return device.Candidate{}, ErrNoCandidate
	}
	if want == "" {
		return candidates[0], nil
	}
	for _, c := range candidates {
		if strings.EqualFold(c.Name, want) || strings.EqualFold(c.Address, want) {
			return c, nil
		}
	}
	return device.Candidate{}, fmt.Errorf("%w: %s", ErrDeviceMissing, want)
}

func promptPassword(ssid string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("password for %s required: pass --password or --open", ssid)
	}
	fmt.Fprintf(os.Stderr, "Password for %s: ", ssid)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func printInfo(w io.Writer, info device.Info) {
	fmt.Fprintf(w, "Serial:        %s\n", info.Serial)
	fmt.Fprintf(w, "Firmware:      %s\n", info.FirmwareVersion)
	fmt.Fprintf(w, "Filter health: %d%%\n", info.FilterHealth)
	fmt.Fprintf(w, "Transport:     %s\n", info.Transport)
	fmt.Fprintf(w, "State:         %s\n", colorState(info.State))
}

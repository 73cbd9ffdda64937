package device

import (
	"context"
	"sort"
	"strings"
)

// TransportKind names the radio currently carrying the link.
type TransportKind string

const (
	TransportNone TransportKind = "none"
	TransportBLE  TransportKind = "ble"
	TransportWiFi TransportKind = "wifi"
)

// PairingState is a state of the pairing state machine.
type PairingState int

const (
	PoweredOff PairingState = iota
	Discovering
	Associating
	AwaitingDeviceAck
	Paired
	Failed
)

var pairingStateNames = [...]string{
	PoweredOff:        "PoweredOff",
	Discovering:       "Discovering",
	Associating:       "Associating",
	AwaitingDeviceAck: "AwaitingDeviceAck",
	Paired:            "Paired",
	Failed:            "Failed",
}

func (s PairingState) String() string {
	if s < 0 || int(s) >= len(pairingStateNames) {
		return "Unknown"
	}
	return pairingStateNames[s]
}

// IsTerminal reports whether no transition leaves s. Paired is not terminal:
// a lost link sends it back to Discovering.
func (s PairingState) IsTerminal() bool { return s == Failed }

// Info describes the filter's control board as last reported over the link.
type Info struct {
	Serial          string        `json:"serial"`
	Transport       TransportKind `json:"transport"`
	State           PairingState  `json:"state"`
	FirmwareVersion string        `json:"firmware_version"`
	FilterHealth    int           `json:"filter_health"`
}

// SetupNamePrefix prefixes the name every unprovisioned device advertises.
const SetupNamePrefix = "Ionphor-setup-"

// Candidate is a device seen during discovery.
type Candidate struct {
	Name      string        `json:"name"`
	Address   string        `json:"address"`
	Signal    int           `json:"signal"` // 0..100
	Secured   bool          `json:"secured"`
	Transport TransportKind `json:"transport"`
}

// Network is a home network the device is asked to join.
type Network struct {
	SSID    string `json:"ssid"`
	Signal  int    `json:"signal"`
	Secured bool   `json:"secured"`
}

// SetupCandidates keeps candidates advertising SetupNamePrefix and orders them
// strongest signal first, ties broken by name. Ordering is a proposal only;
// the caller picks.
func SetupCandidates(all []Candidate) []Candidate {
	out := make([]Candidate, 0, len(all))
	for _, c := range all {
		if strings.HasPrefix(c.Name, SetupNamePrefix) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Signal != out[j].Signal {
			return out[i].Signal > out[j].Signal
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// SignalFromRSSI maps a BLE RSSI in dBm onto the 0..100 signal scale used by
// candidates: -100 dBm or weaker is 0, -50 dBm or stronger is 100.
func SignalFromRSSI(rssi int) int {
	s := 2 * (rssi + 100)
	switch {
	case s < 0:
		return 0
	case s > 100:
		return 100
	default:
		return s
	}
}

// Transport is one physical channel to the device. Implementations deliver
// inbound bytes in arbitrary chunks through the onData callback given to
// Connect; framing is the caller's concern.
type Transport interface {
	Kind() TransportKind
	Connect(ctx context.Context, address string, onData func([]byte)) error
	Write(ctx context.Context, data []byte) error
	// Disconnect is idempotent.
	Disconnect() error
	// Disconnected is closed once the link is gone, for any reason.
	Disconnected() <-chan struct{}
}

// Discoverer reports candidates until ctx is done or it has nothing more to
// report.
type Discoverer interface {
	Discover(ctx context.Context, found func(Candidate)) error
}

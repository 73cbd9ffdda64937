package simulator

import (
	"context"
	"time"

	"github.com/srg/ionlink/internal/device"
)

// Discoverer advertises a fixed set of candidates, one every Interval.
type Discoverer struct {
	Candidates []device.Candidate
	Interval   time.Duration
}

func NewDiscoverer(candidates ...device.Candidate) *Discoverer {
	return &Discoverer{Candidates: candidates}
}

func (d *Discoverer) Discover(ctx context.Context, found func(device.Candidate)) error {
	for _, c := range d.Candidates {
		if d.Interval > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.Interval):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		found(c)
	}
	return nil
}

// SetupCandidates are the filters advertised in the demo environment.
func SetupCandidates() []device.Candidate {
	return []device.Candidate{
		{Name: "Ionphor-setup-B456", Address: "sim-b456", Signal: 70, Secured: true, Transport: device.TransportBLE},
		{Name: "Ionphor-setup-A723", Address: "sim-a723", Signal: 85, Secured: true, Transport: device.TransportBLE},
	}
}

// HomeNetworks are the WiFi networks visible in the demo environment.
func HomeNetworks() []device.Network {
	return []device.Network{
		{SSID: "HomeWiFi", Signal: 90, Secured: true},
		{SSID: "NeighborWiFi", Signal: 60, Secured: true},
	}
}

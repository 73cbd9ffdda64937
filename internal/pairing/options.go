package pairing

import (
	"errors"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/srg/ionlink/internal/device"
)

type Options struct {
	ScanTimeout time.Duration `default:"10s"`
	// MinSignal is the weakest candidate signal (0..100) Select accepts.
	MinSignal           int `default:"30"`
	MinCredentialLength int `default:"8"`

	HandshakeAttempts int           `default:"3"`
	HandshakeTimeout  time.Duration `default:"5s"`
	BackoffBase       time.Duration `default:"1s"`
	BackoffFactor     float64       `default:"2"`

	// AckWindow bounds the wait for the device-signed pair_ack.
	AckWindow time.Duration `default:"10s"`
}

func DefaultOptions() Options {
	o := Options{}
	defaults.SetDefaults(&o)
	return o
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ScanTimeout > 0 {
		d.ScanTimeout = o.ScanTimeout
	}
	if o.MinSignal > 0 {
		d.MinSignal = o.MinSignal
	}
	if o.MinCredentialLength > 0 {
		d.MinCredentialLength = o.MinCredentialLength
	}
	if o.HandshakeAttempts > 0 {
		d.HandshakeAttempts = o.HandshakeAttempts
	}
	if o.HandshakeTimeout > 0 {
		d.HandshakeTimeout = o.HandshakeTimeout
	}
	if o.BackoffBase > 0 {
		d.BackoffBase = o.BackoffBase
	}
	if o.BackoffFactor > 0 {
		d.BackoffFactor = o.BackoffFactor
	}
	if o.AckWindow > 0 {
		d.AckWindow = o.AckWindow
	}
	return d
}

// TransportFactory opens a setup-phase transport to a discovered candidate.
type TransportFactory func(c device.Candidate) device.Transport

// Deps are the radios the machine drives.
type Deps struct {
	Discoverer device.Discoverer
	BLE        TransportFactory
	// WiFi, when set, opens the operational transport announced in pair_ack.
	WiFi func(address string) device.Transport
}

// Selection is the user's choice in the Discovering state.
type Selection struct {
	Candidate  device.Candidate
	Network    device.Network
	Credential string
}

var (
	ErrSignalTooWeak  = errors.New("pairing: candidate signal too weak")
	ErrSessionActive  = errors.New("pairing: a session is already active")
	ErrUnknownDevice  = errors.New("pairing: candidate was not discovered")
	ErrInvalidState   = errors.New("pairing: operation not allowed in this state")
	ErrNoTransport    = errors.New("pairing: no BLE transport factory")
	errSignatureCheck = errors.New("pair_ack signature does not verify")
)

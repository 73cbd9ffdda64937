// Package simulator is a firmware-side implementation of the filter's frame
// protocol. The CLI's --simulate mode and the pairing, sync and telemetry
// tests drive it through the same device.Transport the radios implement.
package simulator

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/ionlink/internal/device"
	"github.com/srg/ionlink/internal/frame"
	"github.com/srg/ionlink/internal/seal"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type Options struct {
	Serial       string `default:"WF4872-X2"`
	Firmware     string `default:"v2.1.3"`
	FilterHealth int    `default:"87"`

	// Capacity is the number of profile slots.
	Capacity int `default:"8"`
	// MinPH and MaxPH are the firmware's supported range in tenths.
	MinPH int `default:"65"`
	MaxPH int `default:"95"`

	// AckDelay is how long joining the home network takes before the
	// signed pair_ack is sent.
	AckDelay time.Duration `default:"100ms"`
	// Address is the operational WiFi address announced in pair_ack.
	Address string

	// Credential, when set, is the only password the home network accepts.
	Credential string

	// RetransmitInterval and Retransmits control how often an unacked
	// telemetry push is sent again.
	RetransmitInterval time.Duration `default:"500ms"`
	Retransmits        int           `default:"0"`
}

// Faults are misbehaviours a test or demo can switch on.
type Faults struct {
	// DropHellos ignores the first n hello frames.
	DropHellos int
	// NoPairAck never sends pair_ack.
	NoPairAck bool
	// ForgedPairAcks sends n badly signed pair_acks before the real one.
	ForgedPairAcks int
	// Unreachable makes every Connect fail.
	Unreachable bool
	// NackProfiles answers these profile ids with the given nack code.
	NackProfiles map[string]string
}

type stored struct {
	hash    string
	profile frame.Profile
}

type pendingPush struct {
	payload frame.Telemetry
	left    int
	timer   *time.Timer
}

// Device is one simulated filter.
type Device struct {
	logger *logrus.Logger
	opts   Options

	kx      *seal.KeyPair
	signPub ed25519.PublicKey
	signKey ed25519.PrivateKey

	mu       sync.Mutex
	faults   Faults
	seq      uint32
	conns    []*Transport
	sessions map[string][]byte
	profiles *orderedmap.OrderedMap[string, stored]
	writes   int
	hellos   int
	joined   string
	pushes   map[uint32]*pendingPush
	timers   []*time.Timer
}

func New(logger *logrus.Logger, opts *Options) (*Device, error) {
	o := Options{}
	defaults.SetDefaults(&o)
	if opts != nil {
		merge(&o, opts)
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}

	kx, err := seal.GenerateKey()
	if err != nil {
		return nil, err
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}

	return &Device{
		logger:   logger,
		opts:     o,
		kx:       kx,
		signPub:  pub,
		signKey:  priv,
		sessions: make(map[string][]byte),
		profiles: orderedmap.New[string, stored](),
		pushes:   make(map[uint32]*pendingPush),
	}, nil
}

func merge(dst, src *Options) {
	if src.Serial != "" {
		dst.Serial = src.Serial
	}
	if src.Firmware != "" {
		dst.Firmware = src.Firmware
	}
	if src.FilterHealth > 0 {
		dst.FilterHealth = src.FilterHealth
	}
	if src.Capacity > 0 {
		dst.Capacity = src.Capacity
	}
	if src.MinPH > 0 {
		dst.MinPH = src.MinPH
	}
	if src.MaxPH > 0 {
		dst.MaxPH = src.MaxPH
	}
	if src.AckDelay > 0 {
		dst.AckDelay = src.AckDelay
	}
	if src.RetransmitInterval > 0 {
		dst.RetransmitInterval = src.RetransmitInterval
	}
	if src.Retransmits > 0 {
		dst.Retransmits = src.Retransmits
	}
	dst.Address = src.Address
	dst.Credential = src.Credential
}

// SetFaults replaces the active faults.
func (d *Device) SetFaults(f Faults) {
	d.mu.Lock()
	d.faults = f
	d.mu.Unlock()
}

// Serial returns the device serial.
func (d *Device) Serial() string { return d.opts.Serial }

// SigningKey returns the key pair_acks are signed with.
func (d *Device) SigningKey() ed25519.PublicKey { return d.signPub }

// Writes returns how many profile records have been written to storage.
func (d *Device) Writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

// Hellos returns how many hello frames arrived, dropped ones included.
func (d *Device) Hellos() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hellos
}

// Joined returns the SSID the device joined, or "".
func (d *Device) Joined() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.joined
}

// Profiles returns stored profile ids in storage order.
func (d *Device) Profiles() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for pair := d.profiles.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}
	return ids
}

// Unacked returns the number of telemetry pushes still awaiting an ack.
func (d *Device) Unacked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pushes)
}

// DropLink severs every open connection, as if the device lost power.
func (d *Device) DropLink() {
	d.mu.Lock()
	conns := append([]*Transport(nil), d.conns...)
	d.mu.Unlock()
	for _, t := range conns {
		_ = t.Disconnect()
	}
}

// Close stops pending timers and drops every connection.
func (d *Device) Close() {
	d.mu.Lock()
	for _, t := range d.timers {
		t.Stop()
	}
	for _, p := range d.pushes {
		p.timer.Stop()
	}
	d.timers = nil
	d.pushes = map[uint32]*pendingPush{}
	d.mu.Unlock()
	d.DropLink()
}

// Beacon is the identity the device advertises.
func (d *Device) Beacon() frame.Beacon {
	return frame.Beacon{
		Serial:       d.opts.Serial,
		Firmware:     d.opts.Firmware,
		FilterHealth: d.opts.FilterHealth,
		PublicKey:    d.kx.Public,
		SigningKey:   d.signPub,
	}
}

func (d *Device) attach(t *Transport) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.faults.Unreachable {
		return &device.TransportError{Kind: device.TransportUnreachable, Msg: d.opts.Serial + " out of range"}
	}
	d.conns = append(d.conns, t)
	return nil
}

func (d *Device) detach(t *Transport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, c := range d.conns {
		if c == t {
			d.conns = append(d.conns[:i], d.conns[i+1:]...)
			return
		}
	}
}

// emit sends f on the most recently connected transport.
func (d *Device) emit(f *frame.Frame) {
	d.mu.Lock()
	var t *Transport
	if n := len(d.conns); n > 0 {
		t = d.conns[n-1]
	}
	d.mu.Unlock()

	if t == nil {
		d.logger.WithField("frame", f.String()).Debug("Simulator has no connection, frame lost")
		return
	}
	data, err := frame.Encode(f)
	if err != nil {
		d.logger.WithField("error", err).Error("Simulator failed to encode frame")
		return
	}
	t.deliver(data)
}

func (d *Device) nextSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	return d.seq
}

func (d *Device) reply(to *frame.Frame, t frame.Type, payload any) {
	f, err := to.Reply(t, d.nextSeq(), payload)
	if err != nil {
		d.logger.WithField("error", err).Error("Simulator failed to build reply")
		return
	}
	d.emit(f)
}

func (d *Device) nack(to *frame.Frame, code, reason string) {
	d.reply(to, frame.TypeNack, frame.Nack{Code: code, Reason: reason})
}

func (d *Device) after(delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timers = append(d.timers, time.AfterFunc(delay, fn))
}

package frame

import (
	"fmt"
	"math"
	"time"

	"github.com/srg/ionlink/internal/device"
)

// Nack codes sent by the firmware.
const (
	NackStorageFull       = "storage_full"
	NackValidation        = "validation"
	NackInvalidCredential = "invalid_credential"
	NackUnsupported       = "unsupported"
	NackBadFrame          = "bad_frame"
)

// MaxNicknameRunes is the nickname length the device stores.
const MaxNicknameRunes = 16

type Hello struct {
	SessionID string `json:"sid"`
	PublicKey []byte `json:"pk"`
}

// Beacon is the device's identity. It is broadcast during discovery and sent
// in reply to Hello. PublicKey is an X25519 key for credential sealing,
// SigningKey an ed25519 key for pair acknowledgements.
type Beacon struct {
	Serial       string `json:"sn"`
	Firmware     string `json:"fw"`
	FilterHealth int    `json:"fh"`
	PublicKey    []byte `json:"pk"`
	SigningKey   []byte `json:"vk"`
}

type Credentials struct {
	SessionID string `json:"sid"`
	SSID      string `json:"ssid"`
	Secured   bool   `json:"sec"`
	Nonce     []byte `json:"n,omitempty"`
	Sealed    []byte `json:"c,omitempty"`
}

// PairAck confirms the device joined the home network. Address, when set,
// is where the operational link listens.
type PairAck struct {
	SessionID string `json:"sid"`
	Serial    string `json:"sn"`
	Address   string `json:"addr,omitempty"`
	Signature []byte `json:"sig"`
}

// PairAckMessage is the byte string a PairAck signature covers.
func PairAckMessage(sessionID, serial string) []byte {
	return []byte(sessionID + "|" + serial)
}

// Profile is the device's compact profile record.
type Profile struct {
	ID       string `json:"i"`
	Nickname string `json:"n"`
	Age      int    `json:"a"`
	PH       int    `json:"p"` // tenths
	Hash     string `json:"h"`
}

// ProfileRecord converts an app profile into its on-device record.
func ProfileRecord(p device.FamilyMemberProfile) Profile {
	nick := []rune(p.Nickname)
	if len(nick) > MaxNicknameRunes {
		nick = nick[:MaxNicknameRunes]
	}
	return Profile{
		ID:       p.ID,
		Nickname: string(nick),
		Age:      p.Age,
		PH:       p.PHTenths(),
		Hash:     p.ContentHash(),
	}
}

type Nack struct {
	Code   string `json:"c"`
	Reason string `json:"m,omitempty"`
}

type Dispense struct {
	MemberID string  `json:"m"`
	Liters   float64 `json:"l"`
	PH       int     `json:"p"` // tenths
}

// Telemetry is a pushed consumption or quality reading. pH values are tenths
// and Timestamp is unix milliseconds.
type Telemetry struct {
	Kind      device.EventKind `json:"k"`
	MemberID  string           `json:"m,omitempty"`
	Liters    float64          `json:"l,omitempty"`
	PH        int              `json:"p,omitempty"`
	Quality   float64          `json:"q,omitempty"`
	AveragePH int              `json:"ap,omitempty"`
	Timestamp int64            `json:"ts"`
}

// TelemetryRecord converts an event into its wire form.
func TelemetryRecord(ev device.TelemetryEvent) Telemetry {
	switch e := ev.(type) {
	case device.ConsumptionEvent:
		return Telemetry{
			Kind:      device.KindConsumption,
			MemberID:  e.MemberID,
			Liters:    e.Liters,
			PH:        tenths(e.PH),
			Timestamp: e.Timestamp.UnixMilli(),
		}
	case device.QualityEvent:
		return Telemetry{
			Kind:      device.KindQuality,
			Quality:   e.QualityScore,
			AveragePH: tenths(e.AveragePH),
			Timestamp: e.Timestamp.UnixMilli(),
		}
	default:
		return Telemetry{Kind: ev.Kind(), Timestamp: ev.At().UnixMilli()}
	}
}

// Event converts a wire reading into a domain event.
func (t Telemetry) Event() (device.TelemetryEvent, error) {
	ts := time.UnixMilli(t.Timestamp)
	switch t.Kind {
	case device.KindConsumption:
		if t.MemberID == "" {
			return nil, fmt.Errorf("consumption telemetry without member id")
		}
		return device.ConsumptionEvent{MemberID: t.MemberID, Liters: t.Liters, PH: float64(t.PH) / 10, Timestamp: ts}, nil
	case device.KindQuality:
		return device.QualityEvent{QualityScore: t.Quality, AveragePH: float64(t.AveragePH) / 10, Timestamp: ts}, nil
	default:
		return nil, fmt.Errorf("unknown telemetry kind %q", t.Kind)
	}
}

func tenths(v float64) int { return int(math.Round(v * 10)) }

// Package frame implements the wire protocol spoken with the filter's control
// board over both radios.
//
// A frame on the wire is a 4-byte header followed by a JSON body:
//
//	+-------+-------+---------------+------------------------+
//	| 0xA5  | flags | length (BE16) | body (JSON, maybe lz4) |
//	+-------+-------+---------------+------------------------+
//
// The body carries the frame type, the sender's sequence number, the sequence
// number being answered (for replies) and a type-specific payload.
package frame

import (
	"encoding/json"
	"fmt"
)

// Type identifies a frame's purpose.
type Type string

const (
	TypeBeacon      Type = "beacon"      // device identity, also the reply to hello
	TypeHello       Type = "hello"       // app opens a pairing session
	TypeCredentials Type = "credentials" // home network credential handoff
	TypePairAck     Type = "pair_ack"    // device-signed pairing confirmation
	TypeProfile     Type = "profile"     // one family member profile record
	TypeAck         Type = "ack"
	TypeNack        Type = "nack"
	TypeTelemetry   Type = "telemetry" // device push, acked by the app
	TypeDispense    Type = "dispense"
)

// Frame is one protocol message. Ref is zero for unsolicited frames and holds
// the answered frame's Seq for replies.
type Frame struct {
	Type    Type            `json:"t"`
	Seq     uint32          `json:"s"`
	Ref     uint32          `json:"r,omitempty"`
	Payload json.RawMessage `json:"p,omitempty"`
}

// New builds a frame, encoding payload as JSON when non-nil.
func New(t Type, seq uint32, payload any) (*Frame, error) {
	f := &Frame{Type: t, Seq: seq}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		f.Payload = raw
	}
	return f, nil
}

// Reply builds a frame answering f.
func (f *Frame) Reply(t Type, seq uint32, payload any) (*Frame, error) {
	r, err := New(t, seq, payload)
	if err != nil {
		return nil, err
	}
	r.Ref = f.Seq
	return r, nil
}

// Decode unmarshals the payload into v.
func (f *Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame %d has no payload", f.Type, f.Seq)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}

func (f *Frame) String() string {
	if f.Ref != 0 {
		return fmt.Sprintf("%s#%d→%d", f.Type, f.Seq, f.Ref)
	}
	return fmt.Sprintf("%s#%d", f.Type, f.Seq)
}

package device

import (
	"fmt"
	"time"
)

// EventKind discriminates telemetry events.
type EventKind string

const (
	KindConsumption EventKind = "consumption"
	KindQuality     EventKind = "quality"
)

// TelemetryEvent is either a ConsumptionEvent or a QualityEvent.
// Events are immutable once received.
type TelemetryEvent interface {
	Kind() EventKind
	At() time.Time
	Key() EventKey
}

// EventKey identifies a telemetry event for deduplication. Retransmissions
// of the same reading share a key.
type EventKey struct {
	MemberID  string
	Timestamp int64 // unix milliseconds
	Kind      EventKind
}

func (k EventKey) String() string {
	return fmt.Sprintf("%s/%s@%d", k.Kind, k.MemberID, k.Timestamp)
}

// ConsumptionEvent records water dispensed to a family member.
type ConsumptionEvent struct {
	MemberID  string    `json:"member_id"`
	Liters    float64   `json:"liters"`
	PH        float64   `json:"ph"`
	Timestamp time.Time `json:"timestamp"`
}

func (e ConsumptionEvent) Kind() EventKind { return KindConsumption }
func (e ConsumptionEvent) At() time.Time   { return e.Timestamp }
func (e ConsumptionEvent) Key() EventKey {
	return EventKey{MemberID: e.MemberID, Timestamp: e.Timestamp.UnixMilli(), Kind: KindConsumption}
}

// QualityEvent is a periodic water quality report.
type QualityEvent struct {
	QualityScore float64   `json:"quality_score"`
	AveragePH    float64   `json:"average_ph"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e QualityEvent) Kind() EventKind { return KindQuality }
func (e QualityEvent) At() time.Time   { return e.Timestamp }
func (e QualityEvent) Key() EventKey {
	return EventKey{Timestamp: e.Timestamp.UnixMilli(), Kind: KindQuality}
}

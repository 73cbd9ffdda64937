package device

import (
	"errors"
	"fmt"
)

// TransportErrorKind classifies a failure of the physical link.
type TransportErrorKind string

const (
	TransportUnreachable TransportErrorKind = "unreachable"
	TransportLinkLost    TransportErrorKind = "link_lost"
	TransportTimeout     TransportErrorKind = "timeout"
	TransportRejected    TransportErrorKind = "rejected"
	TransportNack        TransportErrorKind = "nack"
)

// TransportError is returned by transports and by the link adapter.
// Code carries the device's nack code when Kind is TransportNack.
type TransportError struct {
	Kind TransportErrorKind
	Code string
	Msg  string
	Err  error
}

func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return format("transport", string(e.Kind), e.Code, e.Msg, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is matches by Kind, and by Code when the target carries one.
func (e *TransportError) Is(target error) bool {
	t, ok := target.(*TransportError)
	if !ok || e == nil {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

// PairingErrorKind is the reason a pairing attempt ended in Failed.
type PairingErrorKind string

const (
	PairingHandshakeTimeout  PairingErrorKind = "handshake_timeout"
	PairingAckTimeout        PairingErrorKind = "ack_timeout"
	PairingUserCancelled     PairingErrorKind = "user_cancelled"
	PairingInvalidCredential PairingErrorKind = "invalid_credential"
)

type PairingError struct {
	Kind PairingErrorKind
	Msg  string
	Err  error
}

func (e *PairingError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return format("pairing", string(e.Kind), "", e.Msg, e.Err)
}

func (e *PairingError) Unwrap() error { return e.Err }

func (e *PairingError) Is(target error) bool {
	t, ok := target.(*PairingError)
	if !ok || e == nil {
		return false
	}
	return e.Kind == t.Kind
}

// SyncErrorKind classifies a per-profile rejection.
type SyncErrorKind string

const (
	SyncRejected    SyncErrorKind = "rejected"
	SyncStorageFull SyncErrorKind = "device_storage_full"
)

// SyncError is the per-profile outcome recorded in a sync result.
// Reason is the device's (or local validator's) explanation.
type SyncError struct {
	Kind   SyncErrorKind
	Reason string
	Err    error
}

func (e *SyncError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return format("sync", string(e.Kind), "", e.Reason, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok || e == nil {
		return false
	}
	return e.Kind == t.Kind
}

// TelemetryErrorKind classifies an ingest anomaly. These are counted and
// logged, never surfaced to the user.
type TelemetryErrorKind string

const (
	TelemetryDuplicateDropped TelemetryErrorKind = "duplicate_dropped"
	TelemetryWindowExpired    TelemetryErrorKind = "window_expired"
)

type TelemetryError struct {
	Kind TelemetryErrorKind
	Key  EventKey
}

func (e *TelemetryError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("telemetry %s: %s", e.Kind, e.Key)
}

func (e *TelemetryError) Is(target error) bool {
	t, ok := target.(*TelemetryError)
	if !ok || e == nil {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is.
var (
	ErrUnreachable = &TransportError{Kind: TransportUnreachable}
	ErrLinkLost    = &TransportError{Kind: TransportLinkLost}
	ErrTimeout     = &TransportError{Kind: TransportTimeout}
	ErrRejected    = &TransportError{Kind: TransportRejected}
	ErrNack        = &TransportError{Kind: TransportNack}

	// ErrNotConnected is a LinkLost raised before any link existed.
	ErrNotConnected = &TransportError{Kind: TransportLinkLost, Msg: "not connected"}

	ErrHandshakeTimeout  = &PairingError{Kind: PairingHandshakeTimeout}
	ErrAckTimeout        = &PairingError{Kind: PairingAckTimeout}
	ErrUserCancelled     = &PairingError{Kind: PairingUserCancelled}
	ErrInvalidCredential = &PairingError{Kind: PairingInvalidCredential}

	ErrSyncRejected      = &SyncError{Kind: SyncRejected}
	ErrDeviceStorageFull = &SyncError{Kind: SyncStorageFull}

	ErrDuplicateDropped = &TelemetryError{Kind: TelemetryDuplicateDropped}
	ErrWindowExpired    = &TelemetryError{Kind: TelemetryWindowExpired}
)

var ErrUnsupported = errors.New("unsupported")

// IsRetryable reports whether err is a transport failure worth another attempt.
// Nacks and rejections are answers from the device and are not retried.
func IsRetryable(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	switch te.Kind {
	case TransportUnreachable, TransportLinkLost, TransportTimeout:
		return true
	default:
		return false
	}
}

// NackCode returns the device nack code carried by err, if any.
func NackCode(err error) (string, bool) {
	var te *TransportError
	if errors.As(err, &te) && te.Kind == TransportNack {
		return te.Code, true
	}
	return "", false
}

func format(domain, kind, code, msg string, cause error) string {
	s := domain + " " + kind
	if code != "" {
		s += " (" + code + ")"
	}
	if msg != "" {
		s += ": " + msg
	}
	if cause != nil {
		s += ": " + cause.Error()
	}
	return s
}

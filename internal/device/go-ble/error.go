package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/ionlink/internal/device"
)

// NormalizeError maps go-ble failures onto the transport error taxonomy.
// Matching is on message fragments because go-ble surfaces most platform
// errors as plain strings. The original error is kept as the cause.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	var te *device.TransportError
	if errors.As(err, &te) {
		return err
	}

	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &device.TransportError{Kind: device.TransportTimeout, Err: err}
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?",
		containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "can't init hci"):
		return &device.TransportError{Kind: device.TransportUnreachable, Msg: "bluetooth unavailable", Err: err}
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return &device.TransportError{Kind: device.TransportLinkLost, Err: err}
	case containsIgnoreCase(msg, "timeout"), containsIgnoreCase(msg, "timed out"):
		return &device.TransportError{Kind: device.TransportTimeout, Err: err}
	case containsIgnoreCase(msg, "insufficient"), containsIgnoreCase(msg, "not permitted"):
		return &device.TransportError{Kind: device.TransportRejected, Err: err}
	default:
		return fmt.Errorf("ble: %w", err)
	}
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

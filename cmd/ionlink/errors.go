package main

import (
	"errors"
	"fmt"

	"github.com/srg/ionlink/internal/device"
	"github.com/srg/ionlink/internal/pairing"
)

// Command-level errors
var (
	ErrNoCandidate   = errors.New("no filter in setup mode found")
	ErrDeviceMissing = errors.New("requested filter was not discovered")
)

// FormatUserError turns an error chain into one line for the terminal. The
// typed link errors get a hint on what to do next.
func FormatUserError(err error) string {
	var (
		pe *device.PairingError
		te *device.TransportError
	)
	switch {
	case errors.As(err, &pe):
		switch pe.Kind {
		case device.PairingHandshakeTimeout:
			return "the filter did not answer; make sure it is powered on and in setup mode, then retry"
		case device.PairingAckTimeout:
			return "the filter did not confirm pairing; it may not have reached the home network"
		case device.PairingInvalidCredential:
			return fmt.Sprintf("the home network password was rejected (%s)", pe.Error())
		case device.PairingUserCancelled:
			return "pairing cancelled"
		}
	case errors.Is(err, pairing.ErrSignalTooWeak):
		return "the filter's signal is too weak; move closer and retry"
	case errors.As(err, &te):
		switch te.Kind {
		case device.TransportUnreachable:
			return fmt.Sprintf("filter unreachable: %s", te.Error())
		case device.TransportLinkLost:
			return fmt.Sprintf("connection to the filter lost: %s", te.Error())
		case device.TransportTimeout:
			return fmt.Sprintf("the filter did not respond in time: %s", te.Error())
		}
	}
	return err.Error()
}

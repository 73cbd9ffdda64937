//go:build !darwin && !linux

package goble

import (
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/ionlink/internal/device"
)

func defaultDevice() (ble.Device, error) {
	return nil, fmt.Errorf("ble host stack: %w", device.ErrUnsupported)
}

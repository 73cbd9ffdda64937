// Package store persists delivered telemetry. Delivery upstream is at least
// once, so every Sink must treat a repeated event as a no-op.
package store

import (
	"context"

	"github.com/srg/ionlink/internal/device"
)

// Sink stores telemetry events. Storing the same event twice must not
// create a second record.
type Sink interface {
	Store(ctx context.Context, ev device.TelemetryEvent) error
}

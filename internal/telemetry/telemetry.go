// Package telemetry turns Waltero API responses into publishable MQTT
// events. Two interchangeable strategies implement the [Source]
// contract: [BulkSource] fetches the latest status for the whole
// catalog in chunked batches, [WindowedSource] fetches a trailing
// 60-second window of readings per device. Topic and payload derivation
// are pure functions so the naming scheme is testable in isolation.
package telemetry

import (
	"context"
	"time"

	"github.com/gallarus-is/waltero-bridge/internal/waltero"
)

// DefaultWindow is the trailing time window the windowed strategy
// requests per device each cycle.
const DefaultWindow = time.Minute

// Event is one publishable MQTT message: a derived topic and a
// field-remapped JSON payload.
type Event struct {
	Topic   string
	Payload []byte
}

// Source collects telemetry for a captured device catalog and maps it
// to events. Collect never returns an error: transport failures are
// logged by the strategy and simply yield fewer (possibly zero) events,
// keeping the error policy local to each strategy.
type Source interface {
	Collect(ctx context.Context, devices []waltero.Device) []Event
}

// StatusAPI is the slice of the Waltero client the bulk strategy needs.
type StatusAPI interface {
	DeviceStatuses(ctx context.Context, ids []string, batchSize int) ([]waltero.DeviceStatus, error)
}

// ReadingsAPI is the slice of the Waltero client the windowed strategy needs.
type ReadingsAPI interface {
	SensorReadings(ctx context.Context, deviceID string, window time.Duration) ([]waltero.Reading, error)
}

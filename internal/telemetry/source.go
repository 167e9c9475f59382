package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/gallarus-is/waltero-bridge/internal/waltero"
)

// BulkSource fetches the latest status for every cataloged device in
// chunked batch calls. A single failed chunk aborts the whole cycle's
// fetch and yields zero events; earlier chunks' results are discarded
// along with it.
type BulkSource struct {
	API       StatusAPI
	Prefix    string
	BatchSize int
	Logger    *slog.Logger
}

// NewBulkSource creates a bulk status source.
func NewBulkSource(api StatusAPI, prefix string, batchSize int, logger *slog.Logger) *BulkSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &BulkSource{API: api, Prefix: prefix, BatchSize: batchSize, Logger: logger}
}

// Collect implements [Source]. Statuses that carry no device id under
// any known key are skipped without being counted as failures.
func (s *BulkSource) Collect(ctx context.Context, devices []waltero.Device) []Event {
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		if d.ID != "" {
			ids = append(ids, d.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	statuses, err := s.API.DeviceStatuses(ctx, ids, s.BatchSize)
	if err != nil {
		s.Logger.Error("device statuses fetch failed", "error", err)
		return nil
	}

	events := make([]Event, 0, len(statuses))
	for _, st := range statuses {
		deviceID := st.ResolvedDeviceID()
		if deviceID == "" {
			continue
		}
		payload, err := StatusPayload(deviceID, st)
		if err != nil {
			s.Logger.Warn("marshal status payload failed", "device_id", deviceID, "error", err)
			continue
		}
		events = append(events, Event{
			Topic:   StatusTopic(s.Prefix, deviceID),
			Payload: payload,
		})
	}

	s.Logger.Debug("bulk statuses collected", "statuses", len(statuses), "events", len(events))
	return events
}

// WindowedSource fetches a trailing time window of readings for each
// device independently. One device's failure is logged and the
// remaining devices still run, so a flaky meter cannot blank the cycle.
type WindowedSource struct {
	API    ReadingsAPI
	Prefix string
	Window time.Duration
	Logger *slog.Logger
}

// NewWindowedSource creates a per-device windowed source. A zero window
// defaults to [DefaultWindow].
func NewWindowedSource(api ReadingsAPI, prefix string, window time.Duration, logger *slog.Logger) *WindowedSource {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WindowedSource{API: api, Prefix: prefix, Window: window, Logger: logger}
}

// Collect implements [Source]. Every reading in a device's window
// becomes its own event on the device's topic.
func (s *WindowedSource) Collect(ctx context.Context, devices []waltero.Device) []Event {
	var events []Event
	for _, d := range devices {
		readings, err := s.API.SensorReadings(ctx, d.ID, s.Window)
		if err != nil {
			s.Logger.Warn("sensor readings fetch failed", "device_id", d.ID, "error", err)
			continue
		}
		if len(readings) == 0 {
			s.Logger.Debug("no sensor readings in window", "device_id", d.ID, "area", d.Area)
			continue
		}

		topic := ReadingTopic(s.Prefix, d.Area, d.ExternalID)
		for _, r := range readings {
			payload, err := ReadingPayload(r)
			if err != nil {
				s.Logger.Warn("marshal reading payload failed", "device_id", d.ID, "error", err)
				continue
			}
			events = append(events, Event{Topic: topic, Payload: payload})
		}
	}
	return events
}

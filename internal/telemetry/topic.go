package telemetry

import (
	"encoding/json"

	"github.com/gallarus-is/waltero-bridge/internal/waltero"
)

// StatusTopic derives the bulk-mode topic: <prefix>/Statuses/<deviceID>.
func StatusTopic(prefix, deviceID string) string {
	return prefix + "/Statuses/" + deviceID
}

// ReadingTopic derives the windowed-mode topic:
// <prefix>/<area>/<externalID>, with "unknown" standing in for devices
// that have no external meter id.
func ReadingTopic(prefix, area, externalID string) string {
	if externalID == "" {
		externalID = "unknown"
	}
	return prefix + "/" + area + "/" + externalID
}

// statusPayload is the external schema for a bulk status record. Raw
// values pass through from the API; absent upstream fields serialize
// as null.
type statusPayload struct {
	DeviceID      string          `json:"device_id"`
	IsConnected   json.RawMessage `json:"is_connected"`
	LastValue     json.RawMessage `json:"last_value"`
	UsageDaily    json.RawMessage `json:"usage_daily"`
	LastTimestamp json.RawMessage `json:"last_timestamp"`
}

// StatusPayload remaps a device status to the external schema.
func StatusPayload(deviceID string, s waltero.DeviceStatus) ([]byte, error) {
	return json.Marshal(statusPayload{
		DeviceID:      deviceID,
		IsConnected:   s.IsConnected,
		LastValue:     s.LastValue,
		UsageDaily:    s.Usage24Hrs,
		LastTimestamp: s.LastTimestamp,
	})
}

// readingPayload is the external schema for one windowed reading.
type readingPayload struct {
	TimestampAPI   json.RawMessage `json:"timestamp_api"`
	TimeAPI        json.RawMessage `json:"time_api"`
	ExternalID     json.RawMessage `json:"external_id"`
	SerialNumber   json.RawMessage `json:"serial_number"`
	DeviceID       json.RawMessage `json:"device_id"`
	MeterValue     json.RawMessage `json:"meter_value"`
	ConnectionMode json.RawMessage `json:"connection_mode"`
	BatteryVoltage json.RawMessage `json:"battery_voltage"`
}

// ReadingPayload remaps one reading to the external schema.
func ReadingPayload(r waltero.Reading) ([]byte, error) {
	return json.Marshal(readingPayload{
		TimestampAPI:   r.Timestamp,
		TimeAPI:        r.Time,
		ExternalID:     r.ExternalID,
		SerialNumber:   r.SerialNumber,
		DeviceID:       r.DeviceID,
		MeterValue:     r.MeterValue,
		ConnectionMode: r.ConnectionMode,
		BatteryVoltage: r.BatteryVoltage,
	})
}

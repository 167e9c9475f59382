package waltero

import (
	"encoding/json"
	"strings"
)

// UnknownArea is the area label used when stripping the tenant marker
// from a device name leaves nothing behind.
const UnknownArea = "Unknown"

// Credentials holds the bearer token and machine identifier returned by
// the login endpoint. Both are opaque strings sent as headers on every
// subsequent call. There is no refresh; credentials live for the process.
type Credentials struct {
	AccessToken string `json:"AccessToken"`
	MachineID   string `json:"MachineId"`
}

// Organization is one entry of the organizations listing.
type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Device is a catalog entry for one bridged meter: the API's internal
// device id, the human-readable area label derived from the device name,
// and the externally assigned meter id (may be empty).
type Device struct {
	ID         string
	Area       string
	ExternalID string
}

// deviceRecord is the wire shape of one device in the devices listing.
type deviceRecord struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	ExternalMeterID string `json:"externalmeterid"`
}

// DeviceStatus is one entry of the bulk /device-statuses response.
// Value fields are kept raw so they pass through to the published
// payload untouched (absent fields publish as null).
type DeviceStatus struct {
	DeviceID      string          `json:"deviceid"`
	AltDeviceID   string          `json:"device_id"`
	ID            string          `json:"id"`
	IsConnected   json.RawMessage `json:"isconnected"`
	LastValue     json.RawMessage `json:"lastValue"`
	Usage24Hrs    json.RawMessage `json:"usage24hrs"`
	LastTimestamp json.RawMessage `json:"lastTimestamp"`
}

// ResolvedDeviceID returns the first non-empty device identifier among
// the keys the API has been observed to use. Empty means the status
// cannot be attributed to a device and must not be published.
func (s DeviceStatus) ResolvedDeviceID() string {
	switch {
	case s.DeviceID != "":
		return s.DeviceID
	case s.AltDeviceID != "":
		return s.AltDeviceID
	default:
		return s.ID
	}
}

// Reading is one entry of the /dataview response for a device's trailing
// time window. All fields pass through to the published payload raw.
type Reading struct {
	Timestamp      json.RawMessage `json:"timestamp"`
	Time           json.RawMessage `json:"time"`
	ExternalID     json.RawMessage `json:"external_id"`
	SerialNumber   json.RawMessage `json:"serial_number"`
	DeviceID       json.RawMessage `json:"device_id"`
	MeterValue     json.RawMessage `json:"meter_value"`
	ConnectionMode json.RawMessage `json:"connection_mode"`
	BatteryVoltage json.RawMessage `json:"battery_voltage"`
}

// pagination is the JSON object carried in the Pagination request header
// on list endpoints. Field names match the server contract exactly.
type pagination struct {
	CurrentPage    int      `json:"CurrentPage"`
	PageCount      int      `json:"PageCount"`
	PageSize       int      `json:"PageSize"`
	RowCount       int      `json:"RowCount"`
	OrderBy        string   `json:"OrderBy"`
	IsDescending   bool     `json:"isDescending"`
	WhereClauses   []string `json:"WhereClauses"`
	WhereORClauses []string `json:"WhereORClauses"`
}

// DeriveArea strips every occurrence of the tenant marker from a device
// name and trims the remainder. An empty result yields [UnknownArea].
func DeriveArea(name, marker string) string {
	area := strings.TrimSpace(strings.ReplaceAll(name, marker, ""))
	if area == "" {
		return UnknownArea
	}
	return area
}

// unwrapList normalizes a response body that is either a bare JSON list
// or an object carrying the list under one of the given keys (checked in
// order). Returns nil when neither shape matches.
func unwrapList(body []byte, keys ...string) json.RawMessage {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		return json.RawMessage(trimmed)
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil
	}
	for _, key := range keys {
		if raw, ok := envelope[key]; ok {
			if strings.HasPrefix(strings.TrimSpace(string(raw)), "[") {
				return raw
			}
		}
	}
	return nil
}

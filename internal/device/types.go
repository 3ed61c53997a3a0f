package device

import "time"

// GroupUnknown is the group assigned to devices that report without being
// present in the configured device map.
const GroupUnknown = "unknown"

// ConnectionStatus describes whether a device has reported recently.
type ConnectionStatus string

// Connection status values.
const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnected    ConnectionStatus = "connected"
)

// Device is a registered embedded controller.
//
// Devices are created from configuration at startup or on first telemetry
// from an unrecognised identifier. They are never deleted while the process
// runs.
type Device struct {
	// ID is the identifier the controller reports with (e.g. "esp32_1").
	ID string `json:"id"`

	// Group is the logical classification (crop or plant type) used to
	// aggregate telemetry history across devices.
	Group string `json:"group"`

	// Status is the current connectivity status.
	Status ConnectionStatus `json:"status"`

	// LastSeen is when the gateway last received anything from the device.
	// Nil until the first report.
	LastSeen *time.Time `json:"last_seen,omitempty"`

	// Configured is false for devices auto-registered from unmapped telemetry.
	Configured bool `json:"configured"`
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	Total     int            `json:"total"`
	Connected int            `json:"connected"`
	Unmapped  int            `json:"unmapped"`
	ByGroup   map[string]int `json:"by_group"`
}

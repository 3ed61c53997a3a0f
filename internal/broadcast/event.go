package broadcast

import "time"

// EventType names the kind of change an event announces.
type EventType string

// Event types published by the gateway.
const (
	EventTelemetry      EventType = "telemetry"
	EventDeviceState    EventType = "device_state"
	EventDeviceStatus   EventType = "device_status"
	EventCommandCreated EventType = "command_created"
	EventCommandUpdated EventType = "command_updated"
	EventCommandPush    EventType = "command_push"
	EventSnapshot       EventType = "snapshot"
)

// GlobalTopic receives every event published with Publish.
const GlobalTopic = "global"

// DeviceTopic returns the topic carrying every event about one device.
// Observers watching a single device subscribe to it.
func DeviceTopic(deviceID string) string {
	return "device:" + deviceID
}

// DeliveryTopic returns the topic of a device's own push channel. Only
// PublishDevice writes to it.
func DeliveryTopic(deviceID string) string {
	return "deliver:" + deviceID
}

// Event is one notification. Payload is marshalled to JSON by transports.
type Event struct {
	Type      EventType `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

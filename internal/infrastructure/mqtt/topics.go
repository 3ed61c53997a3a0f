package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every Growlink topic.
//
// Device topics use the flat scheme growlink/{category}/{device_id}.
const TopicPrefix = "growlink"

// Topic categories.
const (
	categoryTelemetry = "telemetry"
	categoryOutcome   = "outcome"
	categoryCommand   = "command"
	categorySystem    = "system"
)

// Topics provides builders for Growlink MQTT topics.
// Using these helpers keeps the bridge and the devices in agreement:
//
//	topics := mqtt.Topics{}
//	topics.Command("esp32_1")
//	// Returns: "growlink/command/esp32_1"
type Topics struct{}

// Telemetry returns the topic a device publishes sensor readings on.
//
// Example: growlink/telemetry/esp32_1
func (Topics) Telemetry(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, categoryTelemetry, deviceID)
}

// Outcome returns the topic a device reports command outcomes on.
//
// Example: growlink/outcome/esp32_1
func (Topics) Outcome(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, categoryOutcome, deviceID)
}

// Command returns the topic commands are pushed to for a device.
//
// Example: growlink/command/esp32_1
func (Topics) Command(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, categoryCommand, deviceID)
}

// SystemStatus returns the gateway status topic (online/offline and LWT).
//
// Example: growlink/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/%s/status", TopicPrefix, categorySystem)
}

// AllTelemetry returns a pattern matching telemetry from every device.
//
// Pattern: growlink/telemetry/+
func (Topics) AllTelemetry() string {
	return fmt.Sprintf("%s/%s/+", TopicPrefix, categoryTelemetry)
}

// AllOutcomes returns a pattern matching outcome reports from every device.
//
// Pattern: growlink/outcome/+
func (Topics) AllOutcomes() string {
	return fmt.Sprintf("%s/%s/+", TopicPrefix, categoryOutcome)
}

// DeviceID extracts the device id from a concrete device topic of the given
// category. It reports false for topics outside the growlink/{category}/{id}
// scheme.
func (Topics) DeviceID(topic, category string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicPrefix || parts[1] != category {
		return "", false
	}
	if parts[2] == "" || parts[2] == "+" || parts[2] == "#" {
		return "", false
	}
	return parts[2], true
}

// TelemetryDeviceID extracts the device id from a telemetry topic.
func (t Topics) TelemetryDeviceID(topic string) (string, bool) {
	return t.DeviceID(topic, categoryTelemetry)
}

// OutcomeDeviceID extracts the device id from an outcome topic.
func (t Topics) OutcomeDeviceID(topic string) (string, bool) {
	return t.DeviceID(topic, categoryOutcome)
}

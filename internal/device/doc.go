// Package device provides the Device Registry for Growlink Core.
//
// The registry maps device identifiers (as reported by the controllers) to
// logical groups such as crop or plant type, and owns each device's live
// connectivity state.
//
// # Unmapped devices
//
// Telemetry from an identifier that is not in the configured map is never
// rejected. The device is registered into GroupUnknown and a warning is
// logged, so a misconfigured controller keeps reporting while an operator
// fixes the map.
//
// # Connectivity
//
//	registry := device.NewRegistry(cfg.DeviceGroups())
//	registry.RecordSeen("esp32_1", time.Now())          // connected
//	registry.MarkStaleIfExpired(time.Now(), 2*time.Minute) // disconnected after silence
//
// # Thread Safety
//
// The Registry is safe for concurrent use. All operations are protected by
// a read-write mutex and return copies.
package device

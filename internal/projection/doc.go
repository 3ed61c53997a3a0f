// Package projection maintains the predicted state of each device.
//
// State is updated optimistically when a command is issued, so observers see
// the effect immediately. When a boolean toggle command later fails or times
// out, the toggle is reverted, but only while that command is still the last
// writer of the field. Watering and nutrient timestamps are never reverted.
//
// Telemetry is ground truth: an explicit light or pump field in a reading
// overrides whatever was predicted.
package projection

package gateway

import (
	"time"

	"github.com/nerrad567/growlink-core/internal/broadcast"
	"github.com/nerrad567/growlink-core/internal/command"
	"github.com/nerrad567/growlink-core/internal/device"
	"github.com/nerrad567/growlink-core/internal/projection"
	"github.com/nerrad567/growlink-core/internal/telemetry"
)

// Snapshot is the full current state handed to an observer when it joins.
type Snapshot struct {
	Devices   []device.Device              `json:"devices"`
	Latest    map[string]telemetry.Reading `json:"latest"`
	States    []projection.DeviceState     `json:"states"`
	Pending   map[string][]command.Command `json:"pending"`
	Timestamp time.Time                    `json:"timestamp"`
}

// Stats aggregates component statistics.
type Stats struct {
	Devices   device.Stats    `json:"devices"`
	Commands  command.Stats   `json:"commands"`
	Broadcast broadcast.Stats `json:"broadcast"`
	Groups    []string        `json:"groups"`
}

// StatusChange is the payload of a device_status event.
type StatusChange struct {
	DeviceID string                  `json:"device_id"`
	Group    string                  `json:"group"`
	Status   device.ConnectionStatus `json:"status"`
	LastSeen *time.Time              `json:"last_seen,omitempty"`
}

func statusChange(d device.Device) StatusChange {
	return StatusChange{DeviceID: d.ID, Group: d.Group, Status: d.Status, LastSeen: d.LastSeen}
}

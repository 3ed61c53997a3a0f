package telemetry

import (
	"errors"
	"time"
)

// DefaultCapacity is the per-group history bound used when none is configured.
const DefaultCapacity = 100

// ErrInvalidCapacity is returned by NewStore for a non-positive capacity.
var ErrInvalidCapacity = errors.New("telemetry: history capacity must be positive")

// Reading is one sensor report as stored by the gateway.
// Readings are immutable once stored; the next report for the same device
// supersedes it.
type Reading struct {
	DeviceID  string         `json:"device_id"`
	Group     string         `json:"group"`
	Values    map[string]any `json:"values"`
	Timestamp time.Time      `json:"timestamp"`
}

// clone returns a copy whose Values map is not shared with the receiver.
func (r Reading) clone() Reading {
	c := r
	c.Values = copyValues(r.Values)
	return c
}

func copyValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

package device

import (
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry maps device identifiers to logical groups and owns each device's
// live connectivity state.
//
// The device map is seeded from configuration. Telemetry from identifiers
// that are not in the map is still accepted: the device is registered into
// GroupUnknown and the anomaly is logged.
//
// All public methods are thread-safe. Returned devices are copies.
type Registry struct {
	devices map[string]*Device
	mu      sync.RWMutex
	logger  Logger
}

// NewRegistry creates a registry seeded with the given device-to-group map.
func NewRegistry(groups map[string]string) *Registry {
	r := &Registry{
		devices: make(map[string]*Device, len(groups)),
		logger:  noopLogger{},
	}
	for id, group := range groups {
		r.devices[id] = &Device{
			ID:         id,
			Group:      group,
			Status:     StatusDisconnected,
			Configured: true,
		}
	}
	return r
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// ResolveGroup returns the group of a device.
// Unregistered identifiers resolve to GroupUnknown with known=false.
func (r *Registry) ResolveGroup(id string) (group string, known bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if d, ok := r.devices[id]; ok {
		return d.Group, true
	}
	return GroupUnknown, false
}

// RecordSeen marks a device connected and updates its last-seen time.
//
// An unregistered identifier is registered into GroupUnknown. The returned
// flag reports whether the connectivity status flipped (or the device was
// newly registered), so callers can announce the change.
func (r *Registry) RecordSeen(id string, now time.Time) (Device, bool) {
	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		d = &Device{ID: id, Group: GroupUnknown, Status: StatusDisconnected}
		r.devices[id] = d
	}
	changed := d.Status != StatusConnected
	d.Status = StatusConnected
	seen := now
	d.LastSeen = &seen
	snapshot := *d
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("telemetry from unmapped device, classified as unknown", "device_id", id)
	} else if changed {
		r.logger.Info("device connected", "device_id", id, "group", snapshot.Group)
	}
	return snapshot, changed
}

// MarkStaleIfExpired flips connected devices to disconnected when they have
// not been seen for longer than staleAfter. It returns the devices that
// changed status.
func (r *Registry) MarkStaleIfExpired(now time.Time, staleAfter time.Duration) []Device {
	r.mu.Lock()
	var stale []Device
	for _, d := range r.devices {
		if d.Status != StatusConnected || d.LastSeen == nil {
			continue
		}
		if now.Sub(*d.LastSeen) > staleAfter {
			d.Status = StatusDisconnected
			stale = append(stale, *d)
		}
	}
	r.mu.Unlock()

	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })
	for _, d := range stale {
		r.logger.Info("device disconnected (stale)", "device_id", d.ID, "last_seen", d.LastSeen)
	}
	return stale
}

// Get returns a device by ID.
// Returns ErrDeviceNotFound if the device is not registered.
func (r *Registry) Get(id string) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	return *d, nil
}

// Exists reports whether the device is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devices[id]
	return ok
}

// List returns all devices ordered by ID.
func (r *Registry) List() []Device {
	r.mu.RLock()
	devices := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, *d)
	}
	r.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// DevicesInGroup returns the IDs of all devices in a group, ordered by ID.
func (r *Registry) DevicesInGroup(group string) []string {
	r.mu.RLock()
	var ids []string
	for _, d := range r.devices {
		if d.Group == group {
			ids = append(ids, d.ID)
		}
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Total:   len(r.devices),
		ByGroup: make(map[string]int),
	}
	for _, d := range r.devices {
		stats.ByGroup[d.Group]++
		if d.Status == StatusConnected {
			stats.Connected++
		}
		if !d.Configured {
			stats.Unmapped++
		}
	}
	return stats
}

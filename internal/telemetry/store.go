package telemetry

import (
	"sort"
	"sync"
	"time"
)

// Store holds the latest reading per device and a bounded history per group.
//
// All public methods are thread-safe. A latest overwrite and the matching
// history append happen under one lock, so readers never observe one
// without the other.
type Store struct {
	mu       sync.RWMutex
	capacity int
	latest   map[string]Reading
	history  map[string]*ring
	lastTS   time.Time
}

// NewStore creates a store whose per-group history holds at most capacity
// readings.
func NewStore(capacity int) (*Store, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &Store{
		capacity: capacity,
		latest:   make(map[string]Reading),
		history:  make(map[string]*ring),
	}, nil
}

// Ingest stores values as the latest reading for deviceID and appends it to
// the group's history.
//
// The timestamp is derived from now but bumped forward when necessary so
// that successive readings are strictly increasing, regardless of clock
// resolution.
func (s *Store) Ingest(deviceID, group string, values map[string]any, now time.Time) Reading {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now
	if !ts.After(s.lastTS) {
		ts = s.lastTS.Add(time.Nanosecond)
	}
	s.lastTS = ts

	reading := Reading{
		DeviceID:  deviceID,
		Group:     group,
		Values:    copyValues(values),
		Timestamp: ts,
	}
	s.latest[deviceID] = reading

	h, ok := s.history[group]
	if !ok {
		h = newRing(s.capacity)
		s.history[group] = h
	}
	h.push(reading)

	return reading.clone()
}

// Latest returns the most recent reading for a device.
func (s *Store) Latest(deviceID string) (Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.latest[deviceID]
	if !ok {
		return Reading{}, false
	}
	return r.clone(), true
}

// History returns the group's retained readings, oldest first.
// A group that never reported yields an empty slice.
func (s *Store) History(group string) []Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.history[group]
	if !ok {
		return []Reading{}
	}
	return h.items()
}

// ByGroup returns the latest reading of each listed device that has
// reported. The map is empty when none of them has.
func (s *Store) ByGroup(deviceIDs []string) map[string]Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Reading)
	for _, id := range deviceIDs {
		if r, ok := s.latest[id]; ok {
			out[id] = r.clone()
		}
	}
	return out
}

// All returns the latest reading of every device that has reported.
func (s *Store) All() map[string]Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Reading, len(s.latest))
	for id, r := range s.latest {
		out[id] = r.clone()
	}
	return out
}

// Groups returns the groups that have history, sorted.
func (s *Store) Groups() []string {
	s.mu.RLock()
	groups := make([]string, 0, len(s.history))
	for g := range s.history {
		groups = append(groups, g)
	}
	s.mu.RUnlock()

	sort.Strings(groups)
	return groups
}

// HistoryLen returns the number of readings retained for a group.
func (s *Store) HistoryLen(group string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if h, ok := s.history[group]; ok {
		return h.len()
	}
	return 0
}

package projection

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/growlink-core/internal/command"
	"github.com/nerrad567/growlink-core/internal/telemetry"
)

// DeviceState is the projected state of one device.
type DeviceState struct {
	DeviceID      string     `json:"device_id"`
	Light         bool       `json:"light"`
	Pump          bool       `json:"pump"`
	LastWatered   *time.Time `json:"last_watered,omitempty"`
	LastNutrients *time.Time `json:"last_nutrients,omitempty"`
	LastUpdated   *time.Time `json:"last_updated,omitempty"`
}

// toggle is a boolean field: the last confirmed value plus the writes of
// commands still in flight, oldest first. The visible value is the newest
// in-flight write, or the confirmed value when nothing is in flight.
type toggle struct {
	base    bool
	pending []write
}

type write struct {
	commandID int64
	value     bool
}

func (t *toggle) value() bool {
	if n := len(t.pending); n > 0 {
		return t.pending[n-1].value
	}
	return t.base
}

func (t *toggle) set(v bool, commandID int64) bool {
	before := t.value()
	t.pending = append(t.pending, write{commandID: commandID, value: v})
	return before != v
}

// settle drops the in-flight write of commandID. A confirmed write becomes
// the new base; a rejected one is simply forgotten.
func (t *toggle) settle(commandID int64, confirmed bool) bool {
	before := t.value()
	for i, w := range t.pending {
		if w.commandID != commandID {
			continue
		}
		if confirmed {
			t.base = w.value
		}
		t.pending = append(t.pending[:i], t.pending[i+1:]...)
		break
	}
	return t.value() != before
}

// observe records a value reported by the device. It supersedes every
// in-flight prediction.
func (t *toggle) observe(v bool) bool {
	before := t.value()
	t.base = v
	t.pending = nil
	return before != v
}

type entry struct {
	light         toggle
	pump          toggle
	lastWatered   *time.Time
	lastNutrients *time.Time
	lastUpdated   *time.Time
}

func (e *entry) snapshot(id string) DeviceState {
	return DeviceState{
		DeviceID:      id,
		Light:         e.light.value(),
		Pump:          e.pump.value(),
		LastWatered:   e.lastWatered,
		LastNutrients: e.lastNutrients,
		LastUpdated:   e.lastUpdated,
	}
}

// Projector keeps one DeviceState per device.
// It is safe for concurrent use.
type Projector struct {
	mu     sync.RWMutex
	states map[string]*entry
}

// NewProjector creates an empty projector.
func NewProjector() *Projector {
	return &Projector{states: make(map[string]*entry)}
}

// entryFor returns the entry for id, creating it. Caller holds mu.
func (p *Projector) entryFor(id string) *entry {
	e, ok := p.states[id]
	if !ok {
		e = &entry{}
		p.states[id] = e
	}
	return e
}

// ApplyCommandIssued predicts the effect of a newly issued command.
// It returns the resulting state and whether any field changed.
func (p *Projector) ApplyCommandIssued(cmd command.Command) (DeviceState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.entryFor(cmd.DeviceID)
	at := cmd.CreatedAt
	on := cmd.Value != 0
	changed := false

	switch cmd.Kind {
	case command.KindLightOn:
		changed = e.light.set(true, cmd.ID)
	case command.KindLightOff:
		changed = e.light.set(false, cmd.ID)
	case command.KindLED:
		changed = e.light.set(on, cmd.ID)
	case command.KindWaterPump:
		e.pump.set(on, cmd.ID)
		e.lastWatered = &at
		changed = true
	case command.KindFertPump:
		e.pump.set(on, cmd.ID)
		e.lastNutrients = &at
		changed = true
	case command.KindWaterPlant:
		e.lastWatered = &at
		changed = true
	case command.KindAddNutrients:
		e.lastNutrients = &at
		changed = true
	}

	e.lastUpdated = &at
	return e.snapshot(cmd.DeviceID), changed
}

// ApplyCommandTerminal reconciles the projection with a command's final
// status. A completed command confirms its prediction. A failed or timed-out
// command withdraws it, and the field falls back to the newest prediction
// still in flight or, failing that, to the last confirmed value.
func (p *Projector) ApplyCommandTerminal(cmd command.Command) (DeviceState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.states[cmd.DeviceID]
	if !ok {
		return DeviceState{}, false
	}

	var confirmed bool
	switch cmd.Status {
	case command.StatusCompleted:
		confirmed = true
	case command.StatusFailed, command.StatusTimeout:
	default:
		return e.snapshot(cmd.DeviceID), false
	}
	lightChanged := e.light.settle(cmd.ID, confirmed)
	pumpChanged := e.pump.settle(cmd.ID, confirmed)
	changed := lightChanged || pumpChanged

	if changed && cmd.CompletedAt != nil {
		at := *cmd.CompletedAt
		e.lastUpdated = &at
	}
	return e.snapshot(cmd.DeviceID), changed
}

// stateField is a telemetry key that reports an actuator directly. A bare
// "light" key is often a lux reading, so numbers only count for keys marked
// numeric.
type stateField struct {
	key     string
	numeric bool
}

var (
	lightFields = []stateField{{key: "light"}, {key: "light_status", numeric: true}, {key: "led", numeric: true}}
	pumpFields  = []stateField{{key: "pump", numeric: true}, {key: "pump_status", numeric: true}}
)

// ApplyTelemetry overrides predicted toggles with values the device
// reported. The first state for a device is created here if needed; changed
// is true when a toggle flipped or the device had no state yet.
func (p *Projector) ApplyTelemetry(reading telemetry.Reading) (DeviceState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, existed := p.states[reading.DeviceID]
	e := p.entryFor(reading.DeviceID)
	changed := !existed

	if v, ok := lookupBool(reading.Values, lightFields); ok && e.light.observe(v) {
		changed = true
	}
	if v, ok := lookupBool(reading.Values, pumpFields); ok && e.pump.observe(v) {
		changed = true
	}

	at := reading.Timestamp
	e.lastUpdated = &at
	return e.snapshot(reading.DeviceID), changed
}

// Get returns the projected state of a device.
func (p *Projector) Get(deviceID string) (DeviceState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.states[deviceID]
	if !ok {
		return DeviceState{}, false
	}
	return e.snapshot(deviceID), true
}

// All returns the projected state of every device, ordered by device ID.
func (p *Projector) All() []DeviceState {
	p.mu.RLock()
	out := make([]DeviceState, 0, len(p.states))
	for id, e := range p.states {
		out = append(out, e.snapshot(id))
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// lookupBool returns the first field that holds a recognisable on/off
// value.
func lookupBool(values map[string]any, fields []stateField) (bool, bool) {
	for _, f := range fields {
		raw, ok := values[f.key]
		if !ok {
			continue
		}
		if !f.numeric && !isSwitchValue(raw) {
			continue
		}
		if v, ok := asBool(raw); ok {
			return v, true
		}
	}
	return false, false
}

// isSwitchValue reports whether raw is a bool or an on/off style word.
func isSwitchValue(raw any) bool {
	switch v := raw.(type) {
	case bool:
		return true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "on", "off", "true", "false":
			return true
		}
	}
	return false
}

func asBool(raw any) (bool, bool) {
	switch v := raw.(type) {
	case bool:
		return v, true
	case float64:
		return v != 0, true
	case float32:
		return v != 0, true
	case int:
		return v != 0, true
	case int64:
		return v != 0, true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return false, false
		}
		return f != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "on", "true", "1":
			return true, true
		case "off", "false", "0":
			return false, true
		}
	}
	return false, false
}

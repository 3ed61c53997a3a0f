package command

import (
	"fmt"
	"time"
)

// Kind is the closed set of actions a controller understands.
type Kind string

// Command kinds.
const (
	KindLightOn      Kind = "light_on"
	KindLightOff     Kind = "light_off"
	KindWaterPlant   Kind = "water_plant"
	KindAddNutrients Kind = "add_nutrients"
	KindWaterPump    Kind = "water_pump"
	KindFertPump     Kind = "fert_pump"
	KindLED          Kind = "led"
)

// actuatorOn lists the kinds whose value defaults to 1 (switch on) rather
// than 0 when the caller omits it.
var actuatorOn = map[Kind]bool{
	KindLightOn:   true,
	KindWaterPump: true,
	KindFertPump:  true,
	KindLED:       true,
}

// AllKinds returns every supported kind in a stable order.
func AllKinds() []Kind {
	return []Kind{
		KindLightOn, KindLightOff, KindWaterPlant, KindAddNutrients,
		KindWaterPump, KindFertPump, KindLED,
	}
}

// Valid reports whether k is a supported kind.
func (k Kind) Valid() bool {
	switch k {
	case KindLightOn, KindLightOff, KindWaterPlant, KindAddNutrients,
		KindWaterPump, KindFertPump, KindLED:
		return true
	}
	return false
}

// DefaultValue is the value a command of this kind carries when none is given.
func (k Kind) DefaultValue() float64 {
	if actuatorOn[k] {
		return 1
	}
	return 0
}

// ParseKind converts a wire string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %w: %q", ErrValidation, ErrUnknownKind, s)
	}
	return k, nil
}

// Status is a command's lifecycle status.
type Status string

// Command statuses. Pending is the only non-terminal status.
const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s != StatusPending
}

// Command is an operator-issued instruction for one device.
type Command struct {
	ID          int64      `json:"id"`
	DeviceID    string     `json:"device_id"`
	Kind        Kind       `json:"kind"`
	Value       float64    `json:"value"`
	DurationMS  int        `json:"duration"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	PushedAt    *time.Time `json:"pushed_at,omitempty"`
	IssuedBy    string     `json:"issued_by,omitempty"`
}

// SubmitRequest carries the caller-supplied fields of a new command.
// Nil Value and DurationMS select the kind's defaults.
type SubmitRequest struct {
	DeviceID   string
	Kind       Kind
	Value      *float64
	DurationMS *int
	IssuedBy   string
}

// Stats is a point-in-time summary of the queue.
type Stats struct {
	Devices   int `json:"devices"`
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Timeout   int `json:"timeout"`
}

package mqttdevice

import (
	"github.com/nerrad567/growlink-core/internal/command"
)

// CommandMessage is the payload published on growlink/command/{device_id}.
type CommandMessage struct {
	ID         int64        `json:"id"`
	Kind       command.Kind `json:"kind"`
	Value      float64      `json:"value"`
	DurationMS int          `json:"duration"`
}

// OutcomeMessage is the payload a device publishes on growlink/outcome/{device_id}.
type OutcomeMessage struct {
	CommandID int64 `json:"command_id"`
	Success   *bool `json:"success"`
}

func newCommandMessage(cmd command.Command) CommandMessage {
	return CommandMessage{
		ID:         cmd.ID,
		Kind:       cmd.Kind,
		Value:      cmd.Value,
		DurationMS: cmd.DurationMS,
	}
}

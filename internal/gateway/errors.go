package gateway

import (
	"errors"
	"fmt"

	"github.com/nerrad567/growlink-core/internal/command"
	"github.com/nerrad567/growlink-core/internal/device"
)

// Error taxonomy surfaced to transports.
var (
	// ErrValidation marks malformed identifiers, fields or command kinds.
	// The operation made no state change.
	ErrValidation = errors.New("gateway: validation failed")

	// ErrNotFound marks an unknown device, command or reading.
	ErrNotFound = errors.New("gateway: not found")
)

// classify maps component errors onto the gateway taxonomy, keeping the
// original error in the chain.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, command.ErrValidation), errors.Is(err, device.ErrInvalidID):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	case errors.Is(err, command.ErrNotFound), errors.Is(err, device.ErrDeviceNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

func validateDeviceID(id string) error {
	if err := device.ValidateID(id); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

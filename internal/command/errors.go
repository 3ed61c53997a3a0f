package command

import "errors"

// Domain errors for command operations.
var (
	// ErrValidation is returned for malformed submissions. Specific causes
	// wrap it.
	ErrValidation = errors.New("command: validation failed")

	// ErrUnknownKind is returned when the kind is not in the closed set.
	ErrUnknownKind = errors.New("command: unknown kind")

	// ErrNotFound is returned when a command (or a device queue) does not exist.
	ErrNotFound = errors.New("command: not found")
)

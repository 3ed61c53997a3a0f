package device

import (
	"fmt"
	"regexp"
)

// Validation constants.
const (
	maxIDLength = 64
	idPattern   = `^[A-Za-z0-9][A-Za-z0-9_.:-]*$`
)

var idRegex = regexp.MustCompile(idPattern)

// ValidateID checks that a device identifier is safe to use as a map key,
// an MQTT topic level and a URL path segment.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidID)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: id exceeds %d characters", ErrInvalidID, maxIDLength)
	}
	if !idRegex.MatchString(id) {
		return fmt.Errorf("%w: %q contains characters outside [A-Za-z0-9_.:-]", ErrInvalidID, id)
	}
	return nil
}

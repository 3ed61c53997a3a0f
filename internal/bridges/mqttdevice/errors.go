package mqttdevice

import "errors"

var (
	// ErrInvalidTopic is returned for a message on a topic without a device id.
	ErrInvalidTopic = errors.New("mqttdevice: invalid device topic")

	// ErrInvalidPayload is returned for a message that is not the expected JSON.
	ErrInvalidPayload = errors.New("mqttdevice: invalid payload")

	// ErrNotConnected is returned by Push while the broker is unreachable.
	ErrNotConnected = errors.New("mqttdevice: broker not connected")
)

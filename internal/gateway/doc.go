// Package gateway composes the device registry, telemetry store, command
// queue, state projector and event broadcaster into the operations that
// transports (HTTP, WebSocket, MQTT) call.
//
// Every operation follows the same shape: validate, mutate the owning
// component, project, then announce. Components are locked independently and
// no lock is held while events are published or sinks are called.
//
// Sinks (time-series mirror, audit trail, MQTT push, metrics) are optional.
// Their failures are logged and never fail the operation that triggered them.
package gateway

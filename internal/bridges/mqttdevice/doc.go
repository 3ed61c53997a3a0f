// Package mqttdevice connects ESP32 controllers that speak MQTT to the
// gateway.
//
// Inbound, the bridge subscribes to growlink/telemetry/+ and
// growlink/outcome/+ and feeds each message into the gateway. Outbound, it
// implements the gateway's Pusher by publishing commands to
// growlink/command/{device_id}. Pushes run through a circuit breaker so a
// broker outage fails fast instead of stalling every submit.
package mqttdevice

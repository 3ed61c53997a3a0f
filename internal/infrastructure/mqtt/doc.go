// Package mqtt provides MQTT client connectivity for Growlink Core.
//
// This package manages:
//   - Connection to the broker with retried initial connect and auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support, restored on reconnect
//   - Last Will and Testament (LWT) for gateway offline detection
//
// # Topics
//
// Devices publish readings on growlink/telemetry/{device_id} and command
// outcomes on growlink/outcome/{device_id}. The gateway pushes commands to
// growlink/command/{device_id} and announces itself on growlink/system/status.
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllTelemetry(), 1,
//	    func(topic string, payload []byte) error {
//	        id, _ := mqtt.Topics{}.TelemetryDeviceID(topic)
//	        return handle(id, payload)
//	    })
package mqtt

// Package influxdb mirrors Growlink telemetry and command outcomes into
// InfluxDB v2.
//
// Every accepted reading becomes a "telemetry" point tagged with device_id and
// group; every command that reaches a terminal status becomes a "commands"
// point tagged with device_id, kind and status. Writes use the library's
// non-blocking batched API, so a slow or unavailable server never stalls the
// gateway. Batch errors surface through SetOnError.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteReading(reading)
package influxdb

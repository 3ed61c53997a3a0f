package influxdb

import (
	"encoding/json"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/growlink-core/internal/command"
	"github.com/nerrad567/growlink-core/internal/telemetry"
)

// Measurement names.
const (
	MeasurementTelemetry = "telemetry"
	MeasurementCommand   = "commands"
)

// WriteReading mirrors one telemetry reading as a point tagged by device and
// group. Numeric, boolean and string values become fields; nested values are
// skipped. A reading with no usable values is not written.
func (c *Client) WriteReading(r telemetry.Reading) {
	if !c.IsConnected() {
		return
	}
	if p := readingPoint(r); p != nil {
		c.writeAPI.WritePoint(p)
	}
}

// WriteCommand mirrors a command that reached a terminal status.
func (c *Client) WriteCommand(cmd command.Command) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(commandPoint(cmd))
}

// WritePoint writes a custom point stamped with the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom point with a specific timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}

func readingPoint(r telemetry.Reading) *write.Point {
	fields := make(map[string]interface{}, len(r.Values))
	for k, v := range r.Values {
		if f, ok := fieldValue(v); ok {
			fields[k] = f
		}
	}
	if len(fields) == 0 {
		return nil
	}

	return write.NewPoint(
		MeasurementTelemetry,
		map[string]string{
			"device_id": r.DeviceID,
			"group":     r.Group,
		},
		fields,
		r.Timestamp,
	)
}

func commandPoint(cmd command.Command) *write.Point {
	fields := map[string]interface{}{
		"id":          cmd.ID,
		"value":       cmd.Value,
		"duration_ms": cmd.DurationMS,
	}

	ts := cmd.CreatedAt
	if cmd.CompletedAt != nil {
		ts = *cmd.CompletedAt
		fields["latency_ms"] = cmd.CompletedAt.Sub(cmd.CreatedAt).Milliseconds()
	}
	if cmd.PushedAt != nil {
		fields["pushed"] = true
	}

	return write.NewPoint(
		MeasurementCommand,
		map[string]string{
			"device_id": cmd.DeviceID,
			"kind":      string(cmd.Kind),
			"status":    string(cmd.Status),
		},
		fields,
		ts,
	)
}

// fieldValue converts a decoded JSON value into an InfluxDB field value.
func fieldValue(v any) (any, bool) {
	switch x := v.(type) {
	case float64, float32, int, int32, int64, uint, uint32, uint64, bool, string:
		return x, true
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, false
		}
		return f, true
	default:
		return nil, false
	}
}

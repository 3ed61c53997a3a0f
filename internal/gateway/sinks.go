package gateway

import (
	"context"

	"github.com/nerrad567/growlink-core/internal/command"
	"github.com/nerrad567/growlink-core/internal/telemetry"
)

// Logger defines the logging interface used by the Service.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// TelemetrySink mirrors readings and finished commands to a time-series
// store. Implementations must not block.
type TelemetrySink interface {
	WriteReading(r telemetry.Reading)
	WriteCommand(cmd command.Command)
}

// Auditor records command lifecycle actions. Implementations must not block.
type Auditor interface {
	RecordCommand(cmd command.Command, action string)
}

// Pusher delivers a command to a device over an out-of-band transport.
type Pusher interface {
	Push(ctx context.Context, cmd command.Command) error
}

// Metrics receives counters for gateway activity.
type Metrics interface {
	TelemetryIngested(group string)
	CommandSubmitted(kind command.Kind)
	CommandFinished(cmd command.Command)
	CommandPushed(channel string)
}

// Audit actions.
const (
	AuditSubmitted = "submitted"
	AuditDelivered = "delivered"
	AuditPushed    = "pushed"
	AuditReported  = "reported"
	AuditTimedOut  = "timed_out"
)

type noopSink struct{}

func (noopSink) WriteReading(telemetry.Reading) {}
func (noopSink) WriteCommand(command.Command)   {}

type noopAuditor struct{}

func (noopAuditor) RecordCommand(command.Command, string) {}

type noopMetrics struct{}

func (noopMetrics) TelemetryIngested(string)        {}
func (noopMetrics) CommandSubmitted(command.Kind)   {}
func (noopMetrics) CommandFinished(command.Command) {}
func (noopMetrics) CommandPushed(string)            {}

package mqttdevice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nerrad567/growlink-core/internal/command"
	"github.com/nerrad567/growlink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/growlink-core/internal/telemetry"
)

// Breaker defaults.
const (
	DefaultMaxFailures = 5
	DefaultOpenFor     = 30 * time.Second
)

// MQTTClient is the subset of *mqtt.Client the bridge needs.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Gateway is the subset of the gateway service the bridge drives.
type Gateway interface {
	IngestTelemetry(ctx context.Context, deviceID string, values map[string]any) (telemetry.Reading, error)
	ReportCommandOutcome(ctx context.Context, deviceID string, commandID int64, success bool) (command.Command, error)
}

// Logger defines the logging interface used by the bridge.
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

// BreakerConfig tunes the push circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failed pushes that opens the breaker.
	MaxFailures int

	// OpenFor is how long the breaker stays open before a trial push.
	OpenFor time.Duration
}

// Options holds the dependencies for a Bridge.
type Options struct {
	Client  MQTTClient
	Gateway Gateway
	QoS     byte
	Breaker BreakerConfig
	Logger  Logger
}

// Bridge translates between device MQTT topics and the gateway.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	client  MQTTClient
	gateway Gateway
	qos     byte
	topics  mqtt.Topics
	breaker *gobreaker.CircuitBreaker

	ctx    context.Context
	cancel context.CancelFunc

	telemetryRx atomic.Uint64
	outcomesRx  atomic.Uint64
	rejected    atomic.Uint64
	pushed      atomic.Uint64
	pushFailed  atomic.Uint64

	logger   Logger
	loggerMu sync.RWMutex
}

// Stats contains bridge counters for the metrics endpoint.
type Stats struct {
	Connected   bool   `json:"connected"`
	Breaker     string `json:"breaker"`
	TelemetryRx uint64 `json:"telemetry_rx"`
	OutcomesRx  uint64 `json:"outcomes_rx"`
	Rejected    uint64 `json:"rejected"`
	Pushed      uint64 `json:"pushed"`
	PushFailed  uint64 `json:"push_failed"`
}

// New creates a bridge. Call Start to subscribe.
func New(opts Options) (*Bridge, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}

	maxFailures := opts.Breaker.MaxFailures
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	openFor := opts.Breaker.OpenFor
	if openFor <= 0 {
		openFor = DefaultOpenFor
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &Bridge{
		client:  opts.Client,
		gateway: opts.Gateway,
		qos:     opts.QoS,
		ctx:     ctx,
		cancel:  cancel,
		logger:  opts.Logger,
	}
	if b.logger == nil {
		b.logger = noopLogger{}
	}

	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "mqtt-command-push",
		Timeout: openFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(maxFailures) // #nosec G115 -- positive, checked above
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.getLogger().Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return b, nil
}

// Start subscribes to device telemetry and outcome topics.
func (b *Bridge) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	telemetryTopic := b.topics.AllTelemetry()
	if err := b.client.Subscribe(telemetryTopic, b.qos, b.handleTelemetry); err != nil {
		return fmt.Errorf("subscribe to telemetry: %w", err)
	}

	outcomeTopic := b.topics.AllOutcomes()
	if err := b.client.Subscribe(outcomeTopic, b.qos, b.handleOutcome); err != nil {
		return fmt.Errorf("subscribe to outcomes: %w", err)
	}

	b.getLogger().Info("mqtt device bridge started",
		"telemetry_topic", telemetryTopic,
		"outcome_topic", outcomeTopic,
	)
	return nil
}

// Stop cancels the context handed to gateway calls from message handlers.
func (b *Bridge) Stop() {
	b.cancel()
}

// Push publishes cmd to the device's command topic. It implements the
// gateway's Pusher. Commands are never retained so a device reconnecting
// later does not replay them.
func (b *Bridge) Push(ctx context.Context, cmd command.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(newCommandMessage(cmd))
	if err != nil {
		return fmt.Errorf("marshal command %d: %w", cmd.ID, err)
	}
	topic := b.topics.Command(cmd.DeviceID)

	_, err = b.breaker.Execute(func() (interface{}, error) {
		if !b.client.IsConnected() {
			return nil, ErrNotConnected
		}
		return nil, b.client.Publish(topic, payload, b.qos, false)
	})
	if err != nil {
		b.pushFailed.Add(1)
		return fmt.Errorf("push command %d to %s: %w", cmd.ID, topic, err)
	}

	b.pushed.Add(1)
	b.getLogger().Debug("command pushed over mqtt",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"topic", topic,
	)
	return nil
}

// handleTelemetry ingests a reading published by a device.
func (b *Bridge) handleTelemetry(topic string, payload []byte) error {
	deviceID, ok := b.topics.TelemetryDeviceID(topic)
	if !ok {
		b.rejected.Add(1)
		return fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}

	var values map[string]any
	if err := json.Unmarshal(payload, &values); err != nil || values == nil {
		b.rejected.Add(1)
		return fmt.Errorf("%w: telemetry from %s is not a JSON object", ErrInvalidPayload, deviceID)
	}

	b.telemetryRx.Add(1)
	if _, err := b.gateway.IngestTelemetry(b.ctx, deviceID, values); err != nil {
		return fmt.Errorf("ingest telemetry from %s: %w", deviceID, err)
	}
	return nil
}

// handleOutcome records a command result published by a device.
func (b *Bridge) handleOutcome(topic string, payload []byte) error {
	deviceID, ok := b.topics.OutcomeDeviceID(topic)
	if !ok {
		b.rejected.Add(1)
		return fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}

	var msg OutcomeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.rejected.Add(1)
		return fmt.Errorf("%w: outcome from %s: %w", ErrInvalidPayload, deviceID, err)
	}
	if msg.Success == nil {
		b.rejected.Add(1)
		return fmt.Errorf("%w: outcome from %s missing success", ErrInvalidPayload, deviceID)
	}

	b.outcomesRx.Add(1)
	cmd, err := b.gateway.ReportCommandOutcome(b.ctx, deviceID, msg.CommandID, *msg.Success)
	if err != nil {
		return fmt.Errorf("report outcome for command %d from %s: %w", msg.CommandID, deviceID, err)
	}
	b.getLogger().Debug("outcome received over mqtt",
		"command_id", cmd.ID,
		"device_id", deviceID,
		"status", cmd.Status,
	)
	return nil
}

// Stats returns the bridge counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Connected:   b.client.IsConnected(),
		Breaker:     b.breaker.State().String(),
		TelemetryRx: b.telemetryRx.Load(),
		OutcomesRx:  b.outcomesRx.Load(),
		Rejected:    b.rejected.Load(),
		Pushed:      b.pushed.Load(),
		PushFailed:  b.pushFailed.Load(),
	}
}

// IsBreakerOpen reports whether pushes are currently short-circuited.
func (b *Bridge) IsBreakerOpen() bool {
	return b.breaker.State() == gobreaker.StateOpen
}

// SetLogger sets the logger.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

// IsOpenCircuit reports whether err came from an open or saturated breaker.
func IsOpenCircuit(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

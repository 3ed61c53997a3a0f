package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/growlink-core/internal/broadcast"
	"github.com/nerrad567/growlink-core/internal/command"
	"github.com/nerrad567/growlink-core/internal/device"
	"github.com/nerrad567/growlink-core/internal/projection"
	"github.com/nerrad567/growlink-core/internal/telemetry"
)

// Push channel labels used for metrics and logs.
const (
	ChannelWebSocket = "websocket"
	ChannelMQTT      = "mqtt"
)

// Config holds the background task schedule and delivery policy.
type Config struct {
	CommandRetention   time.Duration
	SweepInterval      time.Duration
	StaleAfter         time.Duration
	StaleCheckInterval time.Duration

	// PushOnSubmit attempts push delivery immediately after a command is
	// accepted, when the device has a live push channel.
	PushOnSubmit bool
}

// Deps are the collaborators of the Service. Registry, Store, Queue,
// Projector and Events are required; sinks are optional.
type Deps struct {
	Registry  *device.Registry
	Store     *telemetry.Store
	Queue     *command.Queue
	Projector *projection.Projector
	Events    *broadcast.Broadcaster

	Sink    TelemetrySink
	Auditor Auditor
	Pusher  Pusher
	Metrics Metrics
	Logger  Logger
}

// Service implements the gateway's boundary operations.
type Service struct {
	registry  *device.Registry
	store     *telemetry.Store
	queue     *command.Queue
	projector *projection.Projector
	events    *broadcast.Broadcaster

	sink    TelemetrySink
	auditor Auditor
	pusher  Pusher
	metrics Metrics
	logger  Logger

	// lifecycleMu orders a command's issue against its terminal transition,
	// so the prediction and command_created always come first.
	lifecycleMu sync.Mutex

	cfg Config
	now func() time.Time
}

// New creates a Service and installs its timeout hook on the queue.
func New(deps Deps, cfg Config) (*Service, error) {
	if deps.Registry == nil || deps.Store == nil || deps.Queue == nil ||
		deps.Projector == nil || deps.Events == nil {
		return nil, errors.New("gateway: registry, store, queue, projector and events are required")
	}
	if cfg.CommandRetention <= 0 {
		cfg.CommandRetention = command.DefaultRetention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	if cfg.StaleCheckInterval <= 0 {
		cfg.StaleCheckInterval = 30 * time.Second
	}

	s := &Service{
		registry:  deps.Registry,
		store:     deps.Store,
		queue:     deps.Queue,
		projector: deps.Projector,
		events:    deps.Events,
		sink:      deps.Sink,
		auditor:   deps.Auditor,
		pusher:    deps.Pusher,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		cfg:       cfg,
		now:       time.Now,
	}
	if s.sink == nil {
		s.sink = noopSink{}
	}
	if s.auditor == nil {
		s.auditor = noopAuditor{}
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	if s.logger == nil {
		s.logger = noopLogger{}
	}

	s.queue.SetTimeoutHook(s.handleTimeout)
	return s, nil
}

// SetPusher installs the out-of-band push transport. Call before serving.
func (s *Service) SetPusher(p Pusher) {
	s.pusher = p
}

// IngestTelemetry stores a reading, refreshes connectivity, lets the
// reading override predicted state and announces the changes.
// Readings from unmapped devices are accepted into the unknown group.
func (s *Service) IngestTelemetry(_ context.Context, deviceID string, values map[string]any) (telemetry.Reading, error) {
	if err := validateDeviceID(deviceID); err != nil {
		return telemetry.Reading{}, err
	}
	if values == nil {
		return telemetry.Reading{}, fmt.Errorf("%w: reading must be an object", ErrValidation)
	}

	now := s.now()
	dev, statusChanged := s.registry.RecordSeen(deviceID, now)
	reading := s.store.Ingest(deviceID, dev.Group, values, now)
	state, stateChanged := s.projector.ApplyTelemetry(reading)

	s.events.Publish(broadcast.Event{
		Type:      broadcast.EventTelemetry,
		DeviceID:  deviceID,
		Timestamp: reading.Timestamp,
		Payload:   reading,
	})
	if statusChanged {
		s.publishStatus(dev)
	}
	if stateChanged {
		s.publishState(state)
	}

	s.sink.WriteReading(reading)
	s.metrics.TelemetryIngested(reading.Group)

	s.logger.Debug("telemetry ingested", "device_id", deviceID, "group", reading.Group, "fields", len(values))
	return reading, nil
}

// Latest returns the most recent reading of a device.
func (s *Service) Latest(deviceID string) (telemetry.Reading, error) {
	if err := validateDeviceID(deviceID); err != nil {
		return telemetry.Reading{}, err
	}
	r, ok := s.store.Latest(deviceID)
	if !ok {
		return telemetry.Reading{}, fmt.Errorf("%w: no telemetry for device %s", ErrNotFound, deviceID)
	}
	return r, nil
}

// LatestByGroup returns the latest reading of every device in a group that
// has reported.
func (s *Service) LatestByGroup(group string) (map[string]telemetry.Reading, error) {
	if group == "" {
		return nil, fmt.Errorf("%w: group is required", ErrValidation)
	}
	readings := s.store.ByGroup(s.registry.DevicesInGroup(group))
	if len(readings) == 0 {
		return nil, fmt.Errorf("%w: no telemetry for group %s", ErrNotFound, group)
	}
	return readings, nil
}

// History returns the group's retained readings, most recent last.
func (s *Service) History(group string) ([]telemetry.Reading, error) {
	if group == "" {
		return nil, fmt.Errorf("%w: group is required", ErrValidation)
	}
	return s.store.History(group), nil
}

// SubmitCommand queues a command for a registered device, applies its
// predicted effect and announces it. With PushOnSubmit the command is
// pushed straight away when the device has a live channel.
func (s *Service) SubmitCommand(ctx context.Context, req command.SubmitRequest) (command.Command, error) {
	if err := validateDeviceID(req.DeviceID); err != nil {
		return command.Command{}, err
	}
	if !s.registry.Exists(req.DeviceID) {
		return command.Command{}, fmt.Errorf("%w: device %s", ErrNotFound, req.DeviceID)
	}

	s.lifecycleMu.Lock()
	cmd, err := s.queue.Submit(req)
	if err != nil {
		s.lifecycleMu.Unlock()
		return command.Command{}, classify(err)
	}
	state, changed := s.projector.ApplyCommandIssued(cmd)
	s.publishCommand(broadcast.EventCommandCreated, cmd)
	if changed {
		s.publishState(state)
	}
	s.auditor.RecordCommand(cmd, AuditSubmitted)
	s.lifecycleMu.Unlock()

	s.metrics.CommandSubmitted(cmd.Kind)

	s.logger.Info("command submitted",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"kind", cmd.Kind,
		"value", cmd.Value,
		"issued_by", cmd.IssuedBy,
	)

	if s.cfg.PushOnSubmit && s.hasPushChannel(cmd.DeviceID) {
		if _, err := s.PushCommand(ctx, cmd.DeviceID); err != nil {
			s.logger.Warn("push on submit failed", "device_id", cmd.DeviceID, "error", err)
		}
		if updated, err := s.queue.Get(cmd.ID); err == nil {
			cmd = updated
		}
	}
	return cmd, nil
}

// PollCommands is the pull delivery path. It hands every pending command to
// the device and marks each completed at hand-off. A second immediate poll
// returns nothing.
func (s *Service) PollCommands(_ context.Context, deviceID string) ([]command.Command, error) {
	if err := validateDeviceID(deviceID); err != nil {
		return nil, err
	}
	if s.registry.Exists(deviceID) {
		if dev, changed := s.registry.RecordSeen(deviceID, s.now()); changed {
			s.publishStatus(dev)
		}
	}

	drained := s.queue.DrainPending(deviceID)
	for _, cmd := range drained {
		s.finish(cmd, AuditDelivered)
	}
	if len(drained) > 0 {
		s.logger.Info("commands delivered by poll", "device_id", deviceID, "count", len(drained))
	}
	return drained, nil
}

// PushCommand is the push delivery path. Pending commands that were not yet
// pushed are sent to the device's live channels: WebSocket subscribers of
// the device topic and the out-of-band Pusher. Each command is pushed at
// most once and stays pending until the device reports an outcome or it
// times out.
//
// When the device has no live channel nothing is marked, so the commands
// remain available to the pull path.
func (s *Service) PushCommand(ctx context.Context, deviceID string) ([]command.Command, error) {
	if err := validateDeviceID(deviceID); err != nil {
		return nil, err
	}
	if !s.registry.Exists(deviceID) {
		return nil, fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
	}
	if !s.hasPushChannel(deviceID) {
		return []command.Command{}, nil
	}

	pushed := s.queue.MarkPushed(deviceID)
	for _, cmd := range pushed {
		if n := s.events.PublishDevice(deviceID, broadcast.Event{
			Type:    broadcast.EventCommandPush,
			Payload: cmd,
		}); n > 0 {
			s.metrics.CommandPushed(ChannelWebSocket)
		}
		if s.pusher != nil {
			if err := s.pusher.Push(ctx, cmd); err != nil {
				s.logger.Warn("command push failed",
					"command_id", cmd.ID,
					"device_id", deviceID,
					"error", err,
				)
			} else {
				s.metrics.CommandPushed(ChannelMQTT)
			}
		}
		s.publishCommand(broadcast.EventCommandUpdated, cmd)
		s.auditor.RecordCommand(cmd, AuditPushed)
	}
	if len(pushed) > 0 {
		s.logger.Info("commands pushed", "device_id", deviceID, "count", len(pushed))
	}
	return pushed, nil
}

// OpenDeliveryChannel attaches a live push channel for a registered device.
// Opening the channel counts as contact. The caller closes the returned
// subscription when the device disconnects.
func (s *Service) OpenDeliveryChannel(deviceID string) (*broadcast.Subscription, error) {
	if err := validateDeviceID(deviceID); err != nil {
		return nil, err
	}
	if !s.registry.Exists(deviceID) {
		return nil, fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
	}
	if dev, changed := s.registry.RecordSeen(deviceID, s.now()); changed {
		s.publishStatus(dev)
	}
	return s.events.Subscribe(broadcast.DeliveryTopic(deviceID)), nil
}

// hasPushChannel reports whether a push would reach the device.
func (s *Service) hasPushChannel(deviceID string) bool {
	return s.pusher != nil || s.events.SubscriberCount(broadcast.DeliveryTopic(deviceID)) > 0
}

// ReportCommandOutcome records a device's result for a command. Retried
// reports and reports after a timeout return the recorded command unchanged.
func (s *Service) ReportCommandOutcome(_ context.Context, deviceID string, commandID int64, success bool) (command.Command, error) {
	if err := validateDeviceID(deviceID); err != nil {
		return command.Command{}, err
	}
	if commandID <= 0 {
		return command.Command{}, fmt.Errorf("%w: command id must be positive", ErrValidation)
	}

	cmd, changed, err := s.queue.ReportOutcome(deviceID, commandID, success)
	if err != nil {
		return command.Command{}, classify(err)
	}
	if s.registry.Exists(deviceID) {
		if dev, statusChanged := s.registry.RecordSeen(deviceID, s.now()); statusChanged {
			s.publishStatus(dev)
		}
	}
	if !changed {
		s.logger.Debug("duplicate outcome report ignored",
			"command_id", commandID,
			"device_id", deviceID,
			"status", cmd.Status,
		)
		return cmd, nil
	}

	s.finish(cmd, AuditReported)
	s.logger.Info("command outcome reported",
		"command_id", cmd.ID,
		"device_id", deviceID,
		"status", cmd.Status,
	)
	return cmd, nil
}

// handleTimeout is installed as the queue's timeout hook.
func (s *Service) handleTimeout(cmd command.Command) {
	s.finish(cmd, AuditTimedOut)
}

// finish reconciles, announces and records a command that just became
// terminal.
func (s *Service) finish(cmd command.Command, action string) {
	s.lifecycleMu.Lock()
	state, changed := s.projector.ApplyCommandTerminal(cmd)
	s.publishCommand(broadcast.EventCommandUpdated, cmd)
	if changed {
		s.publishState(state)
	}
	s.lifecycleMu.Unlock()

	s.auditor.RecordCommand(cmd, action)
	s.sink.WriteCommand(cmd)
	s.metrics.CommandFinished(cmd)
}

// DeviceState returns the projected state of a registered device. A device
// with no projection yet yields a zero state.
func (s *Service) DeviceState(deviceID string) (projection.DeviceState, error) {
	if err := validateDeviceID(deviceID); err != nil {
		return projection.DeviceState{}, err
	}
	if state, ok := s.projector.Get(deviceID); ok {
		return state, nil
	}
	if !s.registry.Exists(deviceID) {
		return projection.DeviceState{}, fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
	}
	return projection.DeviceState{DeviceID: deviceID}, nil
}

// Subscribe joins an observer. The subscription is created before the
// snapshot is taken, so no change between the two is lost; an event may
// repeat something the snapshot already shows.
func (s *Service) Subscribe(topics ...string) (Snapshot, *broadcast.Subscription) {
	sub := s.events.Subscribe(topics...)
	return s.Snapshot(), sub
}

// Snapshot returns the current full state.
func (s *Service) Snapshot() Snapshot {
	return Snapshot{
		Devices:   s.registry.List(),
		Latest:    s.store.All(),
		States:    s.projector.All(),
		Pending:   s.queue.PendingAll(),
		Timestamp: s.now().UTC(),
	}
}

// ListDevices returns every registered device.
func (s *Service) ListDevices() []device.Device {
	return s.registry.List()
}

// GetDevice returns one registered device.
func (s *Service) GetDevice(deviceID string) (device.Device, error) {
	if err := validateDeviceID(deviceID); err != nil {
		return device.Device{}, err
	}
	d, err := s.registry.Get(deviceID)
	if err != nil {
		return device.Device{}, classify(err)
	}
	return d, nil
}

// GetCommand returns a retained command.
func (s *Service) GetCommand(commandID int64) (command.Command, error) {
	cmd, err := s.queue.Get(commandID)
	if err != nil {
		return command.Command{}, classify(err)
	}
	return cmd, nil
}

// ListCommands returns the retained commands of a registered device in
// submission order.
func (s *Service) ListCommands(deviceID string) ([]command.Command, error) {
	if err := validateDeviceID(deviceID); err != nil {
		return nil, err
	}
	if !s.registry.Exists(deviceID) {
		return nil, fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
	}
	return s.queue.List(deviceID), nil
}

// Stats returns aggregated component statistics.
func (s *Service) Stats() Stats {
	return Stats{
		Devices:   s.registry.GetStats(),
		Commands:  s.queue.Stats(),
		Broadcast: s.events.Stats(),
		Groups:    s.store.Groups(),
	}
}

// Run drives the periodic command sweep and connectivity check until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) {
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	stale := time.NewTicker(s.cfg.StaleCheckInterval)
	defer stale.Stop()

	s.logger.Info("gateway background tasks started",
		"sweep_interval", s.cfg.SweepInterval,
		"stale_check_interval", s.cfg.StaleCheckInterval,
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("gateway background tasks stopped")
			return
		case <-sweep.C:
			s.SweepCommands()
		case <-stale.C:
			s.CheckConnectivity()
		}
	}
}

// SweepCommands removes terminal commands older than the retention window.
func (s *Service) SweepCommands() int {
	removed := s.queue.Sweep(s.now(), s.cfg.CommandRetention)
	if removed > 0 {
		s.logger.Info("command sweep complete", "removed", removed)
	}
	return removed
}

// CheckConnectivity marks silent devices disconnected and announces them.
func (s *Service) CheckConnectivity() []device.Device {
	stale := s.registry.MarkStaleIfExpired(s.now(), s.cfg.StaleAfter)
	for _, d := range stale {
		s.publishStatus(d)
	}
	return stale
}

// Close stops outstanding command timers and ends every subscription.
func (s *Service) Close() {
	s.queue.Close()
	s.events.Close()
}

func (s *Service) publishCommand(t broadcast.EventType, cmd command.Command) {
	s.events.Publish(broadcast.Event{
		Type:     t,
		DeviceID: cmd.DeviceID,
		Payload:  cmd,
	})
}

func (s *Service) publishState(state projection.DeviceState) {
	s.events.Publish(broadcast.Event{
		Type:     broadcast.EventDeviceState,
		DeviceID: state.DeviceID,
		Payload:  state,
	})
}

func (s *Service) publishStatus(d device.Device) {
	s.events.Publish(broadcast.Event{
		Type:     broadcast.EventDeviceStatus,
		DeviceID: d.ID,
		Payload:  statusChange(d),
	})
}

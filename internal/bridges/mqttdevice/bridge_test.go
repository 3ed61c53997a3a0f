package mqttdevice

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/growlink-core/internal/command"
	"github.com/nerrad567/growlink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/growlink-core/internal/telemetry"
)

// mockClient records publishes and keeps subscribed handlers for delivery.
type mockClient struct {
	mu         sync.Mutex
	connected  bool
	publishErr error
	published  []publishedMessage
	handlers   map[string]mqtt.MessageHandler
}

type publishedMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func newMockClient() *mockClient {
	return &mockClient{connected: true, handlers: make(map[string]mqtt.MessageHandler)}
}

func (m *mockClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, publishedMessage{topic, payload, qos, retained})
	return nil
}

func (m *mockClient) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *mockClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockClient) deliver(pattern, topic string, payload []byte) error {
	m.mu.Lock()
	h := m.handlers[pattern]
	m.mu.Unlock()
	return h(topic, payload)
}

// mockGateway records what the bridge forwards.
type mockGateway struct {
	mu        sync.Mutex
	readings  []telemetry.Reading
	outcomes  []outcomeCall
	reportErr error
}

type outcomeCall struct {
	deviceID  string
	commandID int64
	success   bool
}

func (g *mockGateway) IngestTelemetry(_ context.Context, deviceID string, values map[string]any) (telemetry.Reading, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := telemetry.Reading{DeviceID: deviceID, Values: values, Timestamp: time.Now()}
	g.readings = append(g.readings, r)
	return r, nil
}

func (g *mockGateway) ReportCommandOutcome(_ context.Context, deviceID string, commandID int64, success bool) (command.Command, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reportErr != nil {
		return command.Command{}, g.reportErr
	}
	g.outcomes = append(g.outcomes, outcomeCall{deviceID, commandID, success})
	status := command.StatusCompleted
	if !success {
		status = command.StatusFailed
	}
	return command.Command{ID: commandID, DeviceID: deviceID, Status: status}, nil
}

func newTestBridge(t *testing.T, breaker BreakerConfig) (*Bridge, *mockClient, *mockGateway) {
	t.Helper()
	client := newMockClient()
	gw := &mockGateway{}
	b, err := New(Options{Client: client, Gateway: gw, QoS: 1, Breaker: breaker})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(b.Stop)
	return b, client, gw
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Options{Gateway: &mockGateway{}}); err == nil {
		t.Error("New() without client = nil error")
	}
	if _, err := New(Options{Client: newMockClient()}); err == nil {
		t.Error("New() without gateway = nil error")
	}
}

func TestStart_Subscribes(t *testing.T) {
	_, client, _ := newTestBridge(t, BreakerConfig{})

	for _, topic := range []string{"growlink/telemetry/+", "growlink/outcome/+"} {
		if _, ok := client.handlers[topic]; !ok {
			t.Errorf("no subscription for %s", topic)
		}
	}
}

func TestHandleTelemetry(t *testing.T) {
	b, client, gw := newTestBridge(t, BreakerConfig{})
	all := mqtt.Topics{}.AllTelemetry()

	tests := []struct {
		name    string
		topic   string
		payload string
		wantErr error
	}{
		{"valid reading", "growlink/telemetry/esp32_1", `{"temperature":22.5,"light":true}`, nil},
		{"bad topic", "growlink/telemetry/", `{"temperature":1}`, ErrInvalidTopic},
		{"not json", "growlink/telemetry/esp32_1", `temperature=1`, ErrInvalidPayload},
		{"json array", "growlink/telemetry/esp32_1", `[1,2]`, ErrInvalidPayload},
		{"json null", "growlink/telemetry/esp32_1", `null`, ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.deliver(all, tt.topic, []byte(tt.payload))
			if tt.wantErr == nil && err != nil {
				t.Fatalf("handler error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("handler error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if len(gw.readings) != 1 {
		t.Fatalf("gateway got %d readings, want 1", len(gw.readings))
	}
	r := gw.readings[0]
	if r.DeviceID != "esp32_1" || r.Values["temperature"] != 22.5 || r.Values["light"] != true {
		t.Errorf("reading = %+v", r)
	}

	stats := b.Stats()
	if stats.TelemetryRx != 1 || stats.Rejected != 4 {
		t.Errorf("Stats() = %+v, want 1 received and 4 rejected", stats)
	}
}

func TestHandleOutcome(t *testing.T) {
	b, client, gw := newTestBridge(t, BreakerConfig{})
	all := mqtt.Topics{}.AllOutcomes()

	if err := client.deliver(all, "growlink/outcome/esp32_2", []byte(`{"command_id":1700000000001,"success":false}`)); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if len(gw.outcomes) != 1 {
		t.Fatalf("gateway got %d outcomes, want 1", len(gw.outcomes))
	}
	if got := gw.outcomes[0]; got != (outcomeCall{"esp32_2", 1700000000001, false}) {
		t.Errorf("outcome = %+v", got)
	}

	if err := client.deliver(all, "growlink/outcome/esp32_2", []byte(`{"command_id":5}`)); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("missing success error = %v, want ErrInvalidPayload", err)
	}

	gw.reportErr = errors.New("gateway: not found")
	err := client.deliver(all, "growlink/outcome/esp32_2", []byte(`{"command_id":9,"success":true}`))
	if err == nil || !errors.Is(err, gw.reportErr) {
		t.Errorf("gateway error not propagated: %v", err)
	}

	if stats := b.Stats(); stats.OutcomesRx != 2 || stats.Rejected != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestPush(t *testing.T) {
	b, client, _ := newTestBridge(t, BreakerConfig{})

	cmd := command.Command{
		ID:         1700000000002,
		DeviceID:   "esp32_1",
		Kind:       command.KindWaterPump,
		Value:      1,
		DurationMS: 3000,
		Status:     command.StatusPending,
	}
	if err := b.Push(context.Background(), cmd); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	if len(client.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(client.published))
	}
	msg := client.published[0]
	if msg.topic != "growlink/command/esp32_1" {
		t.Errorf("topic = %q", msg.topic)
	}
	if msg.retained {
		t.Error("command published as retained")
	}
	if msg.qos != 1 {
		t.Errorf("qos = %d, want 1", msg.qos)
	}

	var got CommandMessage
	if err := json.Unmarshal(msg.payload, &got); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	want := CommandMessage{ID: 1700000000002, Kind: command.KindWaterPump, Value: 1, DurationMS: 3000}
	if got != want {
		t.Errorf("payload = %+v, want %+v", got, want)
	}
	if b.Stats().Pushed != 1 {
		t.Errorf("Pushed = %d, want 1", b.Stats().Pushed)
	}
}

func TestPush_CancelledContext(t *testing.T) {
	b, client, _ := newTestBridge(t, BreakerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Push(ctx, command.Command{ID: 1, DeviceID: "esp32_1"}); !errors.Is(err, context.Canceled) {
		t.Errorf("Push() error = %v, want context.Canceled", err)
	}
	if len(client.published) != 0 {
		t.Error("published despite cancelled context")
	}
}

func TestPush_BreakerOpensAfterFailures(t *testing.T) {
	b, client, _ := newTestBridge(t, BreakerConfig{MaxFailures: 3, OpenFor: time.Minute})
	client.connected = false

	cmd := command.Command{ID: 1, DeviceID: "esp32_1", Kind: command.KindLightOn}
	for i := 0; i < 3; i++ {
		err := b.Push(context.Background(), cmd)
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("push %d error = %v, want ErrNotConnected", i, err)
		}
	}

	if !b.IsBreakerOpen() {
		t.Fatal("breaker closed after 3 consecutive failures")
	}

	client.connected = true
	err := b.Push(context.Background(), cmd)
	if !IsOpenCircuit(err) {
		t.Errorf("Push() with open breaker error = %v, want open circuit", err)
	}
	if len(client.published) != 0 {
		t.Error("publish attempted while breaker open")
	}
	if stats := b.Stats(); stats.PushFailed != 4 || stats.Breaker != "open" {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestPush_PublishError(t *testing.T) {
	b, client, _ := newTestBridge(t, BreakerConfig{})
	client.publishErr = mqtt.ErrPublishFailed

	err := b.Push(context.Background(), command.Command{ID: 7, DeviceID: "esp32_3"})
	if !errors.Is(err, mqtt.ErrPublishFailed) {
		t.Errorf("Push() error = %v, want ErrPublishFailed", err)
	}
	if b.IsBreakerOpen() {
		t.Error("breaker opened after a single failure")
	}
}

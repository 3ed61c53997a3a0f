package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/nerrad567/growlink-core/internal/audit"
	"github.com/nerrad567/growlink-core/internal/broadcast"
	"github.com/nerrad567/growlink-core/internal/command"
	"github.com/nerrad567/growlink-core/internal/device"
	"github.com/nerrad567/growlink-core/internal/gateway"
	"github.com/nerrad567/growlink-core/internal/infrastructure/config"
	"github.com/nerrad567/growlink-core/internal/infrastructure/logging"
	"github.com/nerrad567/growlink-core/internal/projection"
	"github.com/nerrad567/growlink-core/internal/telemetry"
)

// fakeAuditRepo records list filters and returns a fixed page.
type fakeAuditRepo struct {
	mu      sync.Mutex
	filters []audit.Filter
	err     error
}

func (f *fakeAuditRepo) Create(context.Context, *audit.AuditLog) error { return nil }

func (f *fakeAuditRepo) List(_ context.Context, filter audit.Filter) (*audit.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	if f.err != nil {
		return nil, f.err
	}
	return &audit.ListResult{
		Logs:  []audit.AuditLog{{ID: "a1", Action: "submitted", EntityType: audit.EntityCommand, DeviceID: filter.DeviceID}},
		Total: 1,
		Limit: 50,
	}, nil
}

type connected bool

func (c connected) IsConnected() bool { return bool(c) }

func newTestGateway(t *testing.T) *gateway.Service {
	t.Helper()

	store, err := telemetry.NewStore(telemetry.DefaultCapacity)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	svc, err := gateway.New(gateway.Deps{
		Registry: device.NewRegistry(map[string]string{
			"esp32_1": "tomato",
			"esp32_2": "tomato",
			"esp32_3": "lettuce",
		}),
		Store:     store,
		Queue:     command.NewQueue(command.Config{}),
		Projector: projection.NewProjector(),
		Events:    broadcast.New(64),
	}, gateway.Config{})
	if err != nil {
		t.Fatalf("gateway.New() error = %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func newTestServer(t *testing.T, mutate func(*Deps)) (*Server, *httptest.Server) {
	t.Helper()

	deps := Deps{
		Config:  config.APIConfig{Host: "127.0.0.1", Port: 0},
		Logger:  logging.Discard(),
		Gateway: newTestGateway(t),
		Version: "test",
	}
	if mutate != nil {
		mutate(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func doRequest(t *testing.T, method, url string, body any, headers ...string) *http.Response {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func wantStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, want, body)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Deps{Gateway: newTestGateway(t)}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: logging.Discard()}); err == nil {
		t.Error("New() without gateway should fail")
	}
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/v1/health", nil)
	wantStatus(t, resp, http.StatusOK)

	body := decode[map[string]any](t, resp)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("health body = %v", body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}

func TestTelemetry_IngestAndQuery(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := doRequest(t, http.MethodPost, ts.URL+"/api/v1/devices/esp32_1/telemetry",
		map[string]any{"temperature": 23.5, "humidity": 61})
	wantStatus(t, resp, http.StatusAccepted)
	reading := decode[telemetry.Reading](t, resp)
	if reading.Group != "tomato" {
		t.Errorf("reading group = %q, want tomato", reading.Group)
	}

	resp = doRequest(t, http.MethodGet, ts.URL+"/api/v1/devices/esp32_1/latest", nil)
	wantStatus(t, resp, http.StatusOK)
	latest := decode[telemetry.Reading](t, resp)
	if latest.Values["temperature"] != 23.5 {
		t.Errorf("latest temperature = %v, want 23.5", latest.Values["temperature"])
	}

	resp = doRequest(t, http.MethodGet, ts.URL+"/api/v1/groups/tomato/latest", nil)
	wantStatus(t, resp, http.StatusOK)
	group := decode[map[string]any](t, resp)
	if group["count"] != float64(1) {
		t.Errorf("group latest count = %v, want 1", group["count"])
	}

	resp = doRequest(t, http.MethodGet, ts.URL+"/api/v1/groups/tomato/history", nil)
	wantStatus(t, resp, http.StatusOK)
	history := decode[map[string]any](t, resp)
	if history["count"] != float64(1) {
		t.Errorf("group history count = %v, want 1", history["count"])
	}
}

func TestTelemetry_UnmappedDevice(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := doRequest(t, http.MethodPost, ts.URL+"/api/v1/devices/esp32_9/telemetry",
		map[string]any{"temperature": 20})
	wantStatus(t, resp, http.StatusAccepted)
	reading := decode[telemetry.Reading](t, resp)
	if reading.Group != device.GroupUnknown {
		t.Errorf("group = %q, want %q", reading.Group, device.GroupUnknown)
	}
}

func TestTelemetry_Errors(t *testing.T) {
	_, ts := newTestServer(t, nil)

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"malformed body", http.MethodPost, "/api/v1/devices/esp32_1/telemetry", "{not json", http.StatusBadRequest, ErrCodeBadRequest},
		{"array body", http.MethodPost, "/api/v1/devices/esp32_1/telemetry", "[1,2]", http.StatusBadRequest, ErrCodeBadRequest},
		{"invalid device id", http.MethodPost, "/api/v1/devices/-bad/telemetry", map[string]any{"t": 1}, http.StatusBadRequest, ErrCodeValidation},
		{"no latest reading", http.MethodGet, "/api/v1/devices/esp32_2/latest", nil, http.StatusNotFound, ErrCodeNotFound},
		{"empty group", http.MethodGet, "/api/v1/groups/lettuce/latest", nil, http.StatusNotFound, ErrCodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, tt.method, ts.URL+tt.path, tt.body)
			wantStatus(t, resp, tt.wantCode)
			body := decode[Error](t, resp)
			if body.Code != tt.wantErr {
				t.Errorf("code = %q, want %q", body.Code, tt.wantErr)
			}
			if body.Status != tt.wantCode {
				t.Errorf("status field = %d, want %d", body.Status, tt.wantCode)
			}
		})
	}
}

func TestDevices_ListAndGet(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/v1/devices", nil)
	wantStatus(t, resp, http.StatusOK)
	all := decode[map[string]any](t, resp)
	if all["count"] != float64(3) {
		t.Errorf("device count = %v, want 3", all["count"])
	}

	resp = doRequest(t, http.MethodGet, ts.URL+"/api/v1/devices?group=tomato", nil)
	wantStatus(t, resp, http.StatusOK)
	tomato := decode[map[string]any](t, resp)
	if tomato["count"] != float64(2) {
		t.Errorf("tomato count = %v, want 2", tomato["count"])
	}

	resp = doRequest(t, http.MethodGet, ts.URL+"/api/v1/devices/esp32_3", nil)
	wantStatus(t, resp, http.StatusOK)
	d := decode[device.Device](t, resp)
	if d.Group != "lettuce" || d.Status != device.StatusDisconnected {
		t.Errorf("device = %+v", d)
	}

	resp = doRequest(t, http.MethodGet, ts.URL+"/api/v1/devices/esp32_77", nil)
	wantStatus(t, resp, http.StatusNotFound)
}

func TestCommands_SubmitDefaults(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := doRequest(t, http.MethodPost, ts.URL+"/api/v1/devices/esp32_1/commands",
		map[string]any{"kind": "water_pump"}, "X-Operator", "alice")
	wantStatus(t, resp, http.StatusCreated)

	cmd := decode[command.Command](t, resp)
	if cmd.Value != 1 || cmd.DurationMS != 3000 {
		t.Errorf("value/duration = %v/%d, want 1/3000", cmd.Value, cmd.DurationMS)
	}
	if cmd.Status != command.StatusPending {
		t.Errorf("status = %q, want pending", cmd.Status)
	}
	if cmd.IssuedBy != "alice" {
		t.Errorf("issued_by = %q, want alice", cmd.IssuedBy)
	}

	resp = doRequest(t, http.MethodPost, ts.URL+"/api/v1/devices/esp32_1/commands",
		map[string]any{"kind": "light_off"})
	wantStatus(t, resp, http.StatusCreated)
	cmd = decode[command.Command](t, resp)
	if cmd.Value != 0 {
		t.Errorf("light_off value = %v, want 0", cmd.Value)
	}
	if cmd.IssuedBy != defaultOperator {
		t.Errorf("issued_by = %q, want %q", cmd.IssuedBy, defaultOperator)
	}
}

func TestCommands_SubmitErrors(t *testing.T) {
	_, ts := newTestServer(t, nil)

	tests := []struct {
		name     string
		device   string
		body     any
		wantCode int
	}{
		{"unknown kind", "esp32_1", map[string]any{"kind": "open_door"}, http.StatusBadRequest},
		{"missing kind", "esp32_1", map[string]any{"value": 1}, http.StatusBadRequest},
		{"malformed body", "esp32_1", "{", http.StatusBadRequest},
		{"unregistered device", "esp32_77", map[string]any{"kind": "led"}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, http.MethodPost, ts.URL+"/api/v1/devices/"+tt.device+"/commands", tt.body)
			wantStatus(t, resp, tt.wantCode)
		})
	}
}

func TestCommands_UnknownKindListsSupported(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := doRequest(t, http.MethodPost, ts.URL+"/api/v1/devices/esp32_1/commands", map[string]any{"kind": "open_door"})
	wantStatus(t, resp, http.StatusBadRequest)

	body := decode[Error](t, resp)
	if body.Code != ErrCodeValidation {
		t.Errorf("code = %q, want %q", body.Code, ErrCodeValidation)
	}
	for _, k := range command.AllKinds() {
		if !strings.Contains(body.Message, string(k)) {
			t.Errorf("message %q does not mention %q", body.Message, k)
		}
	}
}

func TestCommands_PollDrains(t *testing.T) {
	_, ts := newTestServer(t, nil)

	for _, kind := range []string{"light_on", "water_plant"} {
		resp := doRequest(t, http.MethodPost, ts.URL+"/api/v1/devices/esp32_1/commands", map[string]any{"kind": kind})
		wantStatus(t, resp, http.StatusCreated)
	}

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/v1/devices/esp32_1/commands", nil)
	wantStatus(t, resp, http.StatusOK)
	first := decode[struct {
		Commands []command.Command `json:"commands"`
		Count    int               `json:"count"`
	}](t, resp)
	if first.Count != 2 {
		t.Fatalf("first poll count = %d, want 2", first.Count)
	}
	for _, cmd := range first.Commands {
		if cmd.Status != command.StatusCompleted {
			t.Errorf("command %d status = %q, want completed", cmd.ID, cmd.Status)
		}
	}
	if first.Commands[0].ID >= first.Commands[1].ID {
		t.Errorf("commands not in submission order: %d, %d", first.Commands[0].ID, first.Commands[1].ID)
	}

	resp = doRequest(t, http.MethodGet, ts.URL+"/api/v1/devices/esp32_1/commands", nil)
	wantStatus(t, resp, http.StatusOK)
	second := decode[map[string]any](t, resp)
	if second["count"] != float64(0) {
		t.Errorf("second poll count = %v, want 0", second["count"])
	}

	resp = doRequest(t, http.MethodGet, ts.URL+"/api/v1/devices/esp32_1/commands/history", nil)
	wantStatus(t, resp, http.StatusOK)
	history := decode[map[string]any](t, resp)
	if history["count"] != float64(2) {
		t.Errorf("history count = %v, want 2", history["count"])
	}
}

func TestCommands_PollUnregisteredDevice(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/v1/devices/esp32_77/commands", nil)
	wantStatus(t, resp, http.StatusOK)
	body := decode[map[string]any](t, resp)
	if body["count"] != float64(0) {
		t.Errorf("count = %v, want 0", body["count"])
	}
}

func TestCommands_OutcomeLifecycle(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := doRequest(t, http.MethodPost, ts.URL+"/api/v1/devices/esp32_2/commands", map[string]any{"kind": "light_on"})
	wantStatus(t, resp, http.StatusCreated)
	cmd := decode[command.Command](t, resp)

	resp = doRequest(t, http.MethodGet, ts.URL+"/api/v1/devices/esp32_2/state", nil)
	wantStatus(t, resp, http.StatusOK)
	if state := decode[projection.DeviceState](t, resp); !state.Light {
		t.Error("light should be predicted on after light_on")
	}

	outcomeURL := ts.URL + "/api/v1/devices/esp32_2/commands/" + itoa(cmd.ID) + "/outcome"
	resp = doRequest(t, http.MethodPost, outcomeURL, map[string]any{"success": false})
	wantStatus(t, resp, http.StatusOK)
	if got := decode[command.Command](t, resp); got.Status != command.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}

	// A retried report leaves the recorded outcome in place.
	resp = doRequest(t, http.MethodPost, outcomeURL, map[string]any{"success": true})
	wantStatus(t, resp, http.StatusOK)
	if got := decode[command.Command](t, resp); got.Status != command.StatusFailed {
		t.Errorf("status after retry = %q, want failed", got.Status)
	}

	resp = doRequest(t, http.MethodGet, ts.URL+"/api/v1/devices/esp32_2/state", nil)
	wantStatus(t, resp, http.StatusOK)
	if state := decode[projection.DeviceState](t, resp); state.Light {
		t.Error("light should revert after a failed light_on")
	}

	resp = doRequest(t, http.MethodGet, ts.URL+"/api/v1/commands/"+itoa(cmd.ID), nil)
	wantStatus(t, resp, http.StatusOK)
	if got := decode[command.Command](t, resp); got.CompletedAt == nil {
		t.Error("completed_at should be set on a terminal command")
	}
}

func TestCommands_OutcomeErrors(t *testing.T) {
	_, ts := newTestServer(t, nil)

	tests := []struct {
		name     string
		path     string
		body     any
		wantCode int
	}{
		{"non-numeric id", "/api/v1/devices/esp32_1/commands/abc/outcome", map[string]any{"success": true}, http.StatusBadRequest},
		{"zero id", "/api/v1/devices/esp32_1/commands/0/outcome", map[string]any{"success": true}, http.StatusBadRequest},
		{"missing success", "/api/v1/devices/esp32_1/commands/12/outcome", map[string]any{}, http.StatusBadRequest},
		{"unknown command", "/api/v1/devices/esp32_1/commands/12/outcome", map[string]any{"success": true}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, http.MethodPost, ts.URL+tt.path, tt.body)
			wantStatus(t, resp, tt.wantCode)
		})
	}

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/v1/commands/999", nil)
	wantStatus(t, resp, http.StatusNotFound)
}

func TestCommands_PushWithoutChannel(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := doRequest(t, http.MethodPost, ts.URL+"/api/v1/devices/esp32_1/commands", map[string]any{"kind": "led"})
	wantStatus(t, resp, http.StatusCreated)

	resp = doRequest(t, http.MethodPost, ts.URL+"/api/v1/devices/esp32_1/commands/push", nil)
	wantStatus(t, resp, http.StatusOK)
	body := decode[map[string]any](t, resp)
	if body["count"] != float64(0) {
		t.Errorf("pushed count = %v, want 0 without a live channel", body["count"])
	}

	// The command is still available to the pull path.
	resp = doRequest(t, http.MethodGet, ts.URL+"/api/v1/devices/esp32_1/commands", nil)
	wantStatus(t, resp, http.StatusOK)
	if polled := decode[map[string]any](t, resp); polled["count"] != float64(1) {
		t.Errorf("poll count = %v, want 1", polled["count"])
	}
}

func TestAudit(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		_, ts := newTestServer(t, nil)
		resp := doRequest(t, http.MethodGet, ts.URL+"/api/v1/audit", nil)
		wantStatus(t, resp, http.StatusServiceUnavailable)
	})

	t.Run("filters", func(t *testing.T) {
		repo := &fakeAuditRepo{}
		_, ts := newTestServer(t, func(d *Deps) { d.AuditRepo = repo })

		resp := doRequest(t, http.MethodGet, ts.URL+"/api/v1/audit?device_id=esp32_1&action=submitted&limit=10&offset=5", nil)
		wantStatus(t, resp, http.StatusOK)
		result := decode[audit.ListResult](t, resp)
		if result.Total != 1 || result.Logs[0].DeviceID != "esp32_1" {
			t.Errorf("result = %+v", result)
		}

		repo.mu.Lock()
		f := repo.filters[0]
		repo.mu.Unlock()
		if f.DeviceID != "esp32_1" || f.Action != "submitted" || f.Limit != 10 || f.Offset != 5 {
			t.Errorf("filter = %+v", f)
		}
	})

	t.Run("bad limit", func(t *testing.T) {
		_, ts := newTestServer(t, func(d *Deps) { d.AuditRepo = &fakeAuditRepo{} })
		resp := doRequest(t, http.MethodGet, ts.URL+"/api/v1/audit?limit=ten", nil)
		wantStatus(t, resp, http.StatusBadRequest)
	})

	t.Run("repository error", func(t *testing.T) {
		_, ts := newTestServer(t, func(d *Deps) { d.AuditRepo = &fakeAuditRepo{err: errors.New("disk full")} })
		resp := doRequest(t, http.MethodGet, ts.URL+"/api/v1/audit", nil)
		wantStatus(t, resp, http.StatusInternalServerError)
	})
}

func TestMetrics(t *testing.T) {
	prom := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "growlink_up 1\n") //nolint:errcheck // test handler
	})
	_, ts := newTestServer(t, func(d *Deps) {
		d.MQTT = connected(true)
		d.Prometheus = prom
	})

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/v1/metrics", nil)
	wantStatus(t, resp, http.StatusOK)
	m := decode[SystemMetrics](t, resp)
	if !m.MQTT.Enabled || !m.MQTT.Connected {
		t.Errorf("mqtt = %+v, want enabled and connected", m.MQTT)
	}
	if m.Gateway.Devices.Total != 3 {
		t.Errorf("gateway devices = %d, want 3", m.Gateway.Devices.Total)
	}
	if m.Runtime.Goroutines == 0 {
		t.Error("goroutines should be reported")
	}
	if m.Database != nil || m.Bridge != nil {
		t.Error("unconfigured sections should be omitted")
	}

	resp = doRequest(t, http.MethodGet, ts.URL+"/metrics", nil)
	wantStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "growlink_up") {
		t.Errorf("prometheus body = %q", body)
	}
}

func TestMiddleware_CORSAndRecovery(t *testing.T) {
	srv, ts := newTestServer(t, func(d *Deps) {
		d.Config.CORS.AllowedOrigins = []string{"http://dashboard.local"}
	})

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/devices", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://dashboard.local" {
		t.Errorf("allow origin = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); !strings.Contains(got, "X-Operator") {
		t.Errorf("allow headers = %q, want X-Operator", got)
	}

	panicky := srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	panicky.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("recovered status = %d, want 500", rec.Code)
	}
}

func TestOperatorFrom(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", "api"},
		{"   ", "api"},
		{"grower-1", "grower-1"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		if tt.header != "" {
			r.Header.Set("X-Operator", tt.header)
		}
		if got := operatorFrom(r); got != tt.want {
			t.Errorf("operatorFrom(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestServer_HealthCheck(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if err := srv.Close(); err != nil {
		t.Errorf("Close() before Start = %v, want nil", err)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

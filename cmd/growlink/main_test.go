package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseFlags(t *testing.T) {
	t.Setenv("GROWLINK_CONFIG", "")

	tests := []struct {
		name        string
		args        []string
		env         string
		wantPath    string
		wantVersion bool
		wantErr     bool
	}{
		{name: "default path", args: nil, wantPath: defaultConfigPath},
		{name: "env path", args: nil, env: "/etc/growlink/config.yaml", wantPath: "/etc/growlink/config.yaml"},
		{name: "flag beats env", args: []string{"--config", "/tmp/a.yaml"}, env: "/etc/growlink/config.yaml", wantPath: "/tmp/a.yaml"},
		{name: "short flag", args: []string{"-c", "b.yaml"}, wantPath: "b.yaml"},
		{name: "version", args: []string{"--version"}, wantPath: defaultConfigPath, wantVersion: true},
		{name: "unknown flag", args: []string{"--nope"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GROWLINK_CONFIG", tt.env)
			opts, err := parseFlags(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if opts.configPath != tt.wantPath {
				t.Errorf("configPath = %q, want %q", opts.configPath, tt.wantPath)
			}
			if opts.version != tt.wantVersion {
				t.Errorf("version = %v, want %v", opts.version, tt.wantVersion)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	err := run(context.Background(), []string{"--version"})
	if !errors.Is(err, errVersionRequested) {
		t.Errorf("run(--version) = %v, want errVersionRequested", err)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, []string{"--config", "/nonexistent/path/config.yaml"})
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("run() error = %v, want a config loading error", err)
	}
}

// TestRun_StartsAndStops runs the gateway with every optional integration
// disabled except the in-memory audit database.
func TestRun_StartsAndStops(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	configContent := `
site:
  id: test-site
api:
  host: "127.0.0.1"
  port: 38471
mqtt:
  enabled: false
influxdb:
  enabled: false
database:
  enabled: true
  path: ":memory:"
logging:
  level: error
  format: text
  output: stderr
devices:
  - id: esp32_1
    group: tomato
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, []string{"--config", configPath}) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() = %v, want nil after cancellation", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run() did not return after cancellation")
	}
}

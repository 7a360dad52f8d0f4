package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestDefaultsAreValid(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if err := cfg.ValidateConfig(zap.NewNop()); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.Monitoring.CaptureInterval != 3*time.Second || cfg.Monitoring.PollInterval != 2*time.Second {
		t.Fatalf("unexpected intervals: %+v", cfg.Monitoring)
	}
	if cfg.Backend.Timeout != 3*time.Minute || cfg.Alerts.HistoryCapacity != 10 {
		t.Fatalf("unexpected defaults: %+v %+v", cfg.Backend, cfg.Alerts)
	}
}

func TestFileThenEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "monitor.yaml")
	yamlConfig := `
backend:
  base_url: http://assess.local:9000
monitoring:
  source: files
  snapshot_dir: /var/snapshots
  capture_interval: 5s
alerts:
  kafka:
    enabled: true
    brokers: [k1:9092, k2:9092]
    topic: alerts
`
	if err := os.WriteFile(path, []byte(yamlConfig), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("CAPTURE_INTERVAL", "1500ms")
	t.Setenv("ALLOWED_ORIGINS", "http://a.test, http://b.test")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Backend.BaseURL != "http://assess.local:9000" || cfg.Monitoring.Source != "files" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Monitoring.CaptureInterval != 1500*time.Millisecond {
		t.Fatalf("env did not override file: %s", cfg.Monitoring.CaptureInterval)
	}
	if cfg.Monitoring.PollInterval != 2*time.Second {
		t.Fatalf("untouched default lost: %s", cfg.Monitoring.PollInterval)
	}
	if len(cfg.Alerts.Kafka.Brokers) != 2 || !cfg.Alerts.Kafka.Enabled {
		t.Fatalf("kafka = %+v", cfg.Alerts.Kafka)
	}
	if cfg.Security.AllowedOrigins[1] != "http://b.test" {
		t.Fatalf("origins = %q", cfg.Security.AllowedOrigins)
	}
}

func TestBadFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("server: [unterminated"), 0o644)
	t.Setenv("CONFIG_FILE", path)
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 0
	cfg.Backend.BaseURL = "localhost"
	cfg.Monitoring.Source = "usb"
	cfg.Security.RequireAuth = true
	cfg.Alerts.MQTT.QoSWarning = 3

	err := cfg.ValidateConfig(zap.NewNop())
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"server port", "backend base URL", "unknown video source", "JWT secret", "QoS"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

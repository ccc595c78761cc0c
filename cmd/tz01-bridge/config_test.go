package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "ncp:\n  port: /dev/ttyACM0\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.NCP.Baud != 460800 {
		t.Errorf("baud = %d", cfg.NCP.Baud)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" {
		t.Errorf("listen = %q", cfg.Web.Listen)
	}
	if cfg.MQTT.TopicPrefix != "zigbee2mqtt" {
		t.Errorf("topic prefix = %q", cfg.MQTT.TopicPrefix)
	}
	if cfg.DevicesDir != "devices" || cfg.ScriptsDir != "scripts" {
		t.Errorf("dirs = %q, %q", cfg.DevicesDir, cfg.ScriptsDir)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("log = %q/%q", cfg.Log.Level, cfg.Log.Format)
	}
	if cfg.Reporting.RequestTimeout != 0 || cfg.Sink.QueueSize != 0 {
		t.Error("zero reporting and sink settings should be left to the coordinator defaults")
	}
}

func TestLoadConfigFull(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
ncp:
  port: /dev/ttyUSB0
  baud: 115200
web:
  listen: ":9000"
  api_key: secret
  allowed_origins: ["http://ha.local"]
mqtt:
  enabled: true
  broker: tcp://localhost:1883
reporting:
  request_timeout: 15s
sink:
  queue_size: 128
log:
  level: debug
  format: json
`))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.NCP.Baud != 115200 {
		t.Errorf("baud = %d", cfg.NCP.Baud)
	}
	if cfg.Reporting.RequestTimeout != 15*time.Second {
		t.Errorf("request timeout = %v", cfg.Reporting.RequestTimeout)
	}
	if cfg.Sink.QueueSize != 128 {
		t.Errorf("queue size = %d", cfg.Sink.QueueSize)
	}
	if len(cfg.Web.AllowedOrigins) != 1 || cfg.Web.AllowedOrigins[0] != "http://ha.local" {
		t.Errorf("allowed origins = %v", cfg.Web.AllowedOrigins)
	}
	if !newLogger(cfg).Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug logging should be enabled")
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := loadConfig(writeConfig(t, "ncp: [")); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing port", "web:\n  listen: :8080\n", "ncp.port"},
		{"mqtt without broker", "ncp:\n  port: /dev/ttyACM0\nmqtt:\n  enabled: true\n", "mqtt.broker"},
		{"negative timeout", "ncp:\n  port: /dev/ttyACM0\nreporting:\n  request_timeout: -1s\n", "request_timeout"},
		{"bad log format", "ncp:\n  port: /dev/ttyACM0\nlog:\n  format: xml\n", "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, tt.body))
			if err != nil {
				t.Fatal(err)
			}
			err = cfg.validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

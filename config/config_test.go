package config

import (
	"os"
	"testing"
	"time"
)

var allVars = []string{
	"PORT_TWIN_WEB_ADDR",
	"PORT_TWIN_WEB_PORT",
	"PORT_TWIN_STREAM_URL",
	"PORT_TWIN_HISTORY_BACKEND",
	"PORT_TWIN_HISTORY_URL",
	"PORT_TWIN_HISTORY_TIMEOUT",
	"PORT_TWIN_DATABASE_URL",
	"PORT_TWIN_MQTT_ENABLED",
	"PORT_TWIN_MQTT_ADDR",
	"PORT_TWIN_MQTT_PORT",
	"PORT_TWIN_TIMEZONE",
	"PORT_TWIN_MAX_LIVE_RECORDS",
	"PORT_TWIN_LOG_LEVEL",
	"PORT_TWIN_LOG_FORMAT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range allVars {
		unsetEnv(t, key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := cfg.WebAddrPort().String(); got != "0.0.0.0:8090" {
		t.Errorf("default web addr = %s, want 0.0.0.0:8090", got)
	}
	if got := cfg.MQTTAddrPort().Port(); got != 1883 {
		t.Errorf("default MQTT port = %d, want 1883", got)
	}
	if cfg.MQTTEnabled {
		t.Error("MQTT should be disabled by default")
	}
	if cfg.StreamURL != "ws://localhost:4000/ws" {
		t.Errorf("default stream URL = %s", cfg.StreamURL)
	}
	if cfg.HistoryBackend != HistoryBackendHTTP {
		t.Errorf("default history backend = %s, want http", cfg.HistoryBackend)
	}
	if cfg.HistoryTimeoutDuration() != 30*time.Second {
		t.Errorf("default history timeout = %s, want 30s", cfg.HistoryTimeoutDuration())
	}
	if cfg.Location() != time.UTC {
		t.Errorf("default location = %s, want UTC", cfg.Location())
	}
	if cfg.MaxLiveRecords != 0 {
		t.Errorf("default max live records = %d, want 0", cfg.MaxLiveRecords)
	}
}

func TestWebAddrOverridesBindAndPort(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT_TWIN_WEB_ADDR", "127.0.0.1:9000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.WebAddrPort().String(); got != "127.0.0.1:9000" {
		t.Errorf("web addr = %s, want 127.0.0.1:9000", got)
	}
}

func TestValidatePorts(t *testing.T) {
	clearEnv(t)
	if err := os.Setenv("PORT_TWIN_WEB_PORT", "70000"); err != nil {
		t.Fatalf("failed to set env: %v", err)
	}

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid web port")
	}
}

func TestValidateHistoryBackend(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{name: "unknown backend", env: map[string]string{"PORT_TWIN_HISTORY_BACKEND": "mysql"}, wantErr: true},
		{name: "postgres without dsn", env: map[string]string{"PORT_TWIN_HISTORY_BACKEND": "postgres"}, wantErr: true},
		{name: "postgres with dsn", env: map[string]string{
			"PORT_TWIN_HISTORY_BACKEND": "postgres",
			"PORT_TWIN_DATABASE_URL":    "postgres://localhost/port",
		}},
		{name: "bad history url", env: map[string]string{"PORT_TWIN_HISTORY_URL": "ftp://example.com"}, wantErr: true},
		{name: "bad timeout", env: map[string]string{"PORT_TWIN_HISTORY_TIMEOUT": "soon"}, wantErr: true},
		{name: "zero timeout", env: map[string]string{"PORT_TWIN_HISTORY_TIMEOUT": "0s"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateMeasurementSource(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	cfg.StreamURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error without any measurement source")
	}

	cfg.MQTTEnabled = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestValidateStreamURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT_TWIN_STREAM_URL", "http://localhost:4000/ws")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-websocket stream URL")
	}
}

func TestValidateTimezone(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT_TWIN_TIMEZONE", "Mars/Olympus")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}

func TestValidateLogging(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT_TWIN_LOG_LEVEL", "verbose")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid log level")
	}

	t.Setenv("PORT_TWIN_LOG_LEVEL", "debug")
	t.Setenv("PORT_TWIN_LOG_FORMAT", "xml")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid log format")
	}
}

func TestValidateMaxLiveRecords(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT_TWIN_MAX_LIVE_RECORDS", "-1")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for negative max live records")
	}
}

func unsetEnv(t *testing.T, key string) {
	t.Helper()

	if val, ok := os.LookupEnv(key); ok {
		t.Cleanup(func() {
			_ = os.Setenv(key, val)
		})
	} else {
		t.Cleanup(func() {
			_ = os.Unsetenv(key)
		})
	}
	_ = os.Unsetenv(key)
}

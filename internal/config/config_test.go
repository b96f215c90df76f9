package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(envListenAddr, "")
	t.Setenv(envDBPath, "")
	t.Setenv(envLogLevel, "")

	cfg := Load()

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")

	cfg := Load()

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
}

func TestLoadWorkerSettings(t *testing.T) {
	t.Setenv(envGatewayURL, "https://gateway.example.com")
	t.Setenv(envWebhookSecret, "s3cret")
	t.Setenv(envSubmitWorkers, "8")
	t.Setenv(envSubmitRate, "2.5")
	t.Setenv(envFinalizeDelay, "30s")
	t.Setenv(envFinalizeRetries, "7")

	cfg := Load()

	if cfg.GatewayURL != "https://gateway.example.com" {
		t.Errorf("GatewayURL = %q", cfg.GatewayURL)
	}
	if cfg.WebhookSecret != "s3cret" {
		t.Errorf("WebhookSecret = %q", cfg.WebhookSecret)
	}
	if cfg.SubmitWorkers != 8 {
		t.Errorf("SubmitWorkers = %d, want 8", cfg.SubmitWorkers)
	}
	if cfg.SubmitRate != 2.5 {
		t.Errorf("SubmitRate = %v, want 2.5", cfg.SubmitRate)
	}
	if cfg.FinalizeDelay != 30*time.Second {
		t.Errorf("FinalizeDelay = %v, want 30s", cfg.FinalizeDelay)
	}
	if cfg.FinalizeRetries != 7 {
		t.Errorf("FinalizeRetries = %d, want 7", cfg.FinalizeRetries)
	}
}

func TestMalformedNumericEnvFallsBackToDefault(t *testing.T) {
	t.Setenv(envSubmitWorkers, "banana")
	t.Setenv(envFinalizeWorkers, "-2")
	t.Setenv(envFinalizeTimeout, "soon")

	cfg := Load()

	if cfg.SubmitWorkers != defaultSubmitWorkers {
		t.Errorf("SubmitWorkers = %d, want default %d", cfg.SubmitWorkers, defaultSubmitWorkers)
	}
	if cfg.FinalizeWorkers != defaultFinalizeWorkers {
		t.Errorf("FinalizeWorkers = %d, want default %d", cfg.FinalizeWorkers, defaultFinalizeWorkers)
	}
	if cfg.FinalizeTimeout != defaultFinalizeTimeout {
		t.Errorf("FinalizeTimeout = %v, want default %v", cfg.FinalizeTimeout, defaultFinalizeTimeout)
	}
}

func TestLoadObjectStoreSettings(t *testing.T) {
	t.Setenv(envObjectStoreEndpoint, "minio.local:9000")
	t.Setenv(envObjectStoreAccessKey, "ak")
	t.Setenv(envObjectStoreSecretKey, "sk")
	t.Setenv(envObjectStoreBucket, "payloads")
	t.Setenv(envObjectStoreSecure, "true")

	cfg := Load()

	os := cfg.ObjectStore
	if os.Endpoint != "minio.local:9000" || os.AccessKey != "ak" || os.SecretKey != "sk" || os.Bucket != "payloads" {
		t.Errorf("ObjectStore = %+v", os)
	}
	if !os.Secure {
		t.Error("Secure = false, want true")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TTS.Mode != "piper" || cfg.TTS.Bin != "piper" {
		t.Fatalf("expected piper defaults, got %+v", cfg.TTS)
	}
	if cfg.EventStore.RetentionMode != "ephemeral" {
		t.Fatalf("expected ephemeral event store by default, got %s", cfg.EventStore.RetentionMode)
	}
	if cfg.Bus.Enabled {
		t.Fatal("expected bus disabled by default")
	}
}

func TestMissingModelPathsAreNotFatal(t *testing.T) {
	t.Setenv("PIPER_MODEL_PATH", "")
	t.Setenv("PIPER_CONFIG_PATH", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TTS.ModelPath != "" || cfg.TTS.ConfigPath != "" {
		t.Fatalf("expected empty model paths, got %+v", cfg.TTS)
	}
}

func TestPiperEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_TTS_MODEL_PATH", "/ignored/model.onnx")
	t.Setenv("PIPER_MODEL_PATH", "/voices/ru.onnx")
	t.Setenv("PIPER_CONFIG_PATH", "/voices/ru.onnx.json")
	t.Setenv("PIPER_BIN", "/opt/piper/piper")
	t.Setenv("LOQA_TTS_TIMEOUT_MS", "1500")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TTS.ModelPath != "/voices/ru.onnx" {
		t.Fatalf("expected PIPER_MODEL_PATH to win, got %s", cfg.TTS.ModelPath)
	}
	if cfg.TTS.ConfigPath != "/voices/ru.onnx.json" {
		t.Fatalf("expected config path override, got %s", cfg.TTS.ConfigPath)
	}
	if cfg.TTS.Bin != "/opt/piper/piper" {
		t.Fatalf("expected bin override, got %s", cfg.TTS.Bin)
	}
	if cfg.TTS.TimeoutMS != 1500 {
		t.Fatalf("expected timeout 1500, got %d", cfg.TTS.TimeoutMS)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_HTTP_PORT", "8081")
	t.Setenv("LOQA_HTTP_CORS_ORIGINS", "http://localhost:3000, http://example.test")
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_EMBEDDED", "false")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_MAX_EVENTS", "50")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 8081 {
		t.Fatalf("expected port 8081, got %d", cfg.HTTP.Port)
	}
	if len(cfg.HTTP.CORSOrigins) != 2 {
		t.Fatalf("expected 2 origins, got %v", cfg.HTTP.CORSOrigins)
	}
	if !cfg.Bus.Enabled || cfg.Bus.Embedded {
		t.Fatalf("expected external bus, got %+v", cfg.Bus)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.MaxEvents != 50 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-speak.yaml")
	data := []byte("http:\n  port: 9000\ntts:\n  mode: mock\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 9000 || cfg.TTS.Mode != "mock" {
		t.Fatalf("expected file values, got port=%d mode=%s", cfg.HTTP.Port, cfg.TTS.Mode)
	}
	if cfg.TTS.SampleRate != 22050 {
		t.Fatalf("expected default sample rate to survive, got %d", cfg.TTS.SampleRate)
	}
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	t.Setenv("LOQA_TTS_MODE", "espeak")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error")
	}
}

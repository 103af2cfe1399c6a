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
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Capture.RestartDelayMS != 1000 {
		t.Fatalf("expected 1s restart delay, got %d", cfg.Capture.RestartDelayMS)
	}
	if cfg.Transcription.Language != "en-US" || !cfg.Transcription.Continuous || !cfg.Transcription.InterimResults {
		t.Fatalf("unexpected transcription defaults: %+v", cfg.Transcription)
	}
	if cfg.Answer.Context != "interview" {
		t.Fatalf("expected interview context, got %q", cfg.Answer.Context)
	}
	if cfg.Answer.Fallback != DefaultFallbackAnswer {
		t.Fatalf("unexpected fallback %q", cfg.Answer.Fallback)
	}
	if cfg.Surface.CaptureRetries != 3 {
		t.Fatalf("expected 3 capture retries, got %d", cfg.Surface.CaptureRetries)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "copilot.yaml")
	data := []byte(`
http:
  port: 9000
answer:
  mode: mock
  timeout_ms: 500
transcription:
  language: de-DE
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.HTTP.Port)
	}
	if cfg.Answer.Mode != "mock" || cfg.Answer.TimeoutMS != 500 {
		t.Fatalf("unexpected answer config %+v", cfg.Answer)
	}
	if cfg.Transcription.Language != "de-DE" {
		t.Fatalf("expected language override from file")
	}
	if cfg.Capture.Gain != 2.0 {
		t.Fatalf("expected default gain kept, got %v", cfg.Capture.Gain)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COPILOT_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("COPILOT_BUS_USERNAME", "alice")
	t.Setenv("COPILOT_BUS_PASSWORD", "secret")
	t.Setenv("COPILOT_BUS_TLS_INSECURE", "true")
	t.Setenv("COPILOT_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("COPILOT_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("COPILOT_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("COPILOT_CAPTURE_GAIN", "1.5")
	t.Setenv("COPILOT_CAPTURE_RESTART_DELAY_MS", "250")
	t.Setenv("COPILOT_ANSWER_MODE", "ollama")
	t.Setenv("COPILOT_ANSWER_ENDPOINT", "http://localhost:11434")
	t.Setenv("COPILOT_ANSWER_DEDUPE_WINDOW_MS", "3000")
	t.Setenv("COPILOT_SURFACE_ALLOWED_ORIGINS", "chrome-extension://abc")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.Capture.Gain != 1.5 || cfg.Capture.RestartDelayMS != 250 {
		t.Fatalf("expected capture overrides, got %+v", cfg.Capture)
	}
	if cfg.Answer.Mode != "ollama" || cfg.Answer.Endpoint != "http://localhost:11434" {
		t.Fatalf("expected answer overrides, got %+v", cfg.Answer)
	}
	if cfg.Answer.DedupeWindowMS != 3000 {
		t.Fatalf("expected dedupe override")
	}
	if len(cfg.Surface.AllowedOrigins) != 1 || cfg.Surface.AllowedOrigins[0] != "chrome-extension://abc" {
		t.Fatalf("expected origins override, got %v", cfg.Surface.AllowedOrigins)
	}
}

func TestValidateRejectsExecWithoutCommand(t *testing.T) {
	t.Setenv("COPILOT_TRANSCRIPTION_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for exec without command")
	}
}

func TestValidateRejectsUnknownAnswerMode(t *testing.T) {
	cfg := Default()
	cfg.Answer.Mode = "carrier-pigeon"
	if err := validate(cfg); err == nil {
		t.Fatal("expected validation error")
	}
}

package config

import (
	"testing"
	"time"
)

func clearAppEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_BIND_ADDR", "APP_METRICS_NAMESPACE", "APP_SESSION_SECRET",
		"APP_SHUTDOWN_TIMEOUT", "APP_SESSION_IDLE_TIMEOUT", "APP_SILENCE_TIMEOUT",
		"APP_FUNCTION_CALL_TIMEOUT", "APP_HISTORY_LIMIT", "APP_INGEST_CAPACITY",
		"APP_ALLOW_ANY_ORIGIN", "OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_MODEL",
		"ELEVENLABS_API_KEY", "ELEVENLABS_WS_BASE_URL", "ELEVENLABS_TTS_VOICE_ID",
		"ELEVENLABS_TTS_MODEL_ID", "ELEVENLABS_STT_MODEL_ID",
		"ELEVENLABS_TTS_OUTPUT_FORMAT", "ELEVENLABS_SAMPLE_RATE", "DATABASE_URL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearAppEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.MetricsNamespace != "eniac" {
		t.Fatalf("MetricsNamespace = %q", cfg.MetricsNamespace)
	}
	if cfg.SilenceTimeout != 1200*time.Millisecond {
		t.Fatalf("SilenceTimeout = %v", cfg.SilenceTimeout)
	}
	if cfg.CallTimeout != 15*time.Second {
		t.Fatalf("CallTimeout = %v", cfg.CallTimeout)
	}
	if cfg.SessionIdleTimeout != 2*time.Minute {
		t.Fatalf("SessionIdleTimeout = %v", cfg.SessionIdleTimeout)
	}
	if cfg.HistoryLimit != 8 || cfg.IngestCapacity != 64 {
		t.Fatalf("HistoryLimit = %d, IngestCapacity = %d", cfg.HistoryLimit, cfg.IngestCapacity)
	}
	if cfg.AllowAnyOrigin {
		t.Fatal("AllowAnyOrigin defaulted to true")
	}
	if cfg.SessionSecret != "" {
		t.Fatalf("SessionSecret = %q, want empty", cfg.SessionSecret)
	}
	if cfg.ElevenLabsTTSOutputFormat != "pcm_16000" || cfg.ElevenLabsSampleRate != 16000 {
		t.Fatalf("audio defaults = %q / %d", cfg.ElevenLabsTTSOutputFormat, cfg.ElevenLabsSampleRate)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearAppEnv(t)
	t.Setenv("APP_BIND_ADDR", "127.0.0.1:9999")
	t.Setenv("APP_SESSION_SECRET", "  hunter2  ")
	t.Setenv("APP_SILENCE_TIMEOUT", "800ms")
	t.Setenv("APP_FUNCTION_CALL_TIMEOUT", "30s")
	t.Setenv("APP_HISTORY_LIMIT", "4")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "yes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:9999" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.SessionSecret != "hunter2" {
		t.Fatalf("SessionSecret = %q, want trimmed", cfg.SessionSecret)
	}
	if cfg.SilenceTimeout != 800*time.Millisecond {
		t.Fatalf("SilenceTimeout = %v", cfg.SilenceTimeout)
	}
	if cfg.CallTimeout != 30*time.Second {
		t.Fatalf("CallTimeout = %v", cfg.CallTimeout)
	}
	if cfg.HistoryLimit != 4 {
		t.Fatalf("HistoryLimit = %d", cfg.HistoryLimit)
	}
	if !cfg.AllowAnyOrigin {
		t.Fatal("AllowAnyOrigin = false, want true")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"malformed duration", "APP_SILENCE_TIMEOUT", "soon"},
		{"silence below floor", "APP_SILENCE_TIMEOUT", "50ms"},
		{"idle below floor", "APP_SESSION_IDLE_TIMEOUT", "1s"},
		{"malformed int", "APP_HISTORY_LIMIT", "eight"},
		{"non-positive int", "APP_INGEST_CAPACITY", "0"},
		{"malformed bool", "APP_ALLOW_ANY_ORIGIN", "maybe"},
		{"negative call timeout", "APP_FUNCTION_CALL_TIMEOUT", "-5s"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearAppEnv(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() accepted %s=%q", tc.key, tc.value)
			}
		})
	}
}

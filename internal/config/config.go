package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the speech orchestrator.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// SessionSecret gates session.start; empty disables the check (dev only).
	SessionSecret string

	SessionIdleTimeout time.Duration
	SilenceTimeout     time.Duration
	CallTimeout        time.Duration
	HistoryLimit       int
	IngestCapacity     int

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	ElevenLabsAPIKey          string
	ElevenLabsWSBaseURL       string
	ElevenLabsTTSVoice        string
	ElevenLabsTTSModel        string
	ElevenLabsSTTModel        string
	ElevenLabsTTSOutputFormat string
	ElevenLabsSampleRate      int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "eniac"),
		AllowAnyOrigin:      false,
		SessionSecret:       stringsTrimSpace("APP_SESSION_SECRET"),
		OpenAIAPIKey:        stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:       stringsTrimSpace("OPENAI_BASE_URL"),
		OpenAIModel:         envOrDefault("OPENAI_MODEL", ""),
		ElevenLabsAPIKey:    stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL: envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsTTSVoice:  envOrDefault("ELEVENLABS_TTS_VOICE_ID", "cgSgspJ2msm6clMCkdW9"),
		ElevenLabsTTSModel:  envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_multilingual_v2"),
		ElevenLabsSTTModel:  envOrDefault("ELEVENLABS_STT_MODEL_ID", "scribe_v2_realtime"),
		// Low-latency PCM keeps realtime playback simple on the client.
		ElevenLabsTTSOutputFormat: envOrDefault("ELEVENLABS_TTS_OUTPUT_FORMAT", "pcm_16000"),
		ElevenLabsSampleRate:      16000,
		DatabaseURL:               stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:           15 * time.Second,
		SessionIdleTimeout:        2 * time.Minute,
		SilenceTimeout:            1200 * time.Millisecond,
		CallTimeout:               15 * time.Second,
		HistoryLimit:              8,
		IngestCapacity:            64,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionIdleTimeout, err = durationFromEnv("APP_SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SilenceTimeout, err = durationFromEnv("APP_SILENCE_TIMEOUT", cfg.SilenceTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CallTimeout, err = durationFromEnv("APP_FUNCTION_CALL_TIMEOUT", cfg.CallTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryLimit, err = intFromEnv("APP_HISTORY_LIMIT", cfg.HistoryLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.IngestCapacity, err = intFromEnv("APP_INGEST_CAPACITY", cfg.IngestCapacity)
	if err != nil {
		return Config{}, err
	}
	cfg.ElevenLabsSampleRate, err = intFromEnv("ELEVENLABS_SAMPLE_RATE", cfg.ElevenLabsSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.SilenceTimeout < 100*time.Millisecond {
		return Config{}, fmt.Errorf("APP_SILENCE_TIMEOUT must be at least 100ms")
	}
	if cfg.CallTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_FUNCTION_CALL_TIMEOUT must be positive")
	}
	if cfg.HistoryLimit <= 0 {
		return Config{}, fmt.Errorf("APP_HISTORY_LIMIT must be positive")
	}
	if cfg.IngestCapacity <= 0 {
		return Config{}, fmt.Errorf("APP_INGEST_CAPACITY must be positive")
	}
	if cfg.ElevenLabsSampleRate <= 0 {
		return Config{}, fmt.Errorf("ELEVENLABS_SAMPLE_RATE must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

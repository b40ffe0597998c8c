package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice engine service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	SessionMaxDuration       time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	TranscribeURL    string
	SynthesizeURL    string
	ChatURL          string
	SpeechAPIKey     string
	SpeechTimeout    time.Duration
	SynthesisRetries int

	AutoSendThreshold  float64
	MaxConcurrentAudio int
	DefaultVoiceID     string
	DefaultProvider    string
	DefaultLanguage    string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voicekit"),
		AllowAnyOrigin:   false,
		TranscribeURL:    envOrDefault("SPEECH_TRANSCRIBE_URL", "http://localhost:9100/transcribe"),
		SynthesizeURL:    envOrDefault("SPEECH_SYNTHESIZE_URL", "http://localhost:9100/synthesize"),
		ChatURL:          trimmedEnv("CHAT_ORCHESTRATOR_URL"),
		SpeechAPIKey:     trimmedEnv("SPEECH_API_KEY"),
		DefaultVoiceID:   envOrDefault("VOICE_DEFAULT_VOICE_ID", "nova"),
		DefaultProvider:  envOrDefault("VOICE_DEFAULT_PROVIDER", "openai"),
		DefaultLanguage:  envOrDefault("VOICE_DEFAULT_LANGUAGE", "en-GB"),
		DatabaseURL:      trimmedEnv("DATABASE_URL"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		// 0 means "no forced session cap".
		SessionMaxDuration: 0,
		SpeechTimeout:      30 * time.Second,
		SynthesisRetries:   1,
		AutoSendThreshold:  0.6,
		MaxConcurrentAudio: 3,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionMaxDuration, err = durationFromEnv("APP_SESSION_MAX_DURATION", cfg.SessionMaxDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.SpeechTimeout, err = durationFromEnv("SPEECH_TIMEOUT", cfg.SpeechTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SynthesisRetries, err = intFromEnv("SPEECH_SYNTHESIS_RETRIES", cfg.SynthesisRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.AutoSendThreshold, err = floatFromEnv("VOICE_AUTO_SEND_THRESHOLD", cfg.AutoSendThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConcurrentAudio, err = intFromEnv("VOICE_MAX_CONCURRENT_AUDIO", cfg.MaxConcurrentAudio)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.SessionMaxDuration < 0 {
		return Config{}, fmt.Errorf("APP_SESSION_MAX_DURATION must not be negative")
	}
	if cfg.SpeechTimeout <= 0 {
		return Config{}, fmt.Errorf("SPEECH_TIMEOUT must be positive")
	}
	if cfg.SynthesisRetries < 0 {
		return Config{}, fmt.Errorf("SPEECH_SYNTHESIS_RETRIES must be >= 0")
	}
	if cfg.AutoSendThreshold < 0 || cfg.AutoSendThreshold > 1 {
		return Config{}, fmt.Errorf("VOICE_AUTO_SEND_THRESHOLD must be in [0,1]")
	}
	if cfg.MaxConcurrentAudio <= 0 {
		return Config{}, fmt.Errorf("VOICE_MAX_CONCURRENT_AUDIO must be positive")
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

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
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
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
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

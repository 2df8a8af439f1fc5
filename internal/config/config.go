package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the call coordinator service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// Identity of the local user this coordinator acts for.
	UserID      string
	DisplayName string

	// Media service call type, passed through to the channel factory.
	CallType string

	// Notification channel backend.
	NotifyBaseURL      string
	NotifyPollInterval time.Duration

	// Establishment tuning: how long the coordinator probes for a callable
	// channel before giving up.
	JoinRetryMaxAttempts int
	JoinRetryDelay       time.Duration

	// How long a surfaced invitation rings before it is cleared.
	InvitationTTL time.Duration

	// Per-operation deadline for media service and notification calls.
	OpTimeout time.Duration

	DatabaseURL string

	// notifyd-only settings.
	NotificationTTL       time.Duration
	NotifyJanitorInterval time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:              envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:      envOrDefault("APP_METRICS_NAMESPACE", "callcore"),
		AllowAnyOrigin:        false,
		UserID:                trimmedEnv("CALL_USER_ID"),
		DisplayName:           envOrDefault("CALL_DISPLAY_NAME", ""),
		CallType:              envOrDefault("CALL_TYPE", "default"),
		NotifyBaseURL:         envOrDefault("NOTIFY_BASE_URL", "http://localhost:8081"),
		DatabaseURL:           trimmedEnv("DATABASE_URL"),
		ShutdownTimeout:       15 * time.Second,
		NotifyPollInterval:    3 * time.Second,
		JoinRetryMaxAttempts:  20,
		JoinRetryDelay:        100 * time.Millisecond,
		InvitationTTL:         30 * time.Second,
		OpTimeout:             10 * time.Second,
		NotificationTTL:       30 * time.Second,
		NotifyJanitorInterval: 5 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.NotifyPollInterval, err = durationFromEnv("NOTIFY_POLL_INTERVAL", cfg.NotifyPollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.JoinRetryDelay, err = durationFromEnv("CALL_JOIN_RETRY_DELAY", cfg.JoinRetryDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.InvitationTTL, err = durationFromEnv("CALL_INVITATION_TTL", cfg.InvitationTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.OpTimeout, err = durationFromEnv("CALL_OP_TIMEOUT", cfg.OpTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.NotificationTTL, err = durationFromEnv("NOTIFY_NOTIFICATION_TTL", cfg.NotificationTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.NotifyJanitorInterval, err = durationFromEnv("NOTIFY_JANITOR_INTERVAL", cfg.NotifyJanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.JoinRetryMaxAttempts, err = intFromEnv("CALL_JOIN_RETRY_MAX_ATTEMPTS", cfg.JoinRetryMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.JoinRetryMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("CALL_JOIN_RETRY_MAX_ATTEMPTS must be positive")
	}
	if cfg.JoinRetryDelay <= 0 {
		return Config{}, fmt.Errorf("CALL_JOIN_RETRY_DELAY must be positive")
	}
	if cfg.InvitationTTL < time.Second {
		return Config{}, fmt.Errorf("CALL_INVITATION_TTL must be at least 1s")
	}
	if cfg.NotifyPollInterval < 100*time.Millisecond {
		return Config{}, fmt.Errorf("NOTIFY_POLL_INTERVAL must be at least 100ms")
	}
	if cfg.OpTimeout < time.Second {
		return Config{}, fmt.Errorf("CALL_OP_TIMEOUT must be at least 1s")
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

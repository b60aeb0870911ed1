package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the chat session service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	JanitorInterval          time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LogLevel  string
	LogFormat string

	StorageDriver string
	StoragePath   string
	DatabaseURL   string

	AssistantsFile       string
	AssistantMode        string
	AssistantChatURL     string
	AssistantFeedbackURL string
	AssistantAPIKey      string
	AssistantTimeout     time.Duration
	MockReplyDelay       time.Duration

	Retention       time.Duration
	MaxMessages     int
	PersistDebounce time.Duration

	SendRatePerSecond float64
	SendBurst         int
}

// Load reads environment variables and applies safe defaults. A .env file in
// the working directory is applied first; real environment variables win.
func Load() (Config, error) {
	if err := loadDotEnv(envOrDefault("APP_DOTENV", ".env")); err != nil {
		return Config{}, err
	}

	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "chatsession"),
		AllowAnyOrigin:       false,
		LogLevel:             envOrDefault("LOG_LEVEL", "info"),
		LogFormat:            envOrDefault("LOG_FORMAT", "json"),
		StorageDriver:        envOrDefault("CHAT_STORAGE_DRIVER", "auto"),
		StoragePath:          envOrDefault("CHAT_STORAGE_PATH", ".data/chatsession.db"),
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		AssistantsFile:       stringsTrimSpace("CHAT_ASSISTANTS_FILE"),
		AssistantMode:        envOrDefault("CHAT_ASSISTANT_MODE", "auto"),
		AssistantChatURL:     stringsTrimSpace("CHAT_ASSISTANT_URL"),
		AssistantFeedbackURL: stringsTrimSpace("CHAT_ASSISTANT_FEEDBACK_URL"),
		AssistantAPIKey:      stringsTrimSpace("CHAT_ASSISTANT_API_KEY"),
		AssistantTimeout:     60 * time.Second,
		MockReplyDelay:       400 * time.Millisecond,
		// Persisted history older than a week is dropped on load.
		Retention:                7 * 24 * time.Hour,
		MaxMessages:              200,
		PersistDebounce:          250 * time.Millisecond,
		SendRatePerSecond:        1,
		SendBurst:                3,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
		JanitorInterval:          30 * time.Second,
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
	cfg.JanitorInterval, err = durationFromEnv("APP_JANITOR_INTERVAL", cfg.JanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.AssistantTimeout, err = durationFromEnv("CHAT_ASSISTANT_TIMEOUT", cfg.AssistantTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MockReplyDelay, err = durationFromEnv("CHAT_MOCK_REPLY_DELAY", cfg.MockReplyDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.Retention, err = durationFromEnv("CHAT_RETENTION", cfg.Retention)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxMessages, err = intFromEnv("CHAT_MAX_MESSAGES", cfg.MaxMessages)
	if err != nil {
		return Config{}, err
	}
	cfg.PersistDebounce, err = durationFromEnv("CHAT_PERSIST_DEBOUNCE", cfg.PersistDebounce)
	if err != nil {
		return Config{}, err
	}
	cfg.SendRatePerSecond, err = floatFromEnv("CHAT_SEND_RATE_PER_SEC", cfg.SendRatePerSecond)
	if err != nil {
		return Config{}, err
	}
	cfg.SendBurst, err = intFromEnv("CHAT_SEND_BURST", cfg.SendBurst)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("APP_JANITOR_INTERVAL must be positive")
	}
	switch strings.ToLower(c.StorageDriver) {
	case "auto", "memory", "bolt", "sqlite", "postgres":
	default:
		return fmt.Errorf("CHAT_STORAGE_DRIVER must be one of auto, memory, bolt, sqlite, postgres")
	}
	if strings.EqualFold(c.StorageDriver, "postgres") && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for the postgres storage driver")
	}
	switch strings.ToLower(c.AssistantMode) {
	case "auto", "http", "mock":
	default:
		return fmt.Errorf("CHAT_ASSISTANT_MODE must be one of auto, http, mock")
	}
	if strings.EqualFold(c.AssistantMode, "http") && c.AssistantChatURL == "" && c.AssistantsFile == "" {
		return fmt.Errorf("CHAT_ASSISTANT_URL is required when CHAT_ASSISTANT_MODE=http")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console")
	}
	if c.AssistantTimeout <= 0 {
		return fmt.Errorf("CHAT_ASSISTANT_TIMEOUT must be positive")
	}
	if c.Retention <= 0 {
		return fmt.Errorf("CHAT_RETENTION must be positive")
	}
	if c.MaxMessages <= 1 {
		return fmt.Errorf("CHAT_MAX_MESSAGES must be greater than 1")
	}
	if c.PersistDebounce < 0 {
		return fmt.Errorf("CHAT_PERSIST_DEBOUNCE must be >= 0")
	}
	if c.SendRatePerSecond <= 0 {
		return fmt.Errorf("CHAT_SEND_RATE_PER_SEC must be positive")
	}
	if c.SendBurst <= 0 {
		return fmt.Errorf("CHAT_SEND_BURST must be positive")
	}
	return nil
}

func loadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
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

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.BindAddr)
	assert.Equal(t, "auto", cfg.AssistantMode)
	assert.Empty(t, cfg.AssistantChatURL)
	assert.Equal(t, "auto", cfg.StorageDriver)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention)
	assert.Equal(t, 200, cfg.MaxMessages)
	assert.Equal(t, 250*time.Millisecond, cfg.PersistDebounce)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadUsesExplicitAssistantURL(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("CHAT_ASSISTANT_MODE", "http")
	t.Setenv("CHAT_ASSISTANT_URL", "http://localhost:7777/chat")
	t.Setenv("CHAT_ASSISTANT_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:7777/chat", cfg.AssistantChatURL)
	assert.Equal(t, 5*time.Second, cfg.AssistantTimeout)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"CHAT_STORAGE_DRIVER":            "redis",
		"CHAT_ASSISTANT_MODE":            "cli",
		"LOG_FORMAT":                     "xml",
		"CHAT_MAX_MESSAGES":              "1",
		"CHAT_RETENTION":                 "soon",
		"APP_SESSION_INACTIVITY_TIMEOUT": "1s",
		"CHAT_SEND_RATE_PER_SEC":         "0",
		"APP_ALLOW_ANY_ORIGIN":           "maybe",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestLoadPostgresRequiresDatabaseURL(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("CHAT_STORAGE_DRIVER", "postgres")
	_, err := Load()
	require.ErrorContains(t, err, "DATABASE_URL")
}

func TestLoadReadsDotEnv(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("CHAT_MAX_MESSAGES=50\nAPP_BIND_ADDR=:7000\n"), 0o600))
	t.Setenv("APP_DOTENV", path)
	t.Setenv("APP_BIND_ADDR", ":9999")
	// godotenv only fills unset variables.
	require.NoError(t, os.Unsetenv("CHAT_MAX_MESSAGES"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.MaxMessages)
	assert.Equal(t, ":9999", cfg.BindAddr)
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_DOTENV",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_JANITOR_INTERVAL",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"CHAT_STORAGE_DRIVER",
		"CHAT_STORAGE_PATH",
		"DATABASE_URL",
		"CHAT_ASSISTANTS_FILE",
		"CHAT_ASSISTANT_MODE",
		"CHAT_ASSISTANT_URL",
		"CHAT_ASSISTANT_FEEDBACK_URL",
		"CHAT_ASSISTANT_API_KEY",
		"CHAT_ASSISTANT_TIMEOUT",
		"CHAT_MOCK_REPLY_DELAY",
		"CHAT_RETENTION",
		"CHAT_MAX_MESSAGES",
		"CHAT_PERSIST_DEBOUNCE",
		"CHAT_SEND_RATE_PER_SEC",
		"CHAT_SEND_BURST",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
	t.Setenv("APP_DOTENV", filepath.Join(t.TempDir(), "missing.env"))
}

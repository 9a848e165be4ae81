package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "imagechat", cfg.ServiceName)
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, 14, cfg.RetentionDays)
	assert.Equal(t, time.Hour, cfg.IdleTimeout())
	assert.Equal(t, 500, cfg.MaxMessages)
	assert.Equal(t, ProviderGoogleAI, cfg.LLMProvider)
	assert.Equal(t, "gemini-1.5-flash", cfg.ModelName)
	assert.Equal(t, 2, cfg.RetryAttempts)
	assert.Equal(t, 800*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, BackendMemory, cfg.SessionBackend)
	assert.Equal(t, time.Minute, cfg.PruneInterval)
	assert.Empty(t, cfg.AdminChatIDs)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATA_DIR", "/var/lib/imagechat")
	t.Setenv("RETENTION_DAYS", "3")
	t.Setenv("IDLE_TIMEOUT_MINUTES", "5")
	t.Setenv("ADMIN_CHAT_IDS", "11,22")
	t.Setenv("SESSION_BACKEND", "Redis")
	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("MODEL_TIMEOUT", "30s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/imagechat", cfg.DataDir)
	assert.Equal(t, 3, cfg.RetentionDays)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout())
	assert.Equal(t, []int64{11, 22}, cfg.AdminChatIDs)
	assert.Equal(t, BackendRedis, cfg.SessionBackend)
	assert.Equal(t, 30*time.Second, cfg.ModelTimeout)
	assert.NoError(t, cfg.ValidateServe())
}

func TestLoad_BadValue(t *testing.T) {
	t.Setenv("RETENTION_DAYS", "two weeks")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.RetentionDays = 0
	assert.ErrorContains(t, cfg.Validate(), "RETENTION_DAYS")

	cfg = base()
	cfg.SessionBackend = "memcached"
	assert.ErrorContains(t, cfg.Validate(), "SESSION_BACKEND")

	cfg = base()
	cfg.Timezone = "Mars/Olympus"
	assert.ErrorContains(t, cfg.Validate(), "TIMEZONE")

	cfg = base()
	cfg.GeminiAPIKey = ""
	assert.ErrorContains(t, cfg.ValidateServe(), "GEMINI_API_KEY")

	cfg = base()
	cfg.GeminiAPIKey = "k"
	cfg.LLMProvider = "bard"
	assert.ErrorContains(t, cfg.ValidateServe(), "LLM_PROVIDER")
}

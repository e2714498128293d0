package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"HOST", "PORT", "ALLOWED_ORIGIN", "ANTHROPIC_API_KEY", "ANTHROPIC_MODEL",
		"GEMINI_API_KEY", "GEMINI_MODEL_NAME", "SAVES_ROOT", "MEDIA_CACHE_ROOT",
		"MEDIA_WORKER_LIMIT",
	} {
		os.Unsetenv(k)
		t.Cleanup(func(k string) func() { return func() { os.Unsetenv(k) } }(k))
	}
}

func TestLoad_RequiresAtLeastOneLLMKey(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("ANTHROPIC_API_KEY", "test-key")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "data/saves", cfg.SavesRoot)
	assert.Equal(t, 4, cfg.MediaWorkerLimit)
}

func TestLoad_InvalidWorkerLimitErrors(t *testing.T) {
	clearEnv(t)
	os.Setenv("ANTHROPIC_API_KEY", "test-key")
	os.Setenv("MEDIA_WORKER_LIMIT", "not-a-number")

	_, err := Load()
	assert.Error(t, err)
}

func TestConfig_StringOmitsSecrets(t *testing.T) {
	cfg := &Config{AnthropicAPIKey: "super-secret-value"}
	assert.NotContains(t, cfg.String(), "super-secret-value")
}

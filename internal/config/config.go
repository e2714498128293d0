// Package config loads the engine's ambient configuration from the
// environment (via a .env file, using the teacher's github.com/joho/godotenv
// loader) and validates it once at startup, per spec.md §7's
// ConfigurationError ("fatal at startup only").
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"llmrpg/internal/apperr"
)

// Config is the full set of settings the server needs at startup. Zero
// values are filled in by Load's defaults except where noted as required.
type Config struct {
	// Host/Port the WebSocket + health-check HTTP server binds to.
	Host string
	Port string

	// AllowedOrigin is the Origin the WebSocket handshake accepts for the
	// development frontend.
	AllowedOrigin string

	// AnthropicAPIKey selects the primary streaming LLMClient
	// (internal/llm/anthropicclient). Required unless GeminiAPIKey is set.
	AnthropicAPIKey string
	AnthropicModel  string

	// GeminiAPIKey selects the fallback non-streaming LLMClient
	// (internal/llm/geminiclient) when Anthropic is not configured.
	GeminiAPIKey string
	GeminiModel  string

	// SavesRoot is the step-persistence journal's root directory.
	SavesRoot string

	// MediaCacheRoot is the on-disk media cache's root directory.
	MediaCacheRoot string

	// MediaWorkerLimit bounds concurrent image/music generation tasks.
	MediaWorkerLimit int

	// AdventureTemplatesPath optionally points to a YAML file of pre-authored
	// adventure-outline templates (internal/outline.Template), used as a
	// fallback when LLM-based outline generation fails. Empty disables it.
	AdventureTemplatesPath string
}

// Load reads a .env file (if present) then the process environment,
// applying defaults, and returns a validated Config. A missing .env file is
// not an error — godotenv.Load behaves the same way in the teacher's main.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, apperr.Wrap(apperr.KindConfig, "failed to load .env file", err)
	}

	cfg := &Config{
		Host:             getenvDefault("HOST", "0.0.0.0"),
		Port:             getenvDefault("PORT", "8080"),
		AllowedOrigin:    getenvDefault("ALLOWED_ORIGIN", "http://localhost:3000"),
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:   getenvDefault("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
		GeminiModel:      getenvDefault("GEMINI_MODEL_NAME", "gemini-1.5-flash-latest"),
		SavesRoot:        getenvDefault("SAVES_ROOT", "data/saves"),
		MediaCacheRoot:   getenvDefault("MEDIA_CACHE_ROOT", "data/media-cache"),
		MediaWorkerLimit: 4,
		AdventureTemplatesPath: os.Getenv("ADVENTURE_TEMPLATES_PATH"),
	}

	if raw := os.Getenv("MEDIA_WORKER_LIMIT"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, apperr.New(apperr.KindConfig, "MEDIA_WORKER_LIMIT must be a positive integer").WithDetails(raw)
		}
		cfg.MediaWorkerLimit = n
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.AnthropicAPIKey == "" && c.GeminiAPIKey == "" {
		return apperr.New(apperr.KindConfig, "one of ANTHROPIC_API_KEY or GEMINI_API_KEY must be set")
	}
	if c.SavesRoot == "" {
		return apperr.New(apperr.KindConfig, "SAVES_ROOT must not be empty")
	}
	if c.MediaCacheRoot == "" {
		return apperr.New(apperr.KindConfig, "MEDIA_CACHE_ROOT must not be empty")
	}
	return nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// String renders a log-safe summary: never the API keys themselves.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Host:%s Port:%s SavesRoot:%s MediaCacheRoot:%s MediaWorkerLimit:%d AnthropicConfigured:%v GeminiConfigured:%v}",
		c.Host, c.Port, c.SavesRoot, c.MediaCacheRoot, c.MediaWorkerLimit,
		c.AnthropicAPIKey != "", c.GeminiAPIKey != "",
	)
}

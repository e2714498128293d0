// Command server wires the game engine, persistence, media cache, and
// session manager into a WebSocket server and starts listening.
package main

import (
	"log/slog"
	"net/http"
	"os"

	"llmrpg/internal/clock"
	"llmrpg/internal/config"
	"llmrpg/internal/llm"
	"llmrpg/internal/llm/anthropicclient"
	"llmrpg/internal/llm/geminiclient"
	"llmrpg/internal/media"
	"llmrpg/internal/outline"
	"llmrpg/internal/persistence"
	"llmrpg/internal/session"
	"llmrpg/internal/wsserver"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded", "config", cfg.String())

	if err := os.MkdirAll(cfg.SavesRoot, 0o755); err != nil {
		log.Error("failed to create saves directory", "path", cfg.SavesRoot, "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.MediaCacheRoot, 0o755); err != nil {
		log.Error("failed to create media cache directory", "path", cfg.MediaCacheRoot, "error", err)
		os.Exit(1)
	}

	realClock := clock.System{}
	llmClient := newLLMClient(cfg, log)
	journal := persistence.New(cfg.SavesRoot, realClock)
	mediaCache := media.NewCache(cfg.MediaCacheRoot, realClock, 0, 0)
	sessions := session.NewManager(realClock)

	var templates []outline.Template
	if cfg.AdventureTemplatesPath != "" {
		templates, err = outline.LoadTemplates(cfg.AdventureTemplatesPath)
		if err != nil {
			log.Error("failed to load adventure templates", "path", cfg.AdventureTemplatesPath, "error", err)
			os.Exit(1)
		}
		log.Info("loaded adventure templates", "path", cfg.AdventureTemplatesPath, "count", len(templates))
	}

	srv := wsserver.New(wsserver.Config{
		Sessions:         sessions,
		Journal:          journal,
		MediaCache:       mediaCache,
		LLMClient:        llmClient,
		Clock:            realClock,
		Logger:           log,
		AllowedOrigins:   []string{cfg.AllowedOrigin},
		MediaWorkerLimit: cfg.MediaWorkerLimit,
		OutlineTemplates: templates,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWebSocket)
	mux.HandleFunc("/health", handleHealthCheck)

	addr := cfg.Host + ":" + cfg.Port
	log.Info("starting server", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// newLLMClient prefers the streaming-capable Anthropic client, falling back
// to the Gemini HTTP client when only a Gemini key is configured.
func newLLMClient(cfg *config.Config, log *slog.Logger) llm.Client {
	if cfg.AnthropicAPIKey != "" {
		log.Info("using Anthropic as the LLM provider", "model", cfg.AnthropicModel)
		return anthropicclient.New(anthropicclient.Config{
			APIKey: cfg.AnthropicAPIKey,
			Model:  cfg.AnthropicModel,
		})
	}
	log.Info("using Gemini as the LLM provider", "model", cfg.GeminiModel)
	return geminiclient.New(cfg.GeminiAPIKey, cfg.GeminiModel)
}

func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

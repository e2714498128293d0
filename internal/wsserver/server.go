// Package wsserver implements C12's transport half: gorilla/websocket
// upgrade-and-register, one reader and one writer goroutine per connection
// (the writer is the sole writer to the socket, per spec.md §5), and the
// process-wide serverInstanceId sent on connect. Grounded on
// vanducng-goclaw's internal/gateway/server.go upgrade/register/unregister
// shape; that repo's per-connection Client type was not part of the
// retrieved pack, so conn.go follows the same single-writer discipline
// server.go documents, authored fresh for this protocol.
package wsserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"llmrpg/internal/clock"
	"llmrpg/internal/llm"
	"llmrpg/internal/media"
	"llmrpg/internal/outline"
	"llmrpg/internal/persistence"
	"llmrpg/internal/rng"
	"llmrpg/internal/session"
)

// Config carries Server's constructor dependencies.
type Config struct {
	Sessions   *session.Manager
	Journal    *persistence.Journal
	MediaCache *media.Cache

	LLMClient   llm.Client
	TTSClient   media.TTSClient
	ImageClient media.ImageClient
	MusicClient media.MusicClient

	// OutlineTemplates optionally seeds the outline generator's fallback
	// path (used when the LLM call itself fails), loaded from an operator's
	// YAML template file via config.Config.AdventureTemplatesPath.
	OutlineTemplates []outline.Template

	Clock  clock.Clock
	Logger *slog.Logger

	// Rng jitters the single retry pause for a failed media generation call
	// (see retry.go). Defaults to rng.NewSystem() when nil.
	Rng rng.Rng

	// AllowedOrigins restricts the WebSocket handshake's Origin header, per
	// the teacher's CORS middleware. Empty means allow all (local dev).
	AllowedOrigins []string

	// MediaWorkerLimit bounds concurrent detached image/music generation
	// tasks across all connections (spec.md §5's shared worker pool).
	MediaWorkerLimit int
}

// Server owns the WebSocket upgrade endpoint and the set of live
// connections. It holds no per-game state itself; that lives in the
// session.Manager and persistence.Journal it was built with.
type Server struct {
	sessions   *session.Manager
	journal    *persistence.Journal
	mediaCache *media.Cache

	llmClient   llm.Client
	ttsClient   media.TTSClient
	imageClient media.ImageClient
	musicClient media.MusicClient
	outlineGen  *outline.Generator

	clock clock.Clock
	log   *slog.Logger
	rng   rng.Rng

	instanceID string
	upgrader   websocket.Upgrader
	origins    map[string]bool

	mediaSlots chan struct{}
}

// New builds a Server from cfg. Sessions, Journal, LLMClient, and Clock are
// required.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.MediaWorkerLimit
	if limit <= 0 {
		limit = 4
	}

	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = true
	}

	r := cfg.Rng
	if r == nil {
		r = rng.NewSystem()
	}

	s := &Server{
		sessions:    cfg.Sessions,
		journal:     cfg.Journal,
		mediaCache:  cfg.MediaCache,
		llmClient:   cfg.LLMClient,
		ttsClient:   cfg.TTSClient,
		imageClient: cfg.ImageClient,
		musicClient: cfg.MusicClient,
		outlineGen:  outline.NewWithTemplates(cfg.LLMClient, cfg.OutlineTemplates),
		clock:       cfg.Clock,
		log:         logger.With("component", "wsserver"),
		rng:         r,
		instanceID:  uuid.NewString(),
		origins:     origins,
		mediaSlots:  make(chan struct{}, limit),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return s.origins[origin] || s.origins["*"]
}

// HandleWebSocket upgrades the request and runs the connection to
// completion. Register it at the server's /ws route.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(s, ws)
	c.run(r.Context())
}

// acquireMediaSlot blocks until a worker-pool slot is free or ctx is done.
func (s *Server) acquireMediaSlot(done <-chan struct{}) bool {
	select {
	case s.mediaSlots <- struct{}{}:
		return true
	case <-done:
		return false
	}
}

func (s *Server) releaseMediaSlot() {
	<-s.mediaSlots
}

// pingInterval is how often a well-behaved client is expected to send an
// application-level ping frame, per spec.md §4.7.
const pingInterval = 30 * time.Second

package wsserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"llmrpg/internal/apperr"
	"llmrpg/internal/protocol"
	"llmrpg/internal/session"
	"llmrpg/internal/wsproto"
)

// mediaEntry caches one response's generated media, so a later getImage/
// getMusic frame referencing its messageIndex can be served without
// re-invoking the media cache (the cache itself is also content-addressed,
// so this is purely a connection-local shortcut).
type mediaEntry struct {
	image string
	music string
	mood  protocol.MusicMood
}

// conn is one live WebSocket connection: one inbound reader (the goroutine
// that calls run), one outbound writer goroutine reading off send — the
// writer is the sole writer to ws, per spec.md §5.
type conn struct {
	srv *Server
	ws  *websocket.Conn
	log *slog.Logger

	send    chan []byte
	baseCtx context.Context

	// cmdWG tracks in-flight command/streamCommand goroutines (see dispatch),
	// so run's cleanup can wait for them before closing send.
	cmdWG sync.WaitGroup

	mu           sync.Mutex
	sess         *session.Session
	gameID       string
	messageIndex int
	media        map[int]*mediaEntry
}

// getSession returns the connection's active session, or nil if none has
// been established yet.
func (c *conn) getSession() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// setSession records sess/gameID as the connection's active game.
func (c *conn) setSession(sess *session.Session, gameID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess = sess
	c.gameID = gameID
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	return &conn{
		srv:   s,
		ws:    ws,
		log:   s.log.With("remote", ws.RemoteAddr().String()),
		send:  make(chan []byte, 16),
		media: make(map[int]*mediaEntry),
	}
}

// run drives the connection until the client disconnects or ctx is
// cancelled: it starts the writer goroutine, sends the initial connected
// frame, then reads inbound frames until the socket closes.
func (c *conn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.baseCtx = ctx

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	defer func() {
		// Cancel first so any in-flight command's LLM call unwinds promptly,
		// then wait for its goroutine before closing send — it may still be
		// about to call writeFrame.
		cancel()
		c.cmdWG.Wait()
		close(c.send)
		wg.Wait()
		c.ws.Close()
		if sess := c.getSession(); sess != nil {
			c.srv.sessions.RemoveSession(sess.ID)
		}
	}()

	c.writeFrame(wsproto.ConnectedFrame{
		Type:             wsproto.TypeConnected,
		Message:          "connected",
		Version:          wsproto.ProtocolVersion,
		ServerInstanceID: c.srv.instanceID,
	})

	c.ws.SetReadDeadline(time.Now().Add(2 * pingInterval))

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(2 * pingInterval))
		c.dispatch(ctx, raw)
	}
}

// writeLoop is the connection's sole writer. It drains send until the
// channel is closed or a write fails; run closes the socket afterwards.
func (c *conn) writeLoop() {
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *conn) writeFrame(frame any) {
	b, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("failed to marshal outbound frame", "error", err)
		return
	}
	select {
	case c.send <- b:
	default:
		c.log.Warn("outbound buffer full, dropping connection")
		go c.ws.Close()
	}
}

func (c *conn) writeError(err error) {
	ae, ok := err.(*apperr.Error)
	if !ok {
		ae = apperr.Wrap(apperr.KindLLM, "an internal error occurred", err)
	}
	c.writeFrame(ae.ToClientFrame())
}

func (c *conn) dispatch(ctx context.Context, raw []byte) {
	typ, err := wsproto.PeekType(raw)
	if err != nil {
		c.writeFrame(wsproto.NewErrorFrame("malformed message", err.Error()))
		return
	}

	switch typ {
	case wsproto.TypeNewGame:
		c.handleNewGame(ctx, raw)
	case wsproto.TypeLoadGame:
		c.handleLoadGame(ctx, raw)
	case wsproto.TypeCommand:
		c.runCommandAsync(func() { c.handleCommand(ctx, raw) })
	case wsproto.TypeStreamCommand:
		c.runCommandAsync(func() { c.handleStreamCommand(ctx, raw) })
	case wsproto.TypeAudioCommand:
		c.handleAudioCommand(ctx, raw)
	case wsproto.TypeGetImage:
		c.handleGetImage(raw)
	case wsproto.TypeGetMusic:
		c.handleGetMusic(raw)
	case wsproto.TypeListGames:
		c.handleListGames()
	case wsproto.TypePing:
		c.handlePing(raw)
	default:
		c.writeFrame(wsproto.NewErrorFrame("unknown frame type", typ))
	}
}

// runCommandAsync runs fn on its own goroutine so the read loop can keep
// reading frames off the socket while a command/streamCommand turn is still
// running its LLM call — otherwise a second such frame could never reach
// session.Manager.WithCommand while the first was in flight, and the busy
// gate's reject-a-second-command policy (spec.md §5) would be unreachable
// from real traffic. Tracked by cmdWG so run's cleanup can wait it out.
func (c *conn) runCommandAsync(fn func()) {
	c.cmdWG.Add(1)
	go func() {
		defer c.cmdWG.Done()
		fn()
	}()
}

func (c *conn) handlePing(raw []byte) {
	var f wsproto.PingFrame
	_ = json.Unmarshal(raw, &f)
	c.writeFrame(wsproto.PongFrame{Type: wsproto.TypePong, Timestamp: f.Timestamp})
}

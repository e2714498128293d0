package wsserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmrpg/internal/clock/clocktest"
	"llmrpg/internal/llm"
	"llmrpg/internal/llm/llmtest"
	"llmrpg/internal/persistence"
	"llmrpg/internal/session"
	"llmrpg/internal/wsproto"
)

func newTestServer(t *testing.T, client llm.Client) (*httptest.Server, *websocket.Conn) {
	t.Helper()
	fc := clocktest.New(time.Now())
	srv := New(Config{
		Sessions:  session.NewManager(fc),
		Journal:   persistence.New(t.TempDir(), fc),
		LLMClient: client,
		Clock:     fc,
	})

	hs := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(hs.Close)

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	return hs, ws
}

func readFrame(t *testing.T, ws *websocket.Conn, into any) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, into))
}

func sceneCompletion(locationID, narration string) llm.Completion {
	payload := `{"responseType":"fullScene","locationId":"` + locationID + `","locationName":"Room",` +
		`"narrationText":"` + narration + `","imageDescription":"a room","musicDescription":"calm",` +
		`"musicMood":"exploration","exits":[{"direction":"north","targetLocationId":"hall","state":"open"}]}`
	return llm.Completion{Message: llm.Message{
		Role:    llm.RoleAssistant,
		Content: narration + "\n<<<JSON>>>\n" + payload,
	}}
}

func TestServer_ConnectSendsConnectedFrame(t *testing.T) {
	fake := llmtest.NewFake(llmtest.Turn{Completion: sceneCompletion("entrance", "You arrive.")})
	_, ws := newTestServer(t, fake)

	var connected wsproto.ConnectedFrame
	readFrame(t, ws, &connected)
	assert.Equal(t, wsproto.TypeConnected, connected.Type)
	assert.Equal(t, wsproto.ProtocolVersion, connected.Version)
	assert.NotEmpty(t, connected.ServerInstanceID)
}

func TestServer_NewGameProducesGameStarted(t *testing.T) {
	fake := llmtest.NewFake(llmtest.Turn{Completion: sceneCompletion("entrance", "You arrive.")})
	_, ws := newTestServer(t, fake)

	var connected wsproto.ConnectedFrame
	readFrame(t, ws, &connected)

	require.NoError(t, ws.WriteJSON(wsproto.NewGameFrame{Type: wsproto.TypeNewGame, Theme: "spooky castle"}))

	var started wsproto.GameStartedFrame
	readFrame(t, ws, &started)
	assert.Equal(t, wsproto.TypeGameStarted, started.Type)
	assert.NotEmpty(t, started.GameID)
	assert.NotEmpty(t, started.SessionID)
	assert.Equal(t, "You arrive.", started.Text)
	require.NotNil(t, started.Scene)
	assert.Equal(t, "entrance", started.Scene.LocationID)
}

func TestServer_CommandAfterNewGameProducesCommandResponse(t *testing.T) {
	fake := llmtest.NewFake(
		llmtest.Turn{Completion: sceneCompletion("entrance", "You arrive.")},
		llmtest.Turn{Completion: sceneCompletion("hall", "You walk north into the hall.")},
	)
	_, ws := newTestServer(t, fake)

	var connected wsproto.ConnectedFrame
	readFrame(t, ws, &connected)

	require.NoError(t, ws.WriteJSON(wsproto.NewGameFrame{Type: wsproto.TypeNewGame}))
	var started wsproto.GameStartedFrame
	readFrame(t, ws, &started)

	require.NoError(t, ws.WriteJSON(wsproto.CommandFrame{Type: wsproto.TypeCommand, Command: "go north"}))
	var resp wsproto.CommandResponseFrame
	readFrame(t, ws, &resp)
	assert.Equal(t, wsproto.TypeCommandResponse, resp.Type)
	assert.Equal(t, "go north", resp.Command)
	require.NotNil(t, resp.Scene)
	assert.Equal(t, "hall", resp.Scene.LocationID)
}

func TestServer_PingReturnsPong(t *testing.T) {
	fake := llmtest.NewFake(llmtest.Turn{Completion: sceneCompletion("entrance", "You arrive.")})
	_, ws := newTestServer(t, fake)

	var connected wsproto.ConnectedFrame
	readFrame(t, ws, &connected)

	require.NoError(t, ws.WriteJSON(wsproto.PingFrame{Type: wsproto.TypePing, Timestamp: 42}))
	var pong wsproto.PongFrame
	readFrame(t, ws, &pong)
	assert.Equal(t, wsproto.TypePong, pong.Type)
	assert.Equal(t, int64(42), pong.Timestamp)
}

func TestServer_CommandWithoutActiveGameReturnsError(t *testing.T) {
	fake := llmtest.NewFake(llmtest.Turn{Completion: sceneCompletion("entrance", "You arrive.")})
	_, ws := newTestServer(t, fake)

	var connected wsproto.ConnectedFrame
	readFrame(t, ws, &connected)

	require.NoError(t, ws.WriteJSON(wsproto.CommandFrame{Type: wsproto.TypeCommand, Command: "look"}))
	var errFrame wsproto.ErrorFrame
	readFrame(t, ws, &errFrame)
	assert.Equal(t, wsproto.TypeError, errFrame.Type)
	assert.NotEmpty(t, errFrame.Error)
}

func TestServer_ListGamesEmptyInitially(t *testing.T) {
	fake := llmtest.NewFake(llmtest.Turn{Completion: sceneCompletion("entrance", "You arrive.")})
	_, ws := newTestServer(t, fake)

	var connected wsproto.ConnectedFrame
	readFrame(t, ws, &connected)

	require.NoError(t, ws.WriteJSON(wsproto.ListGamesFrame{Type: wsproto.TypeListGames}))
	var list wsproto.GamesListFrame
	readFrame(t, ws, &list)
	assert.Equal(t, wsproto.TypeGamesList, list.Type)
	assert.Empty(t, list.Games)
}

// blockingClient replays completions like llmtest.Fake, except the call at
// index blockOn waits on unblock before returning, so a test can hold one
// command's turn open while a second frame is sent on the same connection.
type blockingClient struct {
	mu      sync.Mutex
	calls   int
	blockOn int
	started chan struct{} // closed just before the blockOn'th call blocks
	unblock chan struct{}
	results []llm.Completion
}

func (f *blockingClient) Complete(_ context.Context, _ []llm.Message, _ llm.CompletionOptions) (llm.Completion, error) {
	f.mu.Lock()
	n := f.calls
	f.calls++
	f.mu.Unlock()

	if n == f.blockOn {
		close(f.started)
		<-f.unblock
	}
	idx := n
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return f.results[idx], nil
}

func (f *blockingClient) StreamComplete(ctx context.Context, conversation []llm.Message, opts llm.CompletionOptions, _ llm.OnChunk) (llm.Completion, error) {
	return f.Complete(ctx, conversation, opts)
}

func TestServer_SecondOverlappingCommandGetsBusyError(t *testing.T) {
	client := &blockingClient{
		blockOn: 1, // the first "command" frame's ProcessCommand call
		started: make(chan struct{}),
		unblock: make(chan struct{}),
		results: []llm.Completion{
			sceneCompletion("entrance", "You arrive."),
		},
	}
	_, ws := newTestServer(t, client)

	var connectedFrame wsproto.ConnectedFrame
	readFrame(t, ws, &connectedFrame)

	require.NoError(t, ws.WriteJSON(wsproto.NewGameFrame{Type: wsproto.TypeNewGame}))
	var gameStarted wsproto.GameStartedFrame
	readFrame(t, ws, &gameStarted)

	require.NoError(t, ws.WriteJSON(wsproto.CommandFrame{Type: wsproto.TypeCommand, Command: "wait"}))

	select {
	case <-client.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first command never reached the LLM call")
	}

	require.NoError(t, ws.WriteJSON(wsproto.CommandFrame{Type: wsproto.TypeCommand, Command: "look"}))

	var errFrame wsproto.ErrorFrame
	readFrame(t, ws, &errFrame)
	assert.Equal(t, wsproto.TypeError, errFrame.Type)
	assert.NotEmpty(t, errFrame.Error)

	close(client.unblock)

	var resp wsproto.CommandResponseFrame
	readFrame(t, ws, &resp)
	assert.Equal(t, wsproto.TypeCommandResponse, resp.Type)
	assert.Equal(t, "wait", resp.Command)
}

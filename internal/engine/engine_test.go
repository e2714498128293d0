package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmrpg/internal/clock/clocktest"
	"llmrpg/internal/llm"
	"llmrpg/internal/llm/llmtest"
	"llmrpg/internal/protocol"
)

func sceneTurn(narration, payload string) llmtest.Turn {
	full := narration + "\n<<<JSON>>>\n" + payload
	return llmtest.Turn{
		Completion:   llm.Completion{Message: llm.Message{Role: llm.RoleAssistant, Content: full}},
		StreamChunks: llmtest.ChunkString(full, 8),
	}
}

func newTestEngine(t *testing.T, fake llm.Client) *Engine {
	t.Helper()
	e, err := New(Config{
		GameID:    "game-aaaaaaaa",
		Theme:     "classic fantasy adventure",
		LLMClient: fake,
		Clock:     clocktest.New(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	return e
}

func TestEngine_InitializeProducesOpeningScene(t *testing.T) {
	fake := llmtest.NewFake(sceneTurn(
		"You stand at the entrance of a ruined keep.",
		`{"responseType":"fullScene","locationId":"entrance","locationName":"Entrance Hall","imageDescription":"a ruined keep entrance","musicDescription":"low strings","musicMood":"entrance","exits":[{"direction":"north","targetLocationId":"hall","state":"open"}]}`,
	))
	e := newTestEngine(t, fake)

	resp, err := e.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "You stand at the entrance of a ruined keep.", resp.Text)
	require.NotNil(t, resp.Scene)
	assert.Equal(t, "entrance", resp.Scene.LocationID)
}

func TestEngine_MoveToOpenExitUpdatesScene(t *testing.T) {
	fake := llmtest.NewFake(
		sceneTurn("Entrance.", `{"responseType":"fullScene","locationId":"entrance","locationName":"Entrance","imageDescription":"x","musicDescription":"x","musicMood":"entrance","exits":[{"direction":"north","targetLocationId":"hall","state":"open"}]}`),
		sceneTurn("You walk into the hall.", `{"responseType":"fullScene","locationId":"hall","locationName":"Hall","imageDescription":"x","musicDescription":"x","musicMood":"exploration","exits":[]}`),
	)
	e := newTestEngine(t, fake)

	_, err := e.Initialize(context.Background())
	require.NoError(t, err)

	resp, err := e.ProcessCommand(context.Background(), "go north", false)
	require.NoError(t, err)
	require.NotNil(t, resp.Scene)
	assert.Equal(t, "hall", resp.Scene.LocationID)

	state := e.GetGameState()
	assert.ElementsMatch(t, []string{"entrance", "hall"}, state.VisitedLocationIDs)
}

func TestEngine_MovementGateRejectsClosedExit(t *testing.T) {
	fake := llmtest.NewFake(
		sceneTurn("You are in the cellar.", `{"responseType":"fullScene","locationId":"cellar","locationName":"Cellar","imageDescription":"x","musicDescription":"x","musicMood":"dungeon","exits":[{"direction":"up","targetLocationId":"kitchen","state":"locked"}]}`),
		sceneTurn("You strain against the door.", `{"responseType":"fullScene","locationId":"kitchen","locationName":"Kitchen","imageDescription":"x","musicDescription":"x","musicMood":"exploration","exits":[]}`),
	)
	e := newTestEngine(t, fake)

	_, err := e.Initialize(context.Background())
	require.NoError(t, err)

	resp, err := e.ProcessCommand(context.Background(), "go up", false)
	require.NoError(t, err)
	require.NotNil(t, resp.Scene)
	assert.Equal(t, "cellar", resp.Scene.LocationID, "movement gate must keep currentScene unchanged")

	issues := e.PopValidationIssues()
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0], "locked")
}

func TestEngine_ToolCallRoundTripAddsInventoryItem(t *testing.T) {
	fake := llmtest.NewFake(
		sceneTurn("The hall is empty.", `{"responseType":"fullScene","locationId":"hall","locationName":"Hall","imageDescription":"x","musicDescription":"x","musicMood":"exploration","exits":[]}`),
		llmtest.Turn{Completion: llm.Completion{Message: llm.Message{
			Role:      llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "add_inventory_item", Arguments: `{"item":"brass lantern"}`}},
		}}},
		sceneTurn("You pick up the brass lantern.", `{"responseType":"simple","locationId":"hall","actionTaken":"take","narrationText":"You pick up the brass lantern."}`),
	)
	e := newTestEngine(t, fake)

	_, err := e.Initialize(context.Background())
	require.NoError(t, err)

	resp, err := e.ProcessCommand(context.Background(), "take brass lantern", false)
	require.NoError(t, err)
	assert.Equal(t, "You pick up the brass lantern.", resp.Text)

	state := e.GetGameState()
	assert.Equal(t, []string{"brass lantern"}, state.Inventory)

	for _, m := range state.AgentMessages {
		assert.False(t, m.Role == llm.RoleAssistant && m.Content == "" && len(m.ToolCalls) == 0,
			"transcript must not contain an empty non-final assistant message")
	}
}

func TestEngine_ProcessCommandStreaming_ForwardsNarrationOnly(t *testing.T) {
	fake := llmtest.NewFake(
		sceneTurn("You stand at the entrance.", `{"responseType":"fullScene","locationId":"entrance","locationName":"Entrance","imageDescription":"x","musicDescription":"x","musicMood":"entrance","exits":[]}`),
		sceneTurn("You look around the hall.", `{"responseType":"simple","locationId":"entrance","actionTaken":"examine","narrationText":"You look around the hall."}`),
	)
	e := newTestEngine(t, fake)
	_, err := e.Initialize(context.Background())
	require.NoError(t, err)

	var chunks []string
	streamResp, err := e.ProcessCommandStreaming(context.Background(), "look around", func(c string) {
		chunks = append(chunks, c)
	}, false)
	require.NoError(t, err)

	var joined string
	for _, c := range chunks {
		joined += c
	}
	assert.NotEmpty(t, joined)
	assert.Equal(t, streamResp.Text, strings.TrimSpace(joined))
}

func TestEngine_RestoreGameStateRoundTrip(t *testing.T) {
	fake := llmtest.NewFake(sceneTurn(
		"You stand at the entrance.",
		`{"responseType":"fullScene","locationId":"entrance","locationName":"Entrance","imageDescription":"x","musicDescription":"x","musicMood":"entrance","exits":[]}`,
	))
	e := newTestEngine(t, fake)
	_, err := e.Initialize(context.Background())
	require.NoError(t, err)

	saved := e.GetGameState()

	restored := newTestEngine(t, llmtest.NewFake())
	restored.RestoreGameState(saved)

	again := restored.GetGameState()
	assert.Equal(t, saved.CurrentScene, again.CurrentScene)
	assert.Equal(t, saved.VisitedLocationIDs, again.VisitedLocationIDs)
	assert.Equal(t, saved.ConversationHistory, again.ConversationHistory)
}

func TestCoreState_ShouldGenerateSceneImage(t *testing.T) {
	s := NewCoreState()
	assert.True(t, s.ShouldGenerateSceneImage(true, "anything"))
	assert.False(t, s.ShouldGenerateSceneImage(false, "nothing relevant"))

	s.CurrentScene = &protocol.GameScene{LocationID: "hall"}
	assert.True(t, s.ShouldGenerateSceneImage(false, "You enter a grand hall."))
}

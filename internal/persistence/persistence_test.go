package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmrpg/internal/clock/clocktest"
	"llmrpg/internal/engine"
	"llmrpg/internal/llm"
	"llmrpg/internal/protocol"
)

func testState(gameID string) engine.GameState {
	return engine.GameState{
		GameID:   gameID,
		Theme:    "classic fantasy adventure",
		ArtStyle: "pixel",
		CurrentScene: &protocol.GameScene{
			LocationID:    "entrance",
			LocationName:  "Entrance",
			NarrationText: "You stand at the gate.",
			MusicMood:     protocol.MoodEntrance,
		},
		VisitedLocationIDs:  []string{"entrance"},
		ConversationHistory: []protocol.ConversationEntry{{Role: protocol.RoleAssistant, Content: "You stand at the gate.", Timestamp: 1}},
		Inventory:           []string{"rope"},
		AgentMessages:       []llm.Message{{Role: llm.RoleUser, Content: "start"}},
	}
}

func TestJournal_SaveAndLoadStepRoundTrip(t *testing.T) {
	dir := t.TempDir()
	j := New(dir, clocktest.New(time.Now()))

	state := testState("game-aaaaaaaa")
	step := Step{
		Meta: StepMetadata{
			GameID:       "game-aaaaaaaa",
			StepNumber:   1,
			Timestamp:    1,
			Success:      true,
			MessageCount: len(state.AgentMessages),
		},
		State:    state,
		Response: "You stand at the gate.",
	}

	require.NoError(t, j.SaveStep(step))

	loaded, err := j.LoadStep("game-aaaaaaaa", 1)
	require.NoError(t, err)

	assert.Equal(t, step.Response, loaded.Response)
	assert.Equal(t, state.Inventory, loaded.State.Inventory)
	assert.Equal(t, state.CurrentScene.LocationID, loaded.State.CurrentScene.LocationID)
	assert.Equal(t, state.AgentMessages, loaded.Messages)

	meta, err := j.LoadGameMetadata("game-aaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, 1, meta.CurrentStep)
	assert.Equal(t, 1, meta.TotalSteps)
}

func TestJournal_MetadataIsCommitMarker(t *testing.T) {
	dir := t.TempDir()
	j := New(dir, clocktest.New(time.Now()))

	// Write a step directory body without metadata.json: must be invisible.
	partial := j.stepDir("game-bbbbbbbb", 1)
	require.NoError(t, os.MkdirAll(partial, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(partial, "state.json"), []byte(`{}`), 0o644))

	_, err := j.LoadStep("game-bbbbbbbb", 1)
	assert.Error(t, err)

	steps, err := j.ListSteps("game-bbbbbbbb")
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestJournal_ListAndDeleteGame(t *testing.T) {
	dir := t.TempDir()
	j := New(dir, clocktest.New(time.Now()))

	state := testState("game-cccccccc")
	require.NoError(t, j.SaveStep(Step{
		Meta:     StepMetadata{GameID: "game-cccccccc", StepNumber: 1, Success: true},
		State:    state,
		Response: "hello",
	}))

	games, err := j.ListGames()
	require.NoError(t, err)
	require.Len(t, games, 1)
	assert.Equal(t, "game-cccccccc", games[0].GameID)

	require.NoError(t, j.DeleteGame("game-cccccccc"))

	games, err = j.ListGames()
	require.NoError(t, err)
	assert.Empty(t, games)

	_, err = j.LoadGameMetadata("game-cccccccc")
	assert.Error(t, err)
}

func TestJournal_LegacyMigrationIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	j := New(dir, clocktest.New(time.Now()))

	state := testState("game-dddddddd")
	b, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "game-dddddddd.json"), b, 0o644))

	require.NoError(t, j.MigrateLegacyIfNeeded("game-dddddddd"))

	_, err = os.Stat(filepath.Join(dir, "game-dddddddd.json"))
	assert.True(t, os.IsNotExist(err), "legacy file must be deleted after migration")

	loaded, err := j.LoadStep("game-dddddddd", 1)
	require.NoError(t, err)
	assert.Equal(t, state.Inventory, loaded.State.Inventory)

	// Calling again must be a no-op (idempotent): no second legacy file, no
	// step-0002 created.
	require.NoError(t, j.MigrateLegacyIfNeeded("game-dddddddd"))
	steps, err := j.ListSteps("game-dddddddd")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, steps)
}

func TestJournal_MultiStepTracksCurrentAndTotalSteps(t *testing.T) {
	dir := t.TempDir()
	j := New(dir, clocktest.New(time.Now()))

	state := testState("game-eeeeeeee")
	require.NoError(t, j.SaveStep(Step{Meta: StepMetadata{GameID: "game-eeeeeeee", StepNumber: 1, Success: true}, State: state, Response: "a"}))
	require.NoError(t, j.SaveStep(Step{Meta: StepMetadata{GameID: "game-eeeeeeee", StepNumber: 2, Success: true}, State: state, Response: "b"}))

	steps, err := j.ListSteps("game-eeeeeeee")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, steps)

	meta, err := j.LoadGameMetadata("game-eeeeeeee")
	require.NoError(t, err)
	assert.Equal(t, 2, meta.CurrentStep)
	assert.Equal(t, 2, meta.TotalSteps)
}

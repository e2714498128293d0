// Package persistence implements C10: the step-based, append-only journal
// of complete per-step state, enabling replay and legacy migration, per
// spec.md §4.6.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"llmrpg/internal/apperr"
	"llmrpg/internal/clock"
	"llmrpg/internal/engine"
	"llmrpg/internal/llm"
)

// StepMetadata is the commit marker of a step directory, per spec.md §3. Its
// presence (metadata.json, written last) is what makes a step directory
// authoritative.
type StepMetadata struct {
	GameID          string `json:"gameId"`
	StepNumber      int    `json:"stepNumber"`
	Timestamp       int64  `json:"timestamp"`
	UserCommand     string `json:"userCommand,omitempty"`
	ResponseLength  int    `json:"responseLength"`
	ToolCallCount   int    `json:"toolCallCount"`
	MessageCount    int    `json:"messageCount"`
	Success         bool   `json:"success"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
}

// GameMetadata is game.json, per spec.md §3.
type GameMetadata struct {
	GameID         string    `json:"gameId"`
	Theme          string    `json:"theme,omitempty"`
	ArtStyle       string    `json:"artStyle,omitempty"`
	AdventureTitle string    `json:"adventureTitle,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	LastSaved      time.Time `json:"lastSaved"`
	LastPlayed     time.Time `json:"lastPlayed"`
	TotalPlayTime  int64     `json:"totalPlayTime"`
	CurrentStep    int       `json:"currentStep"`
	TotalSteps     int       `json:"totalSteps"`
}

// ResponsePayload is response.json: a type discriminator plus whichever
// shape the turn produced.
type ResponsePayload struct {
	Type  string      `json:"type"` // "scene" | "action"
	Scene interface{} `json:"scene,omitempty"`
}

// Step is the fully assembled result of LoadStep.
type Step struct {
	Meta        StepMetadata
	State       engine.GameState
	Command     string
	Response    string
	ResponseRaw *ResponsePayload
	Messages    []llm.Message
	ToolCalls   []llm.ToolCall
	Outline     json.RawMessage
}

// Journal is the on-disk step store rooted at root, one directory per game.
type Journal struct {
	root  string
	clock clock.Clock
}

// New creates a Journal rooted at root.
func New(root string, c clock.Clock) *Journal {
	return &Journal{root: root, clock: c}
}

func (j *Journal) gameDir(gameID string) string { return filepath.Join(j.root, gameID) }

func stepDirName(n int) string { return fmt.Sprintf("step-%04d", n) }

func (j *Journal) stepDir(gameID string, n int) string {
	return filepath.Join(j.gameDir(gameID), stepDirName(n))
}

func writeJSONFile(path string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return os.WriteFile(path, b, 0o644)
}

// SaveStep writes one step directory, body files first and metadata.json
// last (the commit marker), per spec.md §4.6's save protocol.
func (j *Journal) SaveStep(step Step) error {
	dir := j.stepDir(step.Meta.GameID, step.Meta.StepNumber)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.Wrap(apperr.KindPersist, "create step directory", err)
	}

	if err := writeJSONFile(filepath.Join(dir, "state.json"), step.State); err != nil {
		return apperr.Wrap(apperr.KindPersist, "write state.json", err)
	}
	if step.Command != "" {
		if err := os.WriteFile(filepath.Join(dir, "command.txt"), []byte(step.Command), 0o644); err != nil {
			return apperr.Wrap(apperr.KindPersist, "write command.txt", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "response.txt"), []byte(step.Response), 0o644); err != nil {
		return apperr.Wrap(apperr.KindPersist, "write response.txt", err)
	}
	if step.ResponseRaw != nil {
		if err := writeJSONFile(filepath.Join(dir, "response.json"), step.ResponseRaw); err != nil {
			return apperr.Wrap(apperr.KindPersist, "write response.json", err)
		}
	}
	if err := writeJSONFile(filepath.Join(dir, "messages.json"), step.Messages); err != nil {
		return apperr.Wrap(apperr.KindPersist, "write messages.json", err)
	}
	if len(step.ToolCalls) > 0 {
		if err := writeJSONFile(filepath.Join(dir, "tool-calls.json"), step.ToolCalls); err != nil {
			return apperr.Wrap(apperr.KindPersist, "write tool-calls.json", err)
		}
	}
	if step.Meta.StepNumber == 1 && len(step.Outline) > 0 {
		if err := os.WriteFile(filepath.Join(dir, "outline.json"), step.Outline, 0o644); err != nil {
			return apperr.Wrap(apperr.KindPersist, "write outline.json", err)
		}
	}

	// metadata.json last: its presence is the commit marker.
	if err := writeJSONFile(filepath.Join(dir, "metadata.json"), step.Meta); err != nil {
		return apperr.Wrap(apperr.KindPersist, "write metadata.json", err)
	}

	return j.updateGameMetadata(step)
}

// updateGameMetadata reloads game.json, advances currentStep/totalSteps, and
// writes it back. Failures here are logged by the caller and are non-fatal —
// the step directory remains authoritative, per spec.md §4.6.
func (j *Journal) updateGameMetadata(step Step) error {
	meta, err := j.LoadGameMetadata(step.Meta.GameID)
	if err != nil {
		meta = &GameMetadata{
			GameID:    step.Meta.GameID,
			CreatedAt: j.clock.Now(),
		}
	}
	meta.Theme = step.State.Theme
	meta.ArtStyle = step.State.ArtStyle
	meta.AdventureTitle = step.State.AdventureTitle
	meta.CurrentStep = step.Meta.StepNumber
	if step.Meta.StepNumber > meta.TotalSteps {
		meta.TotalSteps = step.Meta.StepNumber
	}
	now := j.clock.Now()
	meta.LastSaved = now
	meta.LastPlayed = now
	meta.TotalPlayTime += step.Meta.ExecutionTimeMs

	path := filepath.Join(j.gameDir(step.Meta.GameID), "game.json")
	if err := writeJSONFile(path, meta); err != nil {
		return apperr.Wrap(apperr.KindPersist, "write game.json", err)
	}
	return nil
}

// LoadGameMetadata reads game.json for gameID.
func (j *Journal) LoadGameMetadata(gameID string) (*GameMetadata, error) {
	path := filepath.Join(j.gameDir(gameID), "game.json")
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, fmt.Sprintf("game %q metadata not found", gameID), err)
	}
	var meta GameMetadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, apperr.Wrap(apperr.KindPersist, "decode game.json", err)
	}
	return &meta, nil
}

// LoadStep reads step N of gameID, per spec.md §4.6's load contract. A
// missing or unparseable metadata.json means the directory was never
// committed and is treated as NotFoundError.
func (j *Journal) LoadStep(gameID string, n int) (*Step, error) {
	dir := j.stepDir(gameID, n)

	metaBytes, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, fmt.Sprintf("step %d of game %q not found", n, gameID), err)
	}
	var meta StepMetadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, fmt.Sprintf("step %d of game %q has corrupt metadata", n, gameID), err)
	}

	stateBytes, err := os.ReadFile(filepath.Join(dir, "state.json"))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersist, "read state.json", err)
	}
	var state engine.GameState
	if err := json.Unmarshal(stateBytes, &state); err != nil {
		return nil, apperr.Wrap(apperr.KindPersist, "decode state.json", err)
	}

	responseBytes, _ := os.ReadFile(filepath.Join(dir, "response.txt"))
	commandBytes, _ := os.ReadFile(filepath.Join(dir, "command.txt"))

	step := &Step{Meta: meta, State: state, Command: string(commandBytes), Response: string(responseBytes)}

	if b, err := os.ReadFile(filepath.Join(dir, "response.json")); err == nil {
		var rp ResponsePayload
		if jsonErr := json.Unmarshal(b, &rp); jsonErr == nil {
			step.ResponseRaw = &rp
		}
		// A response.json present but unparseable loads with ResponseRaw nil
		// and the rest of the step still usable, per spec.md §4.6.
	}
	if b, err := os.ReadFile(filepath.Join(dir, "messages.json")); err == nil {
		_ = json.Unmarshal(b, &step.Messages)
	}
	if b, err := os.ReadFile(filepath.Join(dir, "tool-calls.json")); err == nil {
		_ = json.Unmarshal(b, &step.ToolCalls)
	}
	if b, err := os.ReadFile(filepath.Join(dir, "outline.json")); err == nil {
		step.Outline = b
	}

	return step, nil
}

// ListSteps returns the dense 1..N step numbers present (with committed
// metadata.json) for gameID. A gap in the numbering is reported as a
// PersistenceError.
func (j *Journal) ListSteps(gameID string) ([]int, error) {
	entries, err := os.ReadDir(j.gameDir(gameID))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, fmt.Sprintf("game %q not found", gameID), err)
	}
	var steps []int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "step-") {
			continue
		}
		if _, err := os.Stat(filepath.Join(j.gameDir(gameID), e.Name(), "metadata.json")); err != nil {
			continue // uncommitted step directory, ignored per spec.md §4.6
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "step-"))
		if err != nil {
			continue
		}
		steps = append(steps, n)
	}
	sort.Ints(steps)
	for i, n := range steps {
		if n != i+1 {
			return nil, apperr.New(apperr.KindPersist, fmt.Sprintf("game %q is missing step %d", gameID, i+1))
		}
	}
	return steps, nil
}

// ListGames enumerates game directories, sorted by lastPlayed descending,
// skipping games whose metadata fails to load, per spec.md §4.6.
func (j *Journal) ListGames() ([]GameMetadata, error) {
	entries, err := os.ReadDir(j.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.KindPersist, "read saves root", err)
	}

	var games []GameMetadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := j.LoadGameMetadata(e.Name())
		if err != nil {
			continue
		}
		games = append(games, *meta)
	}
	sort.Slice(games, func(i, k int) bool { return games[i].LastPlayed.After(games[k].LastPlayed) })
	return games, nil
}

// DeleteGame removes a game's directory recursively, per spec.md §4.6.
func (j *Journal) DeleteGame(gameID string) error {
	if err := os.RemoveAll(j.gameDir(gameID)); err != nil {
		return apperr.Wrap(apperr.KindPersist, "delete game directory", err)
	}
	return nil
}

// legacyPath is where a pre-step single-file save for gameID would live.
func (j *Journal) legacyPath(gameID string) string {
	return filepath.Join(j.root, gameID+".json")
}

// MigrateLegacyIfNeeded checks for the new-format game.json first; only if
// that is absent and a legacy single-file save exists does it migrate,
// writing step-1 and deleting the legacy file last, per spec.md §4.6 and
// §9's idempotency note.
func (j *Journal) MigrateLegacyIfNeeded(gameID string) error {
	if _, err := j.LoadGameMetadata(gameID); err == nil {
		return nil // already new-format
	}

	legacyBytes, err := os.ReadFile(j.legacyPath(gameID))
	if err != nil {
		return nil // no legacy file either; nothing to migrate
	}

	var state engine.GameState
	if err := json.Unmarshal(legacyBytes, &state); err != nil {
		return apperr.Wrap(apperr.KindPersist, "decode legacy save", err)
	}

	now := j.clock.Now()
	step := Step{
		Meta: StepMetadata{
			GameID:       gameID,
			StepNumber:   1,
			Timestamp:    now.UnixMilli(),
			Success:      true,
			MessageCount: len(state.AgentMessages),
		},
		State:    state,
		Response: "",
	}
	if state.CurrentScene != nil {
		step.Response = state.CurrentScene.NarrationText
	}

	if err := j.SaveStep(step); err != nil {
		return err
	}

	return os.Remove(j.legacyPath(gameID))
}

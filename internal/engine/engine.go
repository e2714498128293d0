package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"llmrpg/internal/agent"
	"llmrpg/internal/apperr"
	"llmrpg/internal/character"
	"llmrpg/internal/clock"
	"llmrpg/internal/llm"
	"llmrpg/internal/media"
	"llmrpg/internal/protocol"
	"llmrpg/internal/streaming"
	"llmrpg/internal/tools"
)

// syntheticStartCommand is the user turn Initialize fires to produce the
// opening scene, per spec.md §4.4.
const syntheticStartCommand = "Start adventure"

// GameResponse is the result of one command turn, per spec.md §4.4's
// processCommand contract.
type GameResponse struct {
	Text  string
	Audio *string
	Scene *protocol.GameScene
}

// Engine is the per-session game façade (C7): it owns CoreState, the
// LLM-facing conversation, the tool/inventory set, and the media cache, and
// serializes command turns behind a single mutex per spec.md §5.
type Engine struct {
	GameID       string
	Player       *character.Character
	Theme        string
	ArtStyle     media.ArtStyle
	Outline      *protocol.AdventureOutline
	SystemPrompt string

	llmClient   llm.Client
	toolReg     *tools.Registry
	inventory   *tools.Inventory
	conversation []llm.Message

	core *CoreState

	mediaCache  *media.Cache
	ttsClient   media.TTSClient
	imageClient media.ImageClient
	musicClient media.MusicClient

	clock clock.Clock
	log   *slog.Logger

	mu                  sync.Mutex
	stepCounter         int
	lastGeneratedMood   map[string]protocol.MusicMood
	validationIssues    []string
	totalPlayTimeMs     int64
}

// Config carries Engine's constructor dependencies. LLMClient and Clock are
// required; the media clients are optional (a nil client means that media
// kind is never generated, per spec.md §7's "media errors never fail the
// command").
type Config struct {
	GameID       string
	Player       *character.Character
	Theme        string
	ArtStyle     media.ArtStyle
	SystemPrompt string

	LLMClient   llm.Client
	Tools       *tools.Registry
	MediaCache  *media.Cache
	TTSClient   media.TTSClient
	ImageClient media.ImageClient
	MusicClient media.MusicClient
	Clock       clock.Clock
	Logger      *slog.Logger
}

// New constructs an Engine ready for Initialize or RestoreGameState.
func New(cfg Config) (*Engine, error) {
	if cfg.LLMClient == nil {
		return nil, fmt.Errorf("engine: LLMClient is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("engine: Clock is required")
	}
	toolReg := cfg.Tools
	if toolReg == nil {
		toolReg = tools.NewDefaultRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	systemPrompt := cfg.SystemPrompt
	if cfg.Player != nil {
		if line := cfg.Player.PromptLine(); line != "" {
			systemPrompt += "\n\nThe player character is " + line + "."
		}
	}

	return &Engine{
		GameID:            cfg.GameID,
		Player:            cfg.Player,
		Theme:             cfg.Theme,
		ArtStyle:          cfg.ArtStyle,
		SystemPrompt:      systemPrompt,
		llmClient:         cfg.LLMClient,
		toolReg:           toolReg,
		inventory:         tools.NewInventory(),
		core:              NewCoreState(),
		mediaCache:        cfg.MediaCache,
		ttsClient:         cfg.TTSClient,
		imageClient:       cfg.ImageClient,
		musicClient:       cfg.MusicClient,
		clock:             cfg.Clock,
		log:               logger.With("component", "engine", "gameId", cfg.GameID),
		lastGeneratedMood: make(map[string]protocol.MusicMood),
	}, nil
}

// Initialize fires the synthetic "Start adventure" turn and returns the
// opening narration, per spec.md §4.4.
func (e *Engine) Initialize(ctx context.Context) (GameResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.SystemPrompt != "" && len(e.conversation) == 0 {
		e.conversation = append(e.conversation, llm.Message{Role: llm.RoleSystem, Content: e.SystemPrompt})
	}
	return e.runTurn(ctx, syntheticStartCommand, nil)
}

// ProcessCommand drives one non-streaming turn, per spec.md §4.4.
func (e *Engine) ProcessCommand(ctx context.Context, cmd string, generateAudio bool) (GameResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	resp, err := e.runTurn(ctx, cmd, nil)
	if err != nil {
		return resp, err
	}
	if generateAudio {
		e.attachAudio(ctx, &resp)
	}
	return resp, nil
}

// ProcessCommandStreaming drives one turn, invoking onChunk in order with
// narration fragments before returning, per spec.md §4.4.
func (e *Engine) ProcessCommandStreaming(ctx context.Context, cmd string, onChunk func(string), generateAudio bool) (GameResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	resp, err := e.runTurn(ctx, cmd, onChunk)
	if err != nil {
		return resp, err
	}
	if generateAudio {
		e.attachAudio(ctx, &resp)
	}
	return resp, nil
}

// runTurn implements the shared body of Initialize/ProcessCommand/
// ProcessCommandStreaming: append the user turn, drive the agent loop
// (streaming if onChunk is non-nil), split narration from the structured
// payload, validate it, and apply it to CoreState. Callers hold e.mu.
func (e *Engine) runTurn(ctx context.Context, cmd string, onChunk func(string)) (GameResponse, error) {
	e.core.TrackUser(cmd, e.clock)
	e.conversation = append(e.conversation, llm.Message{Role: llm.RoleUser, Content: cmd})

	state := &agent.State{Conversation: e.conversation, Tools: e.toolReg, Inventory: e.inventory}
	mp := streaming.NewMarkerParser()

	if onChunk != nil {
		err := agent.RunStreaming(ctx, e.llmClient, state, func(chunk string) {
			if toForward := mp.ProcessChunk(chunk); toForward != "" {
				onChunk(toForward)
			}
		})
		e.conversation = state.Conversation
		if err != nil {
			return GameResponse{}, apperr.Wrap(apperr.KindLLM, "agent streaming turn failed", err)
		}
	} else {
		text, err := agent.Run(ctx, e.llmClient, state)
		e.conversation = state.Conversation
		if err != nil {
			return GameResponse{}, apperr.Wrap(apperr.KindLLM, "agent turn failed", err)
		}
		mp.ProcessChunk(text)
	}
	mp.Finish()

	narrationText := strings.TrimSpace(mp.GetNarration())
	jsonPayload := mp.GetJSON()

	result, parseErr := protocol.ParseAndValidate(jsonPayload, narrationText)
	if parseErr != nil {
		e.log.Warn("structured payload failed validation", "kind", parseErr.Kind, "message", parseErr.Message)
		return GameResponse{
			Text:  protocol.UserVisibleParseFailureMessage,
			Scene: e.core.CurrentScene,
		}, nil
	}

	e.stepCounter++

	switch {
	case result.Scene != nil:
		ok, issue := protocol.CheckMovementGate(e.core.CurrentScene, result.Scene)
		if !ok {
			e.validationIssues = append(e.validationIssues, issue)
			e.log.Info("movement gate rejected transition", "issue", issue)
			return GameResponse{Text: narrationText, Scene: e.core.CurrentScene}, nil
		}
		e.core.ApplyScene(result.Scene, e.clock)
		return GameResponse{Text: narrationText, Scene: e.core.CurrentScene}, nil

	case result.Simple != nil:
		e.core.ApplySimpleResponse(result.Simple.NarrationText, e.clock)
		return GameResponse{Text: narrationText, Scene: e.core.CurrentScene}, nil

	default:
		// ParseAndValidate's contract guarantees exactly one of Scene/Simple
		// is set on a nil error; this branch is unreachable in practice.
		return GameResponse{Text: narrationText, Scene: e.core.CurrentScene}, nil
	}
}

func (e *Engine) attachAudio(ctx context.Context, resp *GameResponse) {
	if e.ttsClient == nil || resp.Text == "" {
		return
	}
	audio, err := e.ttsClient.SynthesizeToBase64(ctx, resp.Text, "")
	if err != nil {
		e.log.Warn("tts synthesis failed, proceeding without audio", "error", err)
		return
	}
	resp.Audio = &audio
}

// ShouldGenerateSceneImage is a pure predicate over the last turn's result
// shape and text, delegating to CoreState.
func (e *Engine) ShouldGenerateSceneImage(wasFullScene bool, responseText string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.core.ShouldGenerateSceneImage(wasFullScene, responseText)
}

// ShouldGenerateBackgroundMusic is a pure predicate over the current scene's
// mood versus the last mood generated for its location.
func (e *Engine) ShouldGenerateBackgroundMusic(responseText string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.core.CurrentScene == nil {
		return false
	}
	last := e.lastGeneratedMood[e.core.CurrentScene.LocationID]
	return e.core.ShouldGenerateBackgroundMusic(last, responseText)
}

// GenerateSceneImage resolves a scene image for the current turn: cache-first
// within the game's cache by (artStyle, description), falling back to
// ImageClient.GenerateScene on a miss, per spec.md §4.5. A nil ImageClient or
// cache yields ("", false, nil) — media errors never fail the command turn.
func (e *Engine) GenerateSceneImage(ctx context.Context, description string) (string, bool, error) {
	if e.imageClient == nil || e.mediaCache == nil {
		return "", false, nil
	}
	prompt := media.StyledImagePrompt(e.ArtStyle, description, "")
	key := media.Key("default", string(e.ArtStyle), description)

	if b64, ok, err := e.mediaCache.Get(e.GameID, media.KindImage, key); err == nil && ok {
		return b64, true, nil
	}

	data, err := e.imageClient.GenerateScene(ctx, prompt, e.ArtStyle, e.GameID, e.currentLocationID())
	if err != nil {
		e.log.Warn("scene image generation failed", "error", err)
		return "", false, apperr.Wrap(apperr.KindMedia, "scene image generation failed", err)
	}
	if err := e.mediaCache.Put(e.GameID, media.KindImage, key, description, data); err != nil {
		e.log.Warn("failed to cache generated image", "error", err)
	}
	b64, _, _ := e.mediaCache.Get(e.GameID, media.KindImage, key)
	return b64, true, nil
}

// GenerateBackgroundMusic resolves background music for the current scene's
// mood, cache-first, falling back to MusicClient.Generate on a miss.
func (e *Engine) GenerateBackgroundMusic(ctx context.Context, responseText string) (string, bool, error) {
	if e.musicClient == nil || e.mediaCache == nil || !e.musicClient.IsAvailable() {
		return "", false, nil
	}
	mood := media.DetectMoodFromText(responseText)
	if e.core.CurrentScene != nil {
		mood = e.core.CurrentScene.MusicMood
	}
	key := media.Key("default", string(mood), responseText)

	if b64, ok, err := e.mediaCache.Get(e.GameID, media.KindMusic, key); err == nil && ok {
		e.noteMoodGenerated(mood)
		return b64, true, nil
	}

	data, err := e.musicClient.Generate(ctx, string(mood), responseText, e.GameID, e.currentLocationID())
	if err != nil {
		e.log.Warn("background music generation failed", "error", err)
		return "", false, apperr.Wrap(apperr.KindMedia, "background music generation failed", err)
	}
	if err := e.mediaCache.Put(e.GameID, media.KindMusic, key, responseText, data); err != nil {
		e.log.Warn("failed to cache generated music", "error", err)
	}
	e.noteMoodGenerated(mood)
	b64, _, _ := e.mediaCache.Get(e.GameID, media.KindMusic, key)
	return b64, true, nil
}

func (e *Engine) noteMoodGenerated(mood protocol.MusicMood) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.core.CurrentScene != nil {
		e.lastGeneratedMood[e.core.CurrentScene.LocationID] = mood
	}
}

func (e *Engine) currentLocationID() string {
	if e.core.CurrentScene == nil {
		return ""
	}
	return e.core.CurrentScene.LocationID
}

// StepNumber returns the count of turns since this Engine was built whose
// structured payload passed validation (a movement-gate rejection still
// counts; a validation failure does not). RestoreGameState does not set it.
func (e *Engine) StepNumber() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stepCounter
}

// PopValidationIssues drains and returns the non-fatal validator warnings
// accumulated since the last call, per spec.md §4.4.
func (e *Engine) PopValidationIssues() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	issues := e.validationIssues
	e.validationIssues = nil
	return issues
}

// GetGameState snapshots the engine for persistence, per spec.md §4.4.
func (e *Engine) GetGameState() GameState {
	e.mu.Lock()
	defer e.mu.Unlock()

	mediaCache := make(map[string]MediaCacheEntry, len(e.lastGeneratedMood))
	for locID, mood := range e.lastGeneratedMood {
		mediaCache[locID] = MediaCacheEntry{LastMusicMood: mood}
	}

	now := e.clock.Now()
	return GameState{
		GameID:              e.GameID,
		Player:              e.Player,
		Theme:               e.Theme,
		ArtStyle:            string(e.ArtStyle),
		Outline:             e.Outline,
		CurrentScene:        e.core.CurrentScene,
		VisitedLocationIDs:  append([]string(nil), e.core.VisitedOrder...),
		ConversationHistory: append([]protocol.ConversationEntry(nil), e.core.ConversationHistory...),
		Inventory:           e.inventory.Items(),
		AgentMessages:       append([]llm.Message(nil), e.conversation...),
		MediaCache:          mediaCache,
		SystemPrompt:        e.SystemPrompt,
		LastPlayed:          now,
		TotalPlayTimeMs:     e.totalPlayTimeMs,
		AdventureTitle:      adventureTitle(e.Outline),
	}
}

// RestoreGameState rebuilds the engine from a persisted snapshot, per
// spec.md §4.4. The session timer is reset by the caller (the elapsed-time
// accounting resumes from zero for the new in-memory session).
func (e *Engine) RestoreGameState(state GameState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.GameID = state.GameID
	e.Player = state.Player
	e.Theme = state.Theme
	e.ArtStyle = media.ArtStyle(state.ArtStyle)
	e.Outline = state.Outline
	e.SystemPrompt = state.SystemPrompt
	e.totalPlayTimeMs = state.TotalPlayTimeMs

	e.core = NewCoreState()
	e.core.CurrentScene = state.CurrentScene
	for _, id := range state.VisitedLocationIDs {
		e.core.VisitedLocations[id] = true
	}
	e.core.VisitedOrder = append([]string(nil), state.VisitedLocationIDs...)
	e.core.ConversationHistory = append([]protocol.ConversationEntry(nil), state.ConversationHistory...)

	e.inventory = tools.NewInventory()
	e.inventory.Restore(state.Inventory)

	e.conversation = append([]llm.Message(nil), state.AgentMessages...)

	e.lastGeneratedMood = make(map[string]protocol.MusicMood, len(state.MediaCache))
	for locID, entry := range state.MediaCache {
		if entry.LastMusicMood != "" {
			e.lastGeneratedMood[locID] = entry.LastMusicMood
		}
	}
}

func adventureTitle(outline *protocol.AdventureOutline) string {
	if outline == nil {
		return ""
	}
	return outline.Title
}

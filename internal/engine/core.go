// Package engine implements C6 (the pure core game state) and C7 (the game
// engine façade that composes the LLM agent, the structured-response
// validator, the streaming parser, tools, media, and persistence into the
// per-session operations of spec.md §4.4).
package engine

import (
	"strings"

	"llmrpg/internal/clock"
	"llmrpg/internal/protocol"
)

// sceneEntryVocabulary is the fixed set of phrases that, when present in a
// simple response's narration, still count as "entering" the current scene
// for image-generation purposes, per spec.md §4.4.
var sceneEntryVocabulary = []string{
	"you enter", "you step into", "you arrive at", "you find yourself",
	"you walk into", "you emerge into",
}

// CoreState is the pure value at the heart of a session: the current scene
// (if any), the set of visited location ids, and the append-only
// player-visible conversation log. It never performs I/O; the façade Engine
// is the only thing that mutates it, through a single call site per turn.
type CoreState struct {
	CurrentScene     *protocol.GameScene
	VisitedLocations map[string]bool
	// VisitedOrder records location ids in first-visited order, so
	// persistence can serialize a deterministic slice instead of a map.
	VisitedOrder        []string
	ConversationHistory []protocol.ConversationEntry
}

// NewCoreState returns an empty CoreState ready for a new game.
func NewCoreState() *CoreState {
	return &CoreState{VisitedLocations: make(map[string]bool)}
}

// ApplyScene commits a validated new scene: it becomes CurrentScene, its
// locationId is added to VisitedLocations, and an assistant entry is
// appended to the conversation history, per spec.md §4.4.
func (s *CoreState) ApplyScene(scene *protocol.GameScene, c clock.Clock) {
	s.CurrentScene = scene
	if s.VisitedLocations == nil {
		s.VisitedLocations = make(map[string]bool)
	}
	if !s.VisitedLocations[scene.LocationID] {
		s.VisitedOrder = append(s.VisitedOrder, scene.LocationID)
	}
	s.VisitedLocations[scene.LocationID] = true
	s.ConversationHistory = append(s.ConversationHistory, protocol.ConversationEntry{
		Role:      protocol.RoleAssistant,
		Content:   scene.NarrationText,
		Timestamp: c.Now().UnixMilli(),
	})
}

// ApplySimpleResponse appends an assistant entry for a non-movement action,
// without otherwise touching CurrentScene or VisitedLocations.
func (s *CoreState) ApplySimpleResponse(text string, c clock.Clock) {
	s.ConversationHistory = append(s.ConversationHistory, protocol.ConversationEntry{
		Role:      protocol.RoleAssistant,
		Content:   text,
		Timestamp: c.Now().UnixMilli(),
	})
}

// TrackUser appends the player's raw command to the conversation history.
func (s *CoreState) TrackUser(command string, c clock.Clock) {
	s.ConversationHistory = append(s.ConversationHistory, protocol.ConversationEntry{
		Role:      protocol.RoleUser,
		Content:   command,
		Timestamp: c.Now().UnixMilli(),
	})
}

// ShouldGenerateSceneImage reports whether responseText (the turn's
// narration) warrants a new scene image: true for any fullScene result, or
// for a simple response whose text uses the scene-entry vocabulary while a
// current scene exists, per spec.md §4.4.
func (s *CoreState) ShouldGenerateSceneImage(wasFullScene bool, responseText string) bool {
	if wasFullScene {
		return true
	}
	if s.CurrentScene == nil {
		return false
	}
	lower := strings.ToLower(responseText)
	for _, phrase := range sceneEntryVocabulary {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// ShouldGenerateBackgroundMusic reports whether the scene's musicMood
// differs from lastMood, or whether responseText names a mood keyword, per
// spec.md §4.4. An empty lastMood (no prior generation) always triggers
// generation when a scene is present.
func (s *CoreState) ShouldGenerateBackgroundMusic(lastMood protocol.MusicMood, responseText string) bool {
	if s.CurrentScene == nil {
		return false
	}
	if s.CurrentScene.MusicMood != lastMood {
		return true
	}
	lower := strings.ToLower(responseText)
	for _, mood := range protocol.AllMoods() {
		if strings.Contains(lower, string(mood)) {
			return true
		}
	}
	return false
}

package engine

import (
	"time"

	"llmrpg/internal/character"
	"llmrpg/internal/llm"
	"llmrpg/internal/protocol"
)

// MediaCacheEntry is the per-location media bookkeeping carried in
// GameState: the mood background music was last generated for, independent
// of the actual cached bytes (which live in internal/media.Cache). HasImage
// is part of the persisted shape; Engine does not set it.
type MediaCacheEntry struct {
	HasImage      bool              `json:"hasImage"`
	LastMusicMood protocol.MusicMood `json:"lastMusicMood,omitempty"`
}

// GameState is the complete, persistable snapshot of one step, per
// spec.md §3.
type GameState struct {
	GameID              string                      `json:"gameId"`
	Player              *character.Character        `json:"player,omitempty"`
	Theme               string                      `json:"theme,omitempty"`
	ArtStyle            string                      `json:"artStyle,omitempty"`
	Outline             *protocol.AdventureOutline  `json:"outline,omitempty"`
	CurrentScene        *protocol.GameScene         `json:"currentScene,omitempty"`
	VisitedLocationIDs  []string                    `json:"visitedLocationIds"`
	ConversationHistory []protocol.ConversationEntry `json:"conversationHistory"`
	Inventory           []string                    `json:"inventory"`
	AgentMessages       []llm.Message               `json:"agentMessages"`
	MediaCache          map[string]MediaCacheEntry  `json:"mediaCache,omitempty"`
	SystemPrompt        string                      `json:"systemPrompt,omitempty"`
	CreatedAt           time.Time                   `json:"createdAt"`
	LastPlayed          time.Time                   `json:"lastPlayed"`
	TotalPlayTimeMs     int64                       `json:"totalPlayTime"`
	AdventureTitle      string                      `json:"adventureTitle,omitempty"`
}


// Package wsproto defines the typed WebSocket envelope of spec.md §4.7: one
// JSON object per frame with a "type" discriminator, client→server and
// server→client message shapes, and the ProtocolVersion constant sent on
// connect.
package wsproto

import (
	"encoding/json"
	"fmt"

	"llmrpg/internal/protocol"
)

// ProtocolVersion is sent on every connected frame.
const ProtocolVersion = 1

// Client→server frame types.
const (
	TypeNewGame       = "newGame"
	TypeLoadGame      = "loadGame"
	TypeCommand       = "command"
	TypeStreamCommand = "streamCommand"
	TypeAudioCommand  = "audioCommand"
	TypeGetImage      = "getImage"
	TypeGetMusic      = "getMusic"
	TypeListGames     = "listGames"
	TypePing          = "ping"
)

// Server→client frame types.
const (
	TypeConnected      = "connected"
	TypeGameStarted    = "gameStarted"
	TypeGameLoaded     = "gameLoaded"
	TypeCommandResponse = "commandResponse"
	TypeTextChunk      = "textChunk"
	TypeStreamComplete = "streamComplete"
	TypeTranscription  = "transcription"
	TypeImageReady     = "imageReady"
	TypeMusicReady     = "musicReady"
	TypeGamesList      = "gamesList"
	TypeError          = "error"
	TypePong           = "pong"
)

// Every inbound/outbound frame struct below carries its own Type field
// directly (rather than nesting under a generic "payload" field), matching
// the "JSON object, one per frame, with a type discriminator" wire format.

// --- Client → server ---

type NewGameFrame struct {
	Type             string `json:"type"`
	Theme            string `json:"theme,omitempty"`
	ArtStyle         string `json:"artStyle,omitempty"`
	ImageGeneration  bool   `json:"imageGeneration"`
	AdventureOutline bool   `json:"adventureOutline,omitempty"`
}

type LoadGameFrame struct {
	Type   string `json:"type"`
	GameID string `json:"gameId"`
}

type CommandFrame struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

type StreamCommandFrame struct {
	Type            string `json:"type"`
	Command         string `json:"command"`
	ImageGeneration bool   `json:"imageGeneration,omitempty"`
}

type AudioCommandFrame struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type GetImageFrame struct {
	Type         string `json:"type"`
	MessageIndex int    `json:"messageIndex"`
}

type GetMusicFrame struct {
	Type         string `json:"type"`
	MessageIndex int    `json:"messageIndex"`
}

type ListGamesFrame struct {
	Type string `json:"type"`
}

type PingFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// --- Server → client ---

type ConnectedFrame struct {
	Type             string `json:"type"`
	Message          string `json:"message"`
	Version          int    `json:"version"`
	ServerInstanceID string `json:"serverInstanceId"`
}

type GameStartedFrame struct {
	Type         string             `json:"type"`
	SessionID    string             `json:"sessionId"`
	GameID       string             `json:"gameId"`
	Text         string             `json:"text"`
	MessageIndex int                `json:"messageIndex"`
	Scene        *protocol.GameScene `json:"scene,omitempty"`
	Audio        *string            `json:"audio,omitempty"`
	HasImage     bool               `json:"hasImage"`
	HasMusic     bool               `json:"hasMusic"`
}

type GameLoadedFrame struct {
	Type            string                       `json:"type"`
	SessionID       string                       `json:"sessionId"`
	GameID          string                       `json:"gameId"`
	Conversation    []protocol.ConversationEntry `json:"conversation"`
	CurrentLocation string                       `json:"currentLocation,omitempty"`
	CurrentScene    *protocol.GameScene          `json:"currentScene,omitempty"`
}

type CommandResponseFrame struct {
	Type         string             `json:"type"`
	Text         string             `json:"text"`
	MessageIndex int                `json:"messageIndex"`
	Command      string             `json:"command"`
	Scene        *protocol.GameScene `json:"scene,omitempty"`
	Audio        *string            `json:"audio,omitempty"`
	HasImage     bool               `json:"hasImage"`
	HasMusic     bool               `json:"hasMusic"`
}

type TextChunkFrame struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	ChunkNumber int    `json:"chunkNumber"`
}

type StreamCompleteFrame struct {
	Type         string             `json:"type"`
	MessageIndex int                `json:"messageIndex"`
	TotalChunks  int                `json:"totalChunks"`
	DurationMs   int64              `json:"duration"`
	Scene        *protocol.GameScene `json:"scene,omitempty"`
	Audio        *string            `json:"audio,omitempty"`
	HasImage     bool               `json:"hasImage"`
	HasMusic     bool               `json:"hasMusic"`
}

type TranscriptionFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ImageReadyFrame struct {
	Type         string `json:"type"`
	MessageIndex int    `json:"messageIndex"`
	Image        string `json:"image"`
}

type MusicReadyFrame struct {
	Type         string             `json:"type"`
	MessageIndex int                `json:"messageIndex"`
	Music        string             `json:"music"`
	Mood         protocol.MusicMood `json:"mood,omitempty"`
}

type GameSummary struct {
	GameID         string `json:"gameId"`
	AdventureTitle string `json:"adventureTitle"`
	Theme          string `json:"theme"`
	LastPlayed     int64  `json:"lastPlayed"`
	TotalSteps     int    `json:"totalSteps"`
}

type GamesListFrame struct {
	Type  string        `json:"type"`
	Games []GameSummary `json:"games"`
}

// ErrorFrame is the single-human-readable-string error shape of spec.md §7:
// never a stack trace, never raw provider output.
type ErrorFrame struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type PongFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// NewErrorFrame builds an ErrorFrame with the error frame's type set.
func NewErrorFrame(message, details string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Error: message, Details: details}
}

// PeekType decodes only the "type" discriminator from raw, without parsing
// the rest of the frame, so the server can dispatch before unmarshaling into
// the matching typed struct.
func PeekType(raw []byte) (string, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("wsproto: malformed frame: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("wsproto: frame missing type discriminator")
	}
	return env.Type, nil
}

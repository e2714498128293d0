package media

import "context"

// TTSClient synthesizes narration text to speech, per spec.md §6.
type TTSClient interface {
	SynthesizeToBase64(ctx context.Context, text, voice string) (string, error)
}

// ImageClient renders a scene image from a prompt, per spec.md §6.
type ImageClient interface {
	GenerateScene(ctx context.Context, prompt string, style ArtStyle, gameID, locationID string) ([]byte, error)
}

// MusicClient renders background music for a mood, per spec.md §6.
type MusicClient interface {
	IsAvailable() bool
	Generate(ctx context.Context, mood string, sceneContext string, gameID, locationID string) ([]byte, error)
}

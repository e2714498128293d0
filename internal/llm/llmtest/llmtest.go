// Package llmtest provides a scripted fake llm.Client for deterministic
// tests of the agent orchestrator and the game engine façade.
package llmtest

import (
	"context"

	"llmrpg/internal/llm"
)

// Turn is one scripted provider response. StreamChunks, if set, is replayed
// verbatim by StreamComplete (via onChunk); Completion is what both Complete
// and StreamComplete return once the (simulated) stream ends.
type Turn struct {
	Completion  llm.Completion
	StreamChunks []llm.StreamChunk
}

// Fake replays a fixed script of Turns, one per call, regardless of the
// conversation passed in. It records every conversation it was called with
// for assertions.
type Fake struct {
	Script []Turn
	calls  int

	// Conversations records, for each call, the conversation slice passed in
	// (a shallow copy of the slice header; callers should not mutate it).
	Conversations [][]llm.Message
}

// NewFake creates a Fake that will replay script in order, one Turn per
// Complete/StreamComplete call.
func NewFake(script ...Turn) *Fake {
	return &Fake{Script: script}
}

func (f *Fake) next() Turn {
	f.calls++
	if f.calls > len(f.Script) {
		// Repeat the final scripted turn indefinitely rather than panic, so
		// tests that under-script a long-running loop fail on an assertion
		// instead of a nil-pointer crash.
		return f.Script[len(f.Script)-1]
	}
	return f.Script[f.calls-1]
}

func (f *Fake) Complete(_ context.Context, conversation []llm.Message, _ llm.CompletionOptions) (llm.Completion, error) {
	f.Conversations = append(f.Conversations, conversation)
	return f.next().Completion, nil
}

func (f *Fake) StreamComplete(_ context.Context, conversation []llm.Message, _ llm.CompletionOptions, onChunk llm.OnChunk) (llm.Completion, error) {
	f.Conversations = append(f.Conversations, conversation)
	turn := f.next()
	for _, c := range turn.StreamChunks {
		onChunk(c)
	}
	return turn.Completion, nil
}

// CallCount reports how many Complete/StreamComplete calls have been made.
func (f *Fake) CallCount() int { return f.calls }

// NarrationChunks splits text into single-rune StreamChunks of content,
// a convenient way to script realistic token-by-token streaming in tests.
func NarrationChunks(text string) []llm.StreamChunk {
	chunks := make([]llm.StreamChunk, 0, len(text))
	for _, r := range text {
		chunks = append(chunks, llm.StreamChunk{Content: string(r)})
	}
	return chunks
}

// ChunkString splits text into n-rune StreamChunks of content.
func ChunkString(text string, n int) []llm.StreamChunk {
	if n <= 0 {
		n = 1
	}
	var out []llm.StreamChunk
	runes := []rune(text)
	for i := 0; i < len(runes); i += n {
		end := i + n
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, llm.StreamChunk{Content: string(runes[i:end])})
	}
	return out
}

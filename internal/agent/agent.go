// Package agent implements C5: the orchestrator that drives the LLM in a
// tool-call loop, both blocking (Run) and streaming (RunStreaming), and
// enforces the no-empty-non-final-assistant-message postcondition of
// spec.md §4.3/§9.
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"llmrpg/internal/llm"
	"llmrpg/internal/tools"
)

// State is the agent-facing conversation plus the tool registry and
// inventory it executes tool calls against.
type State struct {
	Conversation []llm.Message
	Tools        *tools.Registry
	Inventory    *tools.Inventory

	// MaxToolRounds bounds the tool-call loop so a misbehaving provider can
	// never spin forever; zero means the package default (8).
	MaxToolRounds int
}

const defaultMaxToolRounds = 8

// sanitizeHistory drops assistant messages that have both empty content and
// no tool calls. Because some LLM providers reject non-final assistant
// messages with empty content, this is called before every
// Complete/StreamComplete invocation rather than relying on callers never to
// construct such a message (spec.md §9).
func sanitizeHistory(conversation []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(conversation))
	for _, m := range conversation {
		if m.IsEmptyNonFinalCandidate() {
			continue
		}
		out = append(out, m)
	}
	return out
}

func maxRounds(s *State) int {
	if s.MaxToolRounds > 0 {
		return s.MaxToolRounds
	}
	return defaultMaxToolRounds
}

// Run drives one non-streaming request/response/tool loop to completion,
// returning the final assistant message's content as the turn's result.
func Run(ctx context.Context, client llm.Client, s *State) (string, error) {
	opts := llm.CompletionOptions{Tools: s.Tools.Definitions()}

	for round := 0; round < maxRounds(s); round++ {
		s.Conversation = sanitizeHistory(s.Conversation)

		completion, err := client.Complete(ctx, s.Conversation, opts)
		if err != nil {
			return "", fmt.Errorf("llm completion failed: %w", err)
		}
		s.Conversation = append(s.Conversation, completion.Message)

		if len(completion.Message.ToolCalls) == 0 {
			return completion.Message.Content, nil
		}

		if err := executeToolCalls(ctx, s, completion.Message.ToolCalls); err != nil {
			return "", err
		}
	}

	return "", fmt.Errorf("agent loop exceeded %d tool rounds without a final response", maxRounds(s))
}

// RunStreaming drives the streaming variant of the loop. onChunk is called,
// in order, for content chunks of each round whose first meaningful chunk is
// text — tool-call chunks are never forwarded to the caller, per spec.md
// §4.3's early-discrimination rule. A round that starts with a tool call
// forwards none of its content; text that precedes a tool call in the same
// round has already been forwarded. The accumulated assistant
// message and tool results are appended to the conversation exactly as in
// the non-streaming path.
func RunStreaming(ctx context.Context, client llm.Client, s *State, onChunk func(string)) error {
	opts := llm.CompletionOptions{Tools: s.Tools.Definitions()}

	for round := 0; round < maxRounds(s); round++ {
		s.Conversation = sanitizeHistory(s.Conversation)

		disc := newDiscriminator(onChunk)
		completion, err := client.StreamComplete(ctx, s.Conversation, opts, disc.onChunk)
		if err != nil {
			return fmt.Errorf("llm streaming completion failed: %w", err)
		}
		s.Conversation = append(s.Conversation, completion.Message)

		if len(completion.Message.ToolCalls) == 0 {
			return nil
		}

		if err := executeToolCalls(ctx, s, completion.Message.ToolCalls); err != nil {
			return err
		}
	}

	return fmt.Errorf("agent loop exceeded %d tool rounds without a final response", maxRounds(s))
}

// responseKind is the early-discriminated shape of a streaming turn.
type responseKind int

const (
	kindUnknown responseKind = iota
	kindUserText
	kindToolCall
)

// discriminator latches the response kind on the first meaningful chunk and
// buffers anything seen before that point (typically at most a few chunks),
// per spec.md §4.3.
type discriminator struct {
	kind     responseKind
	buffered []string
	emit     func(string)
}

func newDiscriminator(emit func(string)) *discriminator {
	return &discriminator{emit: emit}
}

func (d *discriminator) onChunk(chunk llm.StreamChunk) {
	if chunk.ToolCallDelta != nil {
		d.kind = kindToolCall
		d.buffered = nil
		return
	}
	if chunk.Content == "" {
		return
	}

	switch d.kind {
	case kindUnknown:
		d.kind = kindUserText
		d.buffered = append(d.buffered, chunk.Content)
		d.flush()
	case kindUserText:
		d.emit(chunk.Content)
	case kindToolCall:
		// Tool-call turns never forward content chunks.
	}
}

func (d *discriminator) flush() {
	for _, c := range d.buffered {
		d.emit(c)
	}
	d.buffered = nil
}

// executeToolCalls runs each tool call synchronously in-process against the
// session's inventory (spec.md §4.3), fanning independent calls of a single
// turn out across a bounded errgroup when a provider returns more than one
// call at once, then appends results to the conversation in call order so
// downstream transcripts stay deterministic regardless of completion order.
func executeToolCalls(ctx context.Context, s *State, calls []llm.ToolCall) error {
	results := make([]tools.Result, len(calls))

	if len(calls) == 1 {
		results[0] = s.Tools.Execute(calls[0], s.Inventory)
	} else {
		g, _ := errgroup.WithContext(ctx)
		g.SetLimit(4)
		for i, call := range calls {
			i, call := i, call
			g.Go(func() error {
				results[i] = s.Tools.Execute(call, s.Inventory)
				return nil
			})
		}
		_ = g.Wait() // tool handlers never return errors themselves
	}

	for i, call := range calls {
		content, err := resultJSON(results[i])
		if err != nil {
			return fmt.Errorf("encode tool result for %q: %w", call.Name, err)
		}
		s.Conversation = append(s.Conversation, llm.Message{
			Role:       llm.RoleTool,
			Content:    content,
			ToolCallID: call.ID,
		})
	}
	return nil
}

func resultJSON(r tools.Result) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmrpg/internal/llm"
	"llmrpg/internal/llm/llmtest"
	"llmrpg/internal/tools"
)

func newTestState() *State {
	return &State{
		Conversation: []llm.Message{{Role: llm.RoleUser, Content: "look around"}},
		Tools:        tools.NewDefaultRegistry(),
		Inventory:    tools.NewInventory(),
	}
}

func TestRun_NoToolCalls(t *testing.T) {
	fake := llmtest.NewFake(llmtest.Turn{
		Completion: llm.Completion{Message: llm.Message{Role: llm.RoleAssistant, Content: "You see a dusty hallway."}},
	})

	s := newTestState()
	out, err := Run(context.Background(), fake, s)
	require.NoError(t, err)
	assert.Equal(t, "You see a dusty hallway.", out)
	assert.Equal(t, 1, fake.CallCount())
}

func TestRun_ExecutesToolCallThenFinishes(t *testing.T) {
	fake := llmtest.NewFake(
		llmtest.Turn{Completion: llm.Completion{Message: llm.Message{
			Role: llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{
				{ID: "call-1", Name: "add_inventory_item", Arguments: `{"item":"brass lantern"}`},
			},
		}}},
		llmtest.Turn{Completion: llm.Completion{Message: llm.Message{Role: llm.RoleAssistant, Content: "You pick up the lantern."}}},
	)

	s := newTestState()
	out, err := Run(context.Background(), fake, s)
	require.NoError(t, err)
	assert.Equal(t, "You pick up the lantern.", out)
	assert.Equal(t, 2, fake.CallCount())
	assert.Equal(t, []string{"brass lantern"}, s.Inventory.Items())

	// The tool result message must be present, carrying the matching ID.
	last := s.Conversation
	var found bool
	for _, m := range last {
		if m.Role == llm.RoleTool && m.ToolCallID == "call-1" {
			found = true
		}
	}
	assert.True(t, found, "expected a tool message with ToolCallID call-1")
}

func TestRun_ExceedsMaxRounds(t *testing.T) {
	fake := llmtest.NewFake(llmtest.Turn{Completion: llm.Completion{Message: llm.Message{
		Role:      llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{{ID: "call-x", Name: "list_inventory"}},
	}}})

	s := newTestState()
	s.MaxToolRounds = 2
	_, err := Run(context.Background(), fake, s)
	assert.Error(t, err)
}

func TestSanitizeHistory_DropsEmptyNonFinalAssistantMessage(t *testing.T) {
	conversation := []llm.Message{
		{Role: llm.RoleUser, Content: "hello"},
		{Role: llm.RoleAssistant, Content: ""}, // empty, no tool calls: must be dropped
		{Role: llm.RoleUser, Content: "hello again"},
	}
	out := sanitizeHistory(conversation)
	require.Len(t, out, 2)
	assert.Equal(t, "hello", out[0].Content)
	assert.Equal(t, "hello again", out[1].Content)
}

func TestRunStreaming_ForwardsOnlyFinalTextChunks(t *testing.T) {
	fake := llmtest.NewFake(
		llmtest.Turn{
			StreamChunks: []llm.StreamChunk{
				{ToolCallDelta: &llm.ToolCall{ID: "call-1", Name: "list_inventory"}},
			},
			Completion: llm.Completion{Message: llm.Message{
				Role:      llm.RoleAssistant,
				ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "list_inventory"}},
			}},
		},
		llmtest.Turn{
			StreamChunks: llmtest.ChunkString("The hall is empty.", 4),
			Completion:   llm.Completion{Message: llm.Message{Role: llm.RoleAssistant, Content: "The hall is empty."}},
		},
	)

	s := newTestState()
	var out string
	err := RunStreaming(context.Background(), fake, s, func(chunk string) {
		out += chunk
	})
	require.NoError(t, err)
	assert.Equal(t, "The hall is empty.", out)
}

func TestRunStreaming_ParallelToolCallsAllExecute(t *testing.T) {
	fake := llmtest.NewFake(
		llmtest.Turn{Completion: llm.Completion{Message: llm.Message{
			Role: llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{
				{ID: "call-1", Name: "add_inventory_item", Arguments: `{"item":"rope"}`},
				{ID: "call-2", Name: "add_inventory_item", Arguments: `{"item":"torch"}`},
			},
		}}},
		llmtest.Turn{Completion: llm.Completion{Message: llm.Message{Role: llm.RoleAssistant, Content: "Packed."}}},
	)

	s := newTestState()
	err := RunStreaming(context.Background(), fake, s, func(string) {})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"rope", "torch"}, s.Inventory.Items())
}

package outline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmrpg/internal/llm"
	"llmrpg/internal/llm/llmtest"
)

// erroringClient always fails, to exercise the template fallback path.
type erroringClient struct{}

func (erroringClient) Complete(context.Context, []llm.Message, llm.CompletionOptions) (llm.Completion, error) {
	return llm.Completion{}, errors.New("provider unavailable")
}

func (erroringClient) StreamComplete(context.Context, []llm.Message, llm.CompletionOptions, llm.OnChunk) (llm.Completion, error) {
	return llm.Completion{}, errors.New("provider unavailable")
}

func TestGenerator_TruncatedPayloadIsRepaired(t *testing.T) {
	// Cut off inside the specialMechanics string value, so both its closing
	// quote and the object's closing brace are missing, per S4 in spec.md §8.
	truncated := `Welcome, adventurer.` + "\n<<<JSON>>>\n" +
		`{"title":"The Sunken Keep","mainQuest":"Recover the lost crown","subQuests":["Find the key"],` +
		`"keyLocations":["entrance","throne room"],"importantItems":["rusty key"],` +
		`"keyCharacters":["the Ferryman"],"adventureArc":"rise and fall","specialMechanics":"none`

	fake := llmtest.NewFake(llmtest.Turn{Completion: llm.Completion{Message: llm.Message{
		Role: llm.RoleAssistant, Content: truncated,
	}}})

	g := New(fake)
	o, err := g.Generate(context.Background(), "classic fantasy adventure", "pixel")
	require.NoError(t, err)

	assert.Equal(t, "The Sunken Keep", o.Title)
	assert.Equal(t, "Recover the lost crown", o.MainQuest)
	assert.Equal(t, []string{"entrance", "throne room"}, o.KeyLocations)
	assert.Equal(t, []string{"rusty key"}, o.ImportantItems)
	assert.Equal(t, []string{"the Ferryman"}, o.KeyCharacters)
}

func TestGenerator_MissingRequiredFieldErrors(t *testing.T) {
	fake := llmtest.NewFake(llmtest.Turn{Completion: llm.Completion{Message: llm.Message{
		Role: llm.RoleAssistant, Content: "No narration.\n<<<JSON>>>\n{}",
	}}})

	g := New(fake)
	_, err := g.Generate(context.Background(), "theme", "style")
	assert.Error(t, err)
}

func TestGenerator_FallsBackToTemplateOnLLMFailure(t *testing.T) {
	templates := []Template{
		{
			Theme:        "haunted lighthouse",
			Title:        "The Drowned Light",
			MainQuest:    "Relight the beacon before the tide turns",
			KeyLocations: []string{"lantern room", "keeper's quarters"},
		},
	}

	g := NewWithTemplates(erroringClient{}, templates)
	o, err := g.Generate(context.Background(), "Haunted Lighthouse", "watercolor")
	require.NoError(t, err)
	assert.Equal(t, "The Drowned Light", o.Title)
	assert.Equal(t, "Relight the beacon before the tide turns", o.MainQuest)
}

func TestGenerator_NoMatchingTemplateStillErrors(t *testing.T) {
	templates := []Template{{Theme: "haunted lighthouse", Title: "The Drowned Light"}}

	g := NewWithTemplates(erroringClient{}, templates)
	_, err := g.Generate(context.Background(), "space pirates", "watercolor")
	assert.Error(t, err)
}

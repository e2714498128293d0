// Package outline generates the per-game AdventureOutline (spec.md §3):
// title, quests, key locations/items/characters, and the adventure arc. The
// teacher's static JSON-file world never generates one of these; this is the
// supplemented step-1 design document the original system is reported to
// produce at game creation (see DESIGN.md).
package outline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"llmrpg/internal/apperr"
	"llmrpg/internal/llm"
	"llmrpg/internal/protocol"
	"llmrpg/internal/streaming"
)

// Template is a pre-authored adventure-outline skeleton loaded from an
// on-disk YAML file, keyed by theme. It exists so an operator can pin a
// known-good outline for a recurring theme instead of depending on the LLM
// generating an acceptable one every time that theme is requested.
type Template struct {
	Theme            string   `yaml:"theme"`
	Title            string   `yaml:"title"`
	Tagline          string   `yaml:"tagline"`
	MainQuest        string   `yaml:"mainQuest"`
	SubQuests        []string `yaml:"subQuests"`
	KeyLocations     []string `yaml:"keyLocations"`
	ImportantItems   []string `yaml:"importantItems"`
	KeyCharacters    []string `yaml:"keyCharacters"`
	AdventureArc     string   `yaml:"adventureArc"`
}

// templateFile is the top-level shape of the YAML template document.
type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// LoadTemplates reads and parses a template YAML file from disk.
func LoadTemplates(path string) ([]Template, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("outline: open template file %q: %w", path, err)
	}
	defer f.Close()
	return loadTemplatesFromReader(f)
}

func loadTemplatesFromReader(r io.Reader) ([]Template, error) {
	var tf templateFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&tf); err != nil {
		return nil, fmt.Errorf("outline: decode template yaml: %w", err)
	}
	return tf.Templates, nil
}

func (t Template) toOutline() *protocol.AdventureOutline {
	return &protocol.AdventureOutline{
		Title:          t.Title,
		Tagline:        t.Tagline,
		MainQuest:      t.MainQuest,
		SubQuests:      t.SubQuests,
		KeyLocations:   t.KeyLocations,
		ImportantItems: t.ImportantItems,
		KeyCharacters:  t.KeyCharacters,
		AdventureArc:   t.AdventureArc,
	}
}

// Generator drives one non-streaming LLM call to produce an AdventureOutline,
// repairing a truncated payload before parsing, per spec.md §4.2 (the repair
// pass is used only here — command responses never repair). If it carries
// templates and the LLM call fails, it falls back to the first template
// whose Theme matches (case-insensitively, substring either direction)
// rather than failing game creation outright.
type Generator struct {
	client    llm.Client
	templates []Template
}

// New creates an outline Generator over client with no fallback templates.
func New(client llm.Client) *Generator {
	return &Generator{client: client}
}

// NewWithTemplates creates an outline Generator that falls back to templates
// when LLM-based generation fails.
func NewWithTemplates(client llm.Client, templates []Template) *Generator {
	return &Generator{client: client, templates: templates}
}

// matchTemplate returns the first template whose Theme matches theme, or nil.
func (g *Generator) matchTemplate(theme string) *Template {
	theme = strings.ToLower(strings.TrimSpace(theme))
	for i := range g.templates {
		t := strings.ToLower(strings.TrimSpace(g.templates[i].Theme))
		if t == "" || theme == "" {
			continue
		}
		if t == theme || strings.Contains(theme, t) || strings.Contains(t, theme) {
			return &g.templates[i]
		}
	}
	return nil
}

type rawOutline struct {
	Title            string   `json:"title"`
	Tagline          string   `json:"tagline"`
	MainQuest        string   `json:"mainQuest"`
	SubQuests        []string `json:"subQuests"`
	KeyLocations     []string `json:"keyLocations"`
	ImportantItems   []string `json:"importantItems"`
	KeyCharacters    []string `json:"keyCharacters"`
	AdventureArc     string   `json:"adventureArc"`
	SpecialMechanics *string  `json:"specialMechanics"`
}

// Generate builds the system prompt for theme/artStyle and drives one LLM
// turn, repairing a truncated response before validating it, per spec.md §3.
func (g *Generator) Generate(ctx context.Context, theme, artStyle string) (*protocol.AdventureOutline, error) {
	prompt := buildPrompt(theme, artStyle)
	conversation := []llm.Message{
		{Role: llm.RoleSystem, Content: prompt},
		{Role: llm.RoleUser, Content: "Generate the adventure outline."},
	}

	completion, err := g.client.Complete(ctx, conversation, llm.CompletionOptions{})
	if err != nil {
		if tmpl := g.matchTemplate(theme); tmpl != nil {
			return tmpl.toOutline(), nil
		}
		return nil, apperr.Wrap(apperr.KindLLM, "outline generation failed", err)
	}

	mp := streaming.NewMarkerParser()
	mp.ProcessChunk(completion.Message.Content)
	mp.Finish()

	payload := mp.GetJSON()
	if payload == "" {
		payload = completion.Message.Content
	}

	repaired := streaming.RepairPartialJSON(payload)

	var raw rawOutline
	if err := json.Unmarshal([]byte(repaired), &raw); err != nil {
		return nil, apperr.Wrap(apperr.KindParse, "outline payload could not be parsed after repair", err)
	}

	if raw.Title == "" || raw.MainQuest == "" {
		return nil, apperr.New(apperr.KindParse, "outline payload missing required fields after repair")
	}

	return &protocol.AdventureOutline{
		Title:            raw.Title,
		Tagline:          raw.Tagline,
		MainQuest:        raw.MainQuest,
		SubQuests:        raw.SubQuests,
		KeyLocations:     raw.KeyLocations,
		ImportantItems:   raw.ImportantItems,
		KeyCharacters:    raw.KeyCharacters,
		AdventureArc:     raw.AdventureArc,
		SpecialMechanics: raw.SpecialMechanics,
	}, nil
}

func buildPrompt(theme, artStyle string) string {
	return fmt.Sprintf(
		"You are designing the outline for a text adventure with theme %q and art style %q. "+
			"Respond with narration followed by <<<JSON>>> and a JSON object with fields: "+
			"title, tagline, mainQuest, subQuests, keyLocations, importantItems, keyCharacters, adventureArc, specialMechanics.",
		theme, artStyle,
	)
}

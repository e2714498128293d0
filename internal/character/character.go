// Package character holds the player-facing identity attached to a game,
// supplementing GameState with the fields an LLM system prompt needs to
// describe who the player is (spec.md §3's PlayerContextData).
package character

// Character is the player identity carried alongside a game's state.
type Character struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Class  string `json:"class,omitempty"`
	Origin string `json:"origin,omitempty"`
	Level  int    `json:"level"`
}

// New creates a character at level 1.
func New(id, name, class, origin string) *Character {
	return &Character{ID: id, Name: name, Class: class, Origin: origin, Level: 1}
}

// PromptLine renders a single-line description suitable for inclusion in an
// LLM system prompt.
func (c *Character) PromptLine() string {
	if c == nil {
		return ""
	}
	line := c.Name
	if c.Class != "" {
		line += ", a " + c.Class
	}
	if c.Origin != "" {
		line += " from " + c.Origin
	}
	return line
}
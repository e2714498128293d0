package media

import (
	"fmt"
	"strings"

	"llmrpg/internal/protocol"
)

// ArtStyle is one of the four supported image rendering styles.
type ArtStyle string

const (
	StylePixel   ArtStyle = "pixel"
	StylePencil  ArtStyle = "pencil"
	StylePainting ArtStyle = "painting"
	StyleComic   ArtStyle = "comic"
)

var styleTemplates = map[ArtStyle]string{
	StylePixel:    "16-bit pixel art, %s, %s",
	StylePencil:   "detailed pencil sketch, %s, %s",
	StylePainting: "digital painting, %s, %s",
	StyleComic:    "comic book inking, %s, %s",
}

// StyledImagePrompt rewrites base (a scene description) into a
// provider-agnostic prompt keyed to style, per spec.md §4.5. An unrecognized
// style falls back to concatenating base and styleDescription.
func StyledImagePrompt(style ArtStyle, base, styleDescription string) string {
	tmpl, ok := styleTemplates[style]
	if !ok {
		return strings.TrimSpace(base + ", " + styleDescription)
	}
	return fmt.Sprintf(tmpl, base, styleDescription)
}

// moodKeywords maps a keyword to the mood it implies. Checked in AllMoods
// order so the first matching mood wins when a text contains several.
var moodKeywords = map[protocol.MusicMood][]string{
	protocol.MoodEntrance:    {"threshold", "entrance", "gateway", "begin your journey"},
	protocol.MoodExploration: {"explore", "wander", "path stretches", "open area"},
	protocol.MoodCombat:      {"attacks", "draws a weapon", "battle", "fight"},
	protocol.MoodVictory:     {"victorious", "you have won", "triumph"},
	protocol.MoodDungeon:     {"dungeon", "dank corridor", "torchlit"},
	protocol.MoodForest:      {"forest", "canopy", "woodland", "trees"},
	protocol.MoodTown:        {"marketplace", "town square", "villagers", "tavern"},
	protocol.MoodMystery:     {"mysterious", "strange symbols", "unexplained"},
	protocol.MoodCastle:      {"castle", "throne room", "battlements"},
	protocol.MoodUnderwater:  {"underwater", "submerged", "coral"},
	protocol.MoodTemple:      {"temple", "shrine", "altar", "sacred"},
	protocol.MoodBoss:        {"towering figure", "final battle", "boss"},
	protocol.MoodStealth:     {"sneak", "shadows conceal", "tiptoe"},
	protocol.MoodTreasure:    {"treasure", "glittering hoard", "gold coins"},
	protocol.MoodDanger:      {"danger", "peril", "trap", "warning"},
	protocol.MoodPeaceful:    {"peaceful", "tranquil", "serene", "calm"},
}

// DetectMoodFromText maps keyword presence in text to one of the fixed 16
// moods, defaulting to exploration, per spec.md §4.5.
func DetectMoodFromText(text string) protocol.MusicMood {
	lower := strings.ToLower(text)
	for _, mood := range protocol.AllMoods() {
		for _, kw := range moodKeywords[mood] {
			if strings.Contains(lower, kw) {
				return mood
			}
		}
	}
	return protocol.MoodExploration
}

// visualNouns is the fallback vocabulary ExtractSceneDescription scans for
// when the LLM did not emit a fullScene payload.
var visualNouns = []string{
	"room", "hall", "door", "chamber", "cave", "forest", "tower", "bridge",
	"altar", "statue", "window", "corridor", "courtyard", "stairs", "gate",
}

// ExtractSceneDescription is the fallback image-prompt source used when the
// turn produced a SimpleResponse rather than a GameScene: it selects the
// first sentence containing a visual noun, else the first sentence overall,
// per spec.md §4.5.
func ExtractSceneDescription(text string) string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return strings.TrimSpace(text)
	}
	lowerNouns := visualNouns
	for _, s := range sentences {
		lower := strings.ToLower(s)
		for _, noun := range lowerNouns {
			if strings.Contains(lower, noun) {
				return strings.TrimSpace(s)
			}
		}
	}
	return strings.TrimSpace(sentences[0])
}

func splitSentences(text string) []string {
	var sentences []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			sentences = append(sentences, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		sentences = append(sentences, b.String())
	}
	return sentences
}

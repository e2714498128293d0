package protocol

import (
	"encoding/json"
	"fmt"
)

// ParseErrorKind classifies why a response payload failed validation.
type ParseErrorKind string

const (
	MissingJson           ParseErrorKind = "MissingJson"
	MalformedJson         ParseErrorKind = "MalformedJson"
	InvalidField          ParseErrorKind = "InvalidField"
	InvalidExitDirection  ParseErrorKind = "InvalidExitDirection"
	UnknownResponseType   ParseErrorKind = "UnknownResponseType"
)

// ParseError is returned by ParseAndValidate when the payload is rejected.
// Issues lists every field-level complaint found; any issue rejects the
// whole payload.
type ParseError struct {
	Kind    ParseErrorKind
	Message string
	Issues  []string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Result is the discriminated outcome of ParseAndValidate: exactly one of
// Scene or Simple is non-nil on success.
type Result struct {
	Scene  *GameScene
	Simple *SimpleResponse
}

// rawPayload mirrors the wire shape the LLM emits for the JSON half of a
// turn. narrationText is never read from here — the caller re-attaches it
// from the streaming parser's narration prefix, per spec.md §4.1.
type rawPayload struct {
	ResponseType     string          `json:"responseType"`
	LocationID       string          `json:"locationId"`
	LocationName     string          `json:"locationName"`
	ImageDescription string          `json:"imageDescription"`
	MusicDescription string          `json:"musicDescription"`
	MusicMood        string          `json:"musicMood"`
	Exits            []rawExit       `json:"exits"`
	Items            []string        `json:"items"`
	NPCs             []string        `json:"npcs"`
	ActionTaken      string          `json:"actionTaken"`
	Raw              json.RawMessage `json:"-"`
}

type rawExit struct {
	Direction        string `json:"direction"`
	TargetLocationID string `json:"targetLocationId"`
	Description      string `json:"description,omitempty"`
	State            string `json:"state"`
}

// ParseAndValidate parses the JSON half of an LLM turn (jsonPayload) and
// re-attaches narrationText from the streaming parser's narration prefix.
// It returns exactly one of (Result, *ParseError); on failure, the caller
// MUST NOT mutate core state and MUST retain the turn in the transcript so
// the LLM can self-correct (spec.md §4.1).
func ParseAndValidate(jsonPayload string, narrationText string) (Result, *ParseError) {
	if jsonPayload == "" {
		return Result{}, &ParseError{Kind: MissingJson, Message: "response contained no structured JSON payload"}
	}

	var raw rawPayload
	if err := json.Unmarshal([]byte(jsonPayload), &raw); err != nil {
		return Result{}, &ParseError{Kind: MalformedJson, Message: "structured payload was not valid JSON", Issues: []string{err.Error()}}
	}

	switch ResponseType(raw.ResponseType) {
	case ResponseFullScene:
		return parseScene(raw, narrationText)
	case ResponseSimple:
		return parseSimple(raw, narrationText)
	default:
		return Result{}, &ParseError{
			Kind:    UnknownResponseType,
			Message: fmt.Sprintf("unrecognized responseType %q", raw.ResponseType),
		}
	}
}

func parseScene(raw rawPayload, narrationText string) (Result, *ParseError) {
	var issues []string

	if !IsValidLocationID(raw.LocationID) {
		issues = append(issues, fmt.Sprintf("locationId %q does not match [a-z0-9_]+", raw.LocationID))
	}
	if raw.LocationName == "" {
		issues = append(issues, "locationName is required")
	}
	if narrationText == "" {
		issues = append(issues, "narrationText is required")
	}

	mood := MusicMood(raw.MusicMood)
	if !IsValidMood(mood) {
		issues = append(issues, fmt.Sprintf("musicMood %q is not one of the fixed 16 moods", raw.MusicMood))
	}

	exits := make([]Exit, 0, len(raw.Exits))
	seenDirections := make(map[Direction]bool, len(raw.Exits))
	for _, re := range raw.Exits {
		dir := Direction(re.Direction)
		if !IsValidDirection(dir) {
			return Result{}, &ParseError{
				Kind:    InvalidExitDirection,
				Message: fmt.Sprintf("exit direction %q is not one of the eight allowed directions", re.Direction),
			}
		}
		if seenDirections[dir] {
			return Result{}, &ParseError{
				Kind:    InvalidExitDirection,
				Message: fmt.Sprintf("direction %q appears more than once in scene %q", dir, raw.LocationID),
			}
		}
		seenDirections[dir] = true

		state := ExitState(re.State)
		if !IsValidExitState(state) {
			issues = append(issues, fmt.Sprintf("exit %s: state %q is not recognized, defaulting to closed", dir, re.State))
			state = ExitClosed
		}

		exits = append(exits, Exit{
			Direction:        dir,
			TargetLocationID: re.TargetLocationID,
			Description:      re.Description,
			State:            state,
		})
	}

	if len(issues) > 0 {
		return Result{}, &ParseError{Kind: InvalidField, Message: "scene payload failed validation", Issues: issues}
	}

	return Result{Scene: &GameScene{
		LocationID:       raw.LocationID,
		LocationName:     raw.LocationName,
		NarrationText:    narrationText,
		ImageDescription: raw.ImageDescription,
		MusicDescription: raw.MusicDescription,
		MusicMood:        mood,
		Exits:            exits,
		Items:            raw.Items,
		NPCs:             raw.NPCs,
	}}, nil
}

func parseSimple(raw rawPayload, narrationText string) (Result, *ParseError) {
	var issues []string

	action := ActionTaken(raw.ActionTaken)
	if !IsValidAction(action) {
		issues = append(issues, fmt.Sprintf("actionTaken %q is not recognized", raw.ActionTaken))
	}
	if narrationText == "" {
		issues = append(issues, "narrationText is required")
	}
	if raw.LocationID == "" {
		issues = append(issues, "locationId is required")
	}

	if len(issues) > 0 {
		return Result{}, &ParseError{Kind: InvalidField, Message: "simple response payload failed validation", Issues: issues}
	}

	return Result{Simple: &SimpleResponse{
		LocationID:    raw.LocationID,
		ActionTaken:   action,
		NarrationText: narrationText,
	}}, nil
}

// UserVisibleParseFailureMessage is the fixed message surfaced to the player
// on unrecoverable parse failure, per spec.md §4.1.
const UserVisibleParseFailureMessage = "Something went wrong while processing the game response. Please try your command again."

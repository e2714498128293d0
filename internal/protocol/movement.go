package protocol

import "fmt"

// CheckMovementGate implements spec.md §4.1's authoritative barrier against
// LLM-hallucinated movement. Given the previous scene (nil if this is the
// initial scene) and a candidate new scene, it reports whether the
// transition is allowed and, if not, the validation issue to record via
// popValidationIssues.
//
// The transition is accepted when:
//   - previous is nil (initial scene), or
//   - previous has no exits recorded, or
//   - previous has an exit targeting newScene.LocationID whose State is open.
//
// newScene.LocationID equal to previous's own LocationID is always allowed
// (re-describing the current scene is not a movement).
func CheckMovementGate(previous *GameScene, newScene *GameScene) (bool, string) {
	if previous == nil {
		return true, ""
	}
	if newScene.LocationID == previous.LocationID {
		return true, ""
	}
	if len(previous.Exits) == 0 {
		return true, ""
	}

	exit, found := previous.FindExit(newScene.LocationID)
	if !found {
		return false, fmt.Sprintf(
			"rejected transition from %q to %q: no exit targets that location",
			previous.LocationID, newScene.LocationID,
		)
	}
	if exit.State != ExitOpen {
		return false, fmt.Sprintf(
			"rejected transition from %q to %q: exit %s is %s, not open",
			previous.LocationID, newScene.LocationID, exit.Direction, exit.State,
		)
	}
	return true, ""
}

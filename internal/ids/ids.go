// Package ids mints and validates the engine's identifier scheme:
// game-XXXXXXXX, sess-XXXXXXXX, user-XXXXXXXX — an 8-hex-character suffix
// drawn from a UUID rather than the teacher's time.Now().UnixNano() scheme.
package ids

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var validFormat = regexp.MustCompile(`^(game|sess|user)-[0-9a-f]{8}$`)

// NewGameID mints a fresh game-XXXXXXXX identifier.
func NewGameID() string { return newID("game") }

// NewSessionID mints a fresh sess-XXXXXXXX identifier.
func NewSessionID() string { return newID("sess") }

// NewUserID mints a fresh user-XXXXXXXX identifier.
func NewUserID() string { return newID("user") }

func newID(prefix string) string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return prefix + "-" + raw[:8]
}

// Valid reports whether id matches the engine's identifier format.
func Valid(id string) bool { return validFormat.MatchString(id) }

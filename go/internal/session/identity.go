package session

import (
	"strings"

	"github.com/google/uuid"
)

// IdentityLength is the number of characters in a player identity.
const IdentityLength = 6

// NewIdentity returns a fresh uppercase player identity. Identities are
// random and are not checked for collisions.
func NewIdentity() string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return strings.ToUpper(id[:IdentityLength])
}

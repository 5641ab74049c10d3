package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// New returns a UUIDv7 identifier string.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

var agentIDPattern = regexp.MustCompile(`^[a-z0-9_]+-[0-9a-f]{8}$`)

// AgentID generates an agent identifier of the form "{type}-{8 hex chars}",
// e.g. "wargame_executor-3fa9c01d".
func AgentID(agentType string) string {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// uuid keeps its own entropy pool; use its tail as fallback.
		return agentType + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	return agentType + "-" + hex.EncodeToString(buf[:])
}

// ValidateAgentID checks that id looks like an identifier produced by AgentID.
func ValidateAgentID(id string) error {
	if !agentIDPattern.MatchString(id) {
		return fmt.Errorf("agent id %q is invalid: must match %s", id, agentIDPattern.String())
	}
	return nil
}

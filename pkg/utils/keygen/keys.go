package keygen

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// GenerateUUID generates a random UUID v4
func GenerateUUID() string {
	return uuid.New().String()
}

// GenerateTaskID returns a new task identifier.
func GenerateTaskID() string {
	return uuid.NewString()
}

// GenerateShortID generates 8 random hex characters (4 bytes).
// Used for audit trail entries and log correlation.
func GenerateShortID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return uuid.NewString()[:8]
	}
	return fmt.Sprintf("%x", b)
}

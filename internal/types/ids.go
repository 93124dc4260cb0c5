// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type SessionID string
type JobID string

// NewSessionID returns a time-ordered session id.
func NewSessionID() SessionID {
	return SessionID(uuid.Must(uuid.NewV7()).String())
}

func NewJobID() JobID {
	return JobID(ulid.Make().String())
}

// NewStoreKey joins key parts with ':' the way the durable store keys are laid out
// (e.g. "activeSession:scanner").
func NewStoreKey(parts ...string) string {
	return strings.Join(parts, ":")
}

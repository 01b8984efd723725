// Package idgen provides random ID generation for events, sessions and
// client connections.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New generates a random (version 4) UUID string.
// Format: xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "risk_", "ws_", "sess_").
// Result is prefix + 32 hex chars.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

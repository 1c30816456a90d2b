// Package idgen provides id helpers used internally by the backbone. Wire
// snowflakes (spec.md Glossary) are sender-chosen and opaque to the
// server — this package never mints one on a client's behalf.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// DefaultServerID builds a human-readable default serverId when the
// operator hasn't configured one explicitly, combining a short random
// suffix so two un-configured nodes on the same LAN don't collide.
func DefaultServerID(hostname string) string {
	suffix := uuid.New().String()[:8]
	if hostname == "" {
		hostname = "node"
	}
	return fmt.Sprintf("%s-%s", hostname, suffix)
}

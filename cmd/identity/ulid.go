package identity

import (
	"time"

	"chatsync/cmd/identity/ids"
)

// NewClientSideID returns a new client-side message ID (26-char ULID).
// ULIDs sort by creation time, which keeps optimistic records ordered in logs.
func NewClientSideID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

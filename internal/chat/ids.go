package chat

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewEventID returns a ULID used to tag push-transport envelopes and
// session handles in logs. ULIDs sort lexicographically, which keeps
// log correlation cheap.
func NewEventID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		// rand failing is effectively unreachable; an empty id only
		// degrades log correlation, never delivery.
		return ""
	}
	return id.String()
}

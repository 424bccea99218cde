// Package eventid generates the event_id used by every published Event.
//
// A UUIDv7 embeds a 48-bit millisecond timestamp in its high bits, so its
// canonical hex string sorts lexicographically with publish order at
// millisecond granularity — exactly the "lexicographically-sortable
// 128-bit identifier" the data model requires, without a bespoke ID
// scheme.
package eventid

import "github.com/google/uuid"

// New returns a fresh, sortable event identifier.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the system clock/rand source is broken;
		// fall back to a random v4 rather than panic mid-publish.
		return uuid.New().String()
	}
	return id.String()
}

// NewInstanceSuffix returns the 8-character random suffix used in
// GoalInstance identifiers of the form <goal_id>_<unix_ts>_<random8>.
func NewInstanceSuffix() string {
	id := uuid.New()
	return id.String()[:8]
}

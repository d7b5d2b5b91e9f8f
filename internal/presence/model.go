// Package presence keeps an append-only operational log of channel
// membership events: who joined, left, or crashed out of which topic and
// when. It is observability data, not delivery state — nothing in the
// multiplexer reads it back.
package presence

import "gorm.io/gorm"

// EventKind is the membership transition an Event records.
type EventKind string

const (
	KindJoined  EventKind = "joined"
	KindLeft    EventKind = "left"
	KindCrashed EventKind = "crashed"
)

/** --------------------ENTITIES-------------------- */
// Event is one membership transition on one topic.
type Event struct {
	gorm.Model

	ConnectionID string    `gorm:"index" json:"connectionId"`
	Topic        string    `gorm:"index;not null" json:"topic"`
	Kind         EventKind `gorm:"not null" json:"kind"`
	Detail       string    `json:"detail,omitempty"`
}

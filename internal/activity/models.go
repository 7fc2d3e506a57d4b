package activity

import "time"

// Entry is an immutable, append-only record of one human-meaningful doorbell
// event.
//
// Invariants:
// - Entries are never updated or deleted.
// - property_ref is required; every entry belongs to a property's history.
// - Recording is best-effort; nothing in the call path blocks on it.

type Entry struct {
	ID          string `json:"id" db:"id"`
	PropertyRef string `json:"property_ref" db:"property_ref"`

	// Type is the business category of the entry.
	Type string `json:"type" db:"type"`

	// Title is a short human-readable description shown in the owner's
	// activity feed.
	Title string `json:"title" db:"title"`

	// DurationSeconds is set on entries that close an episode.
	DurationSeconds int `json:"duration_seconds,omitempty" db:"duration_seconds"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

const (
	TypeArrival      = "arrival"
	TypeDoorbell     = "doorbell"
	TypeAnswered     = "answered"
	TypeCallStarted  = "call_started"
	TypeVoiceMessage = "voice_message"
	TypeVideoMessage = "video_message"
	TypeCallEnded    = "call_ended"
	TypeRingTimeout  = "ring_timeout"
)

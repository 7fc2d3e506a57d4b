package session

import "time"

// Session is one doorbell episode: from a visitor's first touch of a room
// until the owner ends it (or a timeout does).
//
// Invariants:
// - At most one non-ended row exists per room_key; a new episode for the same
//   room always gets a fresh row once the previous one ended.
// - Status only moves forward within an episode (see Rank); ended is terminal
//   and the row becomes immutable.
// - Version increments on every accepted write and is the compare-and-set
//   token for concurrent transitions.
//
// NOTE: This is the canonical state. Nothing downstream (fanout, push,
// clients) recomputes status from side data.

type Session struct {
	ID          string `json:"id" db:"id"`
	RoomKey     string `json:"room_key" db:"room_key"`
	PropertyRef string `json:"property_ref" db:"property_ref"`
	OwnerRef    string `json:"owner_ref" db:"owner_ref"`

	Status Status `json:"status" db:"status"`

	// VisitorPresent is set once a visitor has loaded the room page.
	VisitorPresent bool `json:"visitor_present" db:"visitor_present"`
	// OwnerPresent is set when the owner joins the live call. It is only
	// reachable from answered or later.
	OwnerPresent bool `json:"owner_present" db:"owner_present"`

	// MeetLink is populated exactly once per episode, when the owner starts
	// video. It is kept on ended rows for audit.
	MeetLink string `json:"meet_link,omitempty" db:"meet_link"`

	// Message references are append-only. Each direction keeps its own slots;
	// sending a message never overwrites a prior reference.
	OwnerMessages   []MessageRef `json:"owner_messages,omitempty" db:"owner_messages"`
	VisitorMessages []MessageRef `json:"visitor_messages,omitempty" db:"visitor_messages"`

	Version int64 `json:"version" db:"version"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`
}

// MessageRef points at a recorded audio or video blob exchanged during an
// episode. The blob itself lives in external storage.
type MessageRef struct {
	Ref    string      `json:"ref"`
	Kind   MessageKind `json:"kind"`
	SentAt time.Time   `json:"sent_at"`
}

type MessageKind string

const (
	MessageKindVoice MessageKind = "voice"
	MessageKindVideo MessageKind = "video"
)

type Status string

const (
	StatusWaiting       Status = "waiting"
	StatusPending       Status = "pending"
	StatusRinging       Status = "ringing"
	StatusAnswered      Status = "answered"
	StatusInCall        Status = "in_call"
	StatusVoiceExchange Status = "voice_exchange"
	StatusEnded         Status = "ended"
)

// Rank orders statuses for the monotonicity invariant:
// waiting < pending < ringing < answered < {in_call|voice_exchange} < ended.
// in_call and voice_exchange share a rank; neither is "behind" the other.
func (s Status) Rank() int {
	switch s {
	case StatusWaiting:
		return 0
	case StatusPending:
		return 1
	case StatusRinging:
		return 2
	case StatusAnswered:
		return 3
	case StatusInCall, StatusVoiceExchange:
		return 4
	case StatusEnded:
		return 5
	default:
		return -1
	}
}

func (s Status) Terminal() bool { return s == StatusEnded }

func (s Status) Valid() bool { return s.Rank() >= 0 }

// Role is the actor's claimed side of the intercom.
type Role string

const (
	RoleVisitor Role = "visitor"
	RoleOwner   Role = "owner"
)

// Event is a requested transition. Which events are enabled from which
// status, and for which role, is encoded in the machine's transition table.
type Event string

const (
	EventArrive       Event = "arrive"
	EventRing         Event = "ring"
	EventAnswer       Event = "answer"
	EventStartVideo   Event = "start_video"
	EventVoiceMessage Event = "voice_message"
	EventVideoMessage Event = "video_message"
	EventJoinCall     Event = "join_call"
	EventEnd          Event = "end"
)

// TransitionRequest is the single entry point into the machine. PropertyRef
// and OwnerRef are only consulted when the event may implicitly create an
// episode (arrive, ring); the HTTP layer resolves them from the room key.
type TransitionRequest struct {
	RoomKey string `json:"room_key"`
	Event   Event  `json:"event"`
	Role    Role   `json:"role"`

	// MessageRef carries the blob reference for voice/video message events.
	MessageRef string `json:"message_ref,omitempty"`

	PropertyRef string `json:"property_ref,omitempty"`
	OwnerRef    string `json:"owner_ref,omitempty"`
}

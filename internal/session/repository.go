package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means no live (non-ended) session exists for the room key.
	ErrNotFound = errors.New("session not found")
	// ErrConflict means a compare-and-set lost a race. Callers should reload
	// and decide whether the conflicting change already satisfied their
	// intent before retrying.
	ErrConflict = errors.New("session version conflict")
	// ErrInvalidTransition means the requested event is not enabled from the
	// current status (or for the claimed role).
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInvalidArgument flags malformed requests before any store access.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Update is the field set applied atomically together with a status change.
// Nil pointers leave the column untouched; message appends never replace
// existing references.
type Update struct {
	Status Status

	VisitorPresent *bool
	OwnerPresent   *bool
	MeetLink       *string

	AppendOwnerMessage   *MessageRef
	AppendVisitorMessage *MessageRef

	EndedAt *time.Time
}

// Repository is the persistence contract for sessions.
//
// The store is the single source of truth for transition order within a
// room: CompareAndSetStatus must guarantee that of two concurrent writers
// exactly one succeeds and the other observes ErrConflict. Different rooms
// must not serialize against each other.
type Repository interface {
	// Get returns the live (non-ended) session for the room key.
	Get(ctx context.Context, roomKey string) (Session, error)

	// CreateIfAbsent returns the live session for the room key, inserting a
	// fresh waiting row when none exists. Safe under concurrent callers: the
	// uniqueness guard on (room_key, non-ended) means both see the same row.
	CreateIfAbsent(ctx context.Context, roomKey, propertyRef, ownerRef string) (Session, error)

	// CompareAndSetStatus applies up to the live session only if its status
	// and version still match the expected values. Returns the new canonical
	// session, or ErrConflict when the row moved underneath the caller.
	CompareAndSetStatus(ctx context.Context, roomKey string, expected Status, expectedVersion int64, up Update) (Session, error)

	// ListRingingBefore returns live sessions still in ringing whose last
	// update is older than cutoff. Used by the timeout sweeper.
	ListRingingBefore(ctx context.Context, cutoff time.Time) ([]Session, error)
}

// Reader is the read-only slice of Repository used by the fanout's
// reconciliation read.
type Reader interface {
	Get(ctx context.Context, roomKey string) (Session, error)
}

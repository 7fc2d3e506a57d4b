package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-memory Repository for tests and local development.
// It keeps the same per-room CAS discipline as the Postgres repo.
type MemoryRepo struct {
	mu sync.Mutex
	// live holds at most one non-ended session per room key.
	live map[string]*Session
	// ended keeps terminal rows for inspection; never mutated again.
	ended []Session

	clock func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		live:  make(map[string]*Session),
		clock: time.Now,
	}
}

// SetClock overrides the repo clock for deterministic tests.
func (r *MemoryRepo) SetClock(clock func() time.Time) { r.clock = clock }

func (r *MemoryRepo) Get(ctx context.Context, roomKey string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.live[roomKey]
	if !ok {
		return Session{}, ErrNotFound
	}
	return cloneSession(*s), nil
}

func (r *MemoryRepo) CreateIfAbsent(ctx context.Context, roomKey, propertyRef, ownerRef string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.live[roomKey]; ok {
		return cloneSession(*s), nil
	}

	now := r.clock().UTC()
	s := &Session{
		ID:          uuid.NewString(),
		RoomKey:     roomKey,
		PropertyRef: propertyRef,
		OwnerRef:    ownerRef,
		Status:      StatusWaiting,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.live[roomKey] = s
	return cloneSession(*s), nil
}

func (r *MemoryRepo) CompareAndSetStatus(ctx context.Context, roomKey string, expected Status, expectedVersion int64, up Update) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.live[roomKey]
	if !ok {
		return Session{}, ErrNotFound
	}
	if s.Status != expected || s.Version != expectedVersion {
		return Session{}, ErrConflict
	}

	s.Status = up.Status
	if up.VisitorPresent != nil {
		s.VisitorPresent = *up.VisitorPresent
	}
	if up.OwnerPresent != nil {
		s.OwnerPresent = *up.OwnerPresent
	}
	if up.MeetLink != nil {
		s.MeetLink = *up.MeetLink
	}
	if up.AppendOwnerMessage != nil {
		s.OwnerMessages = append(s.OwnerMessages, *up.AppendOwnerMessage)
	}
	if up.AppendVisitorMessage != nil {
		s.VisitorMessages = append(s.VisitorMessages, *up.AppendVisitorMessage)
	}
	if up.EndedAt != nil {
		t := *up.EndedAt
		s.EndedAt = &t
	}
	s.Version++
	s.UpdatedAt = r.clock().UTC()

	out := cloneSession(*s)
	if s.Status.Terminal() {
		// The episode is over; the room key is free for a fresh row.
		r.ended = append(r.ended, cloneSession(*s))
		delete(r.live, roomKey)
	}
	return out, nil
}

func (r *MemoryRepo) ListRingingBefore(ctx context.Context, cutoff time.Time) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Session
	for _, s := range r.live {
		if s.Status == StatusRinging && s.UpdatedAt.Before(cutoff) {
			out = append(out, cloneSession(*s))
		}
	}
	return out, nil
}

// Ended returns the terminal rows recorded so far (oldest first).
func (r *MemoryRepo) Ended() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, len(r.ended))
	copy(out, r.ended)
	return out
}

func cloneSession(s Session) Session {
	out := s
	out.OwnerMessages = append([]MessageRef(nil), s.OwnerMessages...)
	out.VisitorMessages = append([]MessageRef(nil), s.VisitorMessages...)
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	return out
}

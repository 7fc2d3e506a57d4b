package activity

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for the activity trail.
//
// It MUST be append-only for writes; List exists so owners can read their
// own history back, nothing in the call path depends on it.
type Repository interface {
	Append(ctx context.Context, e Entry) error
	List(ctx context.Context, propertyRef string, limit, offset int) ([]Entry, error)
}

// Service records doorbell activity.
//
// IMPORTANT: Record is fire-and-forget by contract. A failed append is
// logged and swallowed; it never rolls back the state transition that
// produced it.
type Service struct {
	repo  Repository
	clock func() time.Time
	log   *slog.Logger
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, clock: time.Now, log: log}
}

var ErrInvalidEntry = errors.New("activity: invalid entry")

// Record appends one entry. Errors are logged, not returned.
func (s *Service) Record(ctx context.Context, propertyRef, typeTag, title string, duration time.Duration) {
	if err := s.append(ctx, propertyRef, typeTag, title, duration); err != nil {
		s.log.Warn("activity record dropped", "property_ref", propertyRef, "type", typeTag, "err", err)
	}
}

func (s *Service) append(ctx context.Context, propertyRef, typeTag, title string, duration time.Duration) error {
	if s.repo == nil {
		return errors.New("activity: repository not configured")
	}
	if propertyRef == "" || typeTag == "" {
		return ErrInvalidEntry
	}

	return s.repo.Append(ctx, Entry{
		ID:              uuid.NewString(),
		PropertyRef:     propertyRef,
		Type:            typeTag,
		Title:           title,
		DurationSeconds: int(duration / time.Second),
		CreatedAt:       s.clock().UTC(),
	})
}

// List returns the newest entries for a property, for the owner's feed.
func (s *Service) List(ctx context.Context, propertyRef string, limit, offset int) ([]Entry, error) {
	if propertyRef == "" {
		return nil, ErrInvalidEntry
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.List(ctx, propertyRef, limit, offset)
}

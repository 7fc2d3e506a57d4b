package sweep

import (
	"context"
	"errors"
	"testing"
	"time"

	"doorbell-platform/internal/session"
)

func TestSweepExpiresOverdueRings(t *testing.T) {
	repo := session.NewMemoryRepo()
	machine := session.NewMachine(repo, session.Deps{})
	ctx := context.Background()

	// One stale ring, one fresh one.
	start := time.Unix(1700000000, 0).UTC()
	repo.SetClock(func() time.Time { return start })
	if _, err := machine.Apply(ctx, session.TransitionRequest{
		RoomKey: "stale", Event: session.EventRing, Role: session.RoleVisitor, PropertyRef: "p1", OwnerRef: "o1",
	}); err != nil {
		t.Fatalf("ring stale: %v", err)
	}

	repo.SetClock(func() time.Time { return start.Add(5 * time.Minute) })
	if _, err := machine.Apply(ctx, session.TransitionRequest{
		RoomKey: "fresh", Event: session.EventRing, Role: session.RoleVisitor, PropertyRef: "p2", OwnerRef: "o2",
	}); err != nil {
		t.Fatalf("ring fresh: %v", err)
	}

	s := New(repo, machine, Config{RingTimeout: 90 * time.Second}, nil)
	s.clock = func() time.Time { return start.Add(5 * time.Minute) }

	if got := s.SweepOnce(ctx); got != 1 {
		t.Fatalf("expected 1 expiry, got %d", got)
	}
	if _, err := repo.Get(ctx, "stale"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("stale ring should be ended, got %v", err)
	}
	if cur, err := repo.Get(ctx, "fresh"); err != nil || cur.Status != session.StatusRinging {
		t.Fatalf("fresh ring must survive, got %+v %v", cur, err)
	}
}

func TestSweepSkipsRingsAnsweredMidSweep(t *testing.T) {
	repo := session.NewMemoryRepo()
	machine := session.NewMachine(repo, session.Deps{})
	ctx := context.Background()

	start := time.Unix(1700000000, 0).UTC()
	repo.SetClock(func() time.Time { return start })
	if _, err := machine.Apply(ctx, session.TransitionRequest{
		RoomKey: "room-1", Event: session.EventRing, Role: session.RoleVisitor, PropertyRef: "p1", OwnerRef: "o1",
	}); err != nil {
		t.Fatalf("ring: %v", err)
	}

	// The owner answers between the sweep's list and its CAS.
	repo.SetClock(func() time.Time { return start.Add(3 * time.Minute) })
	stale, err := repo.ListRingingBefore(ctx, start.Add(2*time.Minute))
	if err != nil || len(stale) != 1 {
		t.Fatalf("expected one stale ring, got %v %v", stale, err)
	}
	if _, err := machine.Apply(ctx, session.TransitionRequest{
		RoomKey: "room-1", Event: session.EventAnswer, Role: session.RoleOwner,
	}); err != nil {
		t.Fatalf("answer: %v", err)
	}

	if _, err := machine.ExpireRinging(ctx, stale[0]); !errors.Is(err, session.ErrConflict) {
		t.Fatalf("expected expiry to lose, got %v", err)
	}
	cur, err := repo.Get(ctx, "room-1")
	if err != nil || cur.Status != session.StatusAnswered {
		t.Fatalf("answer must win, got %+v %v", cur, err)
	}
}

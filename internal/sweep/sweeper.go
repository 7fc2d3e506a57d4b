package sweep

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"doorbell-platform/internal/session"
)

// Sweeper ends episodes stuck in ringing so a visitor is never told to wait
// forever. It is a background policy, not a client-triggered cancellation:
// every expiry goes through the machine's compare-and-set, so a concurrent
// answer always resolves the race cleanly in the owner's favor.
type Sweeper struct {
	repo    session.Repository
	machine *session.Machine

	interval    time.Duration
	ringTimeout time.Duration

	clock func() time.Time
	log   *slog.Logger
}

type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// RingTimeout is how long an unanswered ring may stay live.
	RingTimeout time.Duration
}

func New(repo session.Repository, machine *session.Machine, cfg Config, log *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 90 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		repo:        repo,
		machine:     machine,
		interval:    cfg.Interval,
		ringTimeout: cfg.RingTimeout,
		clock:       time.Now,
		log:         log,
	}
}

// Run sweeps until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := s.SweepOnce(ctx)
			if expired > 0 {
				s.log.Info("expired unanswered rings", "count", expired)
			}
		}
	}
}

// SweepOnce expires all currently overdue rings and returns how many it
// actually ended. Races lost to concurrent answers are skipped silently:
// that is the sweep working as intended, not a failure.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	cutoff := s.clock().UTC().Add(-s.ringTimeout)
	stale, err := s.repo.ListRingingBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("ring sweep query failed", "err", err)
		return 0
	}

	expired := 0
	for _, sess := range stale {
		if _, err := s.machine.ExpireRinging(ctx, sess); err != nil {
			if errors.Is(err, session.ErrConflict) || errors.Is(err, session.ErrNotFound) {
				continue
			}
			s.log.Error("ring expiry failed", "room_key", sess.RoomKey, "err", err)
			continue
		}
		expired++
	}
	return expired
}

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Broadcaster pushes an accepted state change to everyone observing the room.
// Delivery is best-effort and must never block or fail the transition.
type Broadcaster interface {
	Broadcast(ctx context.Context, s Session)
	// OwnerAttached reports whether at least one owner client is currently
	// subscribed to the room. Used to decide whether a ring needs a push.
	OwnerAttached(roomKey string) bool
}

// Recorder appends a human-meaningful entry to the activity trail.
// Fire-and-forget: failures are logged, never propagated.
type Recorder interface {
	Record(ctx context.Context, propertyRef, typeTag, title string, duration time.Duration)
}

// RingAlerter delivers the out-of-band "doorbell rang" alert when no owner
// client is watching the fanout channel.
type RingAlerter interface {
	AlertRinging(ctx context.Context, s Session)
}

// LinkProvider creates the conferencing link for an episode. Invoked at most
// once per episode; the result is cached into the session row.
type LinkProvider interface {
	CreateMeetingLink(ctx context.Context, propertyRef string) (string, error)
}

// Machine validates and applies doorbell transitions.
//
// The transition table is coarse on purpose: it encodes who may act next,
// not turn-by-turn call content. Voice and video messages attach to a state
// instead of being sub-states, so any number of them can flow in either
// direction without moving the status.
type Machine struct {
	repo      Repository
	broadcast Broadcaster
	activity  Recorder
	alerter   RingAlerter
	links     LinkProvider

	clock func() time.Time
	log   *slog.Logger
}

// Deps are the machine's collaborators. Broadcast, Activity, Alerter and
// Links may be nil in tests; the machine treats a nil collaborator as a
// no-op.
type Deps struct {
	Broadcast Broadcaster
	Activity  Recorder
	Alerter   RingAlerter
	Links     LinkProvider
	Logger    *slog.Logger
}

func NewMachine(repo Repository, deps Deps) *Machine {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		repo:      repo,
		broadcast: deps.Broadcast,
		activity:  deps.Activity,
		alerter:   deps.Alerter,
		links:     deps.Links,
		clock:     time.Now,
		log:       log,
	}
}

// Apply validates req against the current session and applies it atomically.
// It returns the new canonical state. Events marked idempotent in the table
// return the current state unchanged instead of erroring.
//
// The caller gets its acknowledgement as soon as the store write lands;
// fanout and push delivery happen without blocking the caller's response.
func (m *Machine) Apply(ctx context.Context, req TransitionRequest) (Session, error) {
	if req.RoomKey == "" {
		return Session{}, fmt.Errorf("%w: room_key is required", ErrInvalidArgument)
	}
	if req.Role != RoleVisitor && req.Role != RoleOwner {
		return Session{}, fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, req.Role)
	}

	switch req.Event {
	case EventArrive:
		return m.applyArrive(ctx, req)
	case EventRing:
		return m.applyRing(ctx, req)
	case EventAnswer:
		return m.applyAnswer(ctx, req)
	case EventStartVideo:
		return m.applyStartVideo(ctx, req)
	case EventVoiceMessage:
		return m.applyMessage(ctx, req, MessageKindVoice)
	case EventVideoMessage:
		return m.applyMessage(ctx, req, MessageKindVideo)
	case EventJoinCall:
		return m.applyJoinCall(ctx, req)
	case EventEnd:
		return m.applyEnd(ctx, req)
	default:
		return Session{}, fmt.Errorf("%w: unknown event %q", ErrInvalidArgument, req.Event)
	}
}

// Snapshot returns the current live session for a room without applying any
// event. Clients use it as the reconciliation read when they cannot hold a
// subscription open.
func (m *Machine) Snapshot(ctx context.Context, roomKey string) (Session, error) {
	if roomKey == "" {
		return Session{}, fmt.Errorf("%w: room_key is required", ErrInvalidArgument)
	}
	return m.repo.Get(ctx, roomKey)
}

// applyArrive creates the episode row when absent and moves waiting->pending.
// Arriving again later in the episode is a reconnect, not a transition.
func (m *Machine) applyArrive(ctx context.Context, req TransitionRequest) (Session, error) {
	if req.Role != RoleVisitor {
		return Session{}, fmt.Errorf("%w: only visitors arrive", ErrInvalidTransition)
	}

	cur, err := m.repo.CreateIfAbsent(ctx, req.RoomKey, req.PropertyRef, req.OwnerRef)
	if err != nil {
		return Session{}, err
	}

	if cur.Status == StatusWaiting {
		present := true
		next, err := m.repo.CompareAndSetStatus(ctx, req.RoomKey, StatusWaiting, cur.Version, Update{
			Status:         StatusPending,
			VisitorPresent: &present,
		})
		if err != nil {
			// A concurrent arrive already advanced the row; their write is ours.
			return m.reloadIfSatisfied(ctx, req.RoomKey, StatusPending, err)
		}
		m.record(ctx, next, "arrival", "visitor arrived at the door", 0)
		m.publish(ctx, next)
		return next, nil
	}

	if !cur.VisitorPresent {
		present := true
		next, err := m.repo.CompareAndSetStatus(ctx, req.RoomKey, cur.Status, cur.Version, Update{
			Status:         cur.Status,
			VisitorPresent: &present,
		})
		if err != nil {
			return m.reloadIfSatisfied(ctx, req.RoomKey, cur.Status, err)
		}
		m.publish(ctx, next)
		return next, nil
	}

	return cur, nil
}

// applyRing moves waiting/pending->ringing. Re-ringing while already ringing
// is a no-op. Ringing an ended room starts a brand-new episode.
func (m *Machine) applyRing(ctx context.Context, req TransitionRequest) (Session, error) {
	if req.Role != RoleVisitor {
		return Session{}, fmt.Errorf("%w: only visitors ring", ErrInvalidTransition)
	}

	cur, err := m.repo.CreateIfAbsent(ctx, req.RoomKey, req.PropertyRef, req.OwnerRef)
	if err != nil {
		return Session{}, err
	}

	switch cur.Status {
	case StatusWaiting, StatusPending:
		present := true
		next, err := m.repo.CompareAndSetStatus(ctx, req.RoomKey, cur.Status, cur.Version, Update{
			Status:         StatusRinging,
			VisitorPresent: &present,
		})
		if err != nil {
			return m.reloadIfSatisfied(ctx, req.RoomKey, StatusRinging, err)
		}
		m.record(ctx, next, "doorbell", "doorbell rang", 0)
		m.publish(ctx, next)
		m.pushIfUnwatched(ctx, next)
		return next, nil
	case StatusRinging:
		// Idempotent re-ring.
		return cur, nil
	default:
		return Session{}, fmt.Errorf("%w: cannot ring while %s", ErrInvalidTransition, cur.Status)
	}
}

// applyAnswer moves ringing->answered exactly once per episode. A losing
// concurrent answer gets the already-answered state back, not an error.
func (m *Machine) applyAnswer(ctx context.Context, req TransitionRequest) (Session, error) {
	if req.Role != RoleOwner {
		return Session{}, fmt.Errorf("%w: only the owner answers", ErrInvalidTransition)
	}

	cur, err := m.repo.Get(ctx, req.RoomKey)
	if err != nil {
		return Session{}, err
	}

	switch cur.Status {
	case StatusRinging:
		next, err := m.repo.CompareAndSetStatus(ctx, req.RoomKey, StatusRinging, cur.Version, Update{
			Status: StatusAnswered,
		})
		if err != nil {
			return m.reloadIfSatisfied(ctx, req.RoomKey, StatusAnswered, err)
		}
		m.record(ctx, next, "answered", "owner answered the door", 0)
		m.publish(ctx, next)
		return next, nil
	case StatusAnswered, StatusInCall, StatusVoiceExchange:
		// Already answered; idempotent.
		return cur, nil
	default:
		return Session{}, fmt.Errorf("%w: cannot answer while %s", ErrInvalidTransition, cur.Status)
	}
}

// applyStartVideo moves answered->in_call, creating the meeting link when the
// episode does not have one yet. The link is created before the CAS so the
// link and the transition land atomically in the same write.
func (m *Machine) applyStartVideo(ctx context.Context, req TransitionRequest) (Session, error) {
	if req.Role != RoleOwner {
		return Session{}, fmt.Errorf("%w: only the owner starts video", ErrInvalidTransition)
	}

	cur, err := m.repo.Get(ctx, req.RoomKey)
	if err != nil {
		return Session{}, err
	}

	switch cur.Status {
	case StatusAnswered:
		link := cur.MeetLink
		if link == "" {
			if m.links == nil {
				return Session{}, errors.New("conference provider not configured")
			}
			link, err = m.links.CreateMeetingLink(ctx, cur.PropertyRef)
			if err != nil {
				return Session{}, fmt.Errorf("create meeting link: %w", err)
			}
		}
		present := true
		next, err := m.repo.CompareAndSetStatus(ctx, req.RoomKey, StatusAnswered, cur.Version, Update{
			Status:       StatusInCall,
			OwnerPresent: &present,
			MeetLink:     &link,
		})
		if err != nil {
			// voice_exchange shares its rank with in_call, so the generic
			// reload resolution would mistake a concurrent voice message for
			// a satisfied start-video. Only an exact in_call counts here; the
			// discarded link is cheap, the false acknowledgement is not.
			if errors.Is(err, ErrConflict) {
				if reloaded, gerr := m.repo.Get(ctx, req.RoomKey); gerr == nil && reloaded.Status == StatusInCall {
					return reloaded, nil
				}
			}
			return Session{}, err
		}
		m.record(ctx, next, "call_started", "video call started", 0)
		m.publish(ctx, next)
		return next, nil
	case StatusInCall:
		return cur, nil
	default:
		return Session{}, fmt.Errorf("%w: cannot start video while %s", ErrInvalidTransition, cur.Status)
	}
}

// applyMessage attaches a voice or video message reference. From answered the
// status becomes voice_exchange; from in_call or voice_exchange it stays put.
// N messages in either direction never move the status anywhere else.
func (m *Machine) applyMessage(ctx context.Context, req TransitionRequest, kind MessageKind) (Session, error) {
	if req.MessageRef == "" {
		return Session{}, fmt.Errorf("%w: message_ref is required", ErrInvalidArgument)
	}
	if kind == MessageKindVideo && req.Role != RoleVisitor {
		return Session{}, fmt.Errorf("%w: only visitors send video messages", ErrInvalidTransition)
	}

	cur, err := m.repo.Get(ctx, req.RoomKey)
	if err != nil {
		return Session{}, err
	}

	var target Status
	switch cur.Status {
	case StatusAnswered:
		target = StatusVoiceExchange
	case StatusInCall, StatusVoiceExchange:
		target = cur.Status
	default:
		return Session{}, fmt.Errorf("%w: cannot send a message while %s", ErrInvalidTransition, cur.Status)
	}

	msg := MessageRef{Ref: req.MessageRef, Kind: kind, SentAt: m.clock().UTC()}
	up := Update{Status: target}
	if req.Role == RoleOwner {
		up.AppendOwnerMessage = &msg
	} else {
		up.AppendVisitorMessage = &msg
	}

	next, err := m.repo.CompareAndSetStatus(ctx, req.RoomKey, cur.Status, cur.Version, up)
	if err != nil {
		// Unlike ring/answer, a lost race here did not deliver this message.
		// Surface the conflict so the client can reload and resend.
		return Session{}, err
	}
	m.record(ctx, next, string(kind)+"_message", string(req.Role)+" sent a "+string(kind)+" message", 0)
	m.publish(ctx, next)
	return next, nil
}

// applyJoinCall validates that the call is live and hands back the session so
// the visitor client can read the meeting link. No state changes.
func (m *Machine) applyJoinCall(ctx context.Context, req TransitionRequest) (Session, error) {
	if req.Role != RoleVisitor {
		return Session{}, fmt.Errorf("%w: only visitors join this way", ErrInvalidTransition)
	}

	cur, err := m.repo.Get(ctx, req.RoomKey)
	if err != nil {
		return Session{}, err
	}
	if cur.Status != StatusInCall {
		return Session{}, fmt.Errorf("%w: no live call to join while %s", ErrInvalidTransition, cur.Status)
	}
	return cur, nil
}

// applyEnd terminates the episode from any non-terminal status. The meet
// link survives on the row for audit; owner presence is cleared.
func (m *Machine) applyEnd(ctx context.Context, req TransitionRequest) (Session, error) {
	if req.Role != RoleOwner {
		return Session{}, fmt.Errorf("%w: only the owner ends the session", ErrInvalidTransition)
	}

	cur, err := m.repo.Get(ctx, req.RoomKey)
	if err != nil {
		return Session{}, err
	}

	now := m.clock().UTC()
	gone := false
	next, err := m.repo.CompareAndSetStatus(ctx, req.RoomKey, cur.Status, cur.Version, Update{
		Status:       StatusEnded,
		OwnerPresent: &gone,
		EndedAt:      &now,
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			// The row moved underneath us. If it reached ended anyway (the
			// sweeper won), the live row is gone and the intent is met.
			if _, gerr := m.repo.Get(ctx, req.RoomKey); errors.Is(gerr, ErrNotFound) {
				cur.Status = StatusEnded
				cur.EndedAt = &now
				return cur, nil
			}
		}
		return Session{}, err
	}
	m.record(ctx, next, "call_ended", "owner ended the session", now.Sub(next.CreatedAt))
	m.publish(ctx, next)
	return next, nil
}

// ExpireRinging ends an episode the sweeper found stuck in ringing. Losing
// the CAS to a concurrent answer is the expected resolution of that race and
// is reported as ErrConflict for the sweeper to skip.
func (m *Machine) ExpireRinging(ctx context.Context, s Session) (Session, error) {
	now := m.clock().UTC()
	next, err := m.repo.CompareAndSetStatus(ctx, s.RoomKey, StatusRinging, s.Version, Update{
		Status:  StatusEnded,
		EndedAt: &now,
	})
	if err != nil {
		return Session{}, err
	}
	m.record(ctx, next, "ring_timeout", "doorbell went unanswered", now.Sub(next.CreatedAt))
	m.publish(ctx, next)
	return next, nil
}

// reloadIfSatisfied resolves a CAS conflict for idempotent events: when the
// concurrent writer already brought the session to (or past) the status this
// caller wanted, the reloaded state is returned as a success.
func (m *Machine) reloadIfSatisfied(ctx context.Context, roomKey string, wanted Status, casErr error) (Session, error) {
	if !errors.Is(casErr, ErrConflict) {
		return Session{}, casErr
	}
	cur, err := m.repo.Get(ctx, roomKey)
	if err != nil {
		return Session{}, ErrConflict
	}
	if cur.Status.Rank() >= wanted.Rank() && !cur.Status.Terminal() {
		return cur, nil
	}
	return Session{}, ErrConflict
}

func (m *Machine) record(ctx context.Context, s Session, typeTag, title string, d time.Duration) {
	if m.activity == nil {
		return
	}
	m.activity.Record(ctx, s.PropertyRef, typeTag, title, d)
}

func (m *Machine) publish(ctx context.Context, s Session) {
	if m.broadcast == nil {
		return
	}
	m.broadcast.Broadcast(ctx, s)
}

// pushIfUnwatched invokes the out-of-band alert path only when no owner
// client is attached to the fanout. The alert runs detached from the
// caller's request; its failure never reaches the visitor.
func (m *Machine) pushIfUnwatched(ctx context.Context, s Session) {
	if m.alerter == nil {
		return
	}
	if m.broadcast != nil && m.broadcast.OwnerAttached(s.RoomKey) {
		return
	}
	go func() {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		m.alerter.AlertRinging(pushCtx, s)
	}()
}

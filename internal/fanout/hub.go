package fanout

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"doorbell-platform/internal/session"
)

// Hub delivers accepted state changes to every party currently observing a
// room key, and gives a late subscriber the current truth before any deltas.
//
// Delivery contract:
//   - At-least-once, per room. Duplicates and reordering are possible; the
//     hub filters anything not newer than the last state it handed to a
//     subscriber (last-state-wins), so observers never step backward.
//   - A slow subscriber gets dropped deltas instead of blocking publishers.
//     That is safe: the reconciliation read on (re)subscribe closes any gap.
//
// The hub holds no subscriber state beyond the live connection list.
type Hub struct {
	store  session.Reader
	bridge Bridge
	log    *slog.Logger

	mu    sync.RWMutex
	rooms map[string]map[*subscriber]struct{}
}

// Bridge relays changes across service instances (see RedisBridge). A nil
// bridge means single-instance operation; the hub works the same way.
type Bridge interface {
	Publish(ctx context.Context, s session.Session) error
}

type subscriber struct {
	role session.Role

	// ch is the raw intake from broadcasts; out is the filtered stream the
	// observer reads. The pump between them compares every state against
	// the watermark of what was actually handed out, so a delta buffered
	// during the reconciliation read can never be delivered after a newer
	// Initial.
	ch  chan session.Session
	out chan session.Session

	mu          sync.Mutex
	lastID      string
	lastVersion int64
}

// Subscription is what a connected observer holds: the reconciled current
// state plus the live change stream.
type Subscription struct {
	// Initial is the state read directly from the store at subscribe time.
	// Nil when the room has no live session yet.
	Initial *session.Session

	// Updates delivers newer states until Close (or the subscribe context)
	// tears the subscription down.
	Updates <-chan session.Session

	cancel func()
}

func (s *Subscription) Close() { s.cancel() }

const subscriberBuffer = 16

func NewHub(store session.Reader, bridge Bridge, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		store:  store,
		bridge: bridge,
		log:    log,
		rooms:  make(map[string]map[*subscriber]struct{}),
	}
}

// SetBridge attaches the cross-instance relay. Called once during boot,
// before the hub starts taking traffic; the hub and the bridge reference
// each other, so one of them has to be wired late.
func (h *Hub) SetBridge(b Bridge) {
	h.mu.Lock()
	h.bridge = b
	h.mu.Unlock()
}

// Subscribe attaches an observer to a room. The reconciliation read happens
// before the subscriber goes live, so a transition that landed before (or
// during) connection setup is always represented in Initial or in a later
// delta, never silently lost.
func (h *Hub) Subscribe(ctx context.Context, roomKey string, role session.Role) (*Subscription, error) {
	sub := &subscriber{
		role: role,
		ch:   make(chan session.Session, subscriberBuffer),
		out:  make(chan session.Session, subscriberBuffer),
	}

	h.mu.Lock()
	set, ok := h.rooms[roomKey]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.rooms[roomKey] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	var initial *session.Session
	cur, err := h.store.Get(ctx, roomKey)
	switch {
	case err == nil:
		initial = &cur
		sub.mu.Lock()
		sub.lastID = cur.ID
		sub.lastVersion = cur.Version
		sub.mu.Unlock()
	case errors.Is(err, session.ErrNotFound):
		// Room exists, no live episode yet. Subscriber starts from nothing.
	default:
		h.detach(roomKey, sub)
		return nil, err
	}

	// The pump starts only after the watermark is primed from the read, so
	// anything that raced into the intake buffer meanwhile gets re-checked
	// against Initial before it can reach the observer.
	go sub.pump(h.log, roomKey)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.detach(roomKey, sub)
			close(sub.ch)
		})
	}

	stop := context.AfterFunc(ctx, cancel)

	return &Subscription{
		Initial: initial,
		Updates: sub.out,
		cancel: func() {
			stop()
			cancel()
		},
	}, nil
}

// Broadcast fans a state change out to local subscribers and, when a bridge
// is configured, to the other instances. Never blocks the caller.
func (h *Hub) Broadcast(ctx context.Context, s session.Session) {
	h.deliverLocal(s)
	if h.bridge != nil {
		if err := h.bridge.Publish(ctx, s); err != nil {
			h.log.Warn("fanout bridge publish failed", "room_key", s.RoomKey, "err", err)
		}
	}
}

// deliverLocal hands s to every local subscriber of the room that has not
// already seen it (or something newer). Called for both local broadcasts and
// states relayed in by the bridge; the version filter makes the relay echo
// of our own broadcasts a no-op.
func (h *Hub) deliverLocal(s session.Session) {
	// Sends stay under the read lock: detach takes the write lock before the
	// intake channel is closed, so no send can race a close.
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.rooms[s.RoomKey] {
		if sub.seen(s) {
			continue
		}
		select {
		case sub.ch <- s:
		default:
			// Subscriber is not draining; drop rather than block. The next
			// reconciliation read repairs whatever it missed.
			h.log.Warn("dropping fanout delta for slow subscriber", "room_key", s.RoomKey)
		}
	}
}

// OwnerAttached reports whether any owner client is subscribed to the room
// on this instance. An owner watching from another instance behind the redis
// bridge is invisible here and may still receive a push. That direction is
// acceptable: a spurious wake-up costs one notification, a missed one costs
// an unanswered door, and this path can only produce the former.
func (h *Hub) OwnerAttached(roomKey string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.rooms[roomKey] {
		if sub.role == session.RoleOwner {
			return true
		}
	}
	return false
}

func (h *Hub) detach(roomKey string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.rooms[roomKey]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.rooms, roomKey)
		}
	}
}

// seen reports whether s is already covered by the watermark: an older
// version of the same episode, or a duplicate. A different episode ID is
// always new, since ended rows give way to fresh episodes. Read-only; only
// the pump moves the watermark.
func (sub *subscriber) seen(s session.Session) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return s.ID == sub.lastID && s.Version <= sub.lastVersion
}

// advance records s as the latest state handed to the observer. Returns
// false when s is not newer than the watermark.
func (sub *subscriber) advance(s session.Session) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if s.ID == sub.lastID && s.Version <= sub.lastVersion {
		return false
	}
	sub.lastID = s.ID
	sub.lastVersion = s.Version
	return true
}

// pump drains the intake, filters against the delivery watermark, and
// forwards what survives. Closing the intake shuts the outgoing stream.
func (sub *subscriber) pump(log *slog.Logger, roomKey string) {
	defer close(sub.out)
	for s := range sub.ch {
		if !sub.advance(s) {
			continue
		}
		select {
		case sub.out <- s:
		default:
			log.Warn("dropping fanout delta for slow subscriber", "room_key", roomKey)
		}
	}
}

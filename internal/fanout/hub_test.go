package fanout

import (
	"context"
	"sync"
	"testing"
	"time"

	"doorbell-platform/internal/session"
)

func testSession(id, roomKey string, status session.Status, version int64) session.Session {
	return session.Session{
		ID:      id,
		RoomKey: roomKey,
		Status:  status,
		Version: version,
	}
}

func recvSession(t *testing.T, ch <-chan session.Session) session.Session {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delta")
		return session.Session{}
	}
}

func TestSubscribePerformsReconciliationRead(t *testing.T) {
	repo := session.NewMemoryRepo()
	hub := NewHub(repo, nil, nil)
	ctx := context.Background()

	// A transition happened before anyone subscribed.
	if _, err := repo.CreateIfAbsent(ctx, "room-1", "prop-1", "owner-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	cur, err := repo.CompareAndSetStatus(ctx, "room-1", session.StatusWaiting, 1, session.Update{Status: session.StatusRinging})
	if err != nil {
		t.Fatalf("cas: %v", err)
	}

	sub, err := hub.Subscribe(ctx, "room-1", session.RoleOwner)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if sub.Initial == nil {
		t.Fatalf("expected initial state from reconciliation read")
	}
	if sub.Initial.Status != session.StatusRinging || sub.Initial.Version != cur.Version {
		t.Fatalf("initial state does not match store: %+v", sub.Initial)
	}
}

func TestSubscribeToUnknownRoomStartsEmpty(t *testing.T) {
	hub := NewHub(session.NewMemoryRepo(), nil, nil)

	sub, err := hub.Subscribe(context.Background(), "room-1", session.RoleVisitor)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if sub.Initial != nil {
		t.Fatalf("expected no initial state, got %+v", sub.Initial)
	}
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	hub := NewHub(session.NewMemoryRepo(), nil, nil)
	ctx := context.Background()

	// Owner with two devices plus the visitor.
	a, _ := hub.Subscribe(ctx, "room-1", session.RoleOwner)
	b, _ := hub.Subscribe(ctx, "room-1", session.RoleOwner)
	c, _ := hub.Subscribe(ctx, "room-1", session.RoleVisitor)
	defer a.Close()
	defer b.Close()
	defer c.Close()

	s := testSession("ep-1", "room-1", session.StatusRinging, 2)
	hub.Broadcast(ctx, s)

	for _, sub := range []*Subscription{a, b, c} {
		got := recvSession(t, sub.Updates)
		if got.Status != session.StatusRinging || got.Version != 2 {
			t.Fatalf("unexpected delta: %+v", got)
		}
	}
}

func TestStaleAndDuplicateStatesAreDiscarded(t *testing.T) {
	hub := NewHub(session.NewMemoryRepo(), nil, nil)
	ctx := context.Background()

	sub, _ := hub.Subscribe(ctx, "room-1", session.RoleOwner)
	defer sub.Close()

	hub.Broadcast(ctx, testSession("ep-1", "room-1", session.StatusAnswered, 4))
	if got := recvSession(t, sub.Updates); got.Version != 4 {
		t.Fatalf("expected v4, got %+v", got)
	}

	// Older and duplicate versions of the same episode must be dropped.
	hub.Broadcast(ctx, testSession("ep-1", "room-1", session.StatusRinging, 3))
	hub.Broadcast(ctx, testSession("ep-1", "room-1", session.StatusAnswered, 4))
	// A newer one still flows.
	hub.Broadcast(ctx, testSession("ep-1", "room-1", session.StatusInCall, 5))

	if got := recvSession(t, sub.Updates); got.Version != 5 {
		t.Fatalf("expected v5 next (stale states filtered), got %+v", got)
	}
}

func TestNewEpisodeSupersedesEndedOne(t *testing.T) {
	hub := NewHub(session.NewMemoryRepo(), nil, nil)
	ctx := context.Background()

	sub, _ := hub.Subscribe(ctx, "room-1", session.RoleOwner)
	defer sub.Close()

	hub.Broadcast(ctx, testSession("ep-1", "room-1", session.StatusEnded, 6))
	recvSession(t, sub.Updates)

	// The next episode starts over with a fresh row and low version.
	hub.Broadcast(ctx, testSession("ep-2", "room-1", session.StatusRinging, 2))
	got := recvSession(t, sub.Updates)
	if got.ID != "ep-2" || got.Status != session.StatusRinging {
		t.Fatalf("new episode was filtered: %+v", got)
	}
}

func TestOwnerAttached(t *testing.T) {
	hub := NewHub(session.NewMemoryRepo(), nil, nil)
	ctx := context.Background()

	if hub.OwnerAttached("room-1") {
		t.Fatalf("no subscribers yet")
	}

	v, _ := hub.Subscribe(ctx, "room-1", session.RoleVisitor)
	defer v.Close()
	if hub.OwnerAttached("room-1") {
		t.Fatalf("visitor must not count as owner")
	}

	o, _ := hub.Subscribe(ctx, "room-1", session.RoleOwner)
	if !hub.OwnerAttached("room-1") {
		t.Fatalf("owner subscription not seen")
	}

	o.Close()
	if hub.OwnerAttached("room-1") {
		t.Fatalf("owner still attached after close")
	}
}

// racingReader broadcasts an older state while the reconciliation read is in
// flight, then answers the read with a newer one. This is the window where a
// buffered delta could otherwise sneak out behind Initial.
type racingReader struct {
	hub     *Hub
	stale   session.Session
	current session.Session
	once    sync.Once
}

func (r *racingReader) Get(ctx context.Context, roomKey string) (session.Session, error) {
	r.once.Do(func() {
		r.hub.Broadcast(ctx, r.stale)
	})
	return r.current, nil
}

func TestDeltaBufferedDuringReconciliationReadIsNotReplayed(t *testing.T) {
	rr := &racingReader{
		stale:   testSession("ep-1", "room-1", session.StatusRinging, 2),
		current: testSession("ep-1", "room-1", session.StatusAnswered, 3),
	}
	hub := NewHub(rr, nil, nil)
	rr.hub = hub
	ctx := context.Background()

	sub, err := hub.Subscribe(ctx, "room-1", session.RoleOwner)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if sub.Initial == nil || sub.Initial.Version != 3 {
		t.Fatalf("expected initial v3 from the read, got %+v", sub.Initial)
	}

	hub.Broadcast(ctx, testSession("ep-1", "room-1", session.StatusInCall, 4))

	// The v2 state buffered during the read must never surface; the first
	// delta after Initial has to be newer than Initial.
	if got := recvSession(t, sub.Updates); got.Version != 4 {
		t.Fatalf("state older than Initial delivered: %+v", got)
	}
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	hub := NewHub(session.NewMemoryRepo(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := hub.Subscribe(ctx, "room-1", session.RoleOwner)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	select {
	case _, ok := <-sub.Updates:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("updates channel not closed on context cancel")
	}
}

func TestDisconnectTransitionReconnectObservesStoreState(t *testing.T) {
	repo := session.NewMemoryRepo()
	hub := NewHub(repo, nil, nil)
	ctx := context.Background()

	first, _ := hub.Subscribe(ctx, "room-1", session.RoleOwner)
	first.Close()

	// Transition lands while nobody is connected.
	if _, err := repo.CreateIfAbsent(ctx, "room-1", "prop-1", "owner-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	want, err := repo.CompareAndSetStatus(ctx, "room-1", session.StatusWaiting, 1, session.Update{Status: session.StatusRinging})
	if err != nil {
		t.Fatalf("cas: %v", err)
	}

	second, err := hub.Subscribe(ctx, "room-1", session.RoleOwner)
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	defer second.Close()

	if second.Initial == nil || second.Initial.Status != want.Status || second.Initial.Version != want.Version {
		t.Fatalf("reconnect must reconcile to store state, got %+v", second.Initial)
	}
}

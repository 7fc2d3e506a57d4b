package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"doorbell-platform/internal/activity"
	"doorbell-platform/internal/auth"
	"doorbell-platform/internal/conference"
	"doorbell-platform/internal/config"
	"doorbell-platform/internal/fanout"
	"doorbell-platform/internal/notify"
	"doorbell-platform/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router  *gin.Engine
	manager *auth.Manager
	targets *notify.MemoryTargetRepo
}

var testProperty = notify.Property{
	Ref:      "prop-1",
	RoomKey:  "garden-gate",
	Name:     "12 Elm Street",
	OwnerRef: "owner-1",
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := session.NewMemoryRepo()
	hub := fanout.NewHub(repo, nil, log)
	activitySvc := activity.NewService(activity.NewMemoryRepo(), log)
	machine := session.NewMachine(repo, session.Deps{
		Broadcast: hub,
		Activity:  activitySvc,
		Links:     conference.NewStaticProvider("https://meet.example"),
		Logger:    log,
	})

	manager, err := auth.NewManager(config.AuthConfig{
		JWTSecret:       "test-secret",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("auth manager: %v", err)
	}

	targets := notify.NewMemoryTargetRepo()
	h := &Handlers{
		Machine:   machine,
		Hub:       hub,
		Directory: notify.NewMemoryDirectory(testProperty),
		Targets:   targets,
		Activity:  activitySvc,
		Log:       log,
	}

	r := gin.New()
	rooms := r.Group("/v1/rooms/:room_key")
	rooms.POST("/arrive", h.Arrive)
	rooms.POST("/ring", h.Ring)
	rooms.POST("/voice", h.VisitorVoiceMessage)
	rooms.POST("/join", h.JoinCall)
	rooms.GET("", h.Snapshot)
	rooms.GET("/subscribe", auth.OptionalOwner(manager), h.Subscribe)

	owner := r.Group("/v1/rooms/:room_key", auth.RequireOwner(manager))
	owner.POST("/answer", h.Answer)
	owner.POST("/start-video", h.StartVideo)
	owner.POST("/end", h.End)

	account := r.Group("/v1", auth.RequireOwner(manager))
	account.GET("/activity", h.ActivityFeed)
	account.POST("/push-targets", h.RegisterPushTarget)
	account.DELETE("/push-targets/:id", h.RemovePushTarget)

	return &testEnv{router: r, manager: manager, targets: targets}
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) token(t *testing.T, ownerRef string) string {
	t.Helper()
	pair, err := e.manager.IssuePair(time.Now(), ownerRef)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return pair.AccessToken
}

func decodeSession(t *testing.T, w *httptest.ResponseRecorder) session.Session {
	t.Helper()
	var body struct {
		Session session.Session `json:"session"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return body.Session
}

func TestArriveThenRingFlow(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/v1/rooms/garden-gate/arrive", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("arrive: %d %s", w.Code, w.Body.String())
	}
	if s := decodeSession(t, w); s.Status != session.StatusPending {
		t.Fatalf("expected pending after arrive, got %s", s.Status)
	}
	if !strings.Contains(w.Body.String(), "12 Elm Street") {
		t.Fatalf("expected property name in arrive response: %s", w.Body.String())
	}

	w = e.do(t, http.MethodPost, "/v1/rooms/garden-gate/ring", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("ring: %d %s", w.Code, w.Body.String())
	}
	if s := decodeSession(t, w); s.Status != session.StatusRinging {
		t.Fatalf("expected ringing, got %s", s.Status)
	}
}

func TestUnknownRoomKeyIsNotFound(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodPost, "/v1/rooms/nope/ring", "", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestOwnerRoutesRequireToken(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodPost, "/v1/rooms/garden-gate/answer", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestOwnerRoutesRejectForeignOwner(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, "/v1/rooms/garden-gate/ring", "", "")

	w := e.do(t, http.MethodPost, "/v1/rooms/garden-gate/answer", e.token(t, "owner-2"), "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", w.Code, w.Body.String())
	}
}

func TestAnswerWithoutSessionIsNotFound(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodPost, "/v1/rooms/garden-gate/answer", e.token(t, "owner-1"), "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", w.Code, w.Body.String())
	}
}

func TestAnswerBeforeRingIsConflictWithCurrentState(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, "/v1/rooms/garden-gate/arrive", "", "")

	w := e.do(t, http.MethodPost, "/v1/rooms/garden-gate/answer", e.token(t, "owner-1"), "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", w.Code, w.Body.String())
	}
	// The losing caller gets the current state to resync against.
	if s := decodeSession(t, w); s.Status != session.StatusPending {
		t.Fatalf("expected current state pending in conflict body, got %s", s.Status)
	}
}

func TestVoiceMessageRequiresBlobRef(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, "/v1/rooms/garden-gate/ring", "", "")

	w := e.do(t, http.MethodPost, "/v1/rooms/garden-gate/voice", "", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", w.Code, w.Body.String())
	}
}

func TestFullCallOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	owner := e.token(t, "owner-1")

	e.do(t, http.MethodPost, "/v1/rooms/garden-gate/ring", "", "")
	if w := e.do(t, http.MethodPost, "/v1/rooms/garden-gate/answer", owner, ""); w.Code != http.StatusOK {
		t.Fatalf("answer: %d %s", w.Code, w.Body.String())
	}
	w := e.do(t, http.MethodPost, "/v1/rooms/garden-gate/start-video", owner, "")
	if w.Code != http.StatusOK {
		t.Fatalf("start-video: %d %s", w.Code, w.Body.String())
	}
	if s := decodeSession(t, w); s.MeetLink == "" {
		t.Fatalf("expected meet link after start-video")
	}

	w = e.do(t, http.MethodPost, "/v1/rooms/garden-gate/join", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("join: %d %s", w.Code, w.Body.String())
	}

	if w := e.do(t, http.MethodPost, "/v1/rooms/garden-gate/end", owner, ""); w.Code != http.StatusOK {
		t.Fatalf("end: %d %s", w.Code, w.Body.String())
	}

	// The episode is over; the snapshot read reports no live session.
	if w := e.do(t, http.MethodGet, "/v1/rooms/garden-gate", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after end, got %d %s", w.Code, w.Body.String())
	}
}

func TestPushTargetRegistrationLifecycle(t *testing.T) {
	e := newTestEnv(t)
	owner := e.token(t, "owner-1")

	w := e.do(t, http.MethodPost, "/v1/push-targets", owner, `{"kind":"webhook","endpoint":"https://push.example/hook"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", w.Code, w.Body.String())
	}
	var created struct {
		Target notify.PushTarget `json:"target"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// Another owner cannot delete it.
	if w := e.do(t, http.MethodDelete, "/v1/push-targets/"+created.Target.ID, e.token(t, "owner-2"), ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign delete, got %d", w.Code)
	}

	if w := e.do(t, http.MethodDelete, "/v1/push-targets/"+created.Target.ID, owner, ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", w.Code, w.Body.String())
	}
}

func TestActivityFeedIsOwnerScoped(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, "/v1/rooms/garden-gate/ring", "", "")

	w := e.do(t, http.MethodGet, "/v1/activity?property_ref=prop-1", e.token(t, "owner-2"), "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}

	w = e.do(t, http.MethodGet, "/v1/activity?property_ref=prop-1", e.token(t, "owner-1"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("activity: %d %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "doorbell") {
		t.Fatalf("expected doorbell entry in feed: %s", w.Body.String())
	}
}

func TestSubscribeStreamsTransitions(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	e.do(t, http.MethodPost, "/v1/rooms/garden-gate/arrive", "", "")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/rooms/garden-gate/subscribe"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	defer resp.Body.Close()

	var first stateMessage
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	if first.Session == nil || first.Session.Status != session.StatusPending {
		t.Fatalf("expected pending in reconciliation frame, got %+v", first.Session)
	}

	e.do(t, http.MethodPost, "/v1/rooms/garden-gate/ring", "", "")

	var next stateMessage
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if next.Session == nil || next.Session.Status != session.StatusRinging {
		t.Fatalf("expected ringing update, got %+v", next.Session)
	}
}

package httpapi

import (
	"context"
	"net/http"
	"time"

	"doorbell-platform/internal/auth"
	"doorbell-platform/internal/session"
	"doorbell-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// roomSubscriberCap bounds websocket fanout per room across all API
	// instances. A doorbell room has one visitor and a handful of owner
	// devices; anything near the cap is abuse.
	roomSubscriberCap = 32
	subscriberCapTTL  = 5 * time.Minute
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Clients are QR-code web apps on arbitrary origins; the room key in
	// the URL is the credential, not the origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// stateMessage is the only frame type the server sends besides pings.
// Session is null when the room is idle at subscribe time.
type stateMessage struct {
	Type    string           `json:"type"`
	Session *session.Session `json:"session"`
}

// Subscribe upgrades to a websocket and streams session state for one room.
// The first frame is always the state read from the store at subscribe time,
// so a client that missed updates while disconnected converges immediately.
func (h *Handlers) Subscribe(c *gin.Context) {
	prop, ok := h.resolveProperty(c)
	if !ok {
		return
	}

	// Authenticated subscriptions by the room's owner count as "owner is
	// watching" and suppress push alerts; everything else is a visitor.
	role := session.RoleVisitor
	if ownerRef, err := auth.OwnerRef(c.Request.Context()); err == nil && ownerRef == prop.OwnerRef {
		role = session.RoleOwner
	}

	capKey := "doorbell:room_subs:" + prop.RoomKey
	if h.Redis != nil {
		acquired, err := utils.AcquireConcurrencyCap(c.Request.Context(), h.Redis, capKey, roomSubscriberCap, subscriberCapTTL)
		if err != nil {
			// The cap is protective, not load-bearing; serve without it
			// rather than failing the doorbell when redis blips.
			h.Log.Warn("subscriber cap unavailable", "room_key", prop.RoomKey, "error", err)
		} else if !acquired {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many subscribers for room"})
			return
		} else {
			defer func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := utils.ReleaseConcurrencyCap(releaseCtx, h.Redis, capKey); err != nil {
					h.Log.Warn("subscriber cap release failed", "room_key", prop.RoomKey, "error", err)
				}
			}()
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.Log.Warn("websocket upgrade failed", "room_key", prop.RoomKey, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub, err := h.Hub.Subscribe(ctx, prop.RoomKey, role)
	if err != nil {
		h.Log.Error("subscribe failed", "room_key", prop.RoomKey, "error", err)
		return
	}
	defer sub.Close()

	// Read pump: the client sends nothing meaningful; reads exist to honor
	// pongs and to notice the peer going away.
	go func() {
		defer cancel()
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.writeState(conn, sub.Initial); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-sub.Updates:
			if !ok {
				return
			}
			if err := h.writeState(conn, &s); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handlers) writeState(conn *websocket.Conn, s *session.Session) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(stateMessage{Type: "state", Session: s})
}

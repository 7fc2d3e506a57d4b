package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"doorbell-platform/internal/activity"
	"doorbell-platform/internal/auth"
	"doorbell-platform/internal/fanout"
	"doorbell-platform/internal/notify"
	"doorbell-platform/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Handlers glue HTTP to the doorbell core. No business rules live here:
// transition legality belongs to the machine, delivery to the fanout and
// dispatcher.
type Handlers struct {
	Machine   *session.Machine
	Hub       *fanout.Hub
	Directory notify.PropertyDirectory
	Targets   notify.TargetRepository
	Activity  *activity.Service

	// Redis backs the per-room subscriber cap; nil disables the cap.
	Redis *redis.Client

	Log *slog.Logger
}

type messageBody struct {
	BlobRef string `json:"blob_ref" binding:"required"`
}

/* ===================== VISITOR SIDE ===================== */

// Arrive marks the visitor present, implicitly creating the episode. The
// response carries the property name and the auto-online flag the client
// consults before deciding whether to ring at all.
func (h *Handlers) Arrive(c *gin.Context) {
	prop, ok := h.resolveProperty(c)
	if !ok {
		return
	}

	s, err := h.Machine.Apply(c.Request.Context(), session.TransitionRequest{
		RoomKey:     prop.RoomKey,
		Event:       session.EventArrive,
		Role:        session.RoleVisitor,
		PropertyRef: prop.Ref,
		OwnerRef:    prop.OwnerRef,
	})
	if err != nil {
		h.transitionError(c, prop.RoomKey, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":       s,
		"property_name": prop.Name,
		"auto_online":   prop.AutoOnline,
	})
}

func (h *Handlers) Ring(c *gin.Context) {
	prop, ok := h.resolveProperty(c)
	if !ok {
		return
	}

	s, err := h.Machine.Apply(c.Request.Context(), session.TransitionRequest{
		RoomKey:     prop.RoomKey,
		Event:       session.EventRing,
		Role:        session.RoleVisitor,
		PropertyRef: prop.Ref,
		OwnerRef:    prop.OwnerRef,
	})
	if err != nil {
		h.transitionError(c, prop.RoomKey, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s})
}

func (h *Handlers) VisitorVoiceMessage(c *gin.Context) {
	h.visitorMessage(c, session.EventVoiceMessage)
}

func (h *Handlers) VisitorVideoMessage(c *gin.Context) {
	h.visitorMessage(c, session.EventVideoMessage)
}

func (h *Handlers) visitorMessage(c *gin.Context, ev session.Event) {
	prop, ok := h.resolveProperty(c)
	if !ok {
		return
	}
	var body messageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "blob_ref is required"})
		return
	}

	s, err := h.Machine.Apply(c.Request.Context(), session.TransitionRequest{
		RoomKey:    prop.RoomKey,
		Event:      ev,
		Role:       session.RoleVisitor,
		MessageRef: body.BlobRef,
	})
	if err != nil {
		h.transitionError(c, prop.RoomKey, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s})
}

func (h *Handlers) JoinCall(c *gin.Context) {
	prop, ok := h.resolveProperty(c)
	if !ok {
		return
	}

	s, err := h.Machine.Apply(c.Request.Context(), session.TransitionRequest{
		RoomKey: prop.RoomKey,
		Event:   session.EventJoinCall,
		Role:    session.RoleVisitor,
	})
	if err != nil {
		h.transitionError(c, prop.RoomKey, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s, "meet_link": s.MeetLink})
}

// Snapshot is the reconciliation read over plain HTTP, for clients that
// cannot hold a websocket open.
func (h *Handlers) Snapshot(c *gin.Context) {
	prop, ok := h.resolveProperty(c)
	if !ok {
		return
	}

	s, err := h.Machine.Snapshot(c.Request.Context(), prop.RoomKey)
	if err != nil {
		h.transitionError(c, prop.RoomKey, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s})
}

/* ===================== OWNER SIDE ===================== */

func (h *Handlers) Answer(c *gin.Context) {
	h.ownerTransition(c, session.EventAnswer, "")
}

func (h *Handlers) StartVideo(c *gin.Context) {
	h.ownerTransition(c, session.EventStartVideo, "")
}

func (h *Handlers) OwnerVoiceMessage(c *gin.Context) {
	var body messageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "blob_ref is required"})
		return
	}
	h.ownerTransition(c, session.EventVoiceMessage, body.BlobRef)
}

func (h *Handlers) End(c *gin.Context) {
	h.ownerTransition(c, session.EventEnd, "")
}

func (h *Handlers) ownerTransition(c *gin.Context, ev session.Event, messageRef string) {
	prop, ok := h.resolveOwnedProperty(c)
	if !ok {
		return
	}

	s, err := h.Machine.Apply(c.Request.Context(), session.TransitionRequest{
		RoomKey:    prop.RoomKey,
		Event:      ev,
		Role:       session.RoleOwner,
		MessageRef: messageRef,
	})
	if err != nil {
		h.transitionError(c, prop.RoomKey, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s})
}

/* ===================== OWNER SUPPORT ===================== */

// ActivityFeed lists the owner's doorbell history for one property.
func (h *Handlers) ActivityFeed(c *gin.Context) {
	ownerRef, err := auth.OwnerRef(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "owner identity missing"})
		return
	}

	propertyRef := c.Query("property_ref")
	prop, err := h.Directory.ByRef(c.Request.Context(), propertyRef)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown property"})
		return
	}
	if prop.OwnerRef != ownerRef {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your property"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	entries, err := h.Activity.List(c.Request.Context(), propertyRef, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "activity lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type registerTargetBody struct {
	Kind     string `json:"kind" binding:"required"`
	Endpoint string `json:"endpoint" binding:"required"`
}

// RegisterPushTarget records a device endpoint for ring alerts.
func (h *Handlers) RegisterPushTarget(c *gin.Context) {
	ownerRef, err := auth.OwnerRef(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "owner identity missing"})
		return
	}

	var body registerTargetBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind and endpoint are required"})
		return
	}

	t := notify.PushTarget{
		ID:        uuid.NewString(),
		OwnerRef:  ownerRef,
		Kind:      body.Kind,
		Endpoint:  body.Endpoint,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Targets.Save(c.Request.Context(), t); err != nil {
		if errors.Is(err, notify.ErrInvalidTarget) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid target"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not save target"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"target": t})
}

// RemovePushTarget deletes one of the caller's own targets.
func (h *Handlers) RemovePushTarget(c *gin.Context) {
	ownerRef, err := auth.OwnerRef(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "owner identity missing"})
		return
	}

	id := c.Param("id")
	owned, err := h.Targets.ListByOwner(c.Request.Context(), ownerRef)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "target lookup failed"})
		return
	}
	for _, t := range owned {
		if t.ID == id {
			if err := h.Targets.Delete(c.Request.Context(), id); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
				return
			}
			c.Status(http.StatusNoContent)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "target not found"})
}

/* ===================== HELPERS ===================== */

// resolveProperty maps the URL room key to its property record. An unknown
// room key is a 404 before any session logic runs: the QR link is the
// visitor's only credential and guessing keys must reveal nothing.
func (h *Handlers) resolveProperty(c *gin.Context) (notify.Property, bool) {
	roomKey := c.Param("room_key")
	prop, err := h.Directory.ByRoomKey(c.Request.Context(), roomKey)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown room"})
		return notify.Property{}, false
	}
	return prop, true
}

// resolveOwnedProperty additionally checks the authenticated owner actually
// owns the room they are acting on.
func (h *Handlers) resolveOwnedProperty(c *gin.Context) (notify.Property, bool) {
	prop, ok := h.resolveProperty(c)
	if !ok {
		return notify.Property{}, false
	}
	ownerRef, err := auth.OwnerRef(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "owner identity missing"})
		return notify.Property{}, false
	}
	if prop.OwnerRef != ownerRef {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your property"})
		return notify.Property{}, false
	}
	return prop, true
}

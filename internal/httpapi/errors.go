package httpapi

import (
	"errors"
	"net/http"

	"doorbell-platform/internal/session"

	"github.com/gin-gonic/gin"
)

// transitionError maps the session error taxonomy onto HTTP. Conflict and
// invalid-transition responses carry the current state when it is readable,
// so the losing caller can resync without a second round trip.
func (h *Handlers) transitionError(c *gin.Context, roomKey string, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "no live session for room"})
	case errors.Is(err, session.ErrInvalidTransition):
		c.JSON(http.StatusConflict, h.conflictBody(c, roomKey, "invalid_transition", err))
	case errors.Is(err, session.ErrConflict):
		c.JSON(http.StatusConflict, h.conflictBody(c, roomKey, "conflict", err))
	default:
		h.Log.Error("transition failed", "room_key", roomKey, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h *Handlers) conflictBody(c *gin.Context, roomKey, code string, err error) gin.H {
	body := gin.H{"error": code, "detail": err.Error()}
	if cur, snapErr := h.Machine.Snapshot(c.Request.Context(), roomKey); snapErr == nil {
		body["session"] = cur
	}
	return body
}

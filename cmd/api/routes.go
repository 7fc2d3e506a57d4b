package main

import (
	"database/sql"
	"net/http"
	"time"

	"doorbell-platform/internal/auth"
	"doorbell-platform/internal/httpapi"
	"doorbell-platform/pkg/utils"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h *httpapi.Handlers, authManager *auth.Manager, db *sql.DB) {
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")

	// Visitor side: the room key from the QR link is the only credential.
	rooms := v1.Group("/rooms/:room_key")
	{
		rooms.POST("/arrive", h.Arrive)
		rooms.POST("/ring", h.Ring)
		rooms.POST("/voice", h.VisitorVoiceMessage)
		rooms.POST("/video", h.VisitorVideoMessage)
		rooms.POST("/join", h.JoinCall)
		rooms.GET("", h.Snapshot)

		// Visitors subscribe anonymously; an owner token upgrades the
		// subscription to "owner is watching".
		rooms.GET("/subscribe", auth.OptionalOwner(authManager), h.Subscribe)
	}

	// Owner side: everything requires an access token.
	owner := v1.Group("/rooms/:room_key", auth.RequireOwner(authManager))
	{
		owner.POST("/answer", h.Answer)
		owner.POST("/start-video", h.StartVideo)
		owner.POST("/owner-voice", h.OwnerVoiceMessage)
		owner.POST("/end", h.End)
	}

	account := v1.Group("", auth.RequireOwner(authManager))
	{
		account.GET("/activity", h.ActivityFeed)
		account.POST("/push-targets", h.RegisterPushTarget)
		account.DELETE("/push-targets/:id", h.RemovePushTarget)
	}
}

package monitor

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/telanks/wallet-guard/internal/logging"
	"github.com/telanks/wallet-guard/internal/validation"
)

// Handler exposes session management over HTTP.
type Handler struct {
	manager *Manager
}

// NewHandler creates a session handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up session routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/wallet")
	g.POST("/owner", h.WatchOwner)
	g.DELETE("/owner/:owner", validation.AddressParamMiddleware("owner"), h.UnwatchOwner)
	g.GET("/sessions", h.ListSessions)
	g.PUT("/scan-interval", h.SetScanInterval)
}

// WatchRequest is the body of POST /v1/wallet/owner.
type WatchRequest struct {
	Owner string `json:"owner" binding:"required"`
}

// ScanIntervalRequest is the body of PUT /v1/wallet/scan-interval.
type ScanIntervalRequest struct {
	Seconds int `json:"seconds" binding:"required,min=1"`
}

// WatchOwner handles POST /v1/wallet/owner
func (h *Handler) WatchOwner(c *gin.Context) {
	var req WatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "owner is required",
		})
		return
	}

	info, created, err := h.manager.Watch(req.Owner, TriggerAPI)
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"session": info, "created": created})
}

// UnwatchOwner handles DELETE /v1/wallet/owner/:owner
func (h *Handler) UnwatchOwner(c *gin.Context) {
	owner := c.Param("owner")
	if err := h.manager.Unwatch(owner); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner": owner, "stopped": true})
}

// ListSessions handles GET /v1/wallet/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions := h.manager.Sessions()
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// SetScanInterval handles PUT /v1/wallet/scan-interval
func (h *Handler) SetScanInterval(c *gin.Context) {
	var req ScanIntervalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "seconds must be a positive integer",
		})
		return
	}
	d := time.Duration(req.Seconds) * time.Second
	h.manager.SetScanInterval(d)
	c.JSON(http.StatusOK, gin.H{"scanInterval": d.String()})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, validation.ErrInvalidAddress):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": err.Error(),
		})
	case errors.Is(err, ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "session_not_found",
			"message": "Owner is not being monitored",
		})
	case errors.Is(err, ErrShutdown):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "shutting_down",
			"message": "Server is shutting down",
		})
	default:
		logging.L(c.Request.Context()).Error("monitor request failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "watch_failed",
			"message": "Failed to subscribe to approval events",
		})
	}
}

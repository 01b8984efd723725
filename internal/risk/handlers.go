package risk

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/telanks/wallet-guard/internal/logging"
	"github.com/telanks/wallet-guard/internal/validation"
)

// DefaultListLimit is used when ?limit is absent.
const DefaultListLimit = 50

// Handler serves recorded risk events.
type Handler struct {
	store    Store
	maxLimit int
}

// NewHandler creates an events handler. maxLimit caps ?limit; <= 0 uses
// DefaultHistoryLimit.
func NewHandler(store Store, maxLimit int) *Handler {
	if maxLimit <= 0 {
		maxLimit = DefaultHistoryLimit
	}
	return &Handler{store: store, maxLimit: maxLimit}
}

// RegisterRoutes sets up event routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/events/:owner", validation.AddressParamMiddleware("owner"), h.ListEvents)
}

// ListEvents handles GET /v1/events/:owner
func (h *Handler) ListEvents(c *gin.Context) {
	owner := c.Param("owner")

	limit := DefaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}
	limit = min(limit, h.maxLimit)

	events, err := h.store.ListByOwner(c.Request.Context(), owner, limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list risk events", "owner", owner, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load risk events",
		})
		return
	}
	if events == nil {
		events = []*Event{}
	}

	c.JSON(http.StatusOK, gin.H{
		"owner":  owner,
		"events": events,
		"count":  len(events),
	})
}

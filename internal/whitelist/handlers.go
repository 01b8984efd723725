package whitelist

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/telanks/wallet-guard/internal/validation"
)

// Handler provides HTTP endpoints for whitelist management.
type Handler struct {
	service *Service
}

// NewHandler creates a new whitelist handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up whitelist routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/whitelist", validation.AddressParamMiddleware("owner", "spender"))
	g.GET("/:owner", h.GetWhitelist)
	g.POST("/:owner", h.AddSpender)
	g.PUT("/:owner", h.ReplaceWhitelist)
	g.DELETE("/:owner/:spender", h.RemoveSpender)
}

// AddRequest is the body of POST /v1/whitelist/:owner.
type AddRequest struct {
	Address string `json:"address" binding:"required"`
}

// ReplaceRequest is the body of PUT /v1/whitelist/:owner.
type ReplaceRequest struct {
	Addresses []string `json:"addresses"`
}

// GetWhitelist handles GET /v1/whitelist/:owner
func (h *Handler) GetWhitelist(c *gin.Context) {
	owner := c.Param("owner")

	spenders, err := h.service.Get(c.Request.Context(), owner)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"owner":    owner,
		"spenders": spenders,
		"count":    len(spenders),
	})
}

// AddSpender handles POST /v1/whitelist/:owner
func (h *Handler) AddSpender(c *gin.Context) {
	owner := c.Param("owner")

	var req AddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body must be {\"address\": \"0x...\"}",
		})
		return
	}

	if err := h.service.Add(c.Request.Context(), owner, req.Address); err != nil {
		h.writeError(c, err)
		return
	}

	spender, _ := validation.NormalizeAddress(req.Address)
	c.JSON(http.StatusCreated, gin.H{
		"owner":   owner,
		"spender": spender,
	})
}

// ReplaceWhitelist handles PUT /v1/whitelist/:owner
func (h *Handler) ReplaceWhitelist(c *gin.Context) {
	owner := c.Param("owner")

	var req ReplaceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Addresses == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body must be {\"addresses\": [\"0x...\"]}",
		})
		return
	}

	if err := h.service.Set(c.Request.Context(), owner, req.Addresses); err != nil {
		h.writeError(c, err)
		return
	}

	h.GetWhitelist(c)
}

// RemoveSpender handles DELETE /v1/whitelist/:owner/:spender
func (h *Handler) RemoveSpender(c *gin.Context) {
	owner := c.Param("owner")
	spender := c.Param("spender")

	if err := h.service.Remove(c.Request.Context(), owner, spender); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"owner":   owner,
		"spender": spender,
		"removed": true,
	})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_whitelisted",
			"message": "Spender is already on the trusted list",
		})
	case errors.Is(err, ErrInvalidAddress):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": err.Error(),
		})
	case errors.Is(err, ErrTooMany):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "too_many_addresses",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to update whitelist",
		})
	}
}

package scanner

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/telanks/wallet-guard/internal/logging"
	"github.com/telanks/wallet-guard/internal/validation"
)

// Handler serves on-demand scan summaries.
type Handler struct {
	reporter *Reporter
}

// NewHandler creates a scan handler.
func NewHandler(reporter *Reporter) *Handler {
	return &Handler{reporter: reporter}
}

// RegisterRoutes sets up scanner routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/scanner", validation.AddressParamMiddleware("owner"))
	g.GET("/spenders/:owner", h.ScanSpenders)
}

// ScanSpenders handles GET /v1/scanner/spenders/:owner
func (h *Handler) ScanSpenders(c *gin.Context) {
	owner := c.Param("owner")

	summary, err := h.reporter.Summarize(c.Request.Context(), owner)
	if err != nil {
		logging.L(c.Request.Context()).Error("scan failed", "owner", owner, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "scan_failed",
			"message": "Failed to read allowances from the chain",
		})
		return
	}
	c.JSON(http.StatusOK, summary)
}

package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/watchmarket/internal/logging"
)

// Handler serves the stuck-settlement report to admins.
type Handler struct {
	service *Service
}

// NewHandler creates a reconciliation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up the report route on an admin group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.GetReport)
}

// GetReport handles GET /v1/admin/reconciliation
func (h *Handler) GetReport(c *gin.Context) {
	report, err := h.service.Report(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation report failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to build reconciliation report",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

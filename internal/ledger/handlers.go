package ledger

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/watchmarket/internal/auth"
)

// Handler provides HTTP endpoints for balances and commissions.
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up ledger routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/balance", h.GetBalance)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/commissions/:txId", h.ListCommissions)
}

// GetBalance handles GET /balance for the caller.
func (h *Handler) GetBalance(c *gin.Context) {
	p, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Authentication required"})
		return
	}

	bal, err := h.ledger.GetBalance(c.Request.Context(), p.UserID)
	if err != nil {
		h.logger.Error("failed to load balance", "user", p.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "balance_error", "message": "Failed to load balance"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	recent, err := h.ledger.ListByRecipient(c.Request.Context(), p.UserID, limit)
	if err != nil {
		h.logger.Error("failed to load commissions", "user", p.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "balance_error", "message": "Failed to load commissions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": bal, "commissions": recent})
}

// ListCommissions handles GET /commissions/:txId
func (h *Handler) ListCommissions(c *gin.Context) {
	list, err := h.ledger.ListCommissions(c.Request.Context(), c.Param("txId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error", "message": "Failed to load commissions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"commissions": list, "count": len(list)})
}

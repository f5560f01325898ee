package sale

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/watchmarket/internal/auth"
	"github.com/mbd888/watchmarket/internal/ledger"
	"github.com/mbd888/watchmarket/internal/registry"
	"github.com/mbd888/watchmarket/internal/validation"
	"github.com/mbd888/watchmarket/internal/wallet"
)

// Handler provides HTTP endpoints for store sales.
type Handler struct {
	service *Service
}

// NewHandler creates a new sale handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up sale routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	watches := r.Group("/watches/:id", validation.IDParamMiddleware())
	watches.POST("/listing", h.List)
	watches.POST("/purchase", h.Purchase)
}

// List handles POST /v1/watches/:id/listing
func (h *Handler) List(c *gin.Context) {
	var req ListInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "storeId and price are required",
		})
		return
	}
	if errs := validation.Validate(
		validation.PositiveAmount("price", req.Price),
	); len(errs) > 0 {
		validation.WriteErrors(c, errs)
		return
	}

	w, err := h.service.List(c.Request.Context(), principal(c), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"watch": w})
}

type purchaseRequest struct {
	Method wallet.Method `json:"method"`
}

// Purchase handles POST /v1/watches/:id/purchase
func (h *Handler) Purchase(c *gin.Context) {
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A payment method is required",
		})
		return
	}

	sale, err := h.service.Purchase(c.Request.Context(), principal(c), c.Param("id"), req.Method)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sale": sale})
}

func principal(c *gin.Context) auth.Principal {
	p, _ := auth.GetPrincipal(c)
	return p
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, registry.ErrNotListed):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, registry.ErrOwnerMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": "stale_state", "message": err.Error()})
	case errors.Is(err, ErrInvalidPrice), errors.Is(err, ErrNotCredentialed), errors.Is(err, ErrOwnWatch),
		errors.Is(err, wallet.ErrInvalidRequest), errors.Is(err, wallet.ErrUnknownMethod):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, wallet.ErrConversionFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "conversion_failed", "message": err.Error(), "retryable": true})
	case errors.Is(err, ledger.ErrRecipientNotFound), errors.Is(err, ledger.ErrInvalidPolicy):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement_inconsistency", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Sale operation failed"})
	}
}

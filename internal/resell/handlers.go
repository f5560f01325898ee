package resell

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/watchmarket/internal/auth"
	"github.com/mbd888/watchmarket/internal/money"
	"github.com/mbd888/watchmarket/internal/registry"
	"github.com/mbd888/watchmarket/internal/validation"
	"github.com/mbd888/watchmarket/internal/wallet"
)

// Handler provides HTTP endpoints for the resale lifecycle.
type Handler struct {
	service *Service
}

// NewHandler creates a new resell handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up offer routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/offers", h.CreateOffer)

	offers := r.Group("/offers/:id", validation.IDParamMiddleware())
	offers.GET("", h.GetOffer)
	offers.GET("/escrow", h.GetEscrow)
	offers.POST("/price", h.ProposePrice)
	offers.POST("/accept", h.Accept)
	offers.POST("/pay", h.Pay)
	offers.POST("/confirm", h.ConfirmDelivery)
}

// RegisterAdminRoutes sets up admin overrides.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	offers := r.Group("/offers/:id", validation.IDParamMiddleware())
	offers.POST("/cancel", h.Cancel)
	offers.POST("/retry-release", h.RetryRelease)
}

// CreateOffer handles POST /v1/offers
func (h *Handler) CreateOffer(c *gin.Context) {
	var req CreateOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.PositiveAmount("askingPrice", req.AskingPrice),
		validation.ValidAccount("sellerAccount", req.SellerAccount),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
	); len(errs) > 0 {
		validation.WriteErrors(c, errs)
		return
	}
	req.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)

	offer, err := h.service.CreateOffer(c.Request.Context(), principal(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"offer": offer})
}

// GetOffer handles GET /v1/offers/:id
func (h *Handler) GetOffer(c *gin.Context) {
	offer, err := h.service.Get(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// GetEscrow handles GET /v1/offers/:id/escrow
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, err := h.service.GetEscrow(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

type proposePriceRequest struct {
	Price money.Amount `json:"price"`
}

// ProposePrice handles POST /v1/offers/:id/price
func (h *Handler) ProposePrice(c *gin.Context) {
	var req proposePriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(validation.PositiveAmount("price", req.Price)); len(errs) > 0 {
		validation.WriteErrors(c, errs)
		return
	}

	offer, err := h.service.ProposePrice(c.Request.Context(), principal(c), c.Param("id"), req.Price)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// Accept handles POST /v1/offers/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	offer, err := h.service.Accept(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

type payRequest struct {
	Method *wallet.Method `json:"method"`
}

// Pay handles POST /v1/offers/:id/pay. The body is optional; without a
// method the store pays in the settlement asset.
func (h *Handler) Pay(c *gin.Context) {
	var req payRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	escrow, err := h.service.Pay(c.Request.Context(), principal(c), c.Param("id"), req.Method)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// ConfirmDelivery handles POST /v1/offers/:id/confirm
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	escrow, err := h.service.ConfirmDelivery(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /v1/admin/offers/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	offer, err := h.service.Cancel(c.Request.Context(), principal(c), c.Param("id"),
		validation.SanitizeString(req.Reason, validation.MaxStringLength))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// RetryRelease handles POST /v1/admin/offers/:id/retry-release
func (h *Handler) RetryRelease(c *gin.Context) {
	escrow, err := h.service.RetryRelease(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

func principal(c *gin.Context) auth.Principal {
	p, _ := auth.GetPrincipal(c)
	return p
}

// writeError maps service errors to status codes. Every rejection carries a
// specific reason.
func writeError(c *gin.Context, err error) {
	var te *TransitionError
	switch {
	case errors.As(err, &te):
		c.JSON(http.StatusConflict, gin.H{
			"error":    "invalid_state",
			"message":  te.Error(),
			"current":  te.Current,
			"expected": te.Expected,
		})
	case errors.Is(err, ErrOfferNotFound), errors.Is(err, ErrEscrowNotFound), errors.Is(err, registry.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrActiveOfferExists):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, ErrStaleState):
		c.JSON(http.StatusConflict, gin.H{"error": "stale_state", "message": err.Error()})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrAccountRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrStoreNotCredentialed):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "store_not_credentialed", "message": err.Error()})
	case errors.Is(err, ErrSettlementInconsistency):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement_inconsistency", "message": err.Error()})
	case errors.Is(err, wallet.ErrConversionFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "conversion_failed", "message": err.Error(), "retryable": true})
	case errors.Is(err, wallet.ErrTransferFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "transfer_failed", "message": err.Error(), "retryable": true})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Offer operation failed"})
	}
}

package evaluation

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

// Handler provides HTTP endpoints for evaluations.
type Handler struct {
	service *Service
}

// NewHandler creates a new evaluation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up evaluation routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/evaluations", h.Request)

	evals := r.Group("/evaluations/:id", validation.IDParamMiddleware())
	evals.GET("", h.Get)
	evals.POST("/complete", h.Complete)
	evals.POST("/pay", h.Pay)
}

// Request handles POST /v1/evaluations
func (h *Handler) Request(c *gin.Context) {
	var req RequestInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "watchId and evaluatorId are required",
		})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("notes", req.Notes, validation.MaxStringLength),
	); len(errs) > 0 {
		validation.WriteErrors(c, errs)
		return
	}
	req.Notes = validation.SanitizeString(req.Notes, validation.MaxStringLength)

	ev, err := h.service.Request(c.Request.Context(), principal(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"evaluation": ev})
}

// Get handles GET /v1/evaluations/:id
func (h *Handler) Get(c *gin.Context) {
	ev, err := h.service.Get(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evaluation": ev})
}

// Complete handles POST /v1/evaluations/:id/complete
func (h *Handler) Complete(c *gin.Context) {
	var req Result
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.PositiveAmount("estimatedValue", req.EstimatedValue),
		validation.MaxLength("condition", req.Condition, 200),
		validation.MaxLength("notes", req.Notes, validation.MaxStringLength),
	); len(errs) > 0 {
		validation.WriteErrors(c, errs)
		return
	}
	req.Condition = validation.SanitizeString(req.Condition, 200)
	req.Notes = validation.SanitizeString(req.Notes, validation.MaxStringLength)

	ev, err := h.service.Complete(c.Request.Context(), principal(c), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evaluation": ev})
}

type payRequest struct {
	Method wallet.Method `json:"method"`
}

// Pay handles POST /v1/evaluations/:id/pay
func (h *Handler) Pay(c *gin.Context) {
	var req payRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A payment method is required",
		})
		return
	}

	ev, err := h.service.Pay(c.Request.Context(), principal(c), c.Param("id"), req.Method)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evaluation": ev})
}

func principal(c *gin.Context) auth.Principal {
	p, _ := auth.GetPrincipal(c)
	return p
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, registry.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, ErrStaleState):
		c.JSON(http.StatusConflict, gin.H{"error": "stale_state", "message": err.Error()})
	case errors.Is(err, ErrInvalidResult), errors.Is(err, wallet.ErrInvalidRequest), errors.Is(err, wallet.ErrUnknownMethod):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, wallet.ErrConversionFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "conversion_failed", "message": err.Error(), "retryable": true})
	case errors.Is(err, ledger.ErrRecipientNotFound):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement_inconsistency", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Evaluation operation failed"})
	}
}

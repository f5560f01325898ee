package registry

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/watchmarket/internal/money"
)

// Handler exposes the registry records the resale flow depends on. Creation
// is admin-only; reads are open to authenticated callers.
type Handler struct {
	store Store
}

// NewHandler creates a new registry handler
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up read routes for authenticated callers.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/watches/:id", h.GetWatch)
	r.GET("/watches/:id/history", h.ListTransfers)
}

// RegisterAdminRoutes sets up record creation under an admin-only group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/users", h.CreateUser)
	r.POST("/stores", h.CreateShop)
	r.POST("/evaluators", h.CreateEvaluator)
	r.POST("/watches", h.CreateWatch)
}

type createUserRequest struct {
	ID                string `json:"id"`
	FullName          string `json:"fullName" binding:"required"`
	Email             string `json:"email" binding:"required,email"`
	Role              Role   `json:"role" binding:"required,oneof=admin store evaluator user"`
	SettlementAccount string `json:"settlementAccount"`
}

func (h *Handler) CreateUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	u := &User{
		ID:                req.ID,
		FullName:          req.FullName,
		Email:             req.Email,
		Role:              req.Role,
		SettlementAccount: req.SettlementAccount,
		Active:            true,
	}
	if err := h.store.CreateUser(c.Request.Context(), u); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": u})
}

type createShopRequest struct {
	UserID            string `json:"userId" binding:"required"`
	Name              string `json:"name" binding:"required"`
	Credentialed      bool   `json:"credentialed"`
	CommissionRateBps *int64 `json:"commissionRateBps"`
}

func (h *Handler) CreateShop(c *gin.Context) {
	var req createShopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	rate := DefaultShopCommission
	if req.CommissionRateBps != nil {
		r, err := money.ParseRate(*req.CommissionRateBps)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		rate = r
	}
	s := &Shop{UserID: req.UserID, Name: req.Name, Credentialed: req.Credentialed, CommissionRate: rate}
	if err := h.store.CreateShop(c.Request.Context(), s); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"store": s})
}

type createEvaluatorRequest struct {
	UserID        string        `json:"userId" binding:"required"`
	StoreID       string        `json:"storeId" binding:"required"`
	Name          string        `json:"name" binding:"required"`
	EvaluationFee *money.Amount `json:"evaluationFee"`
}

func (h *Handler) CreateEvaluator(c *gin.Context) {
	var req createEvaluatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	fee := DefaultEvaluationFee
	if req.EvaluationFee != nil {
		fee = *req.EvaluationFee
	}
	e := &Evaluator{UserID: req.UserID, StoreID: req.StoreID, Name: req.Name, Active: true, EvaluationFee: fee}
	if err := h.store.CreateEvaluator(c.Request.Context(), e); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"evaluator": e})
}

type createWatchRequest struct {
	SerialNumber string `json:"serialNumber" binding:"required"`
	Brand        string `json:"brand" binding:"required"`
	Model        string `json:"model" binding:"required"`
	OwnerID      string `json:"ownerId" binding:"required"`
	StoreID      string `json:"storeId"`
}

func (h *Handler) CreateWatch(c *gin.Context) {
	var req createWatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	w := &Watch{
		SerialNumber: req.SerialNumber,
		Brand:        req.Brand,
		Model:        req.Model,
		OwnerID:      req.OwnerID,
		StoreID:      req.StoreID,
	}
	if err := h.store.CreateWatch(c.Request.Context(), w); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"watch": w})
}

func (h *Handler) GetWatch(c *gin.Context) {
	w, err := h.store.GetWatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"watch": w})
}

func (h *Handler) ListTransfers(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := h.store.GetWatch(ctx, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	history, err := h.store.ListTransfers(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfers": history, "count": len(history)})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, ErrInvalidRecord), errors.Is(err, ErrOwnerMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Registry operation failed"})
	}
}

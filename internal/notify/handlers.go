package notify

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/watchmarket/internal/auth"
	"github.com/mbd888/watchmarket/internal/pagination"
	"github.com/mbd888/watchmarket/internal/realtime"
)

// Handler serves the caller's notifications.
type Handler struct {
	store Store
	hub   *realtime.Hub // nil disables the stream endpoint
}

func NewHandler(store Store, hub *realtime.Hub) *Handler {
	return &Handler{store: store, hub: hub}
}

// RegisterRoutes sets up notification routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/notifications", h.List)
	r.POST("/notifications/:id/read", h.MarkRead)
	if h.hub != nil {
		r.GET("/notifications/stream", h.Stream)
	}
}

func (h *Handler) List(c *gin.Context) {
	p, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Authentication required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	list, err := h.store.ListByUser(c.Request.Context(), p.UserID, ListQuery{
		UnreadOnly: c.Query("unread") == "true",
		After:      after,
		Limit:      limit + 1,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load notifications"})
		return
	}
	page := pagination.Trim(list, limit, func(n *Notification) (time.Time, string) { return n.CreatedAt, n.ID })
	c.JSON(http.StatusOK, gin.H{
		"notifications": page.Items,
		"count":         len(page.Items),
		"nextCursor":    page.NextCursor,
		"hasMore":       page.HasMore,
	})
}

func (h *Handler) MarkRead(c *gin.Context) {
	p, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Authentication required"})
		return
	}
	if err := h.store.MarkRead(c.Request.Context(), p.UserID, c.Param("id")); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Notification not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to update notification"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "read"})
}

// Stream upgrades to a WebSocket carrying the caller's events. Browsers pass
// the token as ?access_token= since they cannot set headers on upgrades.
func (h *Handler) Stream(c *gin.Context) {
	p, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Authentication required"})
		return
	}
	h.hub.HandleWebSocket(c.Writer, c.Request, p.UserID, p.IsAdmin())
}

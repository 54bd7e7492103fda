package push

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openclaw/chatrelay/internal/chat"
	"github.com/openclaw/chatrelay/internal/errors"
)

// Handler exposes the push subscription API.
type Handler struct {
	service *Service
}

// NewHandler creates a push handler backed by service.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type subscribeRequest struct {
	UserID       string       `json:"userId"`
	SessionID    string       `json:"sessionId"`
	Subscription Subscription `json:"subscription"`
}

type unsubscribeRequest struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	Endpoint  string `json:"endpoint"`
}

// Subscribe registers (or replaces) a push subscription for a user.
func (h *Handler) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Subscription.Endpoint == "" {
		errors.AbortWithBadRequest(c, "invalid subscription", nil)
		return
	}
	if req.UserID == "" {
		req.UserID = chat.DefaultSession
	}

	userKey := chat.DeriveUserKey(req.UserID, req.SessionID)
	if err := h.service.Store().Save(userKey, req.Subscription); err != nil {
		h.service.logger.Error("failed to save subscription",
			slog.String("user_key", userKey),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, errors.NewAPIError("internal_error", nil))
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Unsubscribe removes a push subscription endpoint.
func (h *Handler) Unsubscribe(c *gin.Context) {
	var req unsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Endpoint == "" {
		errors.AbortWithBadRequest(c, "invalid request", nil)
		return
	}
	if req.UserID == "" {
		req.UserID = chat.DefaultSession
	}

	userKey := chat.DeriveUserKey(req.UserID, req.SessionID)
	removed, err := h.service.Store().Remove(userKey, req.Endpoint)
	if err != nil {
		h.service.logger.Error("failed to remove subscription",
			slog.String("user_key", userKey),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, errors.NewAPIError("internal_error", nil))
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "removed": removed})
}

// PublicKey hands out the server identity public key for client-side
// subscription calls.
func (h *Handler) PublicKey(c *gin.Context) {
	key, err := h.service.PublicKey()
	if err != nil {
		h.service.logger.Error("failed to load identity keys",
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, errors.NewAPIError("internal_error", nil))
		return
	}

	c.JSON(http.StatusOK, gin.H{"publicKey": key})
}

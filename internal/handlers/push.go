package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tariel-x/curocall/internal/journal"
)

type pushSubscribeKeys struct {
	P256DH string `json:"p256dh" binding:"required"`
	Auth   string `json:"auth" binding:"required"`
}

type pushSubscribeRequest struct {
	Endpoint string            `json:"endpoint" binding:"required"`
	Keys     pushSubscribeKeys `json:"keys" binding:"required"`
}

func (h *Handlers) GetVAPIDPublicKey(c *gin.Context) {
	key := h.vapidPublicKey()
	if key == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "push notifications are not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": key})
}

func (h *Handlers) SubscribePush(c *gin.Context) {
	if h.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "push notifications are not configured"})
		return
	}
	var req pushSubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub := &journal.PushSubscription{
		Endpoint: req.Endpoint,
		P256DH:   strings.TrimSpace(req.Keys.P256DH),
		Auth:     strings.TrimSpace(req.Keys.Auth),
	}
	if err := h.journal.SaveSubscription(c.Request.Context(), sub); err != nil {
		h.logger.Error("failed to save push subscription", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create subscription"})
		return
	}
	h.logger.Info("push subscription saved", "endpoint", req.Endpoint[:min(50, len(req.Endpoint))])
	c.JSON(http.StatusCreated, gin.H{"endpoint": sub.Endpoint})
}

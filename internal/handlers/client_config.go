package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type clientConfigResponse struct {
	Debug bool `json:"debug"`
	// StatusPollMs is how often the backend call status is polled while ringing.
	StatusPollMs int64 `json:"status_poll_ms"`
	CloseDelayMs int64 `json:"close_delay_ms"`
	PushEnabled  bool  `json:"push_enabled"`
}

func (h *Handlers) GetClientConfig(c *gin.Context) {
	resp := clientConfigResponse{PushEnabled: h.vapidPublicKey() != ""}
	if h.config != nil {
		resp.Debug = h.config.LogLevel == "debug"
		resp.StatusPollMs = h.config.StatusPollInterval.Milliseconds()
		resp.CloseDelayMs = h.config.CloseDelay.Milliseconds()
	}
	c.JSON(http.StatusOK, resp)
}

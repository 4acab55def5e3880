package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tariel-x/curocall/internal/callsession"
	"github.com/tariel-x/curocall/internal/config"
	"github.com/tariel-x/curocall/internal/console"
	"github.com/tariel-x/curocall/internal/journal"
	"github.com/tariel-x/curocall/internal/models"
)

// Console is the operator workflow behind the HTTP API.
type Console interface {
	State() console.State
	Subscribe(fn func(console.Event)) func()
	Login(ctx context.Context, email, password string) (*models.Doctor, error)
	Register(ctx context.Context, name, email, password string) (*models.Doctor, error)
	Logout()
	NextSummary(ctx context.Context) (*models.Intake, error)
	SkipSummary(ctx context.Context) (*models.Intake, error)
	Options(ctx context.Context) (*models.PrescriptionOptions, error)
	SendPrescription(ctx context.Context, items []models.PrescriptionDraftItem, notes string) (*console.PrescriptionResult, error)
	StartCall(ctx context.Context) (callsession.Snapshot, error)
	ToggleMute() (bool, error)
	EndCall() error
	DismissCall() error
	CallSnapshot() (callsession.Snapshot, bool)
}

// Journal is the local call history and push subscription store.
type Journal interface {
	RecentCalls(ctx context.Context, limit int) ([]journal.CallRecord, error)
	SaveSubscription(ctx context.Context, sub *journal.PushSubscription) error
}

// PushKeys exposes the VAPID public key browsers subscribe with.
type PushKeys interface {
	PublicKey() string
}

type Handlers struct {
	config     *config.Config
	console    Console
	journal    Journal
	push       PushKeys
	wsHub      *WSHub
	wsUpgrader websocket.Upgrader
	logger     *slog.Logger
}

func New(cfg *config.Config, c Console, j Journal, push PushKeys, hub *WSHub, upgrader websocket.Upgrader, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		config:     cfg,
		console:    c,
		journal:    j,
		push:       push,
		wsHub:      hub,
		wsUpgrader: upgrader,
		logger:     logger,
	}
	c.Subscribe(h.forwardEvent)
	return h
}

func (h *Handlers) vapidPublicKey() string {
	if h.push == nil {
		return ""
	}
	return h.push.PublicKey()
}

// Shutdown disconnects every operator tab. Hijacked feed connections are not
// closed by http.Server.Shutdown.
func (h *Handlers) Shutdown() {
	n := h.wsHub.Count()
	h.wsHub.CloseAll()
	h.logger.Info("console feed closed", "tabs", n)
}

// DefaultUpgrader accepts any origin. CORS is handled by the router.
func DefaultUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// RegisterRoutes mounts the console API under /api.
func (h *Handlers) RegisterRoutes(router gin.IRouter) {
	api := router.Group("/api")
	api.GET("/config", h.GetClientConfig)

	c := api.Group("/console")
	{
		c.POST("/auth/login", h.Login)
		c.POST("/auth/register", h.Register)
		c.POST("/auth/logout", h.Logout)
		c.GET("/state", h.GetState)

		c.GET("/summary/next", h.NextSummary)
		c.POST("/summary/skip", h.SkipSummary)

		c.GET("/prescriptions/options", h.PrescriptionOptions)
		c.POST("/prescriptions", h.SendPrescription)

		c.POST("/call", h.StartCall)
		c.GET("/call", h.GetCall)
		c.POST("/call/mute", h.ToggleMute)
		c.POST("/call/end", h.EndCall)
		c.DELETE("/call", h.DismissCall)
		c.GET("/calls/history", h.CallHistory)

		c.GET("/push/vapid-public-key", h.GetVAPIDPublicKey)
		c.POST("/push/subscribe", h.SubscribePush)

		c.GET("/ws", h.HandleWebSocket)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/tariel-x/curocall/internal/backend"
	"github.com/tariel-x/curocall/internal/callsession"
	"github.com/tariel-x/curocall/internal/config"
	"github.com/tariel-x/curocall/internal/console"
	"github.com/tariel-x/curocall/internal/handlers"
	"github.com/tariel-x/curocall/internal/journal"
	"github.com/tariel-x/curocall/internal/push"
	"github.com/tariel-x/curocall/internal/room"
	"github.com/tariel-x/curocall/internal/static"
)

const AppVersion = "1.0.0"

// Build timestamp - set at compile time or use current time
var buildTimestamp = time.Now().Unix()

func main() {
	var (
		httpOnly   bool
		selfSigned bool
	)

	rootCmd := &cobra.Command{
		Use:           "curocall",
		Short:         "Doctor console with patient voice calls",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Flags().Changed("http-only"), httpOnly, selfSigned)
		},
	}
	rootCmd.Flags().BoolVar(&httpOnly, "http-only", false, "Serve plain HTTP (disable TLS and Let's Encrypt)")
	rootCmd.Flags().BoolVar(&selfSigned, "self-signed", false, "Serve HTTPS with a generated self-signed certificate")

	if err := rootCmd.Execute(); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(httpOnlySet, httpOnly, selfSigned bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if httpOnlySet {
		cfg.HTTPOnly = httpOnly
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	logger.Info(fmt.Sprintf("Curocall Server v%s (build: %d)", AppVersion, buildTimestamp))

	if cfg.HTTPOnly && cfg.FrontendURI == "" {
		return errors.New("FRONTEND_URI is required when --http-only is specified")
	}

	j, err := journal.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer j.Close()

	keys, err := cfg.LoadVAPIDKeys(logger)
	if err != nil {
		return err
	}

	notifier := push.NewNotifier(j, *keys, logger.With("component", "push"))
	client := backend.NewClient(cfg.BackendURL, cfg.BackendTimeout)
	roomLogger := logger.With("component", "room")
	c := console.New(console.Options{
		Backend:  client,
		Journal:  j,
		Notifier: notifier,
		Logger:   logger.With("component", "console"),
		Session: callsession.Options{
			NewEngine: func(appID string) (room.Engine, error) {
				return room.NewWSEngine(cfg.RoomServerURL, appID, roomLogger), nil
			},
			PollInterval:   cfg.StatusPollInterval,
			CloseDelay:     cfg.CloseDelay,
			RequestTimeout: cfg.BackendTimeout,
			Logger:         logger.With("component", "callsession"),
		},
	})

	h := handlers.New(cfg, c, j, notifier, handlers.NewWSHub(), handlers.DefaultUpgrader(), logger)
	router, err := setupRouter(h, cfg, static.NewPageConfig(cfg, notifier.PublicKey() != ""), logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = startServer(ctx, router, cfg, selfSigned, logger)
	h.Shutdown()
	c.Shutdown()
	logger.Info("server stopped")
	return err
}

func setupRouter(h *handlers.Handlers, cfg *config.Config, page static.PageConfig, logger *slog.Logger) (*gin.Engine, error) {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), slogGinLogger(logger))

	router.Use(func(c *gin.Context) {
		// Only the configured frontend may call the API in http-only mode.
		origin := "*"
		if cfg.HTTPOnly && cfg.FrontendURI != "" {
			origin = cfg.FrontendURI
		}
		c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, PATCH, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	h.RegisterRoutes(router)
	if err := static.RegisterUIRoutes(router, page); err != nil {
		return nil, err
	}
	return router, nil
}

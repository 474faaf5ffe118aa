package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/feedback-bridge/backend/api/handlers"
	"github.com/feedback-bridge/backend/internal/config"
	"github.com/feedback-bridge/backend/internal/db"
	"github.com/feedback-bridge/backend/internal/history"
	"github.com/feedback-bridge/backend/internal/mcptool"
	"github.com/feedback-bridge/backend/internal/model"
	"github.com/feedback-bridge/backend/internal/session"
	"github.com/feedback-bridge/backend/internal/ws"
	"github.com/feedback-bridge/backend/pkg/collab"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	serveMCP := flag.Bool("mcp", false, "serve the MCP tool protocol on stdin/stdout")
	flag.Parse()

	// MCP mode owns stdout; keep all logging on stderr either way.
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.History.DBPath), 0755); err != nil {
		logger.Fatal().Err(err).Msg("failed to create database directory")
	}

	database, err := db.InitDB(cfg.History.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.CloseDB()

	aggregator := history.NewAggregator(database, history.Config{
		Limit:          cfg.History.Limit,
		RetentionHours: cfg.History.RetentionHours,
	})

	hub := ws.NewHub(logger)
	defer hub.Close()

	store := session.NewStore(hub, aggregator, collab.NopResourceReleaser{}, session.Config{
		HistoryLimit:   cfg.History.Limit,
		RetentionHours: cfg.History.RetentionHours,
		PrivacyLevel:   model.PrivacyLevel(cfg.Session.PrivacyLevel),
	}, logger)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.RunPruner(ctx, cfg.Server.HeartbeatInterval)

	wsHandler := ws.NewHandler(hub, store, &collab.MemorySettingsStore{}, logger)

	sessionHandler := handlers.NewSessionHandler(store, aggregator)
	webSocketHandler := handlers.NewWebSocketHandler(wsHandler)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		sessionHandler.RegisterRoutes(api)
		webSocketHandler.RegisterRoutes(api)

		// Reconciler defaults for browser tabs.
		api.GET("/client-config", func(c *gin.Context) {
			c.JSON(200, gin.H{
				"poll_interval_seconds": int(cfg.Client.PollInterval.Seconds()),
				"reconnect_attempts":    cfg.Client.ReconnectAttempts,
				"preserve_draft":        cfg.Client.PreserveDraft,
			})
		})
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info().Msg("shutting down")
		cancel()
		store.Close()
		hub.Close()
		db.CloseDB()
		os.Exit(0)
	}()

	addr := cfg.Server.Addr()
	webURL := fmt.Sprintf("http://%s", addr)

	if *serveMCP {
		// Serve the web/WS API in the background; the MCP protocol owns the
		// foreground until the agent disconnects.
		go func() {
			logger.Info().Str("addr", addr).Msg("starting web server")
			if err := r.Run(addr); err != nil {
				logger.Fatal().Err(err).Msg("web server failed")
			}
		}()

		mcpServer := mcptool.NewServer(store, collab.NopSurfaceOpener{}, webURL, cfg.Session.DefaultTimeoutSeconds, logger)
		if err := mcpServer.ServeStdio(); err != nil {
			logger.Fatal().Err(err).Msg("mcp server failed")
		}
		return
	}

	logger.Info().Str("addr", addr).Msg("starting web server")
	if err := r.Run(addr); err != nil {
		logger.Fatal().Err(err).Msg("web server failed")
	}
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

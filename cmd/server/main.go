package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/api"
	"github.com/eldtechnologies/chatrelay/internal/api/middleware"
	"github.com/eldtechnologies/chatrelay/internal/auth"
	"github.com/eldtechnologies/chatrelay/internal/backplane"
	"github.com/eldtechnologies/chatrelay/internal/config"
	"github.com/eldtechnologies/chatrelay/internal/presence"
	"github.com/eldtechnologies/chatrelay/internal/realtime"
	"github.com/eldtechnologies/chatrelay/internal/store"
	"github.com/eldtechnologies/chatrelay/internal/ws"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	logger = logger.With().Str("node_id", cfg.NodeID).Logger()

	ctx := context.Background()

	// Initialize the message store
	dataStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("message store unavailable")
	}
	defer dataStore.Close()

	// Initialize Redis; its absence narrows capability but is never fatal
	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis connection failed; continuing without it")
			redisStore = nil
		} else {
			defer redisStore.Close()
			logger.Info().Msg("connected to Redis")
		}
	}

	presenceStore := presence.Open(ctx, redisStore.Client(), logger)
	bus := backplane.Open(ctx, backplane.Options{
		Kind:    cfg.Backplane,
		NATSURL: cfg.NATSURL,
		NodeID:  cfg.NodeID,
		Redis:   redisStore.Client(),
	}, logger)
	defer bus.Close()

	hub := realtime.NewHub(realtime.Config{
		NodeID:        cfg.NodeID,
		Store:         dataStore,
		Presence:      presenceStore,
		Backplane:     bus,
		Logger:        logger,
		AllowIdentify: cfg.AllowIdentify,
	})
	hub.Start()

	verifier := auth.NewJWTVerifier(cfg.JWTSecret)
	socket := ws.NewHandler(hub, verifier, ws.Options{
		SendBuffer:     cfg.WSSendBuffer,
		MaxMessageSize: cfg.WSMaxMessageSize,
		AllowedOrigins: cfg.CORSOrigins,
		RateBurst:      cfg.WSRateBurst,
		RateInterval:   time.Second,
	}, logger)

	// Create router
	router := api.NewRouter(api.Deps{
		Logger:      logger,
		Store:       dataStore,
		Redis:       redisStore,
		Hub:         hub,
		Verifier:    verifier,
		Socket:      socket,
		CORSOrigins: cfg.CORSOrigins,
		RateLimit: middleware.RateLimiterConfig{
			Whitelist:        cfg.RateLimitWhitelist,
			AutoBlockEnabled: cfg.AutoBlockEnabled,
		},
	})

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("store", store.Name(dataStore)).
			Str("presence", string(presenceStore.Mode())).
			Str("backplane", bus.Mode()).
			Msg("starting chatrelay server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	// Sockets are hijacked and outlive srv.Shutdown; close them and release presence.
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("hub shutdown incomplete")
	}

	logger.Info().Msg("server stopped")
}

// openStore selects the message store from configuration.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.DataStore, error) {
	kind := cfg.Store
	if kind == "auto" {
		kind = "sqlite"
		if cfg.DatabaseURL != "" {
			kind = "postgres"
		}
	}

	switch kind {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("STORE=postgres requires DATABASE_URL")
		}
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		logger.Info().Msg("migrations completed")

		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres connection failed: %w", err)
		}
		logger.Info().Msg("connected to PostgreSQL")
		return pg, nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, err
		}
		sq, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite open failed: %w", err)
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite message store")
		return sq, nil
	case "memory":
		logger.Warn().Msg("using in-memory message store; messages are lost on restart")
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown STORE %q", cfg.Store)
	}
}

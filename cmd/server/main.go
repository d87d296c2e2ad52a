// Relaybot - chat client session orchestration server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/relaybot/relaybot/internal/api"
	"github.com/relaybot/relaybot/internal/browser"
	"github.com/relaybot/relaybot/internal/bus"
	"github.com/relaybot/relaybot/internal/config"
	"github.com/relaybot/relaybot/internal/dispatch"
	"github.com/relaybot/relaybot/internal/middleware"
	"github.com/relaybot/relaybot/internal/responder"
	"github.com/relaybot/relaybot/internal/session"
	"github.com/relaybot/relaybot/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "client_url", cfg.ClientURL, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	records, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := records.Close(); closeErr != nil {
			slog.Error("Failed to close store", "error", closeErr)
		}
	}()

	if err := records.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Without a browser no session can work, so a launch failure is fatal.
	pool := browser.NewPool(browser.PoolConfig{
		Bin:      cfg.BrowserBin,
		Headless: cfg.Headless,
	})
	if err := pool.Initialize(context.Background()); err != nil {
		slog.Error("Failed to initialize browser pool", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := pool.Shutdown(); closeErr != nil {
			slog.Error("Failed to shut down browser pool", "error", closeErr)
		}
	}()

	events := bus.New()
	defer events.Close()

	factory := browser.NewFactory(pool, browser.DriverConfig{
		ClientURL:          cfg.ClientURL,
		NavigationTimeout:  cfg.NavigationTimeout,
		LookupTimeout:      cfg.PairingWait,
		PairingMaxAttempts: cfg.PairingMaxAttempts,
		PairingRetryEvery:  cfg.PairingRetryEvery,
	})

	registry := session.NewRegistry(session.Config{
		DetectInterval:      cfg.DetectInterval,
		PollInterval:        cfg.PollInterval,
		SessionTTL:          cfg.SessionTTL,
		PairingAttemptLimit: cfg.PairingAttemptLimit,
	}, factory, events)
	defer registry.Shutdown()

	ai, err := responder.NewAnthropic(responder.AnthropicConfig{
		APIKey:    cfg.Responder.APIKey,
		BaseURL:   cfg.Responder.BaseURL,
		Model:     cfg.Responder.Model,
		MaxTokens: cfg.Responder.MaxTokens,
	})
	if err != nil {
		slog.Error("Failed to initialize responder", "error", err)
		os.Exit(1)
	}

	dispatcher := dispatch.New(dispatch.Config{
		HistoryDepth:  cfg.HistoryDepth,
		FallbackReply: cfg.Responder.FallbackReply,
	}, records, ai, registry)
	// Inbound messages reach the dispatcher directly; bus events are
	// lossy notifications for the websocket stream only.
	registry.SetInboundSink(dispatcher)

	// Initialize handlers.
	sessionHandler := api.NewSessionHandler(registry)
	healthHandler := api.NewHealthHandler(records, pool)
	eventsHandler := api.NewEventsHandler(events)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	healthHandler.RegisterHealth(r)
	sessionHandler.RegisterRoutes(r)

	// WebSocket event stream.
	r.Get("/ws/events", eventsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket streams stay open indefinitely
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go dispatcher.Run(ctx)
	registry.StartReaper(ctx, cfg.ReaperInterval)
	slog.Info("Session reaper started", "session_ttl", cfg.SessionTTL)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

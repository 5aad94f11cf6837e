// Package app is the orchestrator that ties the gateway components together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/termvoid/termvoid/internal/api"
	"github.com/termvoid/termvoid/internal/auth"
	"github.com/termvoid/termvoid/internal/config"
	"github.com/termvoid/termvoid/internal/conversation"
	"github.com/termvoid/termvoid/internal/gateway"
	"github.com/termvoid/termvoid/internal/generate"
	"github.com/termvoid/termvoid/internal/metrics"
	"github.com/termvoid/termvoid/internal/store"
)

// App is the main gateway process.
type App struct {
	cfg     *config.Config
	store   store.Store
	coord   *gateway.SessionCoordinator
	convs   *conversation.Manager
	api     *api.Server
	logger  *slog.Logger
	metrics metrics.Recorder
}

// New creates the gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := store.New(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	rec := metrics.NewSlogRecorder(logger)
	authSvc := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry.Duration)

	var gen generate.Generator
	switch cfg.Model.Provider {
	case "hosted":
		gen = generate.NewHosted(generate.HostedOptions{
			BaseURL:        cfg.Model.BaseURL,
			APIKey:         cfg.Model.APIKey,
			Model:          cfg.Model.ModelName,
			Temperature:    cfg.Model.Temperature,
			MaxTokens:      cfg.Model.MaxTokens,
			RequestTimeout: cfg.Model.RequestTimeout.Duration,
		}, logger)
	default:
		gen = generate.NewStub()
	}

	convs := conversation.NewManager(db, conversation.Limits{}, logger, rec)

	coord := gateway.NewSessionCoordinator(gateway.Options{
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval.Duration,
		ReconnectTimeout:  cfg.Gateway.ReconnectTimeout.Duration,
		MaxRetries:        cfg.Gateway.MaxRetries,
		QueueCapacity:     cfg.Gateway.QueueCapacity,
		PendingBufferSize: cfg.Gateway.PendingBufferSize,
		MessageTimeout:    cfg.Gateway.MessageTimeout.Duration,
		DeliveryTimeout:   cfg.Gateway.DeliveryTimeout.Duration,
		BatchSize:         cfg.Gateway.BatchSize,
		PollInterval:      cfg.Gateway.PollInterval.Duration,
		BackoffBase:       cfg.Gateway.BackoffBase.Duration,
		BackoffMultiplier: cfg.Gateway.BackoffMultiplier,
		BackoffMax:        cfg.Gateway.BackoffMax.Duration,
		RateLimitWindow:   cfg.RateLimit.Window.Duration,
		RateLimitMax:      cfg.RateLimit.MaxMessages,
		Logger:            logger,
		Metrics:           rec,
		Audit:             db,
		Generator:         gen,
		History:           convs.History,
		OnReply:           convs.RecordReply,
	})
	convs.Bind(coord)

	apiSrv := api.NewServer(cfg.Server, coord, convs, db, authSvc, logger, rec)

	if len(cfg.Auth.JWTSecret) < 48 {
		logger.Warn("JWT secret is short, use a stronger secret in production")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("allowed_origins contains wildcard '*', restrict it in production")
			break
		}
	}

	return &App{
		cfg:     cfg,
		store:   db,
		coord:   coord,
		convs:   convs,
		api:     apiSrv,
		logger:  logger.With("component", "app"),
		metrics: rec,
	}, nil
}

// Run starts the background loops and the HTTP server and blocks until the
// context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.coord.Start(ctx)
	go a.convs.Run(ctx)

	if a.cfg.Storage.Retention.Duration > 0 {
		go a.runRetentionPurger(ctx, a.cfg.Storage.Retention.Duration)
	}

	srv := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: a.api.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("gateway listening", "addr", a.cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down gateway gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}

		a.coord.Shutdown(10 * time.Second)
		_ = a.store.Close()
		a.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		a.coord.Shutdown(10 * time.Second)
		_ = a.store.Close()
		return err
	}
}

func (a *App) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := a.store.PurgeOldMessages(ctx, cutoff); err != nil {
				a.logger.Warn("retention purge failed", "error", err)
			} else if n > 0 {
				a.logger.Info("retention purge deleted old messages", "count", n)
			}
		}
	}
}

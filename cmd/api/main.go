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

	"voice-gateway/internal/actions"
	"voice-gateway/internal/auth"
	"voice-gateway/internal/config"
	"voice-gateway/internal/control"
	"voice-gateway/internal/directory"
	"voice-gateway/internal/instructions"
	"voice-gateway/internal/rbac"
	"voice-gateway/internal/realtime"
	"voice-gateway/internal/session"
	"voice-gateway/internal/stream"
	"voice-gateway/internal/webhook"
	"voice-gateway/pkg/logger"
	"voice-gateway/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	verifier, err := webhook.NewVerifier(cfg.Webhook.SigningSecret)
	if err != nil {
		log.Error("webhook verifier init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	registry := session.NewRegistry()
	dirService := directory.NewService(directory.NewPostgresRepo(db), directory.NewRedisCache(rdb), log)
	builder := instructions.NewBuilder(instructions.Profile{
		BusinessName: cfg.Business.Name,
		Description:  cfg.Business.Description,
		Hours:        cfg.Business.Hours,
	})

	rtClient := realtime.NewClient(cfg.Realtime)
	dispatcher := actions.NewDispatcher(dirService, rtClient, log)
	streams := stream.NewManager(cfg.Stream, registry, rtClient, dispatcher, log)
	controller := control.NewController(registry, rtClient, streams, dirService, builder, cfg.Realtime, log)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		webhooks: webhook.NewHandler(verifier, controller),
		login:    auth.NewHandler(authManager, cfg.Auth.OperatorKey, rbac.RoleAdmin),
		authMW:   auth.RequireAccessToken(authManager),
		dir:      directory.Handlers{Service: dirService},
		registry: registry,
		dbCheck:  func(ctx context.Context) error { return utils.HealthCheck(ctx, db, 2*time.Second) },
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	// Streams after the listener: no new events can arrive, so tearing
	// down supervisors and in-flight greetings is safe.
	controller.Shutdown()
	streams.Shutdown()

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"assistant/internal/config"
	"assistant/internal/handler"
	"assistant/internal/logger"
	"assistant/internal/repository"
	"assistant/internal/service"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialise logging: %w", err)
	}

	logger.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("git_commit", GitCommit).
		Msg("Room booking assistant starting")

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gin.SetMode(cfg.Server.GinMode)

	// Session context store
	var store service.ContextStore
	switch cfg.Session.Store {
	case "redis":
		redisStore, err := service.NewRedisContextStore(ctx, cfg.Session.RedisURL, cfg.Session.MaxHistory, cfg.Session.IdleTimeout)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisStore.Close()
		store = redisStore
		logger.Info().Msg("Using Redis session store")
	default:
		memStore := service.NewMemoryContextStore(cfg.Session.MaxHistory, cfg.Session.IdleTimeout, nil)
		memStore.Start(ctx, cfg.Session.SweepInterval)
		defer memStore.Stop()
		store = memStore
	}

	// Language model
	llm, err := service.NewChatClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create language model client: %w", err)
	}
	if llm == nil {
		logger.Warn().Msg("No language model configured, commands are resolved by the local classifier only")
	} else {
		logger.Info().Str("llm", llm.Name()).Dur("timeout", cfg.LLM.Timeout).Msg("Language model configured")
	}
	liveness := service.NewLivenessMonitor(llm, cfg.LLM.HealthInterval, cfg.LLM.Timeout)
	liveness.Start(ctx)
	defer liveness.Stop()

	// Booking API
	executor := service.NewExecutor(cfg.BookingAPI.BaseURL, cfg.BookingAPI.Timeout)
	catalog := service.NewToolCatalog(executor)
	if cfg.BookingAPI.ServiceToken != "" {
		go func() {
			if err := catalog.Refresh(ctx, cfg.BookingAPI.ServiceToken); err != nil {
				logger.Warn().Err(err).Msg("Initial tool catalog refresh failed, dispatching without validation")
			}
		}()
	}
	rooms := service.NewRoomDirectory(executor, cfg.BookingAPI.RefreshTTL)

	// Audit log
	var (
		audit   service.AuditSink
		history handler.CommandHistory
	)
	if cfg.PostgreSQL.AuditEnabled {
		repo, err := repository.NewPostgresRepository(
			cfg.GetPostgreSQLDSN(),
			cfg.PostgreSQL.MaxConnections,
			cfg.PostgreSQL.MaxIdleConnections,
		)
		if err != nil {
			return err
		}
		defer repo.Close()
		if err := repo.Migrate(ctx); err != nil {
			return err
		}
		audit, history = repo, repo
		logger.Info().Msg("Audit log enabled")
	}

	orchestrator := service.NewOrchestrator(service.OrchestratorDeps{
		Parser:     service.NewIntentParser(llm, nil),
		Liveness:   liveness,
		Executor:   executor,
		Rooms:      rooms,
		Catalog:    catalog,
		Store:      store,
		Formatter:  service.NewFormatter(llm, liveness.Available, cfg.LLM.FormatResults),
		Audit:      audit,
		LLMTimeout: cfg.LLM.Timeout,
	})

	router := newRouter(cfg, orchestrator, store, history, catalog, liveness)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info().Msg("Server stopped")
	return nil
}

func newRouter(
	cfg *config.Config,
	resolver handler.CommandResolver,
	store service.ContextStore,
	history handler.CommandHistory,
	catalog *service.ToolCatalog,
	liveness *service.LivenessMonitor,
) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	// CORS configuration
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = splitList(cfg.Server.AllowedOrigins)
	corsConfig.AllowMethods = splitList(cfg.Server.AllowedMethods)
	corsConfig.AllowHeaders = splitList(cfg.Server.AllowedHeaders)
	router.Use(cors.New(corsConfig))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":         "healthy",
			"service":        "booking-assistant",
			"version":        Version,
			"llm_available":  liveness.Available(),
			"catalog_loaded": catalog.Loaded(),
		})
	})

	router.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    Version,
			"build_time": BuildTime,
			"git_commit": GitCommit,
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	commands := handler.NewCommandHandler(resolver, cfg.Server.RequestTimeout)
	sessions := handler.NewSessionHandler(store)

	apiV1 := router.Group("/api/v1", handler.RequireBearer())
	{
		apiV1.POST("/commands", commands.Resolve)
		apiV1.POST("/commands/stream", commands.ResolveStream)

		apiV1.GET("/sessions/:userId", sessions.Get)
		apiV1.DELETE("/sessions/:userId", sessions.Clear)

		apiV1.GET("/users/:userId/commands", handler.NewHistoryHandler(history).List)
		apiV1.GET("/tools", handler.NewToolsHandler(catalog).List)
	}

	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("HTTP request")
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

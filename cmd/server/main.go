// VendorPlatform - Contextual Commerce Orchestration
// Copyright (c) 2024 BillyRonks Global Limited. All rights reserved.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	queueapi "github.com/BillyRonksGlobal/dataqueue/api/queue"
	"github.com/BillyRonksGlobal/dataqueue/internal/queue"
	"github.com/BillyRonksGlobal/dataqueue/internal/queue/kv"
	"github.com/BillyRonksGlobal/dataqueue/internal/queue/postgres"
	"github.com/BillyRonksGlobal/dataqueue/pkg/config"
	"github.com/BillyRonksGlobal/dataqueue/pkg/logger"
	"github.com/BillyRonksGlobal/dataqueue/pkg/middleware"
)

// App holds the application dependencies
type App struct {
	cfg    *config.Config
	log    *logger.Logger
	db     *pgxpool.Pool
	cache  *redis.Client
	q      *queue.Queue
	router *gin.Engine
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&logger.Config{
		Level:       cfg.App.LogLevel,
		Development: cfg.App.Debug,
		Encoding:    "json",
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	backend, db, cache, err := initBackend(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize queue backend", zap.Error(err))
	}
	if db != nil {
		defer db.Close()
	}
	if cache != nil {
		defer cache.Close()
	}

	q := queue.New(backend, log)
	defer q.Close()

	app := &App{cfg: cfg, log: log, db: db, cache: cache, q: q}
	app.setupRouter()

	supervisor := q.CreateSupervisor(queue.SupervisorOptions{
		IntervalMs:              cfg.Queue.SupervisorIntervalMs,
		StuckJobsTimeoutMinutes: cfg.Queue.StuckJobsTimeoutMinutes,
		CleanupJobsDaysToKeep:   cfg.Queue.CleanupJobsDaysToKeep,
		CleanupEventsDaysToKeep: cfg.Queue.CleanupEventsDaysToKeep,
		CleanupBatchSize:        cfg.Queue.CleanupBatchSize,
		ReclaimStuckJobs:     true,
		ExpireTimedOutTokens: true,
		OnError: func(err error) {
			log.Error("supervisor task failed", zap.Error(err))
		},
	})
	supervisorCtx, stopSupervisor := context.WithCancel(context.Background())
	supervisor.StartInBackground(supervisorCtx)
	defer stopSupervisor()

	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + portString(cfg.Server.Port),
		Handler:      app.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")
	supervisor.StopAndDrain(cfg.Server.ShutdownTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("server forced to shutdown", zap.Error(err))
	}

	log.Info("server exited gracefully")
}

func portString(p int) string {
	return fmt.Sprintf("%d", p)
}

// initBackend builds the Backend the Queue facade sits on top of,
// selecting postgres or kv per config. Both the pool and client are
// returned (possibly nil) so main can own their lifecycle/health checks.
func initBackend(cfg *config.Config, log *logger.Logger) (queue.Backend, *pgxpool.Pool, *redis.Client, error) {
	switch cfg.Queue.Backend {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parse database url: %w", err)
		}
		poolCfg.MaxConns = cfg.Database.MaxConns
		poolCfg.MinConns = cfg.Database.MinConns
		poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
		poolCfg.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create connection pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			return nil, nil, nil, fmt.Errorf("ping database: %w", err)
		}

		return postgres.New(pool), pool, nil, nil

	case "kv":
		opts, err := redis.ParseURL(cfg.Redis.URL())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, nil, fmt.Errorf("ping redis: %w", err)
		}

		return kv.New(client, cfg.Queue.KeyPrefix), nil, client, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

func (app *App) setupRouter() {
	if app.cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(app.log.Logger))
	router.Use(middleware.Recovery(app.log.Logger))
	router.Use(middleware.CORS(middleware.CORSConfig{
		AllowOrigins:     app.cfg.Server.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(middleware.SecureHeaders())

	router.GET("/health", app.healthCheck)
	router.GET("/ready", app.readinessCheck)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.JWTAuth(app.cfg.Auth.JWTSecret))

	queueHandler := queueapi.NewHandler(app.q, app.log.Logger)
	queueHandler.RegisterRoutes(v1)

	app.router = router
}

func (app *App) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": app.cfg.App.Name,
		"version": app.cfg.App.Version,
	})
}

func (app *App) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := gin.H{}

	if app.db != nil {
		if err := app.db.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "database connection failed"})
			return
		}
		checks["database"] = "ok"
	}

	if app.cache != nil {
		if err := app.cache.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "cache connection failed"})
			return
		}
		checks["cache"] = "ok"
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": checks})
}

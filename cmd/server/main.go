package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/pressly/goose"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/unitylab/clipforge/internal/config"
	"github.com/unitylab/clipforge/internal/handler"
	"github.com/unitylab/clipforge/internal/metrics"
	"github.com/unitylab/clipforge/internal/notify"
	"github.com/unitylab/clipforge/internal/repository"
	"github.com/unitylab/clipforge/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := sqlx.Connect("pgx", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	slog.Info("database connected")

	if cfg.RunMigrations {
		if err := goose.SetDialect("postgres"); err != nil {
			return fmt.Errorf("set goose dialect: %w", err)
		}
		if err := goose.Up(db.DB, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("migrations applied")
	}

	broker := notify.NewBroker()
	publisher := notify.Multi{broker}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		publisher = append(publisher, notify.NewRedisPublisher(rdb, cfg.RedisChannel))
		slog.Info("redis publisher enabled", "channel", cfg.RedisChannel)
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	jobRepo := repository.NewJobRepository(db)
	planRepo := repository.NewPlanRepository(db)
	expRepo := repository.NewExperimentRepository(db)

	estimator := service.NewEstimator(service.LaneThroughput{
		0: cfg.ThroughputP0,
		1: cfg.ThroughputP1,
		2: cfg.ThroughputP2,
	})
	scheduler := service.NewScheduler(jobRepo, planRepo, estimator, service.SystemClock(), publisher)
	experiments := service.NewExperiments(expRepo, jobRepo, service.SystemClock(), cfg.MinShare)

	jobsHandler := handler.NewJobsHandler(scheduler, broker)
	expHandler := handler.NewExperimentsHandler(experiments)

	e := echo.New()
	e.HideBanner = true
	e.Validator = handler.NewAppValidator()
	e.HTTPErrorHandler = handler.HTTPErrorHandler
	e.Use(echomw.RequestID())
	e.Use(handler.RequestLogger())
	e.Use(echomw.Recover())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	v1 := e.Group("/v1")
	v1.POST("/jobs", jobsHandler.Submit)
	v1.GET("/jobs/:id", jobsHandler.Get)
	v1.POST("/jobs/:id/transition", jobsHandler.Transition)
	v1.GET("/jobs/:id/stream", jobsHandler.Stream)
	v1.GET("/queue", jobsHandler.Queue)
	v1.POST("/experiments", expHandler.Create)
	v1.GET("/experiments/:id", expHandler.Get)
	v1.POST("/experiments/:id/metrics", expHandler.IngestMetrics)
	v1.POST("/experiments/:id/decide", expHandler.Decide)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", cfg.Port)
		errCh <- e.Start(fmt.Sprintf(":%d", cfg.Port))
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutdown signal received", "signal", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

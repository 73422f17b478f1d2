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
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jstittsworth/wagering-core/internal/api"
	"github.com/jstittsworth/wagering-core/internal/api/middleware"
	"github.com/jstittsworth/wagering-core/internal/cache"
	"github.com/jstittsworth/wagering-core/internal/correlation"
	"github.com/jstittsworth/wagering-core/internal/montecarlo"
	"github.com/jstittsworth/wagering-core/internal/oddsstore"
	"github.com/jstittsworth/wagering-core/internal/optimizer"
	"github.com/jstittsworth/wagering-core/internal/realtime"
	"github.com/jstittsworth/wagering-core/internal/scheduler"
	"github.com/jstittsworth/wagering-core/pkg/config"
	"github.com/jstittsworth/wagering-core/pkg/database"
	"github.com/jstittsworth/wagering-core/pkg/logger"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}

	log := logger.InitLogger("", cfg.IsDevelopment())
	log.WithFields(logrus.Fields{
		"environment":  cfg.Env,
		"database_url": cfg.DatabaseURL,
		"redis_url":    cfg.RedisURL,
	}).Info("starting wagering-core")

	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewConnection(cfg.DatabaseURL, cfg.IsDevelopment())
	if err != nil {
		logrus.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	var redisClient *redis.Client
	if opt, perr := redis.ParseURL(cfg.RedisURL); perr == nil {
		redisClient = redis.NewClient(opt)
		if perr := redisClient.Ping(context.Background()).Err(); perr != nil {
			log.WithError(perr).Warn("redis unreachable, continuing with in-memory cache tier only")
			redisClient = nil
		}
	} else {
		log.WithError(perr).Warn("invalid REDIS_URL, continuing with in-memory cache tier only")
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	coreCache := cache.New(cache.Config{
		MaxEntriesPerNamespace: cfg.CacheMaxEntries,
		RemoteClient:           redisClient,
		RemotePrefix:           "wagering",
	}, logger.WithComponent("cache"))

	oddsStore := oddsstore.New(db.DB, logger.WithComponent("oddsstore"))
	corrEngine := correlation.New(oddsStore, coreCache, logger.WithComponent("correlation"))
	sim := montecarlo.New()
	opt := optimizer.New(corrEngine, sim, db.DB, logger.WithComponent("optimizer"))

	sched := scheduler.New(scheduler.Config{
		Workers:      cfg.SchedulerWorkers,
		QueueDepth:   cfg.SchedulerQueueDepth,
		TickInterval: cfg.SchedulerTickInterval,
		EnqueueRate:  cfg.SchedulerEnqueueRate,
	}, logger.WithComponent("scheduler"))

	sched.Register("refresh-best-lines", func(ctx context.Context) (interface{}, error) {
		return nil, nil // populated per-prop via RefreshBestLine as snapshots land
	}, 2, 5*time.Second, 30*time.Second)

	sched.Register("cleanup-completed-executions", func(ctx context.Context) (interface{}, error) {
		removed := sched.CleanupCompletedExecutions(24 * time.Hour)
		return removed, nil
	}, 1, 5*time.Second, 10*time.Second)

	ctx, cancelScheduler := context.WithCancel(context.Background())
	sched.Start(ctx)
	defer cancelScheduler()

	if _, err := sched.SchedulePeriodic("cleanup-completed-executions", time.Hour, time.Hour, time.Minute); err != nil {
		log.WithError(err).Warn("failed to schedule execution cleanup")
	}

	hub := realtime.NewHub(logger.WithComponent("realtime"))
	go hub.Run()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.CORS(cfg.CorsOrigins))

	router.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "wagering-core"}) })
	router.GET("/ready", func(c *gin.Context) {
		sqlDB, derr := db.DB.DB()
		if derr != nil || sqlDB.Ping() != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	apiV1 := router.Group("/api/v1")
	api.SetupRoutes(apiV1, db, oddsStore, corrEngine, sim, opt, sched, coreCache, hub, logger.WithComponent("api"))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infof("listening on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sched.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}

	log.Info("server exited")
}

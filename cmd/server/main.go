package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/Monthlyaway/ttl-link/config"
	"github.com/Monthlyaway/ttl-link/internal/alias"
	"github.com/Monthlyaway/ttl-link/internal/cache"
	"github.com/Monthlyaway/ttl-link/internal/filter"
	"github.com/Monthlyaway/ttl-link/internal/handler"
	"github.com/Monthlyaway/ttl-link/internal/idgen"
	"github.com/Monthlyaway/ttl-link/internal/middleware"
	"github.com/Monthlyaway/ttl-link/internal/repository"
	"github.com/Monthlyaway/ttl-link/internal/scheduler"
	"github.com/Monthlyaway/ttl-link/internal/service"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; the environment may already be set
	_ = godotenv.Load()

	configPath := os.Getenv("SHORTLINK_CONFIG")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := setupLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	// Lifecycle store
	db, err := repository.Open(repository.Options{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN(),
		MaxIdleConns: cfg.Database.MaxIdleConns,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		LogLevel:     cfg.Log.Level,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	repo := repository.NewLinkRepository(db)
	defer repo.Close()

	// Redis backs the response cache, the rate limiter and the redis scheduler
	redisClient, err := cache.NewRedisClient(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize)
	if err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}
	defer redisClient.Close()
	responseCache := cache.NewRedisCache(redisClient, cfg.Cache.Prefix)

	ids, err := idgen.New(cfg.Snowflake.DatacenterID, cfg.Snowflake.WorkerID)
	if err != nil {
		return fmt.Errorf("failed to initialize id generator: %w", err)
	}
	sched := newScheduler(cfg, redisClient, ids, logger)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(),
		time.Duration(cfg.Lifecycle.RecoverTimeoutSecs)*time.Second)
	defer cancelStartup()

	// Alias allocator with the bloom filter warmed from the current links
	aliasFilter := filter.NewAliasFilter(cfg.BloomFilter.Capacity, cfg.BloomFilter.FalsePositiveRate)
	if aliases, err := repo.AllAliases(startupCtx); err != nil {
		logger.Warn("failed to warm alias filter", "error", err)
	} else {
		aliasFilter.Load(aliases)
		logger.Info("alias filter loaded", "count", len(aliases))
	}
	allocator := alias.NewAllocator(repo, alias.Config{
		Filter:      aliasFilter,
		Reserved:    cfg.Lifecycle.ReservedAliases,
		MaxAttempts: cfg.Lifecycle.MaxAllocations,
	})

	linkService := service.NewLinkService(repo, allocator, responseCache, sched, service.Options{
		DefaultLifetime:  time.Duration(cfg.Lifecycle.DefaultLifetime) * time.Second,
		Namespace:        cfg.Lifecycle.CacheNamespace,
		CacheTTL:         time.Duration(cfg.Lifecycle.StatsCacheTTL) * time.Second,
		MaxInsertRetries: cfg.Lifecycle.MaxInsertRetries,
		Logger:           logger,
	})

	schedCtx, stopSched := context.WithCancel(context.Background())
	defer stopSched()
	if err := sched.Start(schedCtx, linkService.RetireExpired); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer sched.Stop()

	if cfg.Lifecycle.RecoverOnStartup {
		if err := linkService.Recover(startupCtx); err != nil {
			logger.Warn("failed to recover retirement tasks", "error", err)
		}
	}

	router := setupRouter(cfg, linkService, redisClient, logger)

	srv := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Server.Port, "scheduler", cfg.Scheduler.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-quit:
	}
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("server exited")
	return nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

func newScheduler(cfg *config.Config, client *redis.Client, ids *idgen.Generator, logger *slog.Logger) scheduler.Scheduler {
	if cfg.Scheduler.Driver == "memory" {
		return scheduler.NewMemoryScheduler(ids, scheduler.MemoryOptions{
			StalenessHorizon: cfg.Scheduler.Horizon(),
			RetryDelay:       cfg.Scheduler.Backoff(),
			Logger:           logger,
		})
	}
	return scheduler.NewRedisScheduler(client, ids, scheduler.RedisOptions{
		KeyPrefix:        cfg.Scheduler.KeyPrefix,
		PollInterval:     cfg.Scheduler.PollEvery(),
		BatchSize:        cfg.Scheduler.BatchSize,
		StalenessHorizon: cfg.Scheduler.Horizon(),
		RetryDelay:       cfg.Scheduler.Backoff(),
		Logger:           logger,
	})
}

func setupRouter(cfg *config.Config, linkService *service.LinkService, redisClient *redis.Client, logger *slog.Logger) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.Logger(logger))

	if cfg.CORS.Enabled {
		corsConfig := cors.DefaultConfig()
		if len(cfg.CORS.AllowedOrigins) == 0 || slices.Contains(cfg.CORS.AllowedOrigins, "*") {
			corsConfig.AllowAllOrigins = true
		} else {
			corsConfig.AllowOrigins = cfg.CORS.AllowedOrigins
		}
		corsConfig.AddAllowHeaders("Authorization", middleware.RequestIDHeader)
		corsConfig.AddExposeHeaders(middleware.RequestIDHeader)
		router.Use(cors.New(corsConfig))
	}

	var limits handler.RouteLimits
	if cfg.RateLimit.Enabled {
		strategy := middleware.ParseStrategy(cfg.RateLimit.Strategy)
		logger.Info("rate limiting enabled", "strategy", strategy)

		global := middleware.NewRateLimiter(redisClient, &middleware.RateLimitConfig{
			Strategy: strategy,
			Limit:    cfg.RateLimit.Global.Limit,
			Window:   time.Duration(cfg.RateLimit.Global.Window) * time.Second,
			KeyFunc:  middleware.IPKey,
			SkipFunc: middleware.SkipHealthCheck,
			Logger:   logger,
		})
		router.Use(global.Middleware())

		for _, endpoint := range cfg.RateLimit.Endpoints {
			limiter := middleware.NewRateLimiter(redisClient, &middleware.RateLimitConfig{
				Strategy: strategy,
				Limit:    endpoint.Limit,
				Window:   time.Duration(endpoint.Window) * time.Second,
				Logger:   logger,
			})
			switch strings.ToUpper(endpoint.Method) + " " + endpoint.Path {
			case "POST /shorten":
				limits.Create = append(limits.Create, limiter.Middleware())
			case "GET /:alias":
				limits.Redirect = append(limits.Redirect, limiter.Middleware())
			default:
				logger.Warn("ignoring rate limit for unknown route", "method", endpoint.Method, "path", endpoint.Path)
			}
		}
	}

	auth := middleware.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	router.Use(auth.Middleware())

	baseURL := cfg.Server.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	handler.NewLinkHandler(linkService, baseURL, logger).Register(router, limits)
	return router
}


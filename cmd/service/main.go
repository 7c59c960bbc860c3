package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/nook-weather-service/internal/cache"
	"github.com/kjstillabower/nook-weather-service/internal/config"
	httphandler "github.com/kjstillabower/nook-weather-service/internal/http"
	"github.com/kjstillabower/nook-weather-service/internal/lifecycle"
	"github.com/kjstillabower/nook-weather-service/internal/observability"
	"github.com/kjstillabower/nook-weather-service/internal/registry"
	"github.com/kjstillabower/nook-weather-service/internal/service"
)

const inFlightCheckInterval = 100 * time.Millisecond

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	var payloads cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.PayloadCacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached payload cache", zap.Error(err))
		}
		memcacheCloser = mc
		payloads = mc
	case "file":
		fc, err := cache.NewFileCache(cfg.PayloadCacheDir, cfg.PayloadCacheTTL)
		if err != nil {
			logger.Fatal("file payload cache", zap.Error(err))
		}
		payloads = fc
	case "in_memory":
		payloads = cache.NewInMemoryCache()
	}
	if payloads != nil {
		logger.Info("payload cache enabled",
			zap.String("backend", cfg.PayloadCacheBackend),
			zap.String("mode", cfg.PayloadCacheMode))
	}

	reg, err := registry.Build(cfg.Providers, registry.Deps{
		Config:   cfg,
		Payloads: payloads,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("providers", zap.Error(err))
	}
	logger.Info("providers configured", zap.Strings("order", reg.Names()), zap.Strings("breakers", reg.Labels()))

	aggregator, err := service.NewAggregator(reg.Providers(), service.Options{
		RefreshInterval: cfg.RefreshInterval,
		RefreshTimeout:  cfg.RefreshTimeout,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatal("aggregator", zap.Error(err))
	}

	observability.RegisterTrafficGauges(cfg.OverloadWindow)
	if len(cfg.TrackedLocations) > 0 {
		observability.SetTrackedLocations(cfg.TrackedLocations)
	}

	var warmer *cache.CacheWarmer
	if len(cfg.WarmLocations) > 0 {
		warmer = cache.NewCacheWarmer(aggregator, logger, cfg.RefreshTimeout+10*time.Second)
		warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := warmer.Warm(warmCtx, cfg.WarmLocations); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		warmCancel()
		if cfg.WarmInterval > 0 {
			if err := warmer.Schedule(cfg.WarmLocations, cfg.WarmInterval); err != nil {
				logger.Error("schedule cache warming", zap.Error(err))
			}
		}
	}

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		RateLimitBurst:       cfg.RateLimitBurst,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		BreakerStates:        reg.BreakerStates,
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	handler := httphandler.NewHandler(aggregator, healthConfig, logger, limiter)
	router := httphandler.NewRouter(handler, httphandler.RouterOptions{
		Logger:             logger,
		Limiter:            limiter,
		RequestTimeout:     cfg.RequestTimeout,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		TestingMode:        cfg.TestingMode,
	})

	srv := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// a refresh can run up to the request timeout before the body is written
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	if warmer != nil {
		warmer.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	if err := httphandler.WaitForInFlight(shutdownCtx, inFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err),
			zap.Int64("remaining", httphandler.InFlightCount()),
			zap.Strings("routes", httphandler.InFlightRoutes()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}

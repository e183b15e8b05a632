package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"behavior-anomaly-engine/analytics"
	"behavior-anomaly-engine/cache"
	"behavior-anomaly-engine/config"
	"behavior-anomaly-engine/events"
	"behavior-anomaly-engine/handlers"
	"behavior-anomaly-engine/metrics"
	"behavior-anomaly-engine/services"
	"behavior-anomaly-engine/utils"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		// logger is not built yet
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := utils.NewLogger(utils.LogConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting behavior anomaly engine...",
		zap.Int("window_size", cfg.Detector.WindowSize),
		zap.Float64("ewma_alpha", cfg.Detector.EWMAAlpha),
	)

	// Optional snapshot cache
	var redisClient *cache.RedisClient
	var store services.SnapshotStore
	var snapshotCache handlers.SnapshotCache
	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisClient, err = cache.NewRedisClient(ctx, cache.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			SnapshotTTL: cfg.Redis.SnapshotTTL,
		})
		cancel()
		if err != nil {
			logger.Warn("Redis not available, running without cache", zap.Error(err))
			redisClient = nil
		} else {
			store = redisClient
			snapshotCache = redisClient
		}
	}

	// Optional anomaly event stream
	var kafkaPublisher *events.KafkaPublisher
	var publisher services.EventPublisher
	if cfg.Kafka.Enabled {
		kafkaPublisher, err = events.NewKafkaPublisher(events.Options{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		})
		if err != nil {
			logger.Warn("Kafka not available, running without event stream", zap.Error(err))
			kafkaPublisher = nil
		} else {
			publisher = kafkaPublisher
		}
	}

	dispatcher := services.NewAnomalyDispatcher(store, publisher, logger.Named("dispatcher"), metrics.RecordAnomaly)

	var engine *services.Engine
	engine, err = services.NewEngine(cfg.Detector,
		services.WithLogger(logger.Named("engine")),
		services.WithDropHook(metrics.RecordDropped),
		services.WithObserver(metrics.PublishSnapshot),
		services.WithObserver(dispatcher.Observe),
		services.WithObserver(func(analytics.Snapshot) {
			metrics.SetRegionsTracked(engine.Len())
		}),
	)
	if err != nil {
		logger.Fatal("failed to create engine", zap.Error(err))
	}

	stopEviction := make(chan struct{})
	if cfg.RegionIdleTTL > 0 {
		go evictIdleRegions(engine, redisClient, cfg.RegionIdleTTL, stopEviction, logger)
	}

	engineHandler := handlers.NewEngineHandler(engine, dispatcher, snapshotCache, logger.Named("http"))

	r := mux.NewRouter()
	engineHandler.Register(r)

	// Health check
	r.HandleFunc("/health", healthCheck(redisClient, engine)).Methods(http.MethodGet)

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.MetricsHandler()).Methods(http.MethodGet)

	// Wrap handler with middlewares (order: rate limit first, then metrics)
	rateLimiter := utils.NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	var handler http.Handler = r
	handler = utils.RateLimitMiddleware(rateLimiter)(handler)
	handler = metrics.MetricsMiddleware(handler)

	server := &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        handler,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	go func() {
		logger.Info("Server starting", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("HTTP server shutdown", zap.Error(err))
	}

	close(stopEviction)
	dispatcher.Stop()
	if kafkaPublisher != nil {
		if err := kafkaPublisher.Close(); err != nil {
			logger.Warn("failed to close Kafka writer", zap.Error(err))
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed to close Redis client", zap.Error(err))
		}
	}
}

// evictIdleRegions drops regions that stopped reporting, along with their
// gauges and cached snapshot.
func evictIdleRegions(engine *services.Engine, redisClient *cache.RedisClient, ttl time.Duration, stop <-chan struct{}, logger *zap.Logger) {
	interval := ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			evicted := engine.EvictIdle(now, ttl)
			for _, region := range evicted {
				metrics.DeleteRegion(region)
				if redisClient != nil {
					ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
					if err := redisClient.DeleteRegion(ctx, region); err != nil {
						logger.Warn("failed to delete cached region", zap.String("region", region), zap.Error(err))
					}
					cancel()
				}
			}
			if len(evicted) > 0 {
				metrics.SetRegionsTracked(engine.Len())
			}
		case <-stop:
			return
		}
	}
}

// healthCheck returns a health check handler
func healthCheck(redisClient *cache.RedisClient, engine *services.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		redisStatus := "not configured"

		if redisClient != nil {
			if err := redisClient.HealthCheck(r.Context()); err != nil {
				redisStatus = "unhealthy"
				status = "degraded"
			} else {
				redisStatus = "healthy"
			}
		}

		response := map[string]interface{}{
			"service": "behavior-anomaly-engine",
			"status":  status,
			"redis":   redisStatus,
			"regions": engine.Len(),
			"version": "1.0.0",
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

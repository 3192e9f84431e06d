package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"prickless/common/database"
	rediscommon "prickless/common/redis"
	"prickless/internal/cache"
	"prickless/internal/config"
	httpapi "prickless/internal/http"
	"prickless/internal/publisher"
	"prickless/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// APIService 看板读路径服务
type APIService struct {
	logger *zap.Logger
	db     *sql.DB
	redis  *redis.Client
	server *Server
}

// NewAPIService 创建 API 服务
func NewAPIService(cfg *config.Config, logger *zap.Logger) (*APIService, error) {
	db, err := database.Open(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := database.Ping(pingCtx, db); err != nil {
		logger.Warn("Database not reachable at startup, API will return 503 until it recovers", zap.Error(err))
	}

	var (
		redisClient *redis.Client
		tail        httpapi.EventTail
		invalidator httpapi.ThresholdInvalidator
	)
	if cfg.Redis.Enabled() {
		redisClient = rediscommon.NewRedisClient(&cfg.Redis)
		if err := rediscommon.Ping(pingCtx, redisClient); err != nil {
			logger.Warn("Redis not reachable at startup, live stream and cache invalidation degraded", zap.Error(err))
		}
		// 与摄取服务共用缓存键，设置变更后立即失效
		invalidator = cache.NewThresholdCache(repository.NewThresholdsRepository(db, logger), redisClient,
			cfg.Alerts.ThresholdCacheTTL, logger)
		if cfg.Streams.Enabled {
			tail = publisher.NewStreamPublisher(redisClient, cfg.Streams.Readings, cfg.Streams.Alerts, cfg.Streams.MaxLen, logger)
		}
	}

	router := NewAPIRouter(db, tail, invalidator, cfg.HTTP.CORSOrigins, logger)
	return &APIService{
		logger: logger,
		db:     db,
		redis:  redisClient,
		server: NewServer("api", cfg.HTTP.Addr, router, logger),
	}, nil
}

// NewAPIRouter 装配 API 路由；tail 为 nil 时不提供实时推送，invalidator 为 nil 时不清理阈值缓存
func NewAPIRouter(db *sql.DB, tail httpapi.EventTail, invalidator httpapi.ThresholdInvalidator, corsOrigins []string, logger *zap.Logger) *gin.Engine {
	readings := repository.NewReadingsRepository(db, logger)
	alerts := repository.NewAlertsRepository(db, logger)
	devices := repository.NewDevicesRepository(db, logger)
	thresholds := repository.NewThresholdsRepository(db, logger)

	handlers := []httpapi.RouteRegistrar{
		httpapi.NewGlucoseHandler(readings, alerts, logger),
		httpapi.NewDeviceHandler(devices, readings, logger),
		httpapi.NewSettingsHandler(thresholds, invalidator, logger),
		httpapi.NewHealthHandler("prickless-api", map[string]httpapi.HealthCheck{
			"database": func(ctx context.Context) error { return database.Ping(ctx, db) },
		}),
	}
	if tail != nil {
		handlers = append(handlers, httpapi.NewLiveHandler(tail, 0, logger))
	}
	return httpapi.NewRouter(logger.Named("http"), corsOrigins, handlers...)
}

// Run 运行直到 ctx 取消，然后优雅关闭
func (s *APIService) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Start() }()

	select {
	case err := <-errCh:
		s.close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.server.Stop(shutdownCtx)
	s.close()
	return err
}

func (s *APIService) close() {
	if err := rediscommon.Close(s.redis); err != nil {
		s.logger.Warn("Error closing redis", zap.Error(err))
	}
	if err := database.Close(s.db); err != nil {
		s.logger.Warn("Error closing database", zap.Error(err))
	}
}

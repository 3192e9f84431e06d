package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"prickless/common/database"
	mqttcommon "prickless/common/mqtt"
	rediscommon "prickless/common/redis"
	"prickless/internal/cache"
	"prickless/internal/config"
	"prickless/internal/consumer"
	"prickless/internal/decoder"
	"prickless/internal/evaluator"
	httpapi "prickless/internal/http"
	"prickless/internal/inference"
	"prickless/internal/metrics"
	"prickless/internal/models"
	"prickless/internal/processor"
	"prickless/internal/publisher"
	"prickless/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// IngestService 摄取管道服务：MQTT → 解码 → 设备队列 → 存储/推理/告警
type IngestService struct {
	config *config.Config
	logger *zap.Logger

	db         *sql.DB
	redis      *redis.Client
	mqttClient *mqttcommon.Client

	consumer   *consumer.MQTTConsumer
	dispatcher *consumer.Dispatcher
	processor  *processor.Processor
	server     *Server
}

// NewIngestService 创建摄取服务
// 数据库、Redis、broker 暂不可用时仍可创建，依赖恢复后自动继续
func NewIngestService(cfg *config.Config, logger *zap.Logger) (*IngestService, error) {
	db, err := database.Open(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := database.Ping(pingCtx, db); err != nil {
		logger.Warn("Database not reachable at startup, readings will fail until it recovers", zap.Error(err))
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient = rediscommon.NewRedisClient(&cfg.Redis)
		if err := rediscommon.Ping(pingCtx, redisClient); err != nil {
			logger.Warn("Redis not reachable at startup, cache and streams degraded", zap.Error(err))
		}
	}

	// broker 要求 client id 唯一，多实例部署时追加随机后缀
	mqttCfg := cfg.MQTT
	mqttCfg.ClientID = fmt.Sprintf("%s-%s", cfg.MQTT.ClientID, uuid.NewString()[:8])
	mqttClient := mqttcommon.NewClient(&mqttCfg, logger.Named("mqtt"))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	readingsRepo := repository.NewReadingsRepository(db, logger)
	devicesRepo := repository.NewDevicesRepository(db, logger)

	var options []processor.Option
	if cfg.Inference.Enabled {
		client := inference.NewClient(cfg.Inference.Endpoint, cfg.Inference.ModelVersion, cfg.Inference.Timeout, logger.Named("inference"))
		options = append(options, processor.WithPredictor(client))
	}
	if cfg.Alerts.Enabled {
		var thresholds evaluator.ThresholdSource = repository.NewThresholdsRepository(db, logger)
		if redisClient != nil {
			thresholds = cache.NewThresholdCache(thresholds, redisClient, cfg.Alerts.ThresholdCacheTTL, logger)
		}
		policy := evaluator.Policy{CriticalLow: cfg.Alerts.CriticalLow, CriticalHigh: cfg.Alerts.CriticalHigh}
		alertsRepo := repository.NewAlertsRepository(db, logger)
		options = append(options, processor.WithEvaluator(evaluator.NewEvaluator(thresholds, alertsRepo, policy, logger)))
	}
	if cfg.Streams.Enabled && redisClient != nil {
		pub := publisher.NewStreamPublisher(redisClient, cfg.Streams.Readings, cfg.Streams.Alerts, cfg.Streams.MaxLen, logger)
		options = append(options, processor.WithPublisher(pub))
	}

	proc := processor.New(readingsRepo, devicesRepo, processor.Options{
		StoreTimeout:      cfg.Ingest.StoreTimeout,
		FallbackUserID:    cfg.FallbackUserID(),
		EnrichConcurrency: int64(cfg.Ingest.EnrichConcurrency),
		EnrichBacklog:     int64(cfg.Ingest.EnrichBacklog),
	}, logger.Named("processor"), m, options...)

	dispatcher := consumer.NewDispatcher(context.Background(), proc.Handle,
		cfg.Ingest.QueueSize, cfg.Ingest.IdleTimeout, logger.Named("dispatcher"), m)

	topics := append([]string{cfg.Ingest.ReadingsTopic, cfg.Ingest.StatusTopic}, cfg.Ingest.LegacyTopics...)
	mqttConsumer := consumer.NewMQTTConsumer(mqttClient, decoder.New(cfg.Ingest.LegacyTopics), dispatcher,
		topics, cfg.MQTT.QoS, logger.Named("consumer"), m)

	checks := map[string]httpapi.HealthCheck{
		"database": func(ctx context.Context) error { return database.Ping(ctx, db) },
		"mqtt": func(ctx context.Context) error {
			if !mqttClient.IsConnected() {
				return fmt.Errorf("%w: mqtt %s", models.ErrTransportUnavailable, mqttClient.State())
			}
			return nil
		},
	}
	router := httpapi.NewRouter(logger.Named("http"), nil,
		httpapi.NewHealthHandler("prickless-ingest", checks),
		metricsRoute{handler: gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))},
	)

	return &IngestService{
		config:     cfg,
		logger:     logger,
		db:         db,
		redis:      redisClient,
		mqttClient: mqttClient,
		consumer:   mqttConsumer,
		dispatcher: dispatcher,
		processor:  proc,
		server:     NewServer("ingest-metrics", cfg.HTTP.MetricsAddr, router, logger),
	}, nil
}

type metricsRoute struct {
	handler gin.HandlerFunc
}

func (r metricsRoute) RegisterRoutes(router gin.IRouter) {
	router.GET("/metrics", r.handler)
}

// Start 启动服务；broker 连接在后台重试，不阻塞启动
func (s *IngestService) Start(ctx context.Context) error {
	s.logger.Info("Starting ingest service components")

	if err := s.consumer.Start(); err != nil {
		return fmt.Errorf("failed to start MQTT consumer: %w", err)
	}
	s.mqttClient.Start(ctx)

	go func() {
		if err := s.server.Start(); err != nil {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	s.logger.Info("Ingest service started")
	return nil
}

// Stop 停止服务：先取消订阅并断开 broker 停止接收，再排空设备队列（允许存储写入完成），最后放弃未完成的推理
func (s *IngestService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping ingest service")

	if err := s.consumer.Stop(); err != nil {
		s.logger.Warn("Error unsubscribing MQTT topics", zap.Error(err))
	}
	s.mqttClient.Disconnect()

	var errs []error
	if err := s.dispatcher.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.processor.Close(gctx) })
	g.Go(func() error { return s.server.Stop(gctx) })
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	if err := rediscommon.Close(s.redis); err != nil {
		s.logger.Warn("Error closing redis", zap.Error(err))
	}
	if err := database.Close(s.db); err != nil {
		s.logger.Warn("Error closing database", zap.Error(err))
	}

	s.logger.Info("Ingest service stopped")
	return errors.Join(errs...)
}

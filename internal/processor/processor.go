package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"prickless/internal/decoder"
	"prickless/internal/inference"
	"prickless/internal/metrics"
	"prickless/internal/models"
	"prickless/internal/publisher"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ReadingStore 读数写路径
type ReadingStore interface {
	Persist(ctx context.Context, reading *models.Reading) (int64, error)
	AttachInference(ctx context.Context, readingID int64, p *models.Prediction) error
}

// DeviceRegistry 设备注册表
type DeviceRegistry interface {
	UpdateStatus(ctx context.Context, u *models.StatusUpdate) error
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
}

// Predictor 推理服务
type Predictor interface {
	Predict(ctx context.Context, req *inference.PredictRequest) (*models.Prediction, error)
}

// AlertEvaluator 告警评估
type AlertEvaluator interface {
	Evaluate(ctx context.Context, reading *models.Reading) (*models.Alert, error)
}

// EventPublisher 事件发布（尽力而为）
type EventPublisher interface {
	PublishReading(ctx context.Context, eventType string, reading *models.Reading) error
	PublishAlert(ctx context.Context, alert *models.Alert) error
}

// Options 处理器配置
type Options struct {
	StoreTimeout      time.Duration
	FallbackUserID    *int64 // nil 表示不允许回退用户
	EnrichConcurrency int64
	EnrichBacklog     int64 // 执行中与等待中的增强总数上限
}

// Processor 单条消息的处理流程：存储 → 推理增强 → 告警
// 存储在调用方（设备队列）内同步完成；增强与告警异步执行，不阻塞同设备的下一条消息
type Processor struct {
	store     ReadingStore
	devices   DeviceRegistry
	predictor Predictor      // nil 表示未启用推理
	evaluator AlertEvaluator // nil 表示未启用告警
	publisher EventPublisher // nil 表示未启用事件流
	opts      Options
	logger    *zap.Logger
	metrics   *metrics.Metrics

	sem          *semaphore.Weighted
	backlog      *semaphore.Weighted
	enrichCtx    context.Context
	cancelEnrich context.CancelFunc
	wg           sync.WaitGroup
}

// Option 可选组件
type Option func(*Processor)

// WithPredictor 启用推理增强
func WithPredictor(p Predictor) Option {
	return func(pr *Processor) { pr.predictor = p }
}

// WithEvaluator 启用告警
func WithEvaluator(e AlertEvaluator) Option {
	return func(pr *Processor) { pr.evaluator = e }
}

// WithPublisher 启用事件流
func WithPublisher(p EventPublisher) Option {
	return func(pr *Processor) { pr.publisher = p }
}

// New 创建处理器
func New(store ReadingStore, devices DeviceRegistry, opts Options, logger *zap.Logger, m *metrics.Metrics, options ...Option) *Processor {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 10 * time.Second
	}
	if opts.EnrichConcurrency <= 0 {
		opts.EnrichConcurrency = 16
	}
	if opts.EnrichBacklog < opts.EnrichConcurrency {
		opts.EnrichBacklog = opts.EnrichConcurrency * 16
	}
	enrichCtx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		store:        store,
		devices:      devices,
		opts:         opts,
		logger:       logger,
		metrics:      m,
		sem:          semaphore.NewWeighted(opts.EnrichConcurrency),
		backlog:      semaphore.NewWeighted(opts.EnrichBacklog),
		enrichCtx:    enrichCtx,
		cancelEnrich: cancel,
	}
	for _, o := range options {
		o(p)
	}
	return p
}

// storeContext 存储操作不随调用方取消，关闭时允许进行中的写入完成
func (p *Processor) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.opts.StoreTimeout)
}

// Handle 处理一条已解码消息，所有错误在此记录，不向上传播
func (p *Processor) Handle(ctx context.Context, msg *decoder.Message) {
	switch {
	case msg.Status != nil:
		p.handleStatus(ctx, msg)
	case msg.Telemetry != nil:
		p.handleReading(ctx, msg)
	default:
		p.logger.Warn("Empty message, ignoring", zap.String("trace_id", msg.TraceID), zap.String("topic", msg.Route.Topic))
	}
}

func (p *Processor) handleStatus(ctx context.Context, msg *decoder.Message) {
	storeCtx, cancel := p.storeContext(ctx)
	defer cancel()

	if err := p.devices.UpdateStatus(storeCtx, msg.Status); err != nil {
		p.metrics.StorageFailures.WithLabelValues("update_status").Inc()
		p.logger.Error("Failed to update device status",
			zap.String("trace_id", msg.TraceID),
			zap.String("device_id", msg.Status.DeviceID),
			zap.Error(err),
		)
		return
	}
	p.metrics.StatusUpdates.Inc()
	p.logger.Debug("Device status updated",
		zap.String("device_id", msg.Status.DeviceID),
		zap.String("status", string(msg.Status.Status)),
	)
}

func (p *Processor) handleReading(ctx context.Context, msg *decoder.Message) {
	storeCtx, cancel := p.storeContext(ctx)
	defer cancel()

	t := msg.Telemetry
	userID, err := p.resolveUser(storeCtx, t)
	if err != nil {
		p.metrics.MessagesDropped.WithLabelValues(metrics.DropMissingFields).Inc()
		p.logger.Warn("Dropping reading without user",
			zap.String("trace_id", msg.TraceID),
			zap.String("topic", msg.Route.Topic),
			zap.Error(err),
		)
		return
	}

	reading, err := BuildReading(t, userID)
	if err != nil {
		p.metrics.MessagesDropped.WithLabelValues(metrics.DropMalformed).Inc()
		p.logger.Warn("Dropping unencodable reading", zap.String("trace_id", msg.TraceID), zap.Error(err))
		return
	}

	id, err := p.store.Persist(storeCtx, reading)
	if err != nil {
		p.metrics.StorageFailures.WithLabelValues("persist").Inc()
		p.logger.Error("Failed to persist reading",
			zap.String("trace_id", msg.TraceID),
			zap.String("topic", msg.Route.Topic),
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
		return
	}
	p.metrics.ReadingsStored.Inc()
	p.logger.Debug("Reading stored",
		zap.String("trace_id", msg.TraceID),
		zap.Int64("reading_id", id),
		zap.Int64("user_id", userID),
		zap.String("sample", t.Sample.Kind()),
		zap.Bool("timestamp_defaulted", t.TimestampDefaulted),
	)
	p.publishReading(storeCtx, publisher.EventReadingStored, reading)

	needsInference := p.needsInference(t, reading)
	if !needsInference && !(p.evaluator != nil && reading.HasGlucose()) {
		return
	}

	if !p.backlog.TryAcquire(1) {
		p.metrics.EnrichDropped.Inc()
		if needsInference {
			p.metrics.InferenceRequests.WithLabelValues(metrics.InferenceSkipped).Inc()
		}
		p.logger.Warn("Enrichment backlog full, reading left un-enriched",
			zap.String("trace_id", msg.TraceID),
			zap.Int64("reading_id", id),
		)
		return
	}
	p.wg.Add(1)
	go p.enrich(msg.TraceID, reading, t, needsInference)
}

// needsInference 仅特征集样本且无直接血糖值时调用推理
func (p *Processor) needsInference(t *models.RawTelemetry, reading *models.Reading) bool {
	if p.predictor == nil {
		return false
	}
	if _, ok := t.Sample.(models.FeatureBagSample); !ok || reading.HasGlucose() {
		p.metrics.InferenceRequests.WithLabelValues(metrics.InferenceSkipped).Inc()
		return false
	}
	return true
}

// resolveUser 归属顺序：负载 userId → 设备绑定用户 → 回退用户
func (p *Processor) resolveUser(ctx context.Context, t *models.RawTelemetry) (int64, error) {
	if t.UserID != nil {
		return *t.UserID, nil
	}
	if t.DeviceID != nil {
		device, err := p.devices.GetDevice(ctx, *t.DeviceID)
		switch {
		case err == nil && device.AssignedUserID != nil:
			return *device.AssignedUserID, nil
		case err != nil && !errors.Is(err, models.ErrDeviceNotFound):
			p.logger.Warn("Failed to look up device owner",
				zap.String("device_id", *t.DeviceID),
				zap.Error(err),
			)
		}
	}
	if p.opts.FallbackUserID != nil {
		return *p.opts.FallbackUserID, nil
	}
	return 0, models.Missing("user_id", "absent and no device owner or fallback user")
}

// BuildReading 由解码结果构造待存储读数
func BuildReading(t *models.RawTelemetry, userID int64) (*models.Reading, error) {
	if t.Sample == nil {
		return nil, models.Missing("sample", "no sample in telemetry")
	}
	features, err := models.EncodeFeatures(t.Sample.FeatureBag())
	if err != nil {
		return nil, fmt.Errorf("%w: encode features: %v", models.ErrMalformedPayload, err)
	}
	return &models.Reading{
		UserID:      userID,
		DeviceID:    t.DeviceID,
		Timestamp:   t.Timestamp,
		Features:    features,
		SegmentID:   t.SegmentID,
		GlucoseMgdl: t.GlucoseMgdl,
		IsPredicted: false,
	}, nil
}

// enrich 推理增强与告警；关闭时未开始的增强被放弃，基础读数不受影响
func (p *Processor) enrich(traceID string, reading *models.Reading, t *models.RawTelemetry, needsInference bool) {
	defer p.wg.Done()
	defer p.backlog.Release(1)

	if err := p.sem.Acquire(p.enrichCtx, 1); err != nil {
		p.logger.Debug("Enrichment abandoned", zap.String("trace_id", traceID), zap.Int64("reading_id", reading.ID))
		return
	}
	defer p.sem.Release(1)

	if needsInference && !p.infer(traceID, reading, t) {
		return
	}
	if p.evaluator != nil && reading.HasGlucose() {
		p.evaluate(traceID, reading)
	}
}

func (p *Processor) infer(traceID string, reading *models.Reading, t *models.RawTelemetry) bool {
	req := &inference.PredictRequest{
		Features:  t.Sample.FeatureBag(),
		DeviceID:  t.DeviceID,
		SegmentID: t.SegmentID,
	}

	start := time.Now()
	prediction, err := p.predictor.Predict(p.enrichCtx, req)
	p.metrics.InferenceDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		p.metrics.InferenceRequests.WithLabelValues(metrics.InferenceFailure).Inc()
		p.logger.Warn("Inference failed, reading left un-enriched",
			zap.String("trace_id", traceID),
			zap.Int64("reading_id", reading.ID),
			zap.Error(err),
		)
		return false
	}

	storeCtx, cancel := p.storeContext(context.Background())
	defer cancel()
	if err := p.store.AttachInference(storeCtx, reading.ID, prediction); err != nil {
		p.metrics.InferenceRequests.WithLabelValues(metrics.InferenceFailure).Inc()
		p.metrics.StorageFailures.WithLabelValues("attach_inference").Inc()
		p.logger.Error("Failed to attach inference",
			zap.String("trace_id", traceID),
			zap.Int64("reading_id", reading.ID),
			zap.Error(err),
		)
		return false
	}
	p.metrics.InferenceRequests.WithLabelValues(metrics.InferenceSuccess).Inc()

	reading.ApplyPrediction(prediction)
	p.logger.Debug("Reading enriched",
		zap.String("trace_id", traceID),
		zap.Int64("reading_id", reading.ID),
		zap.Float64("glucose_mgdl", prediction.GlucoseMgdl),
		zap.Float64("quality", prediction.Quality),
		zap.String("model_version", prediction.ModelVersion),
	)
	p.publishReading(storeCtx, publisher.EventReadingEnriched, reading)
	return true
}

func (p *Processor) evaluate(traceID string, reading *models.Reading) {
	ctx, cancel := p.storeContext(context.Background())
	defer cancel()

	alert, err := p.evaluator.Evaluate(ctx, reading)
	if err != nil {
		p.logger.Warn("Alert evaluation skipped",
			zap.String("trace_id", traceID),
			zap.Int64("reading_id", reading.ID),
			zap.Int64("user_id", reading.UserID),
			zap.Error(err),
		)
		return
	}
	if alert == nil {
		return
	}
	p.metrics.AlertsCreated.WithLabelValues(string(alert.AlertType), string(alert.Severity)).Inc()
	if p.publisher != nil {
		if err := p.publisher.PublishAlert(ctx, alert); err != nil {
			p.logger.Warn("Failed to publish alert event", zap.Int64("alert_id", alert.ID), zap.Error(err))
		}
	}
}

func (p *Processor) publishReading(ctx context.Context, eventType string, reading *models.Reading) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.PublishReading(ctx, eventType, reading); err != nil {
		p.logger.Warn("Failed to publish reading event",
			zap.String("event_type", eventType),
			zap.Int64("reading_id", reading.ID),
			zap.Error(err),
		)
	}
}

// Close 放弃排队中的增强并等待进行中的增强结束
func (p *Processor) Close(ctx context.Context) error {
	p.cancelEnrich()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("processor close: %w", ctx.Err())
	}
}

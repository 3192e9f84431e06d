package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"prickless/internal/decoder"
	"prickless/internal/metrics"
	"prickless/internal/models"

	"go.uber.org/zap"
)

// ErrDispatcherStopped 调度器已停止，不再接收消息
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Handler 单条消息处理函数，同一设备的消息按到达顺序串行调用
type Handler func(ctx context.Context, msg *decoder.Message)

type deviceQueue struct {
	key string
	ch  chan *decoder.Message
}

// Dispatcher 按设备分队列的消息调度器
// 同一设备串行，不同设备并行；队列空闲超时后回收
type Dispatcher struct {
	ctx         context.Context
	handler     Handler
	queueSize   int
	idleTimeout time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics

	mu      sync.Mutex
	queues  map[string]*deviceQueue
	stopped bool
	wg      sync.WaitGroup
}

// NewDispatcher 创建调度器，ctx 传递给每次 handler 调用
func NewDispatcher(
	ctx context.Context,
	handler Handler,
	queueSize int,
	idleTimeout time.Duration,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if idleTimeout <= 0 {
		idleTimeout = 2 * time.Minute
	}
	return &Dispatcher{
		ctx:         ctx,
		handler:     handler,
		queueSize:   queueSize,
		idleTimeout: idleTimeout,
		logger:      logger,
		metrics:     m,
		queues:      make(map[string]*deviceQueue),
	}
}

// Submit 非阻塞投递；队列满时返回 models.ErrQueueFull
// 可在 MQTT 投递回调中直接调用
func (d *Dispatcher) Submit(msg *decoder.Message) error {
	key := msg.Key()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return ErrDispatcherStopped
	}

	q, ok := d.queues[key]
	if !ok {
		q = &deviceQueue{key: key, ch: make(chan *decoder.Message, d.queueSize)}
		d.queues[key] = q
		d.metrics.ActiveQueues.Inc()
		d.wg.Add(1)
		go d.worker(q)
	}

	select {
	case q.ch <- msg:
		return nil
	default:
		return fmt.Errorf("%w: device %s", models.ErrQueueFull, key)
	}
}

// ActiveQueues 当前存活的设备队列数
func (d *Dispatcher) ActiveQueues() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

func (d *Dispatcher) worker(q *deviceQueue) {
	defer d.wg.Done()
	defer d.metrics.ActiveQueues.Dec()

	idle := time.NewTimer(d.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case msg, ok := <-q.ch:
			if !ok {
				return
			}
			d.handle(msg)
			idle.Reset(d.idleTimeout)
		case <-idle.C:
			if d.retire(q) {
				return
			}
			idle.Reset(d.idleTimeout)
		}
	}
}

// retire 在锁内确认队列为空后移除；Submit 同样持锁投递，移除后不会再有新消息
func (d *Dispatcher) retire(q *deviceQueue) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || len(q.ch) > 0 {
		return false
	}
	delete(d.queues, q.key)
	d.logger.Debug("Device queue retired", zap.String("key", q.key))
	return true
}

func (d *Dispatcher) handle(msg *decoder.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.HandlerPanics.Inc()
			d.logger.Error("Message handler panicked",
				zap.String("key", msg.Key()),
				zap.String("trace_id", msg.TraceID),
				zap.Any("panic", r),
			)
		}
	}()
	d.handler(d.ctx, msg)
}

// Stop 停止接收新消息，等待已排队消息处理完毕或 ctx 到期
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		for key, q := range d.queues {
			close(q.ch)
			delete(d.queues, key)
		}
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher drain: %w", ctx.Err())
	}
}

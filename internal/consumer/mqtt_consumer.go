package consumer

import (
	"errors"
	"fmt"
	"time"

	mqttcommon "prickless/common/mqtt"
	"prickless/internal/decoder"
	"prickless/internal/metrics"
	"prickless/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Subscriber MQTT 订阅能力（common/mqtt.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
	OnStateChange(listener mqttcommon.StateListener)
}

// Submitter 消息投递目标（Dispatcher 实现）
type Submitter interface {
	Submit(msg *decoder.Message) error
}

// MQTTConsumer 订阅读数与状态主题，解码后投递到调度器
type MQTTConsumer struct {
	subscriber Subscriber
	decoder    *decoder.Decoder
	submitter  Submitter
	topics     []string
	subscribed []string
	qos        byte
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewMQTTConsumer 创建 MQTT 消费者
func NewMQTTConsumer(
	subscriber Subscriber,
	dec *decoder.Decoder,
	submitter Submitter,
	topics []string,
	qos byte,
	logger *zap.Logger,
	m *metrics.Metrics,
) *MQTTConsumer {
	return &MQTTConsumer{
		subscriber: subscriber,
		decoder:    dec,
		submitter:  submitter,
		topics:     topics,
		qos:        qos,
		logger:     logger,
		metrics:    m,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start 注册状态监听并订阅所有主题
// 订阅在断线重连后由 MQTT 客户端自动恢复
func (c *MQTTConsumer) Start() error {
	c.subscriber.OnStateChange(c.onStateChange)

	for _, topic := range c.topics {
		if topic == "" {
			continue
		}
		if err := c.subscriber.Subscribe(topic, c.qos, c.HandleMessage); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", topic, err)
		}
		c.subscribed = append(c.subscribed, topic)
		c.logger.Info("Subscribed to topic", zap.String("topic", topic), zap.Uint8("qos", c.qos))
	}
	return nil
}

// Stop 取消订阅，停止接收新消息；已投递的消息由调度器继续处理
func (c *MQTTConsumer) Stop() error {
	if len(c.subscribed) == 0 {
		return nil
	}
	topics := c.subscribed
	c.subscribed = nil
	if err := c.subscriber.Unsubscribe(topics...); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	c.logger.Info("Unsubscribed from topics", zap.Strings("topics", topics))
	return nil
}

func (c *MQTTConsumer) onStateChange(state mqttcommon.ConnectionState, err error) {
	c.metrics.TransportState.Set(float64(state))
	if err != nil {
		c.logger.Warn("MQTT transport state changed",
			zap.String("state", state.String()),
			zap.Error(err),
		)
		return
	}
	c.logger.Info("MQTT transport state changed", zap.String("state", state.String()))
}

// HandleMessage 解码并投递单条消息，不阻塞
// 校验失败的消息记录日志后丢弃，不影响后续消息
func (c *MQTTConsumer) HandleMessage(topic string, payload []byte) error {
	receivedAt := c.now()
	traceID := uuid.NewString()

	msg, err := c.decoder.Decode(topic, payload, receivedAt)
	if err != nil {
		reason := dropReason(err)
		c.metrics.MessagesDropped.WithLabelValues(reason).Inc()
		c.logger.Warn("Dropping invalid message",
			zap.String("trace_id", traceID),
			zap.String("topic", topic),
			zap.String("reason", reason),
			zap.ByteString("payload", payload),
			zap.Error(err),
		)
		return nil
	}
	msg.TraceID = traceID
	c.metrics.MessagesReceived.WithLabelValues(msg.Route.Kind.String()).Inc()

	if err := c.submitter.Submit(msg); err != nil {
		if errors.Is(err, models.ErrQueueFull) {
			c.metrics.MessagesDropped.WithLabelValues(metrics.DropQueueFull).Inc()
		}
		c.logger.Error("Failed to enqueue message",
			zap.String("trace_id", traceID),
			zap.String("topic", topic),
			zap.String("key", msg.Key()),
			zap.Error(err),
		)
	}
	return nil
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, models.ErrUnknownTopic):
		return metrics.DropUnknownTopic
	case errors.Is(err, models.ErrMissingRequiredFields):
		return metrics.DropMissingFields
	default:
		return metrics.DropMalformed
	}
}

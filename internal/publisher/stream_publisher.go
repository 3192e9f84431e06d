package publisher

import (
	"context"
	"fmt"
	"strconv"
	"time"

	rediscommon "prickless/common/redis"
	"prickless/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// 事件类型
const (
	EventReadingStored   = "reading.stored"
	EventReadingEnriched = "reading.enriched"
	EventAlertCreated    = "alert.created"
)

// StreamPublisher 将管道事件写入 Redis Streams，供看板后端实时订阅
type StreamPublisher struct {
	redisClient    *redis.Client
	readingsStream string
	alertsStream   string
	maxLen         int64
	logger         *zap.Logger
}

// NewStreamPublisher 创建事件发布器
func NewStreamPublisher(redisClient *redis.Client, readingsStream, alertsStream string, maxLen int64, logger *zap.Logger) *StreamPublisher {
	return &StreamPublisher{
		redisClient:    redisClient,
		readingsStream: readingsStream,
		alertsStream:   alertsStream,
		maxLen:         maxLen,
		logger:         logger,
	}
}

// PublishReading 发布读数事件（stored / enriched）
func (p *StreamPublisher) PublishReading(ctx context.Context, eventType string, reading *models.Reading) error {
	extra := map[string]interface{}{
		"type":       eventType,
		"user_id":    reading.UserID,
		"reading_id": reading.ID,
	}
	if reading.DeviceID != nil {
		extra["device_id"] = *reading.DeviceID
	}
	if _, err := rediscommon.PublishJSONToStream(ctx, p.redisClient, p.readingsStream, p.maxLen, reading, extra); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}

// PublishAlert 发布告警事件
func (p *StreamPublisher) PublishAlert(ctx context.Context, alert *models.Alert) error {
	extra := map[string]interface{}{
		"type":       EventAlertCreated,
		"user_id":    alert.UserID,
		"reading_id": alert.ReadingID,
		"severity":   string(alert.Severity),
	}
	if _, err := rediscommon.PublishJSONToStream(ctx, p.redisClient, p.alertsStream, p.maxLen, alert, extra); err != nil {
		return fmt.Errorf("publish %s: %w", EventAlertCreated, err)
	}
	return nil
}

// Event 从流中读出的事件
type Event struct {
	ID     string
	Type   string
	UserID int64
	Data   string
}

// EventFromMessage 解析流消息
func EventFromMessage(msg rediscommon.StreamMessage) (Event, bool) {
	ev := Event{ID: msg.ID}
	ev.Type, _ = msg.Values["type"].(string)
	ev.Data, _ = msg.Values["data"].(string)
	raw, _ := msg.Values["user_id"].(string)
	uid, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ev.Data == "" {
		return Event{}, false
	}
	ev.UserID = uid
	return ev, true
}

// TailReadings 读取读数流中 lastID 之后的事件，返回下一次读取的起点
// lastID 为 "$" 时只读新事件；无法解析的消息被跳过
func (p *StreamPublisher) TailReadings(ctx context.Context, lastID string, count int64, block time.Duration) ([]Event, string, error) {
	msgs, err := rediscommon.ReadFromStream(ctx, p.redisClient, p.readingsStream, lastID, count, block)
	if err != nil {
		return nil, lastID, fmt.Errorf("tail %s: %w", p.readingsStream, err)
	}
	events := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		lastID = msg.ID
		if ev, ok := EventFromMessage(msg); ok {
			events = append(events, ev)
		}
	}
	return events, lastID, nil
}

package httpapi

import (
	"context"
	"io"
	"time"

	"prickless/internal/publisher"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// EventTail 读数事件流
type EventTail interface {
	TailReadings(ctx context.Context, lastID string, count int64, block time.Duration) ([]publisher.Event, string, error)
}

// LiveHandler 以 SSE 推送某用户的读数事件
type LiveHandler struct {
	events EventTail
	block  time.Duration
	logger *zap.Logger
}

// NewLiveHandler 创建实时推送处理器
func NewLiveHandler(events EventTail, block time.Duration, logger *zap.Logger) *LiveHandler {
	if block <= 0 {
		block = 5 * time.Second
	}
	return &LiveHandler{events: events, block: block, logger: logger}
}

// RegisterRoutes 注册路由
func (h *LiveHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/api/glucose/live/:userId", h.Stream)
}

// Stream GET /api/glucose/live/:userId?since=ID
// since 缺省为 "$"，只推送连接之后的新事件
func (h *LiveHandler) Stream(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	lastID := c.DefaultQuery("since", "$")
	ctx := c.Request.Context()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		events, next, err := h.events.TailReadings(ctx, lastID, 100, h.block)
		if err != nil {
			if ctx.Err() == nil {
				h.logger.Warn("Live stream read failed", zap.Int64("user_id", userID), zap.Error(err))
			}
			return false
		}
		lastID = next
		for _, ev := range events {
			if ev.UserID != userID {
				continue
			}
			c.SSEvent(ev.Type, ev.Data)
		}
		return ctx.Err() == nil
	})
}

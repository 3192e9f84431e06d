package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"prickless/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ThresholdWriter 用户阈值写入
type ThresholdWriter interface {
	UpsertThresholds(ctx context.Context, t *models.UserThresholds) error
}

// ThresholdInvalidator 阈值缓存失效
type ThresholdInvalidator interface {
	Invalidate(ctx context.Context, userID int64) error
}

// SettingsHandler 用户告警阈值设置
type SettingsHandler struct {
	store  ThresholdWriter
	cache  ThresholdInvalidator
	logger *zap.Logger
}

// NewSettingsHandler 创建设置处理器；cache 为 nil 表示未启用阈值缓存
func NewSettingsHandler(store ThresholdWriter, cache ThresholdInvalidator, logger *zap.Logger) *SettingsHandler {
	return &SettingsHandler{store: store, cache: cache, logger: logger}
}

// RegisterRoutes 注册路由
func (h *SettingsHandler) RegisterRoutes(r gin.IRouter) {
	r.PUT("/api/glucose/settings/:userId", h.UpdateSettings)
}

type settingsRequest struct {
	ThresholdLow        *float64 `json:"thresholdLow"`
	ThresholdHigh       *float64 `json:"thresholdHigh"`
	NotificationEnabled *bool    `json:"notificationEnabled"`
}

// UpdateSettings PUT /api/glucose/settings/:userId
// 写入成功后删除缓存，下一次判定读取新阈值
func (h *SettingsHandler) UpdateSettings(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	body, ok := readBody(c)
	if !ok {
		return
	}

	var req settingsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(c, h.logger, models.Malformed("body", err.Error()))
		return
	}
	if req.ThresholdLow == nil || req.ThresholdHigh == nil {
		writeError(c, h.logger, models.Missing("thresholdLow/thresholdHigh", "required"))
		return
	}
	if *req.ThresholdLow <= 0 {
		writeError(c, h.logger, models.Malformed("thresholdLow", "must be positive"))
		return
	}

	th := &models.UserThresholds{
		UserID:              userID,
		ThresholdLow:        *req.ThresholdLow,
		ThresholdHigh:       *req.ThresholdHigh,
		NotificationEnabled: true,
	}
	if req.NotificationEnabled != nil {
		th.NotificationEnabled = *req.NotificationEnabled
	}

	if err := h.store.UpsertThresholds(c.Request.Context(), th); err != nil {
		writeError(c, h.logger, err)
		return
	}
	if h.cache != nil {
		if err := h.cache.Invalidate(c.Request.Context(), userID); err != nil {
			// TTL 到期后缓存自然失效
			h.logger.Warn("Failed to invalidate threshold cache", zap.Int64("user_id", userID), zap.Error(err))
		}
	}

	h.logger.Info("User thresholds updated",
		zap.Int64("user_id", userID),
		zap.Float64("threshold_low", th.ThresholdLow),
		zap.Float64("threshold_high", th.ThresholdHigh),
	)
	c.JSON(http.StatusOK, Ok(th))
}

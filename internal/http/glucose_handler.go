package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"prickless/internal/decoder"
	"prickless/internal/export"
	"prickless/internal/models"
	"prickless/internal/processor"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// 手工提交读数的默认值
const (
	testDeviceID      = "ESP32_TEST"
	testSegmentPrefix = "test_"
)

// ReadingService 读数读路径与手工写入
type ReadingService interface {
	ListReadings(ctx context.Context, filter models.ReadingFilter, limit int) ([]*models.Reading, error)
	Latest(ctx context.Context, filter models.ReadingFilter) (*models.Reading, error)
	ListSince(ctx context.Context, filter models.ReadingFilter, since time.Time, glucoseOnly bool) ([]*models.Reading, error)
	Trends(ctx context.Context, filter models.ReadingFilter, since time.Time) ([]models.TrendPoint, error)
	Stats(ctx context.Context, filter models.ReadingFilter) (*models.ReadingStats, error)
	Persist(ctx context.Context, reading *models.Reading) (int64, error)
}

// AlertLister 告警查询
type AlertLister interface {
	ListAlerts(ctx context.Context, userID int64, limit int) ([]*models.Alert, error)
}

// GlucoseHandler /api/glucose 路由
type GlucoseHandler struct {
	readings ReadingService
	alerts   AlertLister
	logger   *zap.Logger
	now      func() time.Time
}

// NewGlucoseHandler 创建血糖读数处理器
func NewGlucoseHandler(readings ReadingService, alerts AlertLister, logger *zap.Logger) *GlucoseHandler {
	return &GlucoseHandler{
		readings: readings,
		alerts:   alerts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes 注册路由
func (h *GlucoseHandler) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/api/glucose")
	g.GET("/readings/:userId", h.GetReadings)
	g.GET("/latest/:userId", h.GetLatest)
	g.GET("/trends/:userId", h.GetTrends)
	g.GET("/stats/:userId", h.GetStats)
	g.GET("/alerts/:userId", h.GetAlerts)
	g.GET("/export/:userId", h.ExportReadings)
	g.POST("/readings", h.AddReading)
}

// GetReadings GET /api/glucose/readings/:userId?limit=N
func (h *GlucoseHandler) GetReadings(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", defaultLimit, maxLimit)
	if !ok {
		return
	}

	readings, err := h.readings.ListReadings(c.Request.Context(), models.ReadingFilter{UserID: &userID}, limit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, Ok(readings))
}

// GetLatest GET /api/glucose/latest/:userId
func (h *GlucoseHandler) GetLatest(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	reading, err := h.readings.Latest(c.Request.Context(), models.ReadingFilter{UserID: &userID})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, Ok(reading))
}

// GetTrends GET /api/glucose/trends/:userId?hours=H
func (h *GlucoseHandler) GetTrends(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	hours, ok := queryInt(c, "hours", defaultHours, maxHours)
	if !ok {
		return
	}

	since := h.now().Add(-time.Duration(hours) * time.Hour)
	points, err := h.readings.Trends(c.Request.Context(), models.ReadingFilter{UserID: &userID}, since)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, Ok(points))
}

// GetStats GET /api/glucose/stats/:userId
func (h *GlucoseHandler) GetStats(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	stats, err := h.readings.Stats(c.Request.Context(), models.ReadingFilter{UserID: &userID})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, Ok(stats))
}

// GetAlerts GET /api/glucose/alerts/:userId?limit=N
func (h *GlucoseHandler) GetAlerts(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", defaultLimit, maxLimit)
	if !ok {
		return
	}
	alerts, err := h.alerts.ListAlerts(c.Request.Context(), userID, limit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, Ok(alerts))
}

// ExportReadings GET /api/glucose/export/:userId?hours=H
func (h *GlucoseHandler) ExportReadings(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	hours, ok := queryInt(c, "hours", defaultHours, maxHours)
	if !ok {
		return
	}

	since := h.now().Add(-time.Duration(hours) * time.Hour)
	readings, err := h.readings.ListSince(c.Request.Context(), models.ReadingFilter{UserID: &userID}, since, false)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	data, err := export.GenerateReadingsWorkbook(readings)
	if err != nil {
		h.logger.Error("Failed to generate readings workbook", zap.Int64("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, Fail("failed to generate export"))
		return
	}

	filename := fmt.Sprintf("glucose-readings-%d-%s.xlsx", userID, h.now().Format("20060102"))
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}

// AddReading POST /api/glucose/readings
// 请求体与旧版主题负载同格式，userId 必填
func (h *GlucoseHandler) AddReading(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}

	now := h.now()
	t, err := decoder.DecodeTelemetry(body, now)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if t.UserID == nil {
		writeError(c, h.logger, models.Missing("userId", "required"))
		return
	}
	if t.DeviceID == nil {
		deviceID := testDeviceID
		t.DeviceID = &deviceID
	}
	if t.SegmentID == nil {
		segmentID := fmt.Sprintf("%s%d", testSegmentPrefix, now.UnixMilli())
		t.SegmentID = &segmentID
	}

	reading, err := processor.BuildReading(t, *t.UserID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	id, err := h.readings.Persist(c.Request.Context(), reading)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	h.logger.Info("Reading added via API",
		zap.Int64("reading_id", id),
		zap.Int64("user_id", reading.UserID),
		zap.String("device_id", *reading.DeviceID),
	)
	c.JSON(http.StatusCreated, Ok(gin.H{"id": id}))
}

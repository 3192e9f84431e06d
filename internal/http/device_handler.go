package httpapi

import (
	"context"
	"net/http"

	"prickless/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DeviceLookup 设备注册表查询
type DeviceLookup interface {
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
}

// DeviceHandler /api/devices 路由
type DeviceHandler struct {
	devices  DeviceLookup
	readings ReadingService
	logger   *zap.Logger
}

// NewDeviceHandler 创建设备处理器
func NewDeviceHandler(devices DeviceLookup, readings ReadingService, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{devices: devices, readings: readings, logger: logger}
}

// RegisterRoutes 注册路由
func (h *DeviceHandler) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/api/devices")
	g.GET("/:deviceId", h.GetDevice)
	g.GET("/:deviceId/readings", h.GetReadings)
	g.GET("/:deviceId/latest", h.GetLatest)
	g.GET("/:deviceId/stats", h.GetStats)
}

func deviceFilter(c *gin.Context) models.ReadingFilter {
	deviceID := c.Param("deviceId")
	return models.ReadingFilter{DeviceID: &deviceID}
}

// GetDevice GET /api/devices/:deviceId
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	device, err := h.devices.GetDevice(c.Request.Context(), c.Param("deviceId"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, Ok(device))
}

// GetReadings GET /api/devices/:deviceId/readings?limit=N
func (h *DeviceHandler) GetReadings(c *gin.Context) {
	limit, ok := queryInt(c, "limit", defaultLimit, maxLimit)
	if !ok {
		return
	}
	readings, err := h.readings.ListReadings(c.Request.Context(), deviceFilter(c), limit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, Ok(readings))
}

// GetLatest GET /api/devices/:deviceId/latest
func (h *DeviceHandler) GetLatest(c *gin.Context) {
	reading, err := h.readings.Latest(c.Request.Context(), deviceFilter(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, Ok(reading))
}

// GetStats GET /api/devices/:deviceId/stats
func (h *DeviceHandler) GetStats(c *gin.Context) {
	stats, err := h.readings.Stats(c.Request.Context(), deviceFilter(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, Ok(stats))
}

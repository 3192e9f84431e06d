package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"prickless/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultLimit = 10
	maxLimit     = 1000
	defaultHours = 24
	maxHours     = 24 * 90

	// 单个读数负载远小于此值
	maxBodyBytes = 64 << 10
)

// writeError 错误分类映射：无数据 404，校验 400，其余视为存储/连接故障 503
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, models.ErrNoData):
		c.JSON(http.StatusNotFound, NoData("no data"))
	case errors.Is(err, models.ErrDeviceNotFound), errors.Is(err, models.ErrReadingNotFound):
		c.JSON(http.StatusNotFound, NoData(err.Error()))
	case models.IsValidationError(err):
		c.JSON(http.StatusBadRequest, Fail(err.Error()))
	default:
		logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusServiceUnavailable, Fail("storage unavailable"))
	}
}

// parseUserID 解析路径中的 userId
func parseUserID(c *gin.Context) (int64, bool) {
	raw := c.Param("userId")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, Fail(fmt.Sprintf("invalid userId: %q", raw)))
		return 0, false
	}
	return id, true
}

// queryInt 读取正整数查询参数，超出上限时截断
func queryInt(c *gin.Context, key string, def, max int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		c.JSON(http.StatusBadRequest, Fail(fmt.Sprintf("invalid %s: %q", key, raw)))
		return 0, false
	}
	if v > max {
		v = max
	}
	return v, true
}

// readBody 读取请求体，超过 maxBodyBytes 返回 413
func readBody(c *gin.Context) ([]byte, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, Fail(fmt.Sprintf("body exceeds %d bytes", maxBodyBytes)))
			return nil, false
		}
		c.JSON(http.StatusBadRequest, Fail("failed to read body"))
		return nil, false
	}
	return body, true
}

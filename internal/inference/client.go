package inference

import (
	"context"
	"fmt"
	"math"
	"time"

	"prickless/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// PredictRequest 推理请求
type PredictRequest struct {
	Features  map[string]float64 `json:"features"`
	DeviceID  *string            `json:"device_id,omitempty"`
	SegmentID *string            `json:"segment_id,omitempty"`
}

// PredictResponse 推理服务响应
type PredictResponse struct {
	GlucoseMgdl  *float64 `json:"glucose_mgdl"`
	Quality      *float64 `json:"quality"`
	Anomalies    []string `json:"anomalies"`
	ModelVersion string   `json:"model_version"`
}

// Client 外部血糖推理服务客户端
// 独立超时、不重试：失败只影响当前读数的增强
type Client struct {
	httpClient   *resty.Client
	endpoint     string
	modelVersion string
	logger       *zap.Logger
}

// NewClient 创建推理客户端
func NewClient(endpoint, modelVersion string, timeout time.Duration, logger *zap.Logger) *Client {
	httpClient := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		httpClient:   httpClient,
		endpoint:     endpoint,
		modelVersion: modelVersion,
		logger:       logger,
	}
}

// Predict 调用推理服务，任何失败都返回 ErrInferenceFailure
func (c *Client) Predict(ctx context.Context, req *PredictRequest) (*models.Prediction, error) {
	var result PredictResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		ForceContentType("application/json").
		Post(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: call model endpoint: %v", models.ErrInferenceFailure, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: model endpoint returned %d", models.ErrInferenceFailure, resp.StatusCode())
	}

	pred, err := c.toPrediction(&result)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Inference completed",
		zap.Float64("glucose_mgdl", pred.GlucoseMgdl),
		zap.Float64("quality", pred.Quality),
		zap.String("model_version", pred.ModelVersion),
		zap.Duration("latency", resp.Time()),
	)
	return pred, nil
}

func (c *Client) toPrediction(r *PredictResponse) (*models.Prediction, error) {
	if r.GlucoseMgdl == nil || !finite(*r.GlucoseMgdl) || *r.GlucoseMgdl <= 0 {
		return nil, fmt.Errorf("%w: response has no valid glucose_mgdl", models.ErrInferenceFailure)
	}
	if r.Quality == nil || !finite(*r.Quality) || *r.Quality < 0 || *r.Quality > 1 {
		return nil, fmt.Errorf("%w: response quality must be within [0,1]", models.ErrInferenceFailure)
	}

	version := r.ModelVersion
	if version == "" {
		version = c.modelVersion
	}
	if version == "" {
		return nil, fmt.Errorf("%w: no model version", models.ErrInferenceFailure)
	}

	return &models.Prediction{
		GlucoseMgdl:  *r.GlucoseMgdl,
		Quality:      *r.Quality,
		Anomalies:    r.Anomalies,
		ModelVersion: version,
	}, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

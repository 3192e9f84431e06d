package models

import (
	"encoding/json"
	"time"
)

// Reading 读数
// IsPredicted=true 时 GlucoseMgdl 与 ModelVersion 必不为空
type Reading struct {
	ID                int64           `json:"id"`
	UserID            int64           `json:"user_id"`
	DeviceID          *string         `json:"device_id,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
	Features          json.RawMessage `json:"features,omitempty"`
	SegmentID         *string         `json:"segment_id,omitempty"`
	GlucoseMgdl       *float64        `json:"glucose_mgdl"`
	PredictionQuality *float64        `json:"prediction_quality,omitempty"`
	Anomalies         []string        `json:"anomalies,omitempty"`
	IsPredicted       bool            `json:"is_predicted"`
	ModelVersion      *string         `json:"model_version,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// HasGlucose 是否已有血糖值（直接测量或推理）
func (r *Reading) HasGlucose() bool {
	return r.GlucoseMgdl != nil
}

// FeatureValue 从序列化特征中取值
func (r *Reading) FeatureValue(key string) (float64, bool) {
	if len(r.Features) == 0 {
		return 0, false
	}
	var bag map[string]interface{}
	if err := json.Unmarshal(r.Features, &bag); err != nil {
		return 0, false
	}
	v, ok := bag[key].(float64)
	return v, ok
}

// Prediction 推理结果
type Prediction struct {
	GlucoseMgdl  float64  `json:"glucose_mgdl"`
	Quality      float64  `json:"quality"`
	Anomalies    []string `json:"anomalies,omitempty"`
	ModelVersion string   `json:"model_version"`
}

// ApplyPrediction 内存中应用推理结果（与 AttachInference 写库一致）
func (r *Reading) ApplyPrediction(p *Prediction) {
	glucose := p.GlucoseMgdl
	quality := p.Quality
	version := p.ModelVersion
	r.GlucoseMgdl = &glucose
	r.PredictionQuality = &quality
	r.Anomalies = p.Anomalies
	r.ModelVersion = &version
	r.IsPredicted = true
}

// ReadingFilter 读路径过滤条件，UserID 与 DeviceID 二选一
type ReadingFilter struct {
	UserID   *int64
	DeviceID *string
}

// ReadingStats 统计结果
type ReadingStats struct {
	TotalReadings   int64      `json:"total_readings"`
	GlucoseReadings int64      `json:"glucose_readings"`
	AvgGlucose      *float64   `json:"avg_glucose"`
	MinGlucose      *float64   `json:"min_glucose"`
	MaxGlucose      *float64   `json:"max_glucose"`
	AvgQuality      *float64   `json:"avg_quality"`
	FirstReadingAt  *time.Time `json:"first_reading_at,omitempty"`
	LastReadingAt   *time.Time `json:"last_reading_at,omitempty"`
}

// TrendPoint 趋势点
type TrendPoint struct {
	Timestamp   time.Time `json:"timestamp"`
	GlucoseMgdl float64   `json:"glucose_mgdl"`
	HeartRate   *float64  `json:"hr,omitempty"`
	IsPredicted bool      `json:"is_predicted"`
}

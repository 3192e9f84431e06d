package models

import (
	"encoding/json"
	"time"
)

// Sample 读数样本，解码时确定具体形态，下游不再检查原始 JSON
// 实现：DirectScalarSample | FeatureBagSample
type Sample interface {
	// FeatureBag 持久化用的特征集合
	FeatureBag() map[string]float64
	Kind() string
	isSample()
}

// DirectScalarSample 单个原始传感器标量（如 PPG 强度）
type DirectScalarSample struct {
	Value float64
}

func (s DirectScalarSample) FeatureBag() map[string]float64 {
	return map[string]float64{FeaturePPGRaw: s.Value}
}

func (DirectScalarSample) Kind() string { return "scalar" }
func (DirectScalarSample) isSample()    {}

// FeatureBagSample 设备端提取的特征集合，必含 mean/ac/hr
type FeatureBagSample struct {
	Features map[string]float64
}

func (s FeatureBagSample) FeatureBag() map[string]float64 {
	out := make(map[string]float64, len(s.Features))
	for k, v := range s.Features {
		out[k] = v
	}
	return out
}

func (FeatureBagSample) Kind() string { return "features" }
func (FeatureBagSample) isSample()    {}

// 特征键
const (
	FeatureMean   = "mean"
	FeatureAC     = "ac"
	FeatureHR     = "hr"
	FeaturePPGRaw = "ppg_raw"
)

// RequiredFeatures FeatureBagSample 的必需键
var RequiredFeatures = []string{FeatureMean, FeatureAC, FeatureHR}

// RawTelemetry 解码后的单条读数，仅在一条消息的处理期间存在
type RawTelemetry struct {
	DeviceID           *string
	UserID             *int64 // nil 表示负载未携带，由处理器解析归属
	Timestamp          time.Time
	TimestampDefaulted bool
	Sample             Sample
	GlucoseMgdl        *float64 // 负载直接给出的血糖值
	SegmentID          *string
}

// StatusUpdate 设备状态消息
type StatusUpdate struct {
	DeviceID        string
	Status          DeviceStatus
	FirmwareVersion *string
	SeenAt          time.Time
}

// EncodeFeatures 序列化特征集合
func EncodeFeatures(features map[string]float64) (json.RawMessage, error) {
	b, err := json.Marshal(features)
	if err != nil {
		return nil, err
	}
	return b, nil
}

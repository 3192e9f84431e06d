package models

import (
	"errors"
	"fmt"
)

// 错误分类
var (
	// ErrTransportUnavailable broker 不可用，可恢复，触发后台重连
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrMalformedPayload 消息体无法解析或字段类型非法，丢弃不重试
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrMissingRequiredFields 缺少必需字段，丢弃不重试
	ErrMissingRequiredFields = errors.New("missing required fields")
	// ErrStorageFailure 单条消息的存储失败
	ErrStorageFailure = errors.New("storage failure")
	// ErrInferenceFailure 推理超时或响应非法，读数保持未增强
	ErrInferenceFailure = errors.New("inference failure")
	// ErrAlertConfigUnavailable 阈值配置不可用，仅抑制告警
	ErrAlertConfigUnavailable = errors.New("alert config unavailable")

	ErrReadingNotFound = errors.New("reading not found")
	ErrAlreadyEnriched = errors.New("reading already enriched")
	ErrDeviceNotFound  = errors.New("device not found")
	// ErrNoData 查询对象尚无数据，区别于连接失败
	ErrNoData = errors.New("no data")
	// ErrQueueFull 设备队列已满
	ErrQueueFull = errors.New("device queue full")
	// ErrUnknownTopic 主题不属于任何已知形态
	ErrUnknownTopic = errors.New("unknown topic")
)

// ValidationError 解码/校验失败
// Kind 为 ErrMalformedPayload 或 ErrMissingRequiredFields
type ValidationError struct {
	Kind   error
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%v: %s: %s", e.Kind, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Kind
}

// Malformed 构造 MalformedPayload 校验错误
func Malformed(field, reason string) error {
	return &ValidationError{Kind: ErrMalformedPayload, Field: field, Reason: reason}
}

// Missing 构造 MissingRequiredFields 校验错误
func Missing(field, reason string) error {
	return &ValidationError{Kind: ErrMissingRequiredFields, Field: field, Reason: reason}
}

// IsValidationError 是否为消息级校验失败（不可重试）
func IsValidationError(err error) bool {
	return errors.Is(err, ErrMalformedPayload) || errors.Is(err, ErrMissingRequiredFields)
}

package models

import "time"

// AlertType 告警类型
type AlertType string

const (
	AlertLowGlucose  AlertType = "low_glucose"
	AlertHighGlucose AlertType = "high_glucose"
)

// Severity 告警级别
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert 告警，创建后不可变，每条读数至多一条
type Alert struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	ReadingID int64     `json:"reading_id"`
	AlertType AlertType `json:"alert_type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// UserThresholds 用户阈值配置
type UserThresholds struct {
	UserID              int64   `json:"user_id"`
	ThresholdLow        float64 `json:"threshold_low"`
	ThresholdHigh       float64 `json:"threshold_high"`
	NotificationEnabled bool    `json:"notification_enabled"`
}

// Valid 阈值须满足 low < high
func (t *UserThresholds) Valid() bool {
	return t.ThresholdLow < t.ThresholdHigh
}

package evaluator

import (
	"context"
	"fmt"

	"prickless/internal/models"

	"go.uber.org/zap"
)

// ThresholdSource 用户阈值来源（仓库或缓存）
type ThresholdSource interface {
	GetThresholds(ctx context.Context, userID int64) (*models.UserThresholds, error)
}

// AlertStore 告警持久化；同一读数重复创建返回 false
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *models.Alert) (bool, error)
}

// Evaluator 血糖告警评估器
type Evaluator struct {
	thresholds ThresholdSource
	alerts     AlertStore
	policy     Policy
	logger     *zap.Logger
}

// NewEvaluator 创建评估器
func NewEvaluator(thresholds ThresholdSource, alerts AlertStore, policy Policy, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		thresholds: thresholds,
		alerts:     alerts,
		policy:     policy,
		logger:     logger,
	}
}

// Evaluate 对已有血糖值的读数评估告警，返回新建的告警（无告警时为 nil）
// 阈值不可用时返回 ErrAlertConfigUnavailable，调用方只需记录日志
func (e *Evaluator) Evaluate(ctx context.Context, reading *models.Reading) (*models.Alert, error) {
	if reading.GlucoseMgdl == nil {
		return nil, nil
	}

	th, err := e.thresholds.GetThresholds(ctx, reading.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrAlertConfigUnavailable, err)
	}
	if !th.NotificationEnabled {
		return nil, nil
	}
	if !th.Valid() {
		return nil, fmt.Errorf("%w: user %d has threshold_low %.1f >= threshold_high %.1f",
			models.ErrAlertConfigUnavailable, reading.UserID, th.ThresholdLow, th.ThresholdHigh)
	}

	decision := Decide(*reading.GlucoseMgdl, th, e.policy)
	if decision == nil {
		return nil, nil
	}

	alert := &models.Alert{
		UserID:    reading.UserID,
		ReadingID: reading.ID,
		AlertType: decision.AlertType,
		Severity:  decision.Severity,
		Message:   decision.Message,
	}
	created, err := e.alerts.CreateAlert(ctx, alert)
	if err != nil {
		return nil, err
	}
	if !created {
		e.logger.Debug("Alert already exists for reading", zap.Int64("reading_id", reading.ID))
		return nil, nil
	}

	e.logger.Info("Glucose alert created",
		zap.Int64("alert_id", alert.ID),
		zap.Int64("reading_id", reading.ID),
		zap.Int64("user_id", reading.UserID),
		zap.String("alert_type", string(alert.AlertType)),
		zap.String("severity", string(alert.Severity)),
		zap.Float64("glucose_mgdl", *reading.GlucoseMgdl),
	)
	return alert, nil
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"prickless/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ThresholdsRepository 用户阈值配置
type ThresholdsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewThresholdsRepository 创建阈值仓库
func NewThresholdsRepository(db *sql.DB, logger *zap.Logger) *ThresholdsRepository {
	return &ThresholdsRepository{
		db:     db,
		logger: logger,
	}
}

// GetThresholds 查询用户阈值；任何失败都归类为 ErrAlertConfigUnavailable
func (r *ThresholdsRepository) GetThresholds(ctx context.Context, userID int64) (*models.UserThresholds, error) {
	query := `
		SELECT user_id, threshold_low, threshold_high, notification_enabled
		FROM user_settings
		WHERE user_id = $1
	`
	var t models.UserThresholds
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&t.UserID, &t.ThresholdLow, &t.ThresholdHigh, &t.NotificationEnabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no settings for user %d", models.ErrAlertConfigUnavailable, userID)
		}
		return nil, fmt.Errorf("%w: load settings for user %d: %v", models.ErrAlertConfigUnavailable, userID, err)
	}
	return &t, nil
}

// UpsertThresholds 写入用户阈值；用户不存在时返回 ErrNoData
func (r *ThresholdsRepository) UpsertThresholds(ctx context.Context, t *models.UserThresholds) error {
	if !t.Valid() {
		return models.Malformed("thresholds", "threshold_low must be below threshold_high")
	}

	query := `
		INSERT INTO user_settings (user_id, threshold_low, threshold_high, notification_enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			threshold_low = EXCLUDED.threshold_low,
			threshold_high = EXCLUDED.threshold_high,
			notification_enabled = EXCLUDED.notification_enabled
	`
	_, err := r.db.ExecContext(ctx, query, t.UserID, t.ThresholdLow, t.ThresholdHigh, t.NotificationEnabled)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation" {
			return fmt.Errorf("%w: user %d", models.ErrNoData, t.UserID)
		}
		return fmt.Errorf("%w: upsert settings for user %d: %v", models.ErrStorageFailure, t.UserID, err)
	}
	return nil
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"prickless/internal/models"

	"go.uber.org/zap"
)

// AlertsRepository 告警仓库
type AlertsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertsRepository 创建告警仓库
func NewAlertsRepository(db *sql.DB, logger *zap.Logger) *AlertsRepository {
	return &AlertsRepository{
		db:     db,
		logger: logger,
	}
}

// CreateAlert 创建告警；同一读数已有告警时返回 false（alerts.reading_id 唯一）
func (r *AlertsRepository) CreateAlert(ctx context.Context, a *models.Alert) (bool, error) {
	query := `
		INSERT INTO alerts (user_id, reading_id, alert_type, severity, message)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (reading_id) DO NOTHING
		RETURNING id, created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		a.UserID, a.ReadingID, string(a.AlertType), string(a.Severity), a.Message,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("%w: insert alert: %v", models.ErrStorageFailure, err)
	}
	return true, nil
}

// ListAlerts 用户最近的告警
func (r *AlertsRepository) ListAlerts(ctx context.Context, userID int64, limit int) ([]*models.Alert, error) {
	query := `
		SELECT id, user_id, reading_id, alert_type, severity, message, created_at
		FROM alerts
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query alerts: %v", models.ErrStorageFailure, err)
	}
	defer rows.Close()

	alerts := make([]*models.Alert, 0)
	for rows.Next() {
		var (
			a                   models.Alert
			alertType, severity string
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.ReadingID, &alertType, &severity, &a.Message, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan alert: %v", models.ErrStorageFailure, err)
		}
		a.AlertType = models.AlertType(alertType)
		a.Severity = models.Severity(severity)
		alerts = append(alerts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate alerts: %v", models.ErrStorageFailure, err)
	}
	return alerts, nil
}

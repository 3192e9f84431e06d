package repository

import (
	"context"
	"testing"
	"time"

	"prickless/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCreateAlert_AtMostOncePerReading(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewAlertsRepository(db, zap.NewNop())

	createdAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`INSERT INTO alerts .* ON CONFLICT \(reading_id\) DO NOTHING`).
		WithArgs(int64(7), int64(42), "high_glucose", "warning", "High glucose: 210 mg/dL").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(1), createdAt))
	mock.ExpectQuery(`INSERT INTO alerts`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}))

	alert := &models.Alert{
		UserID: 7, ReadingID: 42,
		AlertType: models.AlertHighGlucose, Severity: models.SeverityWarning,
		Message: "High glucose: 210 mg/dL",
	}
	created, err := repo.CreateAlert(context.Background(), alert)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), alert.ID)
	assert.Equal(t, createdAt, alert.CreatedAt)

	dup := *alert
	created, err = repo.CreateAlert(context.Background(), &dup)
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAlerts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewAlertsRepository(db, zap.NewNop())

	now := time.Now()
	mock.ExpectQuery(`FROM alerts`).
		WithArgs(int64(7), 20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "reading_id", "alert_type", "severity", "message", "created_at"}).
			AddRow(int64(3), int64(7), int64(42), "low_glucose", "critical", "Low glucose: 40 mg/dL", now))

	alerts, err := repo.ListAlerts(context.Background(), 7, 20)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertLowGlucose, alerts[0].AlertType)
	assert.Equal(t, models.SeverityCritical, alerts[0].Severity)

	require.NoError(t, mock.ExpectationsWereMet())
}

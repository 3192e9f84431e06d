package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"prickless/internal/cache"
	"prickless/internal/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAPIRouter_LatestWithoutReadings(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM readings WHERE user_id = \$1`).
		WithArgs(int64(7), 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	router := NewAPIRouter(db, nil, nil, nil, zap.NewNop())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/glucose/latest/7", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"code":40400`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAPIRouter_Health(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()

	router := NewAPIRouter(db, nil, nil, nil, zap.NewNop())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAPIRouter_LiveStreamDisabledWithoutRedis(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	router := NewAPIRouter(db, nil, nil, nil, zap.NewNop())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/glucose/live/7", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIRouter_SettingsUpdateInvalidatesThresholdCache(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer redisClient.Close()

	thresholds := cache.NewThresholdCache(repository.NewThresholdsRepository(db, zap.NewNop()), redisClient, time.Minute, zap.NewNop())

	cols := []string{"user_id", "threshold_low", "threshold_high", "notification_enabled"}
	mock.ExpectQuery(`FROM user_settings`).WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(int64(7), 70.0, 180.0, true))
	mock.ExpectExec(`INSERT INTO user_settings`).WithArgs(int64(7), 80.0, 150.0, true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM user_settings`).WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(int64(7), 80.0, 150.0, true))

	ctx := context.Background()
	th, err := thresholds.GetThresholds(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 180.0, th.ThresholdHigh)

	router := NewAPIRouter(db, nil, thresholds, nil, zap.NewNop())
	req := httptest.NewRequest(http.MethodPut, "/api/glucose/settings/7", strings.NewReader(`{"thresholdLow": 80, "thresholdHigh": 150}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	th, err = thresholds.GetThresholds(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 150.0, th.ThresholdHigh)
	assert.NoError(t, mock.ExpectationsWereMet())
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"prickless/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockReadingsDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *ReadingsRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	return db, mock, NewReadingsRepository(db, zap.NewNop())
}

var readingRowColumns = []string{
	"id", "user_id", "device_id", "timestamp", "features", "segment_id",
	"glucose_mgdl", "prediction_quality", "anomalies", "is_predicted", "model_version", "created_at",
}

func strPtr(s string) *string { return &s }

func int64Ptr(n int64) *int64 { return &n }

func TestPersist_Success(t *testing.T) {
	db, mock, repo := setupMockReadingsDB(t)
	defer db.Close()

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	createdAt := ts.Add(time.Second)
	reading := &models.Reading{
		UserID:    7,
		DeviceID:  strPtr("D1"),
		Timestamp: ts,
		Features:  []byte(`{"ac":0.3,"hr":72,"mean":1.2}`),
	}

	mock.ExpectQuery(`INSERT INTO readings`).
		WithArgs(int64(7), "D1", ts, `{"ac":0.3,"hr":72,"mean":1.2}`, nil, nil, nil, nil, false, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(101), createdAt))

	id, err := repo.Persist(context.Background(), reading)
	require.NoError(t, err)
	assert.Equal(t, int64(101), id)
	assert.Equal(t, int64(101), reading.ID)
	assert.Equal(t, createdAt, reading.CreatedAt)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersist_DuplicateDeliveryCreatesSecondRow(t *testing.T) {
	db, mock, repo := setupMockReadingsDB(t)
	defer db.Close()

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []int64{1, 2} {
		mock.ExpectQuery(`INSERT INTO readings`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(id, ts))
	}

	first := &models.Reading{UserID: 1, Timestamp: ts, Features: []byte(`{"ppg_raw":512}`)}
	second := *first

	id1, err := repo.Persist(context.Background(), first)
	require.NoError(t, err)
	id2, err := repo.Persist(context.Background(), &second)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersist_StorageFailure(t *testing.T) {
	db, mock, repo := setupMockReadingsDB(t)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO readings`).WillReturnError(errors.New("connection refused"))

	_, err := repo.Persist(context.Background(), &models.Reading{UserID: 1, Timestamp: time.Now()})
	assert.ErrorIs(t, err, models.ErrStorageFailure)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersist_RejectsPredictedWithoutModelVersion(t *testing.T) {
	db, mock, repo := setupMockReadingsDB(t)
	defer db.Close()

	g := 120.0
	_, err := repo.Persist(context.Background(), &models.Reading{UserID: 1, GlucoseMgdl: &g, IsPredicted: true})
	assert.ErrorIs(t, err, models.ErrStorageFailure)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachInference_ExactlyOnce(t *testing.T) {
	db, mock, repo := setupMockReadingsDB(t)
	defer db.Close()

	pred := &models.Prediction{GlucoseMgdl: 210, Quality: 0.9, ModelVersion: "v1"}

	mock.ExpectExec(`UPDATE readings`).
		WithArgs(int64(5), 210.0, 0.9, nil, "v1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE readings`).
		WithArgs(int64(5), 210.0, 0.9, nil, "v1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	require.NoError(t, repo.AttachInference(context.Background(), 5, pred))

	err := repo.AttachInference(context.Background(), 5, pred)
	assert.ErrorIs(t, err, models.ErrAlreadyEnriched)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachInference_ReadingNotFound(t *testing.T) {
	db, mock, repo := setupMockReadingsDB(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE readings`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := repo.AttachInference(context.Background(), 99, &models.Prediction{GlucoseMgdl: 100, ModelVersion: "v1"})
	assert.ErrorIs(t, err, models.ErrReadingNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachInference_RequiresModelVersion(t *testing.T) {
	db, mock, repo := setupMockReadingsDB(t)
	defer db.Close()

	err := repo.AttachInference(context.Background(), 1, &models.Prediction{GlucoseMgdl: 100})
	assert.ErrorIs(t, err, models.ErrInferenceFailure)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListReadings_ByUser(t *testing.T) {
	db, mock, repo := setupMockReadingsDB(t)
	defer db.Close()

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(readingRowColumns).
		AddRow(int64(2), int64(7), "D1", ts, []byte(`{"hr":72}`), "seg-1", 210.0, 0.9, "{spike,motion}", true, "v1", ts).
		AddRow(int64(1), int64(7), nil, ts.Add(-time.Minute), nil, nil, nil, nil, nil, false, nil, ts)

	mock.ExpectQuery(`FROM readings WHERE user_id = \$1 ORDER BY timestamp DESC`).
		WithArgs(int64(7), 10).
		WillReturnRows(rows)

	readings, err := repo.ListReadings(context.Background(), models.ReadingFilter{UserID: int64Ptr(7)}, 10)
	require.NoError(t, err)
	require.Len(t, readings, 2)

	first := readings[0]
	assert.Equal(t, "D1", *first.DeviceID)
	assert.Equal(t, 210.0, *first.GlucoseMgdl)
	assert.Equal(t, []string{"spike", "motion"}, first.Anomalies)
	assert.True(t, first.IsPredicted)
	assert.Equal(t, "v1", *first.ModelVersion)
	hr, ok := first.FeatureValue("hr")
	assert.True(t, ok)
	assert.Equal(t, 72.0, hr)

	second := readings[1]
	assert.Nil(t, second.DeviceID)
	assert.Nil(t, second.GlucoseMgdl)
	assert.Nil(t, second.Anomalies)
	assert.False(t, second.IsPredicted)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatest_NoData(t *testing.T) {
	db, mock, repo := setupMockReadingsDB(t)
	defer db.Close()

	mock.ExpectQuery(`FROM readings WHERE device_id = \$1`).
		WithArgs("D404", 1).
		WillReturnRows(sqlmock.NewRows(readingRowColumns))

	_, err := repo.Latest(context.Background(), models.ReadingFilter{DeviceID: strPtr("D404")})
	assert.ErrorIs(t, err, models.ErrNoData)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListReadings_RequiresFilter(t *testing.T) {
	db, _, repo := setupMockReadingsDB(t)
	defer db.Close()

	_, err := repo.ListReadings(context.Background(), models.ReadingFilter{}, 10)
	assert.Error(t, err)
}

func TestTrends_ExtractsHeartRate(t *testing.T) {
	db, mock, repo := setupMockReadingsDB(t)
	defer db.Close()

	since := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	ts := since.Add(time.Hour)
	rows := sqlmock.NewRows(readingRowColumns).
		AddRow(int64(1), int64(7), "D1", ts, []byte(`{"hr":64,"mean":1}`), nil, 110.0, 0.8, nil, true, "v1", ts).
		AddRow(int64(2), int64(7), nil, ts.Add(time.Minute), []byte(`{"ppg_raw":512}`), nil, 95.0, nil, nil, false, nil, ts)

	mock.ExpectQuery(`timestamp >= \$2 AND glucose_mgdl IS NOT NULL ORDER BY timestamp ASC`).
		WithArgs(int64(7), since).
		WillReturnRows(rows)

	points, err := repo.Trends(context.Background(), models.ReadingFilter{UserID: int64Ptr(7)}, since)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, 110.0, points[0].GlucoseMgdl)
	require.NotNil(t, points[0].HeartRate)
	assert.Equal(t, 64.0, *points[0].HeartRate)
	assert.Nil(t, points[1].HeartRate)
	assert.False(t, points[1].IsPredicted)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStats(t *testing.T) {
	db, mock, repo := setupMockReadingsDB(t)
	defer db.Close()

	first := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	last := first.Add(time.Hour)
	mock.ExpectQuery(`SELECT\s+COUNT\(\*\)`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"count", "glucose", "avg", "min", "max", "quality", "first", "last"}).
			AddRow(int64(4), int64(3), 120.0, 90.0, 150.0, nil, first, last))

	stats, err := repo.Stats(context.Background(), models.ReadingFilter{UserID: int64Ptr(7)})
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.TotalReadings)
	assert.Equal(t, int64(3), stats.GlucoseReadings)
	assert.Equal(t, 120.0, *stats.AvgGlucose)
	assert.Equal(t, 90.0, *stats.MinGlucose)
	assert.Equal(t, 150.0, *stats.MaxGlucose)
	assert.Nil(t, stats.AvgQuality)
	assert.Equal(t, last, *stats.LastReadingAt)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStats_NoData(t *testing.T) {
	db, mock, repo := setupMockReadingsDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT\s+COUNT\(\*\)`).
		WillReturnRows(sqlmock.NewRows([]string{"count", "glucose", "avg", "min", "max", "quality", "first", "last"}).
			AddRow(int64(0), int64(0), nil, nil, nil, nil, nil, nil))

	_, err := repo.Stats(context.Background(), models.ReadingFilter{UserID: int64Ptr(8)})
	assert.ErrorIs(t, err, models.ErrNoData)
	require.NoError(t, mock.ExpectationsWereMet())
}

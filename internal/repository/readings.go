package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"prickless/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const readingColumns = `id, user_id, device_id, timestamp, features, segment_id,
	glucose_mgdl, prediction_quality, anomalies, is_predicted, model_version, created_at`

// ReadingsRepository 读数仓库：写路径（Persist/AttachInference）与只读查询
type ReadingsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewReadingsRepository 创建读数仓库
func NewReadingsRepository(db *sql.DB, logger *zap.Logger) *ReadingsRepository {
	return &ReadingsRepository{
		db:     db,
		logger: logger,
	}
}

// Persist 写入一条读数，返回自增ID
// 重复投递的同一消息会产生新行，不做去重
func (r *ReadingsRepository) Persist(ctx context.Context, reading *models.Reading) (int64, error) {
	if reading.IsPredicted && (reading.GlucoseMgdl == nil || reading.ModelVersion == nil) {
		return 0, fmt.Errorf("%w: predicted reading requires glucose and model version", models.ErrStorageFailure)
	}

	var features interface{}
	if len(reading.Features) > 0 {
		features = string(reading.Features)
	}

	query := `
		INSERT INTO readings (
			user_id, device_id, timestamp, features, segment_id,
			glucose_mgdl, prediction_quality, anomalies, is_predicted, model_version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		reading.UserID,
		reading.DeviceID,
		reading.Timestamp,
		features,
		reading.SegmentID,
		reading.GlucoseMgdl,
		reading.PredictionQuality,
		pq.Array(reading.Anomalies),
		reading.IsPredicted,
		reading.ModelVersion,
	).Scan(&reading.ID, &reading.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("%w: insert reading: %v", models.ErrStorageFailure, err)
	}
	return reading.ID, nil
}

// AttachInference 为已存储的读数附加推理结果，仅允许一次
// 条件更新保证幂等：第二次调用返回 ErrAlreadyEnriched，不会覆盖
func (r *ReadingsRepository) AttachInference(ctx context.Context, readingID int64, p *models.Prediction) error {
	if p.ModelVersion == "" {
		return fmt.Errorf("%w: model version is required", models.ErrInferenceFailure)
	}

	query := `
		UPDATE readings
		SET glucose_mgdl = $2,
			prediction_quality = $3,
			anomalies = $4,
			model_version = $5,
			is_predicted = TRUE,
			enriched_at = NOW()
		WHERE id = $1 AND is_predicted = FALSE AND glucose_mgdl IS NULL
	`
	result, err := r.db.ExecContext(ctx, query,
		readingID, p.GlucoseMgdl, p.Quality, pq.Array(p.Anomalies), p.ModelVersion)
	if err != nil {
		return fmt.Errorf("%w: attach inference: %v", models.ErrStorageFailure, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: attach inference: %v", models.ErrStorageFailure, err)
	}
	if affected == 1 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM readings WHERE id = $1)`, readingID).Scan(&exists); err != nil {
		return fmt.Errorf("%w: check reading: %v", models.ErrStorageFailure, err)
	}
	if !exists {
		return fmt.Errorf("%w: id %d", models.ErrReadingNotFound, readingID)
	}
	return fmt.Errorf("%w: id %d", models.ErrAlreadyEnriched, readingID)
}

// filterClause 构造 WHERE 条件，UserID 优先
func filterClause(f models.ReadingFilter, argPos int) (string, []interface{}, error) {
	switch {
	case f.UserID != nil:
		return fmt.Sprintf("user_id = $%d", argPos), []interface{}{*f.UserID}, nil
	case f.DeviceID != nil:
		return fmt.Sprintf("device_id = $%d", argPos), []interface{}{*f.DeviceID}, nil
	default:
		return "", nil, errors.New("reading filter requires user id or device id")
	}
}

// ListReadings 最新的 limit 条读数，按时间倒序
func (r *ReadingsRepository) ListReadings(ctx context.Context, filter models.ReadingFilter, limit int) ([]*models.Reading, error) {
	where, args, err := filterClause(filter, 1)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM readings WHERE %s ORDER BY timestamp DESC, id DESC LIMIT $%d`,
		readingColumns, where, len(args)+1)
	args = append(args, limit)

	return r.queryReadings(ctx, query, args...)
}

// Latest 最新一条读数，无数据时返回 ErrNoData
func (r *ReadingsRepository) Latest(ctx context.Context, filter models.ReadingFilter) (*models.Reading, error) {
	readings, err := r.ListReadings(ctx, filter, 1)
	if err != nil {
		return nil, err
	}
	if len(readings) == 0 {
		return nil, models.ErrNoData
	}
	return readings[0], nil
}

// ListSince since 之后的读数，按时间正序；glucoseOnly 只返回有血糖值的读数
func (r *ReadingsRepository) ListSince(ctx context.Context, filter models.ReadingFilter, since time.Time, glucoseOnly bool) ([]*models.Reading, error) {
	where, args, err := filterClause(filter, 1)
	if err != nil {
		return nil, err
	}
	conds := []string{where, fmt.Sprintf("timestamp >= $%d", len(args)+1)}
	args = append(args, since)
	if glucoseOnly {
		conds = append(conds, "glucose_mgdl IS NOT NULL")
	}
	query := fmt.Sprintf(`SELECT %s FROM readings WHERE %s ORDER BY timestamp ASC, id ASC`,
		readingColumns, strings.Join(conds, " AND "))

	return r.queryReadings(ctx, query, args...)
}

// Trends 趋势数据（血糖 + 从特征中提取的心率）
func (r *ReadingsRepository) Trends(ctx context.Context, filter models.ReadingFilter, since time.Time) ([]models.TrendPoint, error) {
	readings, err := r.ListSince(ctx, filter, since, true)
	if err != nil {
		return nil, err
	}
	points := make([]models.TrendPoint, 0, len(readings))
	for _, rd := range readings {
		p := models.TrendPoint{
			Timestamp:   rd.Timestamp,
			GlucoseMgdl: *rd.GlucoseMgdl,
			IsPredicted: rd.IsPredicted,
		}
		if hr, ok := rd.FeatureValue(models.FeatureHR); ok {
			p.HeartRate = &hr
		}
		points = append(points, p)
	}
	return points, nil
}

// Stats 统计；没有任何读数时返回 ErrNoData
func (r *ReadingsRepository) Stats(ctx context.Context, filter models.ReadingFilter) (*models.ReadingStats, error) {
	where, args, err := filterClause(filter, 1)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT
			COUNT(*),
			COUNT(glucose_mgdl),
			AVG(glucose_mgdl),
			MIN(glucose_mgdl),
			MAX(glucose_mgdl),
			AVG(prediction_quality),
			MIN(timestamp),
			MAX(timestamp)
		FROM readings
		WHERE %s
	`, where)

	var (
		stats               models.ReadingStats
		avg, min, max, qual sql.NullFloat64
		first, last         sql.NullTime
	)
	err = r.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalReadings,
		&stats.GlucoseReadings,
		&avg, &min, &max, &qual,
		&first, &last,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: reading stats: %v", models.ErrStorageFailure, err)
	}
	if stats.TotalReadings == 0 {
		return nil, models.ErrNoData
	}

	stats.AvgGlucose = nullFloat(avg)
	stats.MinGlucose = nullFloat(min)
	stats.MaxGlucose = nullFloat(max)
	stats.AvgQuality = nullFloat(qual)
	stats.FirstReadingAt = nullTime(first)
	stats.LastReadingAt = nullTime(last)
	return &stats, nil
}

func (r *ReadingsRepository) queryReadings(ctx context.Context, query string, args ...interface{}) ([]*models.Reading, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query readings: %v", models.ErrStorageFailure, err)
	}
	defer rows.Close()

	readings := make([]*models.Reading, 0)
	for rows.Next() {
		rd, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan reading: %v", models.ErrStorageFailure, err)
		}
		readings = append(readings, rd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate readings: %v", models.ErrStorageFailure, err)
	}
	return readings, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReading(row rowScanner) (*models.Reading, error) {
	var (
		rd                            models.Reading
		deviceID, segmentID, modelVer sql.NullString
		glucose, quality              sql.NullFloat64
		features                      []byte
		anomalies                     []string
	)
	err := row.Scan(
		&rd.ID,
		&rd.UserID,
		&deviceID,
		&rd.Timestamp,
		&features,
		&segmentID,
		&glucose,
		&quality,
		pq.Array(&anomalies),
		&rd.IsPredicted,
		&modelVer,
		&rd.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rd.DeviceID = nullString(deviceID)
	rd.SegmentID = nullString(segmentID)
	rd.ModelVersion = nullString(modelVer)
	rd.GlucoseMgdl = nullFloat(glucose)
	rd.PredictionQuality = nullFloat(quality)
	rd.Anomalies = anomalies
	if len(features) > 0 {
		rd.Features = append([]byte(nil), features...)
	}
	return &rd, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

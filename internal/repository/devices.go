package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"prickless/internal/models"

	"go.uber.org/zap"
)

// DevicesRepository 设备注册表
type DevicesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDevicesRepository 创建设备仓库
func NewDevicesRepository(db *sql.DB, logger *zap.Logger) *DevicesRepository {
	return &DevicesRepository{
		db:     db,
		logger: logger,
	}
}

// UpdateStatus 写入设备状态，最后写入者胜出
// 未登记的设备视为隐式注册；负载未携带固件版本时保留原值
func (r *DevicesRepository) UpdateStatus(ctx context.Context, u *models.StatusUpdate) error {
	query := `
		INSERT INTO devices (device_id, status, firmware_version, last_seen, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (device_id) DO UPDATE SET
			status = EXCLUDED.status,
			firmware_version = COALESCE(EXCLUDED.firmware_version, devices.firmware_version),
			last_seen = EXCLUDED.last_seen,
			updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query, u.DeviceID, string(u.Status), u.FirmwareVersion, u.SeenAt)
	if err != nil {
		return fmt.Errorf("%w: update device status: %v", models.ErrStorageFailure, err)
	}
	return nil
}

// GetDevice 查询设备
func (r *DevicesRepository) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	query := `
		SELECT device_id, status, firmware_version, last_seen, assigned_user_id
		FROM devices
		WHERE device_id = $1
	`
	var (
		d        models.Device
		status   string
		firmware sql.NullString
		lastSeen sql.NullTime
		userID   sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(&d.DeviceID, &status, &firmware, &lastSeen, &userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", models.ErrDeviceNotFound, deviceID)
		}
		return nil, fmt.Errorf("%w: get device: %v", models.ErrStorageFailure, err)
	}

	d.Status = models.ParseDeviceStatus(status)
	d.FirmwareVersion = nullString(firmware)
	d.LastSeen = nullTime(lastSeen)
	d.AssignedUserID = nullInt(userID)
	return &d, nil
}

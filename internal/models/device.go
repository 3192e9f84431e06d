package models

import (
	"strings"
	"time"
)

// DeviceStatus 设备状态
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
	DeviceUnknown DeviceStatus = "unknown"
)

// ParseDeviceStatus 解析状态字符串，无法识别时返回 unknown
func ParseDeviceStatus(s string) DeviceStatus {
	switch DeviceStatus(strings.ToLower(strings.TrimSpace(s))) {
	case DeviceOnline:
		return DeviceOnline
	case DeviceOffline:
		return DeviceOffline
	default:
		return DeviceUnknown
	}
}

// Device 设备
type Device struct {
	DeviceID        string       `json:"device_id"`
	Status          DeviceStatus `json:"status"`
	FirmwareVersion *string      `json:"firmware_version,omitempty"`
	LastSeen        *time.Time   `json:"last_seen,omitempty"`
	AssignedUserID  *int64       `json:"assigned_user_id,omitempty"`
}

package decoder

import (
	"fmt"
	"strings"

	"prickless/internal/models"
)

// RouteKind 主题形态
type RouteKind int

const (
	RouteDeviceReadings RouteKind = iota + 1 // .../{deviceId}/readings
	RouteDeviceStatus                        // .../{deviceId}/status
	RouteLegacyReadings                      // 旧版扁平主题，无设备段
)

func (k RouteKind) String() string {
	switch k {
	case RouteDeviceReadings:
		return "device_readings"
	case RouteDeviceStatus:
		return "device_status"
	case RouteLegacyReadings:
		return "legacy_readings"
	default:
		return "unknown"
	}
}

// Route 路由标签
type Route struct {
	Kind     RouteKind
	Topic    string
	DeviceID string // 仅设备主题，来自主题而非负载
}

const (
	segmentReadings = "readings"
	segmentStatus   = "status"
)

// ParseTopic 根据主题形态得到路由
// 旧版主题优先匹配，避免 "glucose/readings" 被误认为设备 "glucose"
func ParseTopic(topic string, legacy map[string]struct{}) (Route, error) {
	if _, ok := legacy[topic]; ok {
		return Route{Kind: RouteLegacyReadings, Topic: topic}, nil
	}

	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return Route{}, fmt.Errorf("%w: %s", models.ErrUnknownTopic, topic)
	}
	deviceID := parts[len(parts)-2]
	if deviceID == "" || strings.ContainsAny(deviceID, "+#") {
		return Route{}, fmt.Errorf("%w: invalid device segment in %s", models.ErrUnknownTopic, topic)
	}

	switch parts[len(parts)-1] {
	case segmentReadings:
		return Route{Kind: RouteDeviceReadings, Topic: topic, DeviceID: deviceID}, nil
	case segmentStatus:
		return Route{Kind: RouteDeviceStatus, Topic: topic, DeviceID: deviceID}, nil
	default:
		return Route{}, fmt.Errorf("%w: %s", models.ErrUnknownTopic, topic)
	}
}

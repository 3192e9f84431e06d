package decoder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"prickless/internal/models"
)

// 负载字段别名（设备固件与旧版前端并存）
var (
	userIDKeys    = []string{"userId", "user_id"}
	deviceIDKeys  = []string{"deviceId", "device_id"}
	timestampKeys = []string{"timestamp", "ts"}
	scalarKeys    = []string{"ppg_value", "ppg_raw"}
	glucoseKeys   = []string{"glucose_mgdl", "glucoseLevel", "glucose"}
	segmentKeys   = []string{"segmentId", "segment_id"}
	firmwareKeys  = []string{"firmware_version", "firmwareVersion"}
)

// epoch 数值大于该值按毫秒解释
const epochMillisCutoff = 1e12

// Message 解码结果：读数或状态之一，附带路由标签
type Message struct {
	Route      Route
	Telemetry  *models.RawTelemetry
	Status     *models.StatusUpdate
	ReceivedAt time.Time
	TraceID    string // 接收时分配，贯穿处理日志
}

// Key 串行化键：同一设备的消息共用一个队列
func (m *Message) Key() string {
	if m.Route.DeviceID != "" {
		return m.Route.DeviceID
	}
	if m.Telemetry != nil && m.Telemetry.DeviceID != nil {
		return *m.Telemetry.DeviceID
	}
	return "legacy:" + m.Route.Topic
}

// Decoder 负载解码与校验，无状态，可并发使用
type Decoder struct {
	legacy map[string]struct{}
}

// New 创建解码器
func New(legacyTopics []string) *Decoder {
	legacy := make(map[string]struct{}, len(legacyTopics))
	for _, t := range legacyTopics {
		legacy[t] = struct{}{}
	}
	return &Decoder{legacy: legacy}
}

// Decode 解析 (topic, payload)，校验失败返回 *models.ValidationError 或 ErrUnknownTopic
func (d *Decoder) Decode(topic string, payload []byte, receivedAt time.Time) (*Message, error) {
	route, err := ParseTopic(topic, d.legacy)
	if err != nil {
		return nil, err
	}

	msg := &Message{Route: route, ReceivedAt: receivedAt}
	switch route.Kind {
	case RouteDeviceStatus:
		msg.Status, err = DecodeStatus(route.DeviceID, payload, receivedAt)
	default:
		msg.Telemetry, err = DecodeTelemetry(payload, receivedAt)
		if err == nil && route.Kind == RouteDeviceReadings {
			deviceID := route.DeviceID
			msg.Telemetry.DeviceID = &deviceID
		}
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeTelemetry 解析读数负载
func DecodeTelemetry(payload []byte, receivedAt time.Time) (*models.RawTelemetry, error) {
	doc, err := parseObject(payload)
	if err != nil {
		return nil, err
	}

	t := &models.RawTelemetry{}

	if t.UserID, err = optionalInt(doc, userIDKeys); err != nil {
		return nil, err
	}
	if t.DeviceID, err = optionalString(doc, deviceIDKeys); err != nil {
		return nil, err
	}
	if t.SegmentID, err = optionalString(doc, segmentKeys); err != nil {
		return nil, err
	}

	ts, ok, err := optionalTime(doc, timestampKeys)
	if err != nil {
		return nil, err
	}
	if ok {
		t.Timestamp = ts
	} else {
		// 设备时钟不可靠，缺省使用接收时间
		t.Timestamp = receivedAt
		t.TimestampDefaulted = true
	}

	glucose, ok, err := optionalNumber(doc, glucoseKeys)
	if err != nil {
		return nil, err
	}
	if ok {
		if glucose <= 0 {
			return nil, models.Malformed("glucose_mgdl", "must be positive")
		}
		t.GlucoseMgdl = &glucose
	}

	if t.Sample, err = decodeSample(doc); err != nil {
		return nil, err
	}
	return t, nil
}

// decodeSample 确定样本形态：特征集合优先，其次原始标量
func decodeSample(doc map[string]interface{}) (models.Sample, error) {
	scalar, hasScalar, err := optionalNumber(doc, scalarKeys)
	if err != nil {
		return nil, err
	}

	bag, missing, err := featureBag(doc)
	if err != nil {
		return nil, err
	}
	if len(missing) == 0 {
		if hasScalar {
			bag[models.FeaturePPGRaw] = scalar
		}
		return models.FeatureBagSample{Features: bag}, nil
	}
	if hasScalar {
		return models.DirectScalarSample{Value: scalar}, nil
	}

	return nil, models.Missing("sample",
		fmt.Sprintf("need ppg_value or features with %s (missing %s)",
			strings.Join(models.RequiredFeatures, ","), strings.Join(missing, ",")))
}

// featureBag 读取 "features" 对象；没有时回退到顶层扁平字段
// 返回缺失（或非有限数值）的必需键
func featureBag(doc map[string]interface{}) (map[string]float64, []string, error) {
	source := doc
	nested := false
	if raw, ok := doc["features"]; ok && raw != nil {
		obj, ok := raw.(map[string]interface{})
		if !ok {
			return nil, nil, models.Malformed("features", "must be an object")
		}
		source = obj
		nested = true
	}

	bag := make(map[string]float64)
	var missing []string
	for _, key := range models.RequiredFeatures {
		v, ok := toFloat(source[key])
		if !ok {
			missing = append(missing, key)
			continue
		}
		bag[key] = v
	}
	if !nested {
		return bag, missing, nil
	}

	// 保留其余数值特征
	for k, raw := range source {
		if _, seen := bag[k]; seen {
			continue
		}
		if v, ok := toFloat(raw); ok {
			bag[k] = v
		}
	}
	return bag, missing, nil
}

// DecodeStatus 解析设备状态负载
func DecodeStatus(deviceID string, payload []byte, receivedAt time.Time) (*models.StatusUpdate, error) {
	doc, err := parseObject(payload)
	if err != nil {
		return nil, err
	}

	raw, ok := doc["status"]
	if !ok || raw == nil {
		if online, isBool := doc["online"].(bool); isBool {
			raw = online
		} else {
			return nil, models.Missing("status", "absent")
		}
	}

	var status models.DeviceStatus
	switch v := raw.(type) {
	case string:
		status = models.ParseDeviceStatus(v)
	case bool:
		status = models.DeviceOffline
		if v {
			status = models.DeviceOnline
		}
	case json.Number:
		// 0=离线, 1=在线
		switch v.String() {
		case "0":
			status = models.DeviceOffline
		case "1":
			status = models.DeviceOnline
		default:
			status = models.DeviceUnknown
		}
	default:
		return nil, models.Malformed("status", "must be a string")
	}

	firmware, err := optionalString(doc, firmwareKeys)
	if err != nil {
		return nil, err
	}

	return &models.StatusUpdate{
		DeviceID:        deviceID,
		Status:          status,
		FirmwareVersion: firmware,
		SeenAt:          receivedAt,
	}, nil
}

func parseObject(payload []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, models.Malformed("", "invalid JSON: "+err.Error())
	}
	if dec.More() {
		return nil, models.Malformed("", "trailing data after JSON document")
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, models.Malformed("", "payload must be a JSON object")
	}
	return obj, nil
}

func lookup(doc map[string]interface{}, keys []string) (string, interface{}, bool) {
	for _, k := range keys {
		if v, ok := doc[k]; ok && v != nil {
			return k, v, true
		}
	}
	return "", nil, false
}

func toFloat(raw interface{}) (float64, bool) {
	n, ok := raw.(json.Number)
	if !ok {
		return 0, false
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func optionalNumber(doc map[string]interface{}, keys []string) (float64, bool, error) {
	key, raw, ok := lookup(doc, keys)
	if !ok {
		return 0, false, nil
	}
	f, ok := toFloat(raw)
	if !ok {
		return 0, false, models.Malformed(key, "must be a finite number")
	}
	return f, true, nil
}

func optionalInt(doc map[string]interface{}, keys []string) (*int64, error) {
	key, raw, ok := lookup(doc, keys)
	if !ok {
		return nil, nil
	}
	var s string
	switch v := raw.(type) {
	case json.Number:
		s = v.String()
	case string:
		s = strings.TrimSpace(v)
	default:
		return nil, models.Malformed(key, "must be an integer")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return nil, models.Malformed(key, "must be a positive integer")
	}
	return &n, nil
}

func optionalString(doc map[string]interface{}, keys []string) (*string, error) {
	key, raw, ok := lookup(doc, keys)
	if !ok {
		return nil, nil
	}
	var s string
	switch v := raw.(type) {
	case string:
		s = strings.TrimSpace(v)
	case json.Number:
		s = v.String()
	default:
		return nil, models.Malformed(key, "must be a string")
	}
	if s == "" {
		return nil, nil
	}
	return &s, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
}

func optionalTime(doc map[string]interface{}, keys []string) (time.Time, bool, error) {
	key, raw, ok := lookup(doc, keys)
	if !ok {
		return time.Time{}, false, nil
	}
	switch v := raw.(type) {
	case json.Number:
		f, ok := toFloat(v)
		if !ok || f <= 0 {
			return time.Time{}, false, models.Malformed(key, "epoch must be a positive number")
		}
		if f > epochMillisCutoff {
			return time.UnixMilli(int64(f)).UTC(), true, nil
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true, nil
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), true, nil
			}
		}
		return time.Time{}, false, models.Malformed(key, "unrecognized time format")
	default:
		return time.Time{}, false, models.Malformed(key, "must be a string or epoch number")
	}
}

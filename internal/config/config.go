package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"prickless/common/config"

	"github.com/joho/godotenv"
)

// Config prickless 服务配置（ingest 与 api 共用）
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// 摄取管道配置
	Ingest struct {
		ReadingsTopic string   // 设备读数主题，如 "device/+/readings"
		StatusTopic   string   // 设备状态主题，如 "device/+/status"
		LegacyTopics  []string // 旧版扁平主题，无设备段

		QueueSize    int           // 每设备队列容量
		IdleTimeout  time.Duration // 设备队列空闲回收时间
		StoreTimeout time.Duration // 单次存储写入超时

		DefaultUserID     int64 // 单租户/演示模式下的兜底用户
		AllowDefaultUser  bool  // 生产环境关闭
		EnrichConcurrency int   // 同时进行的推理调用上限
		EnrichBacklog     int   // 执行中与排队中的增强总数上限，超出时放弃增强
	}

	Inference struct {
		Enabled      bool
		Endpoint     string
		ModelVersion string
		Timeout      time.Duration
	}

	Alerts struct {
		Enabled           bool
		CriticalLow       float64 // 低于该值为 critical
		CriticalHigh      float64 // 高于该值为 critical
		ThresholdCacheTTL time.Duration
	}

	Streams struct {
		Enabled  bool
		Readings string
		Alerts   string
		MaxLen   int64
	}

	HTTP struct {
		Addr        string
		MetricsAddr string
		CORSOrigins []string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置：先加载 dotenv 文件（不存在则忽略），再读取环境变量
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}

	cfg := &Config{}

	cfg.Database = config.DatabaseConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Password:        "postgres",
		Database:        "prickless",
		SSLMode:         "disable",
		MaxConns:        20,
		MaxIdle:         5,
		ConnMaxLifetime: 30 * time.Minute,
	}
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis = config.RedisConfig{Addr: "localhost:6379"}
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT = config.MQTTConfig{
		Broker:         "tcp://localhost:1883",
		ClientID:       "prickless-ingest",
		QoS:            1,
		RetryInterval:  5 * time.Second,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		CleanSession:   true,
	}
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Ingest.ReadingsTopic = getEnv("MQTT_READINGS_TOPIC", "device/+/readings")
	cfg.Ingest.StatusTopic = getEnv("MQTT_STATUS_TOPIC", "device/+/status")
	cfg.Ingest.LegacyTopics = getEnvList("MQTT_LEGACY_TOPICS", []string{"prickless/ppg", "prickless/glucose"})
	cfg.Ingest.QueueSize = getEnvInt("DISPATCH_QUEUE_SIZE", 256)
	cfg.Ingest.IdleTimeout = getEnvDuration("DISPATCH_IDLE_TIMEOUT", 2*time.Minute)
	cfg.Ingest.StoreTimeout = getEnvDuration("STORE_TIMEOUT", 10*time.Second)
	cfg.Ingest.DefaultUserID = int64(getEnvInt("DEFAULT_USER_ID", 1))
	cfg.Ingest.AllowDefaultUser = getEnvBool("ALLOW_DEFAULT_USER", true)
	cfg.Ingest.EnrichConcurrency = getEnvInt("INFERENCE_CONCURRENCY", 16)
	cfg.Ingest.EnrichBacklog = getEnvInt("INFERENCE_BACKLOG", 256)

	cfg.Inference.Enabled = getEnvBool("ENABLE_ML_INFERENCE", false)
	cfg.Inference.Endpoint = getEnv("MODEL_ENDPOINT", "")
	cfg.Inference.ModelVersion = getEnv("MODEL_VERSION", "v1")
	cfg.Inference.Timeout = getEnvDuration("INFERENCE_TIMEOUT", 3*time.Second)

	cfg.Alerts.Enabled = getEnvBool("ENABLE_ALERTS", false)
	cfg.Alerts.CriticalLow = getEnvFloat("ALERT_CRITICAL_LOW", 50)
	cfg.Alerts.CriticalHigh = getEnvFloat("ALERT_CRITICAL_HIGH", 250)
	cfg.Alerts.ThresholdCacheTTL = getEnvDuration("THRESHOLD_CACHE_TTL", 60*time.Second)

	cfg.Streams.Enabled = getEnvBool("STREAMS_ENABLED", true)
	cfg.Streams.Readings = getEnv("READINGS_STREAM", "prickless:readings")
	cfg.Streams.Alerts = getEnv("ALERTS_STREAM", "prickless:alerts")
	cfg.Streams.MaxLen = int64(getEnvInt("STREAM_MAX_LEN", 10000))

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":5000")
	cfg.HTTP.MetricsAddr = getEnv("METRICS_ADDR", ":9100")
	cfg.HTTP.CORSOrigins = getEnvList("CORS_ORIGINS", []string{"http://localhost:3000"})

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Inference.Enabled && c.Inference.Endpoint == "" {
		return errors.New("MODEL_ENDPOINT is required when ENABLE_ML_INFERENCE=true")
	}
	if c.Inference.Timeout <= 0 {
		return errors.New("INFERENCE_TIMEOUT must be positive")
	}
	if c.Alerts.CriticalLow >= c.Alerts.CriticalHigh {
		return fmt.Errorf("ALERT_CRITICAL_LOW (%v) must be below ALERT_CRITICAL_HIGH (%v)",
			c.Alerts.CriticalLow, c.Alerts.CriticalHigh)
	}
	if c.Ingest.QueueSize <= 0 {
		return errors.New("DISPATCH_QUEUE_SIZE must be positive")
	}
	if c.Ingest.EnrichConcurrency <= 0 {
		return errors.New("INFERENCE_CONCURRENCY must be positive")
	}
	if c.Ingest.EnrichBacklog < c.Ingest.EnrichConcurrency {
		return errors.New("INFERENCE_BACKLOG must be at least INFERENCE_CONCURRENCY")
	}
	return nil
}

// FallbackUserID 兜底用户，未启用时返回 nil
func (c *Config) FallbackUserID() *int64 {
	if !c.Ingest.AllowDefaultUser {
		return nil
	}
	id := c.Ingest.DefaultUserID
	return &id
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

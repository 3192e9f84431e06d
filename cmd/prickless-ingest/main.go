package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"prickless/common/logger"
	"prickless/internal/config"
	"prickless/internal/service"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	envFiles := pflag.StringArray("env-file", []string{".env"}, "dotenv file to load (repeatable, missing files are ignored)")
	logLevel := pflag.String("log-level", "", "log level override (debug, info, warn, error)")
	pflag.Parse()

	// 加载配置
	cfg, err := config.Load(*envFiles...)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	// 初始化Logger
	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "prickless-ingest")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting prickless-ingest service",
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.Bool("inference_enabled", cfg.Inference.Enabled),
		zap.Bool("alerts_enabled", cfg.Alerts.Enabled),
		zap.Bool("default_user_allowed", cfg.Ingest.AllowDefaultUser),
	)

	// 创建服务
	ingestService, err := service.NewIngestService(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create ingest service", zap.Error(err))
	}

	// 启动服务
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ingestService.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start ingest service", zap.Error(err))
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zapLogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭：存储写入允许完成，超时后放弃
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := ingestService.Stop(shutdownCtx); err != nil {
		zapLogger.Error("Error during shutdown", zap.Error(err))
	}

	zapLogger.Info("Service stopped")
}

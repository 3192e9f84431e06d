package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"prickless/common/logger"
	"prickless/internal/config"
	"prickless/internal/service"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	envFiles := pflag.StringArray("env-file", []string{".env"}, "dotenv file to load (repeatable, missing files are ignored)")
	logLevel := pflag.String("log-level", "", "log level override (debug, info, warn, error)")
	addr := pflag.String("addr", "", "listen address override (default HTTP_ADDR)")
	pflag.Parse()

	cfg, err := config.Load(*envFiles...)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "prickless-api")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	apiService, err := service.NewAPIService(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create API service", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := apiService.Run(ctx); err != nil {
		zapLogger.Fatal("API service failed", zap.Error(err))
	}
	zapLogger.Info("Service stopped")
}

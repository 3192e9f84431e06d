package main

import (
	"context"
	"log"
	"os"
	"time"

	"prickless/common/database"
	"prickless/common/logger"
	"prickless/internal/config"
	"prickless/internal/migrate"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	envFiles := pflag.StringArray("env-file", []string{".env"}, "dotenv file to load (repeatable)")
	file := pflag.String("file", "", "SQL file to apply instead of the built-in schema")
	pflag.Parse()

	cfg, err := config.Load(*envFiles...)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level, "console", "prickless-migrate")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	content := migrate.Schema
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			zapLogger.Fatal("Failed to read migration file", zap.String("file", *file), zap.Error(err))
		}
		content = string(data)
	}

	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		zapLogger.Fatal("Cannot connect to database", zap.Error(err))
	}
	defer database.Close(db)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	n, err := migrate.Apply(ctx, db, content, zapLogger)
	if err != nil {
		zapLogger.Fatal("Migration failed", zap.Error(err))
	}
	zapLogger.Info("Migration completed", zap.String("database", cfg.Database.Database), zap.Int("statements", n))
}

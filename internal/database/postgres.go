package database

import (
	"fmt"

	"github.com/aihub/chat-backend/internal/config"
	"github.com/aihub/chat-backend/internal/logger"
	"github.com/aihub/chat-backend/internal/models"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var DB *gorm.DB

// InitDB 连接 PostgreSQL 并设置连接池
func InitDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}

	logLevel := gormlogger.Warn
	if cfg.Server.Env == "development" {
		logLevel = gormlogger.Info
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.URL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	maxIdle := cfg.Database.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 10
	}
	maxOpen := cfg.Database.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 100
	}
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetMaxOpenConns(maxOpen)

	if cfg.Database.AutoMigrate {
		if err := autoMigrate(db, cfg.Vector.Backend == "pgvector"); err != nil {
			logger.Warn("database auto migration failed", zap.Error(err))
		}
	}

	DB = db
	logger.Info("database connected", zap.Int("max_open_conns", maxOpen))
	return db, nil
}

// autoMigrate 开发环境下的表结构同步，生产环境以 migrations/ 为准
func autoMigrate(db *gorm.DB, withVectors bool) error {
	if err := db.AutoMigrate(
		&models.User{},
		&models.UserSettings{},
		&models.ProviderSettings{},
		&models.Conversation{},
		&models.Message{},
		&models.MessageImage{},
		&models.MessageError{},
		&models.Knowledge{},
		&models.AnalyticsEvent{},
	); err != nil {
		return err
	}

	if !withVectors {
		return nil
	}
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return fmt.Errorf("enable pgvector: %w", err)
	}
	return db.AutoMigrate(&models.KnowledgeChunk{})
}

func CloseDB() error {
	if DB == nil {
		return nil
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

package database

import (
	"fmt"

	accountdomain "mailsched-backend/internal/account/domain"
	authdomain "mailsched-backend/internal/auth/domain"
	scheduledomain "mailsched-backend/internal/schedule/domain"
	"mailsched-backend/pkg/config"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// NewPostgresConnection opens the database configured by DATABASE_URL
func NewPostgresConnection(cfg *config.Config) (*gorm.DB, error) {
	level := gormlogger.Warn
	if cfg.LogLevel == "debug" || cfg.LogLevel == "trace" {
		level = gormlogger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(level),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// AutoMigrate creates or updates every table the service uses
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&scheduledomain.Schedule{},
		&scheduledomain.Execution{},
		&scheduledomain.ExecutionLock{},
		&accountdomain.MailAccount{},
		&authdomain.FCMToken{},
	)
}

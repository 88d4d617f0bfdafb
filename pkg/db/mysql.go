// Package db предоставляет подключение к MySQL и Redis и запуск миграций схемы.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"example.com/design-market/pkg/config"
	"example.com/design-market/pkg/logger"
)

const (
	pingAttempts  = 5
	pingBackoff   = time.Second
	slowThreshold = 500 * time.Millisecond
)

// ConnectMySQL открывает GORM поверх MySQL.
// При старте база может ещё подниматься, поэтому ping повторяется с паузой.
func ConnectMySQL(cfg config.MySQLConfig, debug bool) (*gorm.DB, error) {
	level := gormlogger.Warn
	if debug {
		level = gormlogger.Info
	}

	db, err := gorm.Open(mysql.Open(cfg.DSN()), &gorm.Config{
		Logger: gormlogger.New(zerologWriter{l: logger.Component("gorm")}, gormlogger.Config{
			SlowThreshold:             slowThreshold,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
		}),
		// Ошибки уникальных индексов приходят как gorm.ErrDuplicatedKey.
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к MySQL: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("ошибка получения sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = sqlDB.PingContext(ctx)
		cancel()
		if err == nil {
			return db, nil
		}
		if attempt == pingAttempts {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("ошибка ping MySQL: %w", err)
		}
		logger.Warn().Err(err).Int("attempt", attempt).Msg("MySQL недоступен, повтор")
		time.Sleep(pingBackoff * time.Duration(attempt))
	}
}

// zerologWriter направляет журнал GORM в zerolog.
type zerologWriter struct {
	l zerolog.Logger
}

func (w zerologWriter) Printf(format string, args ...any) {
	w.l.Info().Msgf(format, args...)
}

// Package healthcheck предоставляет проверки зависимостей для /readyz.
package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// checkTimeout ограничивает одну проверку: /readyz не должен висеть на медленной зависимости.
const checkTimeout = 2 * time.Second

// CheckMySQL проверяет доступность MySQL через GORM.
func CheckMySQL(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("mysql: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("mysql ping: %w", err)
	}
	return nil
}

// CheckRedis проверяет доступность Redis.
func CheckRedis(ctx context.Context, rdb *redis.Client) error {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Composite запускает проверки параллельно, каждую со своим таймаутом.
// Возвращает все найденные ошибки через errors.Join или nil.
func Composite(checks ...func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		errs := make([]error, len(checks))
		var g errgroup.Group
		for i, check := range checks {
			g.Go(func() error {
				cctx, cancel := context.WithTimeout(ctx, checkTimeout)
				defer cancel()
				errs[i] = check(cctx)
				return nil
			})
		}
		_ = g.Wait()
		return errors.Join(errs...)
	}
}

// CheckKafka проверяет доступность брокера Kafka (TCP dial + metadata).
func CheckKafka(brokers []string) func(context.Context) error {
	return func(ctx context.Context) error {
		if len(brokers) == 0 {
			return fmt.Errorf("kafka: брокеры не указаны")
		}
		conn, err := kafkago.DialContext(ctx, "tcp", brokers[0])
		if err != nil {
			return fmt.Errorf("kafka dial: %w", err)
		}
		defer func() { _ = conn.Close() }()

		if _, err := conn.Brokers(); err != nil {
			return fmt.Errorf("kafka metadata: %w", err)
		}
		return nil
	}
}

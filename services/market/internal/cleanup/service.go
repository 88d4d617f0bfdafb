// Package cleanup удаляет брошенные неоплаченные заказы и мёртвые платежи.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/design-market/pkg/logger"
	"example.com/design-market/pkg/metrics"
	"example.com/design-market/services/market/internal/repository"
)

// Type — вид очистки.
type Type string

const (
	TypeFull     Type = "full"
	TypeOrders   Type = "orders"
	TypePayments Type = "payments"
)

// ErrInvalidType возвращается для неизвестного вида очистки.
var ErrInvalidType = errors.New("неизвестный вид очистки")

// ParseType разбирает вид очистки. Пустая строка означает полную очистку.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case "", TypeFull:
		return TypeFull, nil
	case TypeOrders, TypePayments:
		return Type(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
}

// Config — пороги и размер пачки.
type Config struct {
	OrderThreshold   time.Duration
	PaymentThreshold time.Duration
	BatchSize        int
}

// Options — параметры одного запуска. Нулевой порог означает значение из Config.
type Options struct {
	Type      Type
	Threshold time.Duration
}

// Report — итог запуска очистки.
type Report struct {
	OrdersDeleted   int           `json:"ordersDeleted"`
	PaymentsDeleted int           `json:"paymentsDeleted"`
	OrdersSkipped   int           `json:"ordersSkipped"`
	PaymentsSkipped int           `json:"paymentsSkipped"`
	Errors          []string      `json:"errors"`
	StartedAt       time.Time     `json:"startedAt"`
	Duration        time.Duration `json:"duration"`
}

// Preview — кандидаты на удаление без изменений в базе.
type Preview struct {
	Orders   []repository.StaleOrder   `json:"orders"`
	Payments []repository.StalePayment `json:"payments"`
}

// Service выполняет очистку.
type Service struct {
	repo repository.CleanupRepository
	cfg  Config
	now  func() time.Time
}

// NewService создаёт сервис очистки.
func NewService(repo repository.CleanupRepository, cfg Config) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &Service{
		repo: repo,
		cfg:  cfg,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Preview возвращает кандидатов на удаление.
func (s *Service) Preview(ctx context.Context, threshold time.Duration) (*Preview, error) {
	now := s.now()
	orders, err := s.repo.FindStaleOrders(ctx, now.Add(-s.orderThreshold(threshold)), s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска устаревших заказов: %w", err)
	}
	payments, err := s.repo.FindStalePayments(ctx, now.Add(-s.paymentThreshold(threshold)), s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска устаревших платежей: %w", err)
	}
	return &Preview{Orders: orders, Payments: payments}, nil
}

// Run выполняет очистку. Ошибки отдельных удалений попадают в отчёт и не прерывают проход.
func (s *Service) Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.Type == "" {
		opts.Type = TypeFull
	}
	started := s.now()
	report := &Report{StartedAt: started, Errors: []string{}}

	if opts.Type == TypeFull || opts.Type == TypeOrders {
		if err := s.sweepOrders(ctx, started.Add(-s.orderThreshold(opts.Threshold)), report); err != nil {
			return nil, err
		}
	}
	if opts.Type == TypeFull || opts.Type == TypePayments {
		if err := s.sweepPayments(ctx, started.Add(-s.paymentThreshold(opts.Threshold)), report); err != nil {
			return nil, err
		}
	}

	report.Duration = s.now().Sub(started)
	logger.Ctx(ctx).Info().
		Str("type", string(opts.Type)).
		Int("orders_deleted", report.OrdersDeleted).
		Int("payments_deleted", report.PaymentsDeleted).
		Int("orders_skipped", report.OrdersSkipped).
		Int("payments_skipped", report.PaymentsSkipped).
		Int("errors", len(report.Errors)).
		Dur("duration", report.Duration).
		Msg("Очистка завершена")
	return report, nil
}

func (s *Service) sweepOrders(ctx context.Context, cutoff time.Time, report *Report) error {
	candidates, err := s.repo.FindStaleOrders(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("ошибка поиска устаревших заказов: %w", err)
	}
	for _, c := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		deleted, err := s.repo.DeleteStaleOrder(ctx, c.ID, cutoff)
		switch {
		case err != nil:
			report.Errors = append(report.Errors, fmt.Sprintf("заказ %s: %v", c.ID, err))
		case deleted:
			report.OrdersDeleted++
			metrics.CleanupDeletedTotal.WithLabelValues("order").Inc()
		default:
			report.OrdersSkipped++
		}
	}
	return nil
}

func (s *Service) sweepPayments(ctx context.Context, cutoff time.Time, report *Report) error {
	candidates, err := s.repo.FindStalePayments(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("ошибка поиска устаревших платежей: %w", err)
	}
	for _, c := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		deleted, err := s.repo.DeleteStalePayment(ctx, c.ID, cutoff)
		switch {
		case err != nil:
			report.Errors = append(report.Errors, fmt.Sprintf("платёж %s: %v", c.ID, err))
		case deleted:
			report.PaymentsDeleted++
			metrics.CleanupDeletedTotal.WithLabelValues("payment").Inc()
		default:
			report.PaymentsSkipped++
		}
	}
	return nil
}

func (s *Service) orderThreshold(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return s.cfg.OrderThreshold
}

func (s *Service) paymentThreshold(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return s.cfg.PaymentThreshold
}

package email

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/design-market/pkg/logger"
	"example.com/design-market/pkg/metrics"
	"example.com/design-market/services/market/internal/delivery"
	"example.com/design-market/services/market/internal/domain"
	"example.com/design-market/services/market/internal/guard"
	"example.com/design-market/services/market/internal/lifecycle"
	"example.com/design-market/services/market/internal/repository"
)

// Trigger — путь, по которому вызвана отправка.
type Trigger string

const (
	TriggerImmediate Trigger = "immediate"
	TriggerFallback  Trigger = "fallback"
	TriggerSweep     Trigger = "sweep"
	TriggerEvent     Trigger = "event"
	TriggerManual    Trigger = "manual"
)

// Result — итог EnsureSent.
type Result string

const (
	ResultSent        Result = "sent"
	ResultAlreadySent Result = "already_sent"
	ResultNotPaid     Result = "not_paid"
	ResultInFlight    Result = "in_flight"
	ResultFailed      Result = "failed"
)

// Config — настройки гарантии доставки письма.
type Config struct {
	InFlightTTL         time.Duration
	FallbackDelay       time.Duration
	FallbackMaxAttempts int
	JobPollInterval     time.Duration
	JobLease            time.Duration
	JobBatchSize        int
	SweepInterval       time.Duration
	SweepWindow         time.Duration
	SweepBatchSize      int
	SupportEmail        string
}

// Service — единственная точка отправки письма с заказом.
// Все пути (webhook, отложенная задача, sweep, событие Kafka, оператор) вызывают EnsureSent.
type Service struct {
	orders    repository.OrderRepository
	payments  repository.PaymentRepository
	jobs      repository.EmailJobRepository
	resolver  *delivery.Resolver
	guard     guard.Guard
	lifecycle *lifecycle.Service
	sender    Sender
	cfg       Config
}

// NewService создаёт Service.
func NewService(
	orders repository.OrderRepository,
	payments repository.PaymentRepository,
	jobs repository.EmailJobRepository,
	resolver *delivery.Resolver,
	g guard.Guard,
	lc *lifecycle.Service,
	sender Sender,
	cfg Config,
) *Service {
	if cfg.JobBatchSize <= 0 {
		cfg.JobBatchSize = 20
	}
	return &Service{
		orders:    orders,
		payments:  payments,
		jobs:      jobs,
		resolver:  resolver,
		guard:     g,
		lifecycle: lc,
		sender:    sender,
		cfg:       cfg,
	}
}

func inFlightKey(orderID string) string {
	return "email:inflight:" + orderID
}

// EnsureSent отправляет письмо с материалами, если заказ оплачен и письмо ещё не ушло.
// Ошибка транспорта оборачивает domain.ErrEmailTransport и не меняет состояние заказа.
func (s *Service) EnsureSent(ctx context.Context, orderID string, trigger Trigger) (Result, error) {
	log := logger.FromContext(ctx).With().
		Str("order_id", orderID).
		Str("trigger", string(trigger)).
		Logger()

	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return ResultFailed, err
	}

	if !order.IsPaid() {
		log.Debug().Msg("Заказ не оплачен, письмо не отправляется")
		metrics.EmailSendsTotal.WithLabelValues(string(trigger), "skipped").Inc()
		return ResultNotPaid, nil
	}
	if order.DeliveryEmailSent {
		s.completeDelivery(ctx, order)
		metrics.EmailSendsTotal.WithLabelValues(string(trigger), "skipped").Inc()
		return ResultAlreadySent, nil
	}

	key := inFlightKey(orderID)
	acquired, err := s.guard.CheckAndSet(ctx, key, s.cfg.InFlightTTL)
	if err != nil {
		// Redis недоступен: финальной проверкой остаётся флаг в БД.
		log.Warn().Err(err).Msg("Маркер отправки недоступен, продолжаем без него")
		acquired = true
	}
	if !acquired {
		log.Debug().Msg("Письмо уже отправляется другим обработчиком")
		metrics.EmailSendsTotal.WithLabelValues(string(trigger), "skipped").Inc()
		return ResultInFlight, nil
	}
	defer func() {
		if err := s.guard.Release(context.WithoutCancel(ctx), key); err != nil {
			log.Warn().Err(err).Msg("Не удалось снять маркер отправки")
		}
	}()

	if order.Contact.Email == "" {
		metrics.EmailSendsTotal.WithLabelValues(string(trigger), "failed").Inc()
		return ResultFailed, fmt.Errorf("%w: у заказа %s нет email", domain.ErrEmailTransport, orderID)
	}

	resolved, err := s.resolver.Resolve(ctx, order)
	if err != nil {
		metrics.EmailSendsTotal.WithLabelValues(string(trigger), "failed").Inc()
		return ResultFailed, err
	}

	data := NewOrderConfirmationData(order, resolved.Links, resolved.Placeholder, s.cfg.SupportEmail)
	msg, err := Render(TemplateOrderConfirmation, order.Contact.Email, data.Subject, data)
	if err != nil {
		metrics.EmailSendsTotal.WithLabelValues(string(trigger), "failed").Inc()
		return ResultFailed, fmt.Errorf("ошибка шаблона письма заказа %s: %w", orderID, err)
	}

	messageID, err := s.sender.Send(ctx, msg)
	if err != nil {
		log.Error().Err(err).Msg("Ошибка отправки письма с заказом")
		metrics.EmailSendsTotal.WithLabelValues(string(trigger), "failed").Inc()
		if !errors.Is(err, domain.ErrEmailTransport) {
			err = fmt.Errorf("%w: %v", domain.ErrEmailTransport, err)
		}
		return ResultFailed, err
	}

	now := s.lifecycle.Now()
	marked, err := s.orders.MarkEmailSent(ctx, orderID, now)
	if err != nil {
		// Письмо ушло, но флаг не записан: следующий проход может отправить повторно.
		log.Error().Err(err).Str("message_id", messageID).Msg("Письмо отправлено, но флаг не сохранён")
		metrics.EmailSendsTotal.WithLabelValues(string(trigger), "sent").Inc()
		return ResultSent, err
	}
	if !marked {
		log.Warn().Str("message_id", messageID).Msg("Флаг письма уже выставлен другим обработчиком")
		return ResultAlreadySent, nil
	}

	order.MarkEmailSent(now)
	s.completeDelivery(ctx, order)

	log.Info().
		Str("message_id", messageID).
		Int("links", len(resolved.Links)).
		Bool("placeholder", resolved.Placeholder).
		Msg("Письмо с заказом отправлено")
	metrics.EmailSendsTotal.WithLabelValues(string(trigger), "sent").Inc()
	return ResultSent, nil
}

// completeDelivery переводит заказ с отправленным письмом в delivered.
func (s *Service) completeDelivery(ctx context.Context, order *domain.Order) {
	if order.Status == domain.OrderStatusDelivered || order.Status == domain.OrderStatusCancelled {
		return
	}
	if _, err := s.lifecycle.MarkDelivered(ctx, order); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("order_id", order.ID).Msg("Не удалось перевести заказ в delivered")
	}
}

// Package lifecycle — единственное место, где меняются статусы заказов и платежей.
// Доменные методы проверяют допустимость перехода, хранилище применяет его
// условным UPDATE по ожидаемому исходному состоянию и пишет события outbox.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/design-market/pkg/logger"
	"example.com/design-market/pkg/outbox"
	"example.com/design-market/services/market/internal/domain"
	"example.com/design-market/services/market/internal/repository"
)

// maxNumberAttempts — попыток присвоить уникальный номер заказа.
const maxNumberAttempts = 5

// EventsConfig — публикация доменных событий через outbox.
type EventsConfig struct {
	Enabled bool
	Topic   string
}

// Service применяет переходы статусов.
type Service struct {
	payments repository.PaymentRepository
	orders   repository.OrderRepository
	store    repository.Store
	events   EventsConfig
	now      func() time.Time
	numbers  func(time.Time) (string, error)
}

// New создаёт сервис переходов.
func New(payments repository.PaymentRepository, orders repository.OrderRepository, store repository.Store, events EventsConfig) *Service {
	return &Service{
		payments: payments,
		orders:   orders,
		store:    store,
		events:   events,
		now:      func() time.Time { return time.Now().UTC() },
		numbers:  domain.GenerateOrderNumber,
	}
}

// Now возвращает текущее время сервиса (UTC).
func (s *Service) Now() time.Time {
	return s.now()
}

// ApprovePayment фиксирует одобрение оплаты покупателем (pending -> processing).
func (s *Service) ApprovePayment(ctx context.Context, p *domain.Payment, payerEmail string) (bool, error) {
	expected := p.Status
	changed, err := p.MarkApproved(payerEmail, s.now())
	if err != nil || !changed {
		return false, err
	}
	if err := s.payments.SaveTransition(ctx, p, expected); err != nil {
		return false, fmt.Errorf("ошибка сохранения одобрения платежа %s: %w", p.ID, err)
	}

	logger.Ctx(ctx).Info().
		Str("payment_id", p.ID).
		Msg("Оплата одобрена покупателем")
	return true, nil
}

// MarkPaymentProcessing переводит платёж pending -> processing.
func (s *Service) MarkPaymentProcessing(ctx context.Context, p *domain.Payment) (bool, error) {
	expected := p.Status
	changed, err := p.MarkProcessing(s.now())
	if err != nil || !changed {
		return false, err
	}
	if err := s.payments.SaveTransition(ctx, p, expected); err != nil {
		return false, fmt.Errorf("ошибка перевода платежа %s в processing: %w", p.ID, err)
	}
	return true, nil
}

// ConfirmCapture переводит платёж в succeeded и ставит маркер webhookConfirmed.
// Повторное подтверждение возвращает false без записи.
func (s *Service) ConfirmCapture(ctx context.Context, p *domain.Payment, captureID string, captured int64, eventID string) (bool, error) {
	expected := p.Status
	changed, err := p.ConfirmCapture(captureID, captured, eventID, s.now())
	if err != nil || !changed {
		return false, err
	}
	if err := s.payments.SaveTransition(ctx, p, expected); err != nil {
		return false, fmt.Errorf("ошибка подтверждения списания платежа %s: %w", p.ID, err)
	}

	logger.Ctx(ctx).Info().
		Str("payment_id", p.ID).
		Int64("captured", captured).
		Msg("Списание подтверждено webhook")
	return true, nil
}

// MarkOrderPaid переводит существующий заказ в in_progress/paid и присваивает номер.
// Коллизия номера повторяется с новым суффиксом. Для оплаченного заказа - no-op.
func (s *Service) MarkOrderPaid(ctx context.Context, order *domain.Order, paymentID string) (bool, error) {
	if order.IsPaid() {
		return false, nil
	}
	expected := order.State()

	var lastErr error
	for attempt := 0; attempt < maxNumberAttempts; attempt++ {
		now := s.now()
		number, err := s.numbers(now)
		if err != nil {
			return false, err
		}

		candidate := *order
		if _, err := candidate.MarkPaid(number, paymentID, now); err != nil {
			return false, err
		}
		events, err := s.orderEvents(ctx, &candidate, domain.EventOrderPaid, now)
		if err != nil {
			return false, err
		}

		err = s.store.Apply(ctx, repository.Change{
			Order:         &candidate,
			ExpectedOrder: expected,
			Events:        events,
		})
		if errors.Is(err, domain.ErrDuplicateOrderNumber) {
			lastErr = err
			continue
		}
		if err != nil {
			return false, fmt.Errorf("ошибка отметки оплаты заказа %s: %w", order.ID, err)
		}

		*order = candidate
		logger.Ctx(ctx).Info().
			Str("order_id", order.ID).
			Str("order_number", number).
			Str("payment_id", paymentID).
			Msg("Заказ оплачен")
		return true, nil
	}
	return false, fmt.Errorf("не удалось присвоить номер заказу %s: %w", order.ID, lastErr)
}

// MaterializePaid сохраняет новый заказ сразу оплаченным и привязывает платёж.
// Возвращает итоговый заказ и true, если заказ создан этим вызовом.
func (s *Service) MaterializePaid(ctx context.Context, order *domain.Order, payment *domain.Payment) (*domain.Order, bool, error) {
	var lastErr error
	for attempt := 0; attempt < maxNumberAttempts; attempt++ {
		now := s.now()
		number, err := s.numbers(now)
		if err != nil {
			return nil, false, err
		}

		candidate := *order
		if _, err := candidate.MarkPaid(number, payment.ID, now); err != nil {
			return nil, false, err
		}
		events, err := s.orderEvents(ctx, &candidate, domain.EventOrderPaid, now)
		if err != nil {
			return nil, false, err
		}

		result, created, err := s.store.Materialize(ctx, &candidate, payment, events...)
		if errors.Is(err, domain.ErrDuplicateOrderNumber) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("ошибка материализации заказа для платежа %s: %w", payment.ID, err)
		}
		if created {
			*order = candidate
		}
		return result, created, nil
	}
	return nil, false, fmt.Errorf("не удалось присвоить номер заказу для платежа %s: %w", payment.ID, lastErr)
}

// FailPayment отклоняет платёж и возвращает неоплаченный заказ в pending/failed.
// order может быть nil (временный заказ ещё не сохранён).
func (s *Service) FailPayment(ctx context.Context, p *domain.Payment, reason string, order *domain.Order) (bool, error) {
	now := s.now()
	expectedPayment := p.Status
	changed, err := p.Fail(reason, now)
	if err != nil || !changed {
		return false, err
	}

	change := repository.Change{Payment: p, ExpectedPayment: expectedPayment}

	if order != nil {
		expectedOrder := order.State()
		orderChanged, err := order.MarkPaymentFailed(now)
		if err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			return false, err
		}
		if orderChanged {
			change.Order = order
			change.ExpectedOrder = expectedOrder
		}
	}

	events, err := s.paymentEvents(ctx, p, domain.EventPaymentFailed, now)
	if err != nil {
		return false, err
	}
	change.Events = events

	if err := s.store.Apply(ctx, change); err != nil {
		return false, fmt.Errorf("ошибка отклонения платежа %s: %w", p.ID, err)
	}

	logger.Ctx(ctx).Warn().
		Str("payment_id", p.ID).
		Str("reason", reason).
		Msg("Платёж отклонён провайдером")
	return true, nil
}

// MarkDelivered переводит оплаченный заказ в delivered после отправки письма.
func (s *Service) MarkDelivered(ctx context.Context, order *domain.Order) (bool, error) {
	now := s.now()
	expected := order.State()
	changed, err := order.MarkDelivered(now)
	if err != nil || !changed {
		return false, err
	}

	events, err := s.orderEvents(ctx, order, domain.EventOrderDelivered, now)
	if err != nil {
		return false, err
	}
	if err := s.orders.SaveTransition(ctx, order, expected, events...); err != nil {
		return false, fmt.Errorf("ошибка перевода заказа %s в delivered: %w", order.ID, err)
	}
	return true, nil
}

// CancelOrder отменяет заказ. Списанный платёж переводится в refunded
// (возврат у провайдера уже выполнен вызывающим), открытая сессия - в cancelled,
// чтобы позднее списание по ней не подтвердило отменённый заказ.
// payment может быть nil.
func (s *Service) CancelOrder(ctx context.Context, order *domain.Order, reason string, payment *domain.Payment, refunded int64) error {
	now := s.now()
	expectedOrder := order.State()
	if err := order.Cancel(reason, now); err != nil {
		return err
	}

	change := repository.Change{Order: order, ExpectedOrder: expectedOrder}

	orderEvents, err := s.orderEvents(ctx, order, domain.EventOrderCancelled, now)
	if err != nil {
		return err
	}
	change.Events = append(change.Events, orderEvents...)

	if payment != nil {
		expectedPayment := payment.Status
		switch {
		case payment.Status == domain.PaymentStatusSucceeded:
			if err := payment.Refund(refunded, now); err != nil {
				return err
			}
			// Списание могло пройти до привязки к заказу.
			order.PaymentStatus = domain.OrderPaymentRefunded
			change.Payment = payment
			change.ExpectedPayment = expectedPayment
			paymentEvents, err := s.paymentEvents(ctx, payment, domain.EventPaymentRefunded, now)
			if err != nil {
				return err
			}
			change.Events = append(change.Events, paymentEvents...)
		case !payment.Status.IsTerminal() && payment.Status != domain.PaymentStatusSucceeded:
			if _, err := payment.Cancel(reason, now); err != nil {
				return err
			}
			change.Payment = payment
			change.ExpectedPayment = expectedPayment
		}
	}

	if err := s.store.Apply(ctx, change); err != nil {
		return fmt.Errorf("ошибка отмены заказа %s: %w", order.ID, err)
	}

	logger.Ctx(ctx).Info().
		Str("order_id", order.ID).
		Str("payment_status", string(order.PaymentStatus)).
		Msg("Заказ отменён")
	return nil
}

// RefundPayment переводит подтверждённый платёж в refunded после возврата у провайдера.
// Заказ не трогается.
func (s *Service) RefundPayment(ctx context.Context, p *domain.Payment, refunded int64) error {
	now := s.now()
	expected := p.Status
	if err := p.Refund(refunded, now); err != nil {
		return err
	}
	events, err := s.paymentEvents(ctx, p, domain.EventPaymentRefunded, now)
	if err != nil {
		return err
	}
	if err := s.payments.SaveTransition(ctx, p, expected, events...); err != nil {
		return fmt.Errorf("ошибка возврата платежа %s: %w", p.ID, err)
	}
	return nil
}

// RecordRefundedCapture сохраняет списание по отменённому или отклонённому платежу
// вместе с его возвратом. Статус платежа остаётся прежним.
func (s *Service) RecordRefundedCapture(ctx context.Context, p *domain.Payment, captureID string, captured, refunded int64) (bool, error) {
	now := s.now()
	expected := p.Status
	changed, err := p.RecordRefundedCapture(captureID, captured, refunded, now)
	if err != nil || !changed {
		return false, err
	}
	events, err := s.paymentEvents(ctx, p, domain.EventPaymentRefunded, now)
	if err != nil {
		return false, err
	}
	if err := s.payments.SaveTransition(ctx, p, expected, events...); err != nil {
		return false, fmt.Errorf("ошибка записи возврата платежа %s: %w", p.ID, err)
	}
	return true, nil
}

// AdvanceStatus выполняет административный переход статуса выполнения заказа.
func (s *Service) AdvanceStatus(ctx context.Context, order *domain.Order, target domain.OrderStatus) error {
	if target == domain.OrderStatusDelivered {
		changed, err := s.MarkDelivered(ctx, order)
		if err == nil && !changed {
			return domain.ErrInvalidTransition
		}
		return err
	}

	now := s.now()
	expected := order.State()

	var err error
	switch target {
	case domain.OrderStatusConfirmed:
		err = order.Confirm(now)
	case domain.OrderStatusCompleted:
		err = order.Complete(now)
	default:
		err = domain.ErrInvalidTransition
	}
	if err != nil {
		return err
	}

	events, err := s.orderEvents(ctx, order, domain.EventOrderStatus, now)
	if err != nil {
		return err
	}
	if err := s.orders.SaveTransition(ctx, order, expected, events...); err != nil {
		return fmt.Errorf("ошибка смены статуса заказа %s: %w", order.ID, err)
	}
	return nil
}

func (s *Service) orderEvents(ctx context.Context, o *domain.Order, eventType string, now time.Time) ([]*outbox.Outbox, error) {
	if !s.events.Enabled {
		return nil, nil
	}
	ev, err := outbox.NewEvent(ctx, s.events.Topic, outbox.AggregateOrder, o.ID, eventType, o.ID, domain.NewOrderEvent(o, now))
	if err != nil {
		return nil, err
	}
	return []*outbox.Outbox{ev}, nil
}

func (s *Service) paymentEvents(ctx context.Context, p *domain.Payment, eventType string, now time.Time) ([]*outbox.Outbox, error) {
	if !s.events.Enabled {
		return nil, nil
	}
	key := p.ID
	if p.OrderID != nil {
		key = *p.OrderID
	}
	ev, err := outbox.NewEvent(ctx, s.events.Topic, outbox.AggregatePayment, p.ID, eventType, key, domain.NewPaymentEvent(p, now))
	if err != nil {
		return nil, err
	}
	return []*outbox.Outbox{ev}, nil
}

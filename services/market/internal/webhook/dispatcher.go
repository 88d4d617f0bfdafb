package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"example.com/design-market/pkg/logger"
	"example.com/design-market/pkg/metrics"
	"example.com/design-market/services/market/internal/domain"
	"example.com/design-market/services/market/internal/email"
	"example.com/design-market/services/market/internal/lifecycle"
	"example.com/design-market/services/market/internal/provider"
	"example.com/design-market/services/market/internal/repository"
)

// Типы событий провайдера.
const (
	EventOrderApproved    = "CHECKOUT.ORDER.APPROVED"
	EventOrderProcessed   = "CHECKOUT.ORDER.PROCESSED"
	EventCaptureCompleted = "PAYMENT.CAPTURE.COMPLETED"
	EventCaptureDenied    = "PAYMENT.CAPTURE.DENIED"
)

// Event — конверт уведомления провайдера.
type Event struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	ResourceType string          `json:"resource_type"`
	Summary      string          `json:"summary"`
	Resource     json.RawMessage `json:"resource"`
}

// orderResource — ресурс событий CHECKOUT.ORDER.*.
type orderResource struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Payer  struct {
		EmailAddress string `json:"email_address"`
	} `json:"payer"`
}

// captureResource — ресурс событий PAYMENT.CAPTURE.*.
type captureResource struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount struct {
		CurrencyCode string `json:"currency_code"`
		Value        string `json:"value"`
	} `json:"amount"`
	StatusDetails struct {
		Reason string `json:"reason"`
	} `json:"status_details"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

// Materializer создаёт постоянный заказ из временного контекста платежа.
type Materializer interface {
	Materialize(ctx context.Context, payment *domain.Payment) (*domain.Order, error)
}

// Mailer — единая точка отправки письма с заказом.
type Mailer interface {
	EnsureSent(ctx context.Context, orderID string, trigger email.Trigger) (email.Result, error)
}

// Dispatcher проверяет уведомление, ведёт журнал и применяет событие.
type Dispatcher struct {
	verifier     *Verifier
	events       repository.WebhookEventRepository
	payments     repository.PaymentRepository
	orders       repository.OrderRepository
	lifecycle    *lifecycle.Service
	materializer Materializer
	provider     provider.Client
	mailer       Mailer
}

// NewDispatcher создаёт Dispatcher.
func NewDispatcher(
	verifier *Verifier,
	events repository.WebhookEventRepository,
	payments repository.PaymentRepository,
	orders repository.OrderRepository,
	lc *lifecycle.Service,
	materializer Materializer,
	client provider.Client,
	mailer Mailer,
) *Dispatcher {
	return &Dispatcher{
		verifier:     verifier,
		events:       events,
		payments:     payments,
		orders:       orders,
		lifecycle:    lc,
		materializer: materializer,
		provider:     client,
		mailer:       mailer,
	}
}

// Handle обрабатывает одно уведомление.
// domain.ErrVerificationFailed означает 401, domain.ErrInvalidWebhookPayload - 400,
// прочие ошибки - 500 (провайдер повторит доставку).
func (d *Dispatcher) Handle(ctx context.Context, h Headers, body []byte) (domain.WebhookResult, error) {
	log := logger.FromContext(ctx)

	var ev Event
	parseErr := json.Unmarshal(body, &ev)

	if err := d.verifier.Verify(ctx, h, body); err != nil {
		if !errors.Is(err, domain.ErrVerificationFailed) {
			log.Error().Err(err).Msg("Не удалось проверить подпись webhook")
			metrics.WebhookEventsTotal.WithLabelValues(eventLabel(ev.EventType), string(domain.WebhookResultFailed)).Inc()
			return domain.WebhookResultFailed, err
		}

		msg := err.Error()
		rejected := &domain.WebhookEvent{
			Provider:       domain.ProviderPayPal,
			EventType:      ev.EventType,
			ResourceID:     resourceID(ev),
			SignatureValid: false,
			Error:          &msg,
			Payload:        body,
			CreatedAt:      d.lifecycle.Now(),
		}
		if recErr := d.events.RecordRejected(ctx, rejected); recErr != nil {
			log.Error().Err(recErr).Msg("Не удалось записать отклонённый webhook")
		}
		log.Warn().Err(err).Str("transmission_id", h.TransmissionID).Msg("Webhook отклонён")
		metrics.WebhookEventsTotal.WithLabelValues(eventLabel(ev.EventType), string(domain.WebhookResultRejected)).Inc()
		return domain.WebhookResultRejected, err
	}

	if parseErr != nil || ev.ID == "" || ev.EventType == "" {
		log.Warn().Err(parseErr).Msg("Некорректное тело webhook")
		metrics.WebhookEventsTotal.WithLabelValues(eventLabel(ev.EventType), string(domain.WebhookResultFailed)).Inc()
		return domain.WebhookResultFailed, domain.ErrInvalidWebhookPayload
	}

	record, created, err := d.events.Begin(ctx, &domain.WebhookEvent{
		Provider:       domain.ProviderPayPal,
		EventID:        ev.ID,
		EventType:      ev.EventType,
		ResourceID:     resourceID(ev),
		SignatureValid: true,
		Payload:        body,
		CreatedAt:      d.lifecycle.Now(),
	})
	if err != nil {
		return domain.WebhookResultFailed, fmt.Errorf("ошибка записи webhook %s: %w", ev.ID, err)
	}
	// Событие, уже обработанное до конца, не применяется повторно.
	// Незавершённое или упавшее - применяется заново: обработчики идут от состояния.
	if !created && record.ProcessedAt != nil && record.Result != domain.WebhookResultFailed {
		log.Info().Str("event_id", ev.ID).Msg("Повторная доставка webhook")
		metrics.WebhookEventsTotal.WithLabelValues(eventLabel(ev.EventType), string(domain.WebhookResultDuplicate)).Inc()
		return domain.WebhookResultDuplicate, nil
	}

	ctx = logger.WithLogger(ctx, log.With().Str("event_id", ev.ID).Str("event_type", ev.EventType).Logger())

	result, err := d.dispatch(ctx, ev)

	var errMsg *string
	if err != nil {
		msg := err.Error()
		errMsg = &msg
		if errors.Is(err, domain.ErrInvalidTransition) {
			// Повтор не поможет: событие противоречит состоянию платежа.
			logger.Ctx(ctx).Error().Err(err).Msg("Webhook противоречит состоянию платежа")
			result, err = domain.WebhookResultIgnored, nil
		} else {
			result = domain.WebhookResultFailed
		}
	}

	if finErr := d.events.Finish(ctx, record.ID, result, errMsg, d.lifecycle.Now()); finErr != nil {
		logger.Ctx(ctx).Error().Err(finErr).Msg("Не удалось завершить запись webhook")
	}
	metrics.WebhookEventsTotal.WithLabelValues(eventLabel(ev.EventType), string(result)).Inc()

	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Ошибка обработки webhook")
		return result, err
	}
	return result, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, ev Event) (domain.WebhookResult, error) {
	switch ev.EventType {
	case EventOrderApproved:
		var res orderResource
		if err := json.Unmarshal(ev.Resource, &res); err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrInvalidWebhookPayload, err)
		}
		return d.onApproved(ctx, res)
	case EventOrderProcessed:
		var res orderResource
		if err := json.Unmarshal(ev.Resource, &res); err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrInvalidWebhookPayload, err)
		}
		return d.onProcessed(ctx, res)
	case EventCaptureCompleted:
		var res captureResource
		if err := json.Unmarshal(ev.Resource, &res); err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrInvalidWebhookPayload, err)
		}
		return d.onCaptureCompleted(ctx, ev.ID, res)
	case EventCaptureDenied:
		var res captureResource
		if err := json.Unmarshal(ev.Resource, &res); err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrInvalidWebhookPayload, err)
		}
		return d.onCaptureDenied(ctx, res)
	default:
		logger.Ctx(ctx).Debug().Msg("Тип webhook не обрабатывается")
		return domain.WebhookResultIgnored, nil
	}
}

// onApproved: покупатель одобрил оплату. Списание запрашивается сразу,
// но платёж станет succeeded только по PAYMENT.CAPTURE.COMPLETED.
func (d *Dispatcher) onApproved(ctx context.Context, res orderResource) (domain.WebhookResult, error) {
	p, err := d.payments.GetByProviderPaymentID(ctx, res.ID)
	if errors.Is(err, domain.ErrPaymentNotFound) {
		logger.Ctx(ctx).Warn().Str("provider_payment_id", res.ID).Msg("Платёж для webhook не найден")
		return domain.WebhookResultNotFound, nil
	}
	if err != nil {
		return "", err
	}

	if _, err := d.lifecycle.ApprovePayment(ctx, p, res.Payer.EmailAddress); err != nil {
		return "", err
	}

	if p.Status == domain.PaymentStatusProcessing {
		if _, err := d.provider.CaptureOrder(ctx, res.ID, p.ID); err != nil {
			logger.Ctx(ctx).Warn().Err(err).
				Str("payment_id", p.ID).
				Msg("Списание не выполнено, ждём повторного события")
		}
	}
	return domain.WebhookResultProcessed, nil
}

func (d *Dispatcher) onProcessed(ctx context.Context, res orderResource) (domain.WebhookResult, error) {
	p, err := d.payments.GetByProviderPaymentID(ctx, res.ID)
	if errors.Is(err, domain.ErrPaymentNotFound) {
		return domain.WebhookResultNotFound, nil
	}
	if err != nil {
		return "", err
	}
	if _, err := d.lifecycle.MarkPaymentProcessing(ctx, p); err != nil {
		return "", err
	}
	return domain.WebhookResultProcessed, nil
}

// onCaptureCompleted подтверждает списание и доводит заказ до оплаченного.
// Работает от состояния: повторная доставка после сбоя продолжает материализацию.
func (d *Dispatcher) onCaptureCompleted(ctx context.Context, eventID string, res captureResource) (domain.WebhookResult, error) {
	remoteID := res.SupplementaryData.RelatedIDs.OrderID
	if remoteID == "" {
		return "", fmt.Errorf("%w: нет related_ids.order_id", domain.ErrInvalidWebhookPayload)
	}

	p, err := d.payments.GetByProviderPaymentID(ctx, remoteID)
	if errors.Is(err, domain.ErrPaymentNotFound) {
		logger.Ctx(ctx).Warn().Str("provider_payment_id", remoteID).Msg("Платёж для списания не найден")
		return domain.WebhookResultNotFound, nil
	}
	if err != nil {
		return "", err
	}

	captured, err := provider.ParseAmount(res.Amount.Value)
	if err != nil {
		return "", fmt.Errorf("%w: сумма списания: %v", domain.ErrInvalidWebhookPayload, err)
	}
	if captured != p.Amount {
		logger.Ctx(ctx).Warn().
			Str("payment_id", p.ID).
			Int64("amount", p.Amount).
			Int64("captured", captured).
			Msg("Сумма списания отличается от суммы платежа")
	}

	if p.Status == domain.PaymentStatusCancelled || p.Status == domain.PaymentStatusFailed {
		// Сессия закрыта (заказ отменён), а покупатель всё же оплатил.
		return d.refundOrphanCapture(ctx, p, res.ID, captured)
	}

	if _, err := d.lifecycle.ConfirmCapture(ctx, p, res.ID, captured, eventID); err != nil {
		return "", err
	}
	if p.Status != domain.PaymentStatusSucceeded {
		// refunded: заказ уже прошёл свой путь.
		return domain.WebhookResultProcessed, nil
	}

	order, err := d.fulfil(ctx, p)
	if errors.Is(err, errOrderCancelled) {
		return d.refundOrphanCapture(ctx, p, res.ID, captured)
	}
	if err != nil {
		return "", err
	}

	if _, err := d.mailer.EnsureSent(ctx, order.ID, email.TriggerImmediate); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("order_id", order.ID).Msg("Письмо не отправлено, сработает резервный путь")
	}
	return domain.WebhookResultProcessed, nil
}

// fulfil возвращает оплаченный заказ подтверждённого платежа.
func (d *Dispatcher) fulfil(ctx context.Context, p *domain.Payment) (*domain.Order, error) {
	if p.OrderID == nil {
		if _, ok := p.TemporaryContext(); !ok {
			return nil, fmt.Errorf("платёж %s: %w", p.ID, domain.ErrInvalidCheckoutContext)
		}
		return d.materializer.Materialize(ctx, p)
	}

	order, err := d.orders.GetByID(ctx, *p.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Status == domain.OrderStatusCancelled {
		return nil, fmt.Errorf("заказ %s: %w", order.ID, errOrderCancelled)
	}
	_, err = d.lifecycle.MarkOrderPaid(ctx, order, p.ID)
	if errors.Is(err, domain.ErrConcurrentUpdate) {
		order, err = d.orders.GetByID(ctx, *p.OrderID)
		if err != nil {
			return nil, err
		}
		if !order.IsPaid() {
			return nil, domain.ErrConcurrentUpdate
		}
		return order, nil
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

// errOrderCancelled — списание пришло по уже отменённому заказу.
var errOrderCancelled = errors.New("заказ отменён")

// refundOrphanCapture возвращает покупателю списание, для которого нет оплачиваемого
// заказа. Ключ идемпотентности совпадает с административным возвратом, поэтому
// повторная доставка события не вернёт деньги дважды. Ошибка возврата - 500:
// провайдер повторит событие.
func (d *Dispatcher) refundOrphanCapture(ctx context.Context, p *domain.Payment, captureID string, captured int64) (domain.WebhookResult, error) {
	log := logger.Ctx(ctx).With().
		Str("payment_id", p.ID).
		Str("capture_id", captureID).
		Str("payment_status", string(p.Status)).
		Logger()

	if p.RefundedAt != nil {
		return domain.WebhookResultProcessed, nil
	}

	refund, err := d.provider.RefundCapture(ctx, captureID, captured, p.Currency, "refund-"+p.ID)
	if err != nil {
		metrics.OrphanCapturesTotal.WithLabelValues("refund_failed").Inc()
		log.Error().Err(err).Int64("captured", captured).Msg("Не удалось вернуть списание без оплачиваемого заказа")
		return "", fmt.Errorf("ошибка возврата списания %s: %w", captureID, err)
	}
	refunded := captured
	if refund.Amount > 0 {
		refunded = refund.Amount
	}

	if p.Status == domain.PaymentStatusSucceeded {
		err = d.lifecycle.RefundPayment(ctx, p, refunded)
	} else {
		_, err = d.lifecycle.RecordRefundedCapture(ctx, p, captureID, captured, refunded)
	}
	if err != nil {
		return "", err
	}

	metrics.OrphanCapturesTotal.WithLabelValues("refunded").Inc()
	log.Warn().
		Str("refund_id", refund.ID).
		Int64("refunded", refunded).
		Msg("Списание без оплачиваемого заказа возвращено покупателю")
	return domain.WebhookResultProcessed, nil
}

func (d *Dispatcher) onCaptureDenied(ctx context.Context, res captureResource) (domain.WebhookResult, error) {
	remoteID := res.SupplementaryData.RelatedIDs.OrderID
	if remoteID == "" {
		return "", fmt.Errorf("%w: нет related_ids.order_id", domain.ErrInvalidWebhookPayload)
	}

	p, err := d.payments.GetByProviderPaymentID(ctx, remoteID)
	if errors.Is(err, domain.ErrPaymentNotFound) {
		return domain.WebhookResultNotFound, nil
	}
	if err != nil {
		return "", err
	}

	if p.Status == domain.PaymentStatusSucceeded || p.Status == domain.PaymentStatusRefunded {
		logger.Ctx(ctx).Warn().Str("payment_id", p.ID).Msg("Отказ в списании после подтверждения проигнорирован")
		return domain.WebhookResultIgnored, nil
	}

	var order *domain.Order
	if p.OrderID != nil {
		order, err = d.orders.GetByID(ctx, *p.OrderID)
		if err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
			return "", err
		}
	}

	reason := "списание отклонено провайдером"
	if res.StatusDetails.Reason != "" {
		reason += ": " + res.StatusDetails.Reason
	}
	if _, err := d.lifecycle.FailPayment(ctx, p, reason, order); err != nil {
		return "", err
	}
	return domain.WebhookResultProcessed, nil
}

// resourceID извлекает id ресурса для журнала без полной проверки формата.
func resourceID(ev Event) string {
	var r struct {
		ID string `json:"id"`
	}
	if len(ev.Resource) == 0 || json.Unmarshal(ev.Resource, &r) != nil {
		return ""
	}
	return r.ID
}

// eventLabel ограничивает кардинальность метки для непроверенных запросов.
func eventLabel(eventType string) string {
	switch eventType {
	case EventOrderApproved, EventOrderProcessed, EventCaptureCompleted, EventCaptureDenied:
		return eventType
	}
	return "other"
}

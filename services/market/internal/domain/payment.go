package domain

import (
	"time"
)

// ProviderPayPal — имя платёжного провайдера.
const ProviderPayPal = "paypal"

// PaymentStatus — статус платежа.
type PaymentStatus string

const (
	// PaymentStatusPending — удалённый заказ у провайдера создан, покупатель ещё не оплатил.
	PaymentStatusPending PaymentStatus = "pending"

	// PaymentStatusProcessing — покупатель одобрил оплату, ожидаем списание.
	PaymentStatusProcessing PaymentStatus = "processing"

	// PaymentStatusSucceeded — списание подтверждено проверенным webhook.
	PaymentStatusSucceeded PaymentStatus = "succeeded"

	// PaymentStatusFailed — провайдер отклонил списание.
	PaymentStatusFailed PaymentStatus = "failed"

	// PaymentStatusCancelled — платёж отменён до списания.
	PaymentStatusCancelled PaymentStatus = "cancelled"

	// PaymentStatusRefunded — средства возвращены покупателю.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// IsTerminal возвращает true, если платёж в финальном состоянии.
// succeeded не терминальный — из него возможен переход в refunded.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusFailed || s == PaymentStatusCancelled || s == PaymentStatusRefunded
}

// paymentTransitions определяет допустимые переходы статуса платежа.
var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:    {PaymentStatusProcessing, PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusCancelled},
	PaymentStatusProcessing: {PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusCancelled},
	PaymentStatusSucceeded:  {PaymentStatusRefunded},
}

// PaymentMarkers — явные признаки подтверждения платежа.
// WebhookConfirmed выставляется только диспетчером проверенных webhook.
type PaymentMarkers struct {
	WebhookConfirmed        bool
	WebhookConfirmedAt      *time.Time
	WebhookEventID          *string
	ApprovedByWebhook       bool
	ReturnedFromProvider    bool
	ReturnedAt              *time.Time
	MaterializationFallback bool
}

// Payment — попытка оплаты заказа (или ещё не сохранённого временного заказа).
type Payment struct {
	ID                string
	OrderID           *string // nil до материализации временного заказа
	UserID            *string
	Provider          string
	ProviderPaymentID string // ID удалённого заказа у провайдера (sessionId)
	CaptureID         *string
	Amount            int64
	CapturedAmount    *int64
	Currency          string
	PayerEmail        *string
	ApprovalURL       string
	Status            PaymentStatus
	Context           CheckoutContext
	Markers           PaymentMarkers
	FailureReason     *string
	RefundAmount      *int64
	RefundedAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CanTransitionTo проверяет, допустим ли переход статуса.
func (p *Payment) CanTransitionTo(next PaymentStatus) bool {
	for _, s := range paymentTransitions[p.Status] {
		if s == next {
			return true
		}
	}
	return false
}

// IsConfirmed возвращает true, если списание подтверждено проверенным webhook.
func (p *Payment) IsConfirmed() bool {
	return p.Status == PaymentStatusSucceeded && p.Markers.WebhookConfirmed
}

// TemporaryContext возвращает контекст временного заказа, если он есть.
func (p *Payment) TemporaryContext() (*TemporaryOrderContext, bool) {
	c, ok := p.Context.(*TemporaryOrderContext)
	return c, ok
}

// MarkApproved фиксирует одобрение оплаты покупателем (webhook order approved).
// Повторное одобрение и одобрение после списания ничего не меняют.
func (p *Payment) MarkApproved(payerEmail string, now time.Time) (bool, error) {
	if p.Status == PaymentStatusProcessing && p.Markers.ApprovedByWebhook {
		return false, nil
	}
	if p.Status == PaymentStatusSucceeded || p.Status == PaymentStatusRefunded {
		return false, nil
	}
	if p.Status != PaymentStatusProcessing && !p.CanTransitionTo(PaymentStatusProcessing) {
		return false, ErrInvalidTransition
	}

	p.Status = PaymentStatusProcessing
	p.Markers.ApprovedByWebhook = true
	if payerEmail != "" {
		p.PayerEmail = &payerEmail
	}
	p.UpdatedAt = now
	return true, nil
}

// MarkProcessing переводит платёж pending -> processing.
func (p *Payment) MarkProcessing(now time.Time) (bool, error) {
	if p.Status != PaymentStatusPending {
		if p.Status.IsTerminal() {
			return false, ErrInvalidTransition
		}
		return false, nil
	}
	p.Status = PaymentStatusProcessing
	p.UpdatedAt = now
	return true, nil
}

// ConfirmCapture переводит платёж в succeeded по проверенному webhook о списании.
// Повторная доставка того же события возвращает false.
func (p *Payment) ConfirmCapture(captureID string, captured int64, eventID string, now time.Time) (bool, error) {
	if p.Status == PaymentStatusSucceeded || p.Status == PaymentStatusRefunded {
		return false, nil
	}
	if !p.CanTransitionTo(PaymentStatusSucceeded) {
		return false, ErrInvalidTransition
	}

	p.Status = PaymentStatusSucceeded
	if captureID != "" {
		p.CaptureID = &captureID
	}
	p.CapturedAmount = &captured
	p.Markers.WebhookConfirmed = true
	p.Markers.WebhookConfirmedAt = &now
	if eventID != "" {
		p.Markers.WebhookEventID = &eventID
	}
	p.UpdatedAt = now
	return true, nil
}

// Fail помечает платёж отклонённым. Списанный платёж отклонить нельзя.
func (p *Payment) Fail(reason string, now time.Time) (bool, error) {
	if p.Status == PaymentStatusFailed {
		return false, nil
	}
	if !p.CanTransitionTo(PaymentStatusFailed) {
		return false, ErrInvalidTransition
	}
	p.Status = PaymentStatusFailed
	if reason != "" {
		p.FailureReason = &reason
	}
	p.UpdatedAt = now
	return true, nil
}

// Cancel отменяет платёж до списания.
func (p *Payment) Cancel(reason string, now time.Time) (bool, error) {
	if p.Status == PaymentStatusCancelled {
		return false, nil
	}
	if !p.CanTransitionTo(PaymentStatusCancelled) {
		return false, ErrInvalidTransition
	}
	p.Status = PaymentStatusCancelled
	if reason != "" {
		p.FailureReason = &reason
	}
	p.UpdatedAt = now
	return true, nil
}

// Refund фиксирует возврат списанных средств.
func (p *Payment) Refund(amount int64, now time.Time) error {
	if !p.CanTransitionTo(PaymentStatusRefunded) {
		return ErrInvalidTransition
	}
	p.Status = PaymentStatusRefunded
	p.RefundAmount = &amount
	p.RefundedAt = &now
	p.UpdatedAt = now
	return nil
}

// RecordRefundedCapture фиксирует списание, пришедшее после отмены или отказа,
// и его возврат покупателю. Статус платежа не меняется.
// Повторный вызов возвращает false.
func (p *Payment) RecordRefundedCapture(captureID string, captured, refunded int64, now time.Time) (bool, error) {
	if p.Status != PaymentStatusCancelled && p.Status != PaymentStatusFailed {
		return false, ErrInvalidTransition
	}
	if p.RefundedAt != nil {
		return false, nil
	}
	p.CaptureID = &captureID
	p.CapturedAmount = &captured
	p.RefundAmount = &refunded
	p.RefundedAt = &now
	p.UpdatedAt = now
	return true, nil
}

// MarkReturned фиксирует возврат покупателя со страницы провайдера.
// Статус платежа при этом не меняется.
func (p *Payment) MarkReturned(now time.Time) bool {
	if p.Markers.ReturnedFromProvider {
		return false
	}
	p.Markers.ReturnedFromProvider = true
	p.Markers.ReturnedAt = &now
	p.UpdatedAt = now
	return true
}

// LinkOrder связывает платёж с постоянным заказом.
func (p *Payment) LinkOrder(orderID string, now time.Time) {
	p.OrderID = &orderID
	p.Context = &PermanentOrderContext{OrderID: orderID}
	p.UpdatedAt = now
}

package domain

import "time"

// Типы доменных событий, публикуемых через outbox.
const (
	EventOrderPaid       = "order.paid"
	EventOrderDelivered  = "order.delivered"
	EventOrderCancelled  = "order.cancelled"
	EventOrderStatus     = "order.status_changed"
	EventPaymentFailed   = "payment.failed"
	EventPaymentRefunded = "payment.refunded"
)

// OrderEvent — payload событий заказа.
type OrderEvent struct {
	OrderID       string    `json:"order_id"`
	OrderNumber   string    `json:"order_number,omitempty"`
	PaymentID     string    `json:"payment_id,omitempty"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"payment_status"`
	Total         int64     `json:"total"`
	Currency      string    `json:"currency"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// NewOrderEvent собирает payload из текущего состояния заказа.
func NewOrderEvent(o *Order, now time.Time) OrderEvent {
	e := OrderEvent{
		OrderID:       o.ID,
		OrderNumber:   o.PublicOrderNumber(),
		Status:        string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
		Total:         o.Total,
		Currency:      o.Currency,
		OccurredAt:    now,
	}
	if o.PaymentID != nil {
		e.PaymentID = *o.PaymentID
	}
	return e
}

// PaymentEvent — payload событий платежа.
type PaymentEvent struct {
	PaymentID  string    `json:"payment_id"`
	OrderID    string    `json:"order_id,omitempty"`
	Status     string    `json:"status"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewPaymentEvent собирает payload из текущего состояния платежа.
func NewPaymentEvent(p *Payment, now time.Time) PaymentEvent {
	e := PaymentEvent{
		PaymentID:  p.ID,
		Status:     string(p.Status),
		Amount:     p.Amount,
		Currency:   p.Currency,
		OccurredAt: now,
	}
	if p.OrderID != nil {
		e.OrderID = *p.OrderID
	}
	if p.FailureReason != nil {
		e.Reason = *p.FailureReason
	}
	return e
}

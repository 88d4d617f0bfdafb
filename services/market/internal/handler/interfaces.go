// Package handler содержит HTTP обработчики REST API маркетплейса.
package handler

import (
	"context"
	"time"

	"example.com/design-market/services/market/internal/checkout"
	"example.com/design-market/services/market/internal/cleanup"
	"example.com/design-market/services/market/internal/domain"
	"example.com/design-market/services/market/internal/email"
	"example.com/design-market/services/market/internal/webhook"
)

// CheckoutService — операции оформления заказа.
// Реализуется *checkout.Service.
type CheckoutService interface {
	CreateOrder(ctx context.Context, in checkout.OrderInput) (*domain.Order, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	CreatePaymentSession(ctx context.Context, in checkout.SessionInput) (*checkout.Session, error)
	VerifyPayment(ctx context.Context, sessionID string) (*checkout.Verification, error)
	RecordReturn(ctx context.Context, sessionID string) (*checkout.Verification, error)
	CancelOrder(ctx context.Context, orderID, reason string) (*domain.Order, error)
	AdvanceStatus(ctx context.Context, orderID string, target domain.OrderStatus) (*domain.Order, error)
	ResendEmail(ctx context.Context, orderID string) (email.Result, error)
}

// WebhookDispatcher обрабатывает уведомления провайдера.
// Реализуется *webhook.Dispatcher.
type WebhookDispatcher interface {
	Handle(ctx context.Context, h webhook.Headers, body []byte) (domain.WebhookResult, error)
}

// EmailVerifier — подтверждение email гостя кодом.
// Реализуется *emailverify.Service.
type EmailVerifier interface {
	Send(ctx context.Context, addr string) error
	Confirm(ctx context.Context, addr, code string) (time.Time, error)
}

// CleanupService — очистка брошенных заказов и платежей.
// Реализуется *cleanup.Service.
type CleanupService interface {
	Preview(ctx context.Context, threshold time.Duration) (*cleanup.Preview, error)
	Run(ctx context.Context, opts cleanup.Options) (*cleanup.Report, error)
}

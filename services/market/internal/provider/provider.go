// Package provider содержит клиент REST API платёжного провайдера (PayPal):
// OAuth2 client credentials, создание, чтение и списание удалённого заказа, возврат.
// Каждый вызов ограничен таймаутом и проходит через circuit breaker.
package provider

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"example.com/design-market/services/market/internal/domain"
)

// Статусы удалённого заказа провайдера.
const (
	OrderStatusCreated   = "CREATED"
	OrderStatusApproved  = "APPROVED"
	OrderStatusCompleted = "COMPLETED"
	OrderStatusVoided    = "VOIDED"
)

// Client — операции провайдера, используемые сервисом.
type Client interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*RemoteOrder, error)
	GetOrder(ctx context.Context, orderID string) (*RemoteOrder, error)
	CaptureOrder(ctx context.Context, orderID, requestID string) (*RemoteOrder, error)
	RefundCapture(ctx context.Context, captureID string, amount int64, currency, requestID string) (*Refund, error)
}

// CreateOrderRequest — параметры удалённого заказа.
type CreateOrderRequest struct {
	// RequestID — ключ идемпотентности запроса (PayPal-Request-Id).
	RequestID   string
	ReferenceID string
	Amount      int64 // В минимальных единицах
	Currency    string
	Description string
	ReturnURL   string
	CancelURL   string
}

// Capture — списание по удалённому заказу.
type Capture struct {
	ID       string
	Status   string
	Amount   int64
	Currency string
}

// RemoteOrder — состояние удалённого заказа у провайдера.
type RemoteOrder struct {
	ID          string
	Status      string
	ApprovalURL string
	PayerEmail  string
	Captures    []Capture
}

// Refund — результат возврата.
type Refund struct {
	ID     string
	Status string
	Amount int64
}

// FormatAmount переводит минимальные единицы в строку провайдера ("172.50").
func FormatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

// ParseAmount переводит строку провайдера в минимальные единицы.
func ParseAmount(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("пустая сумма")
	}

	negative := strings.HasPrefix(value, "-")
	value = strings.TrimPrefix(value, "-")

	whole, frac, _ := strings.Cut(value, ".")
	if len(frac) > 2 {
		return 0, fmt.Errorf("слишком много знаков после запятой: %q", value)
	}
	for len(frac) < 2 {
		frac += "0"
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректная сумма %q: %w", value, err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректная сумма %q: %w", value, err)
	}

	minor := w*100 + f
	if negative {
		minor = -minor
	}
	return minor, nil
}

// rejected оборачивает отказ провайдера (4xx).
func rejected(op string, status int, detail string) error {
	return fmt.Errorf("%w: %s: HTTP %d: %s", domain.ErrProviderRejected, op, status, detail)
}

// unavailable оборачивает временную ошибку провайдера.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrProviderUnavailable, op, err)
}

// Package testutil содержит общие моки репозиториев для unit-тестов сервисов.
package testutil

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"example.com/design-market/pkg/outbox"
	"example.com/design-market/services/market/internal/domain"
	"example.com/design-market/services/market/internal/guard"
	"example.com/design-market/services/market/internal/provider"
	"example.com/design-market/services/market/internal/repository"
)

// =============================================================================
// MockOrderRepository — мок для repository.OrderRepository
// =============================================================================

type MockOrderRepository struct {
	mock.Mock
}

func (m *MockOrderRepository) Create(ctx context.Context, order *domain.Order) error {
	return m.Called(ctx, order).Error(0)
}

func (m *MockOrderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

func (m *MockOrderRepository) SaveTransition(ctx context.Context, order *domain.Order, expected domain.OrderState, events ...*outbox.Outbox) error {
	return m.Called(ctx, order, expected, events).Error(0)
}

func (m *MockOrderRepository) MarkEmailSent(ctx context.Context, id string, at time.Time) (bool, error) {
	args := m.Called(ctx, id, at)
	return args.Bool(0), args.Error(1)
}

func (m *MockOrderRepository) ListPaidWithoutEmail(ctx context.Context, since time.Time, limit int) ([]string, error) {
	args := m.Called(ctx, since, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// =============================================================================
// MockPaymentRepository — мок для repository.PaymentRepository
// =============================================================================

type MockPaymentRepository struct {
	mock.Mock
}

func (m *MockPaymentRepository) Create(ctx context.Context, payment *domain.Payment) error {
	return m.Called(ctx, payment).Error(0)
}

func (m *MockPaymentRepository) GetByID(ctx context.Context, id string) (*domain.Payment, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Payment), args.Error(1)
}

func (m *MockPaymentRepository) GetByProviderPaymentID(ctx context.Context, providerPaymentID string) (*domain.Payment, error) {
	args := m.Called(ctx, providerPaymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Payment), args.Error(1)
}

func (m *MockPaymentRepository) GetLatestByOrderID(ctx context.Context, orderID string) (*domain.Payment, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Payment), args.Error(1)
}

func (m *MockPaymentRepository) SaveTransition(ctx context.Context, payment *domain.Payment, expected domain.PaymentStatus, events ...*outbox.Outbox) error {
	return m.Called(ctx, payment, expected, events).Error(0)
}

func (m *MockPaymentRepository) MarkReturned(ctx context.Context, id string, at time.Time) (bool, error) {
	args := m.Called(ctx, id, at)
	return args.Bool(0), args.Error(1)
}

// =============================================================================
// MockStore — мок для repository.Store
// =============================================================================

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Apply(ctx context.Context, change repository.Change) error {
	return m.Called(ctx, change).Error(0)
}

func (m *MockStore) Materialize(ctx context.Context, order *domain.Order, payment *domain.Payment, events ...*outbox.Outbox) (*domain.Order, bool, error) {
	args := m.Called(ctx, order, payment, events)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*domain.Order), args.Bool(1), args.Error(2)
}

// =============================================================================
// MockWebhookEventRepository — мок для repository.WebhookEventRepository
// =============================================================================

type MockWebhookEventRepository struct {
	mock.Mock
}

func (m *MockWebhookEventRepository) Begin(ctx context.Context, event *domain.WebhookEvent) (*domain.WebhookEvent, bool, error) {
	args := m.Called(ctx, event)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*domain.WebhookEvent), args.Bool(1), args.Error(2)
}

func (m *MockWebhookEventRepository) Finish(ctx context.Context, id string, result domain.WebhookResult, errMsg *string, at time.Time) error {
	return m.Called(ctx, id, result, errMsg, at).Error(0)
}

func (m *MockWebhookEventRepository) RecordRejected(ctx context.Context, event *domain.WebhookEvent) error {
	return m.Called(ctx, event).Error(0)
}

// =============================================================================
// MockEmailJobRepository — мок для repository.EmailJobRepository
// =============================================================================

type MockEmailJobRepository struct {
	mock.Mock
}

func (m *MockEmailJobRepository) Schedule(ctx context.Context, paymentID, kind string, runAt time.Time) error {
	return m.Called(ctx, paymentID, kind, runAt).Error(0)
}

func (m *MockEmailJobRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*domain.EmailJob, error) {
	args := m.Called(ctx, now, lease, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.EmailJob), args.Error(1)
}

func (m *MockEmailJobRepository) MarkDone(ctx context.Context, id string, at time.Time) error {
	return m.Called(ctx, id, at).Error(0)
}

func (m *MockEmailJobRepository) Reschedule(ctx context.Context, id string, runAt time.Time, lastErr string) error {
	return m.Called(ctx, id, runAt, lastErr).Error(0)
}

// =============================================================================
// MockCatalogRepository / MockUserRepository
// =============================================================================

type MockCatalogRepository struct {
	mock.Mock
}

func (m *MockCatalogRepository) GetServices(ctx context.Context, ids []string) (map[string]*domain.Service, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]*domain.Service), args.Error(1)
}

type MockUserRepository struct {
	mock.Mock
}

func (m *MockUserRepository) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

// =============================================================================
// MockCleanupRepository — мок для repository.CleanupRepository
// =============================================================================

type MockCleanupRepository struct {
	mock.Mock
}

func (m *MockCleanupRepository) FindStaleOrders(ctx context.Context, cutoff time.Time, limit int) ([]repository.StaleOrder, error) {
	args := m.Called(ctx, cutoff, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]repository.StaleOrder), args.Error(1)
}

func (m *MockCleanupRepository) DeleteStaleOrder(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	args := m.Called(ctx, id, cutoff)
	return args.Bool(0), args.Error(1)
}

func (m *MockCleanupRepository) FindStalePayments(ctx context.Context, cutoff time.Time, limit int) ([]repository.StalePayment, error) {
	args := m.Called(ctx, cutoff, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]repository.StalePayment), args.Error(1)
}

func (m *MockCleanupRepository) DeleteStalePayment(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	args := m.Called(ctx, id, cutoff)
	return args.Bool(0), args.Error(1)
}

// =============================================================================
// MockGuard — мок для guard.Guard
// =============================================================================

type MockGuard struct {
	mock.Mock
}

func (m *MockGuard) CheckAndSet(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, key, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *MockGuard) Release(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

// =============================================================================
// MockLimiter — мок для guard.Limiter
// =============================================================================

type MockLimiter struct {
	mock.Mock
}

func (m *MockLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (guard.Result, error) {
	args := m.Called(ctx, key, limit, window)
	return args.Get(0).(guard.Result), args.Error(1)
}

// =============================================================================
// MockProvider — мок для provider.Client
// =============================================================================

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) CreateOrder(ctx context.Context, req provider.CreateOrderRequest) (*provider.RemoteOrder, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.RemoteOrder), args.Error(1)
}

func (m *MockProvider) GetOrder(ctx context.Context, orderID string) (*provider.RemoteOrder, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.RemoteOrder), args.Error(1)
}

func (m *MockProvider) CaptureOrder(ctx context.Context, orderID, requestID string) (*provider.RemoteOrder, error) {
	args := m.Called(ctx, orderID, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.RemoteOrder), args.Error(1)
}

func (m *MockProvider) RefundCapture(ctx context.Context, captureID string, amount int64, currency, requestID string) (*provider.Refund, error) {
	args := m.Called(ctx, captureID, amount, currency, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.Refund), args.Error(1)
}

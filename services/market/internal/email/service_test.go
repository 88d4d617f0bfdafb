package email

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/design-market/pkg/kafka"
	"example.com/design-market/services/market/internal/delivery"
	"example.com/design-market/services/market/internal/domain"
	"example.com/design-market/services/market/internal/lifecycle"
	"example.com/design-market/services/market/internal/testutil"
)

// fakeSender запоминает отправленные письма.
type fakeSender struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	return "msg-1", nil
}

type fixture struct {
	orders   *testutil.MockOrderRepository
	payments *testutil.MockPaymentRepository
	jobs     *testutil.MockEmailJobRepository
	catalog  *testutil.MockCatalogRepository
	guard    *testutil.MockGuard
	sender   *fakeSender
	svc      *Service
}

func newFixture() *fixture {
	f := &fixture{
		orders:   new(testutil.MockOrderRepository),
		payments: new(testutil.MockPaymentRepository),
		jobs:     new(testutil.MockEmailJobRepository),
		catalog:  new(testutil.MockCatalogRepository),
		guard:    new(testutil.MockGuard),
		sender:   &fakeSender{},
	}
	lc := lifecycle.New(f.payments, f.orders, new(testutil.MockStore), lifecycle.EventsConfig{})
	resolver := delivery.NewResolver(f.catalog, delivery.Config{PlaceholderURL: "https://shop/support", PlaceholderTitle: "Support"})
	f.svc = NewService(f.orders, f.payments, f.jobs, resolver, f.guard, lc, f.sender, Config{
		InFlightTTL:         2 * time.Minute,
		FallbackDelay:       20 * time.Second,
		FallbackMaxAttempts: 3,
		JobLease:            time.Minute,
		SweepWindow:         time.Hour,
		SweepBatchSize:      100,
		SupportEmail:        "support@example.com",
	})
	return f
}

func paidOrder() *domain.Order {
	now := time.Now().UTC()
	o := domain.NewOrder("order-1", nil, domain.Contact{Name: "Sara", Email: "sara@example.com"}, []domain.OrderItem{
		{ServiceID: "logo", TitleEn: "Logo design", TitleAr: "تصميم شعار", Quantity: 1, UnitPrice: 10000, Currency: "SAR"},
		{ServiceID: "cards", TitleEn: "Business cards", Quantity: 1, UnitPrice: 5000, Currency: "SAR"},
	}, now)
	_, _ = o.MarkPaid("BD2601021504-AB12", "pay-1", now)
	return o
}

func catalogWithLinks() map[string]*domain.Service {
	return map[string]*domain.Service{
		"logo": {ID: "logo", DeliveryLinks: []domain.DeliveryLink{{Title: "Logo pack", URL: "https://cdn/logo.zip"}}},
	}
}

func TestEnsureSent_SendsOnce(t *testing.T) {
	f := newFixture()
	order := paidOrder()

	f.orders.On("GetByID", mock.Anything, "order-1").Return(order, nil)
	f.guard.On("CheckAndSet", mock.Anything, "email:inflight:order-1", 2*time.Minute).Return(true, nil)
	f.guard.On("Release", mock.Anything, "email:inflight:order-1").Return(nil)
	f.catalog.On("GetServices", mock.Anything, []string{"logo", "cards"}).Return(catalogWithLinks(), nil)
	f.orders.On("MarkEmailSent", mock.Anything, "order-1", mock.Anything).Return(true, nil)
	f.orders.On("SaveTransition", mock.Anything, order,
		domain.OrderState{Status: domain.OrderStatusInProgress, PaymentStatus: domain.OrderPaymentPaid},
		mock.Anything).Return(nil)

	result, err := f.svc.EnsureSent(context.Background(), "order-1", TriggerImmediate)

	require.NoError(t, err)
	assert.Equal(t, ResultSent, result)
	require.Len(t, f.sender.sent, 1)
	msg := f.sender.sent[0]
	assert.Equal(t, "sara@example.com", msg.To)
	assert.Contains(t, msg.Subject, "BD2601021504-AB12")
	assert.Contains(t, msg.HTML, "https://cdn/logo.zip")
	assert.Contains(t, msg.Text, "Total: 172.50 SAR")
	assert.Equal(t, domain.OrderStatusDelivered, order.Status)
	assert.True(t, order.DeliveryEmailSent)
	f.guard.AssertExpectations(t)
}

func TestEnsureSent_Skips(t *testing.T) {
	t.Run("заказ не оплачен", func(t *testing.T) {
		f := newFixture()
		order := domain.NewOrder("order-1", nil, domain.Contact{Email: "a@b.c"}, nil, time.Now())
		f.orders.On("GetByID", mock.Anything, "order-1").Return(order, nil)

		result, err := f.svc.EnsureSent(context.Background(), "order-1", TriggerSweep)

		require.NoError(t, err)
		assert.Equal(t, ResultNotPaid, result)
		f.guard.AssertNotCalled(t, "CheckAndSet", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("письмо уже отправлено и заказ доставлен", func(t *testing.T) {
		f := newFixture()
		order := paidOrder()
		order.MarkEmailSent(time.Now())
		_, _ = order.MarkDelivered(time.Now())
		f.orders.On("GetByID", mock.Anything, "order-1").Return(order, nil)

		result, err := f.svc.EnsureSent(context.Background(), "order-1", TriggerFallback)

		require.NoError(t, err)
		assert.Equal(t, ResultAlreadySent, result)
		assert.Empty(t, f.sender.sent)
		f.orders.AssertNotCalled(t, "SaveTransition", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("письмо отправлено, но заказ не переведён в delivered", func(t *testing.T) {
		f := newFixture()
		order := paidOrder()
		order.MarkEmailSent(time.Now())
		f.orders.On("GetByID", mock.Anything, "order-1").Return(order, nil)
		f.orders.On("SaveTransition", mock.Anything, order, mock.Anything, mock.Anything).Return(nil)

		result, err := f.svc.EnsureSent(context.Background(), "order-1", TriggerSweep)

		require.NoError(t, err)
		assert.Equal(t, ResultAlreadySent, result)
		assert.Equal(t, domain.OrderStatusDelivered, order.Status)
	})

	t.Run("письмо уже отправляется", func(t *testing.T) {
		f := newFixture()
		f.orders.On("GetByID", mock.Anything, "order-1").Return(paidOrder(), nil)
		f.guard.On("CheckAndSet", mock.Anything, "email:inflight:order-1", mock.Anything).Return(false, nil)

		result, err := f.svc.EnsureSent(context.Background(), "order-1", TriggerSweep)

		require.NoError(t, err)
		assert.Equal(t, ResultInFlight, result)
		assert.Empty(t, f.sender.sent)
	})
}

func TestEnsureSent_TransportFailure(t *testing.T) {
	f := newFixture()
	f.sender.err = errors.New("connection refused")

	f.orders.On("GetByID", mock.Anything, "order-1").Return(paidOrder(), nil)
	f.guard.On("CheckAndSet", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	f.guard.On("Release", mock.Anything, "email:inflight:order-1").Return(nil)
	f.catalog.On("GetServices", mock.Anything, mock.Anything).Return(catalogWithLinks(), nil)

	result, err := f.svc.EnsureSent(context.Background(), "order-1", TriggerImmediate)

	assert.ErrorIs(t, err, domain.ErrEmailTransport)
	assert.Equal(t, ResultFailed, result)
	f.orders.AssertNotCalled(t, "MarkEmailSent", mock.Anything, mock.Anything, mock.Anything)
	f.guard.AssertCalled(t, "Release", mock.Anything, "email:inflight:order-1")
}

func TestEnsureSent_RedisDownStillSends(t *testing.T) {
	f := newFixture()
	order := paidOrder()

	f.orders.On("GetByID", mock.Anything, "order-1").Return(order, nil)
	f.guard.On("CheckAndSet", mock.Anything, mock.Anything, mock.Anything).Return(false, errors.New("redis down"))
	f.guard.On("Release", mock.Anything, mock.Anything).Return(errors.New("redis down"))
	f.catalog.On("GetServices", mock.Anything, mock.Anything).Return(map[string]*domain.Service{}, nil)
	f.orders.On("MarkEmailSent", mock.Anything, "order-1", mock.Anything).Return(false, nil)

	result, err := f.svc.EnsureSent(context.Background(), "order-1", TriggerSweep)

	require.NoError(t, err)
	assert.Equal(t, ResultAlreadySent, result, "флаг в БД выставлен параллельно")
	require.Len(t, f.sender.sent, 1)
	assert.Contains(t, f.sender.sent[0].HTML, "https://shop/support")
	f.orders.AssertNotCalled(t, "SaveTransition", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func confirmedPayment(orderID string) *domain.Payment {
	return &domain.Payment{
		ID:      "pay-1",
		OrderID: &orderID,
		Status:  domain.PaymentStatusSucceeded,
		Markers: domain.PaymentMarkers{WebhookConfirmed: true},
	}
}

func TestProcessDueJobs(t *testing.T) {
	t.Run("платёж не подтверждён - задача переносится", func(t *testing.T) {
		f := newFixture()
		job := &domain.EmailJob{ID: "job-1", PaymentID: "pay-1", Attempts: 0}
		f.jobs.On("ClaimDue", mock.Anything, mock.Anything, time.Minute, 20).Return([]*domain.EmailJob{job}, nil)
		f.payments.On("GetByID", mock.Anything, "pay-1").Return(&domain.Payment{ID: "pay-1", Status: domain.PaymentStatusProcessing}, nil)
		f.jobs.On("Reschedule", mock.Anything, "job-1", mock.Anything, "платёж ещё не подтверждён webhook").Return(nil)

		n, err := f.svc.ProcessDueJobs(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 1, n)
		f.jobs.AssertExpectations(t)
	})

	t.Run("попытки исчерпаны - задача закрывается", func(t *testing.T) {
		f := newFixture()
		job := &domain.EmailJob{ID: "job-1", PaymentID: "pay-1", Attempts: 2}
		f.jobs.On("ClaimDue", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return([]*domain.EmailJob{job}, nil)
		f.payments.On("GetByID", mock.Anything, "pay-1").Return(&domain.Payment{ID: "pay-1", Status: domain.PaymentStatusPending}, nil)
		f.jobs.On("MarkDone", mock.Anything, "job-1", mock.Anything).Return(nil)

		_, err := f.svc.ProcessDueJobs(context.Background())

		require.NoError(t, err)
		f.jobs.AssertNotCalled(t, "Reschedule", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("платёж удалён очисткой", func(t *testing.T) {
		f := newFixture()
		job := &domain.EmailJob{ID: "job-1", PaymentID: "pay-1"}
		f.jobs.On("ClaimDue", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return([]*domain.EmailJob{job}, nil)
		f.payments.On("GetByID", mock.Anything, "pay-1").Return(nil, domain.ErrPaymentNotFound)
		f.jobs.On("MarkDone", mock.Anything, "job-1", mock.Anything).Return(nil)

		_, err := f.svc.ProcessDueJobs(context.Background())

		require.NoError(t, err)
		f.jobs.AssertExpectations(t)
	})

	t.Run("подтверждённый платёж - письмо уходит", func(t *testing.T) {
		f := newFixture()
		order := paidOrder()
		job := &domain.EmailJob{ID: "job-1", PaymentID: "pay-1"}
		f.jobs.On("ClaimDue", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return([]*domain.EmailJob{job}, nil)
		f.payments.On("GetByID", mock.Anything, "pay-1").Return(confirmedPayment("order-1"), nil)
		f.orders.On("GetByID", mock.Anything, "order-1").Return(order, nil)
		f.guard.On("CheckAndSet", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
		f.guard.On("Release", mock.Anything, mock.Anything).Return(nil)
		f.catalog.On("GetServices", mock.Anything, mock.Anything).Return(catalogWithLinks(), nil)
		f.orders.On("MarkEmailSent", mock.Anything, "order-1", mock.Anything).Return(true, nil)
		f.orders.On("SaveTransition", mock.Anything, order, mock.Anything, mock.Anything).Return(nil)
		f.jobs.On("MarkDone", mock.Anything, "job-1", mock.Anything).Return(nil)

		_, err := f.svc.ProcessDueJobs(context.Background())

		require.NoError(t, err)
		assert.Len(t, f.sender.sent, 1)
		f.jobs.AssertExpectations(t)
	})
}

func TestScheduleFallback(t *testing.T) {
	f := newFixture()
	f.jobs.On("Schedule", mock.Anything, "pay-1", domain.EmailJobKindDeliveryFallback, mock.MatchedBy(func(at time.Time) bool {
		return at.After(time.Now().Add(15 * time.Second))
	})).Return(nil)

	require.NoError(t, f.svc.ScheduleFallback(context.Background(), "pay-1"))
	f.jobs.AssertExpectations(t)
}

func TestSweep(t *testing.T) {
	f := newFixture()
	order := paidOrder()
	unpaid := domain.NewOrder("order-2", nil, domain.Contact{Email: "a@b.c"}, nil, time.Now())

	f.orders.On("ListPaidWithoutEmail", mock.Anything, mock.Anything, 100).Return([]string{"order-1", "order-2"}, nil)
	f.orders.On("GetByID", mock.Anything, "order-1").Return(order, nil)
	f.orders.On("GetByID", mock.Anything, "order-2").Return(unpaid, nil)
	f.guard.On("CheckAndSet", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	f.guard.On("Release", mock.Anything, mock.Anything).Return(nil)
	f.catalog.On("GetServices", mock.Anything, mock.Anything).Return(catalogWithLinks(), nil)
	f.orders.On("MarkEmailSent", mock.Anything, "order-1", mock.Anything).Return(true, nil)
	f.orders.On("SaveTransition", mock.Anything, order, mock.Anything, mock.Anything).Return(nil)

	sent, err := f.svc.Sweep(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, sent)
}

func TestHandleOrderEvent(t *testing.T) {
	t.Run("другие события пропускаются", func(t *testing.T) {
		f := newFixture()
		msg := &kafka.Message{Headers: map[string]string{kafka.HeaderEventType: domain.EventOrderCancelled}}

		assert.NoError(t, f.svc.HandleOrderEvent(context.Background(), msg))
		f.orders.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
	})

	t.Run("order.paid вызывает отправку", func(t *testing.T) {
		f := newFixture()
		order := paidOrder()
		order.MarkEmailSent(time.Now())
		_, _ = order.MarkDelivered(time.Now())
		f.orders.On("GetByID", mock.Anything, "order-1").Return(order, nil)

		payload, err := json.Marshal(domain.NewOrderEvent(order, time.Now()))
		require.NoError(t, err)
		msg := &kafka.Message{
			Headers: map[string]string{kafka.HeaderEventType: domain.EventOrderPaid},
			Value:   payload,
		}

		assert.NoError(t, f.svc.HandleOrderEvent(context.Background(), msg))
		f.orders.AssertCalled(t, "GetByID", mock.Anything, "order-1")
	})
}

func TestRender_VerificationCode(t *testing.T) {
	msg, err := Render(TemplateVerificationCode, "a@b.c", "Code", VerificationCodeData{Code: "123456", TTLMinutes: 10})

	require.NoError(t, err)
	assert.Contains(t, msg.HTML, "123456")
	assert.True(t, strings.Contains(msg.Text, "10 minutes"))
}

package webhook

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/design-market/services/market/internal/domain"
	"example.com/design-market/services/market/internal/email"
	"example.com/design-market/services/market/internal/lifecycle"
	"example.com/design-market/services/market/internal/provider"
	"example.com/design-market/services/market/internal/repository"
	"example.com/design-market/services/market/internal/testutil"
)

type fakeMaterializer struct {
	calls int
	order *domain.Order
}

func (f *fakeMaterializer) Materialize(_ context.Context, p *domain.Payment) (*domain.Order, error) {
	f.calls++
	id := f.order.ID
	p.OrderID = &id
	return f.order, nil
}

type fakeMailer struct {
	orders []string
}

func (f *fakeMailer) EnsureSent(_ context.Context, orderID string, _ email.Trigger) (email.Result, error) {
	f.orders = append(f.orders, orderID)
	return email.ResultSent, nil
}

type fakeProvider struct {
	captured  []string
	refunds   []string
	refundErr error
}

func (f *fakeProvider) CreateOrder(context.Context, provider.CreateOrderRequest) (*provider.RemoteOrder, error) {
	return nil, nil
}

func (f *fakeProvider) GetOrder(context.Context, string) (*provider.RemoteOrder, error) {
	return nil, nil
}

func (f *fakeProvider) CaptureOrder(_ context.Context, orderID, requestID string) (*provider.RemoteOrder, error) {
	f.captured = append(f.captured, orderID+"/"+requestID)
	return &provider.RemoteOrder{ID: orderID, Status: provider.OrderStatusCompleted}, nil
}

func (f *fakeProvider) RefundCapture(_ context.Context, captureID string, amount int64, _, requestID string) (*provider.Refund, error) {
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	f.refunds = append(f.refunds, captureID+"/"+requestID)
	return &provider.Refund{ID: "RF-" + captureID, Status: "COMPLETED", Amount: amount}, nil
}

type dispatcherFixture struct {
	events       *testutil.MockWebhookEventRepository
	payments     *testutil.MockPaymentRepository
	orders       *testutil.MockOrderRepository
	store        *testutil.MockStore
	materializer *fakeMaterializer
	provider     *fakeProvider
	mailer       *fakeMailer
	d            *Dispatcher
}

func newDispatcherFixture() *dispatcherFixture {
	f := &dispatcherFixture{
		events:   new(testutil.MockWebhookEventRepository),
		payments: new(testutil.MockPaymentRepository),
		orders:   new(testutil.MockOrderRepository),
		store:    new(testutil.MockStore),
		materializer: &fakeMaterializer{order: &domain.Order{
			ID: "order-new", Status: domain.OrderStatusInProgress, PaymentStatus: domain.OrderPaymentPaid,
		}},
		provider: &fakeProvider{},
		mailer:   &fakeMailer{},
	}
	lc := lifecycle.New(f.payments, f.orders, f.store, lifecycle.EventsConfig{})
	verifier := NewVerifier(VerifierConfig{Lenient: true, MaxAge: 5 * time.Minute})
	f.d = NewDispatcher(verifier, f.events, f.payments, f.orders, lc, f.materializer, f.provider, f.mailer)
	return f
}

func (f *dispatcherFixture) expectNewEvent(eventID string) {
	f.events.On("Begin", mock.Anything, mock.MatchedBy(func(e *domain.WebhookEvent) bool {
		return e.EventID == eventID && e.SignatureValid
	})).Return(&domain.WebhookEvent{ID: "rec-1", EventID: eventID}, true, nil).Once()
}

func (f *dispatcherFixture) expectFinish(result domain.WebhookResult) {
	f.events.On("Finish", mock.Anything, "rec-1", result, mock.Anything, mock.Anything).Return(nil).Once()
}

func lenientHeaders() Headers {
	return validHeaders("https://api.paypal.com/cert")
}

func eventBody(t *testing.T, id, eventType string, resource any) []byte {
	t.Helper()
	res, err := json.Marshal(resource)
	require.NoError(t, err)
	body, err := json.Marshal(Event{ID: id, EventType: eventType, Resource: res})
	require.NoError(t, err)
	return body
}

func captureBody(t *testing.T, eventType, remoteID string) []byte {
	return eventBody(t, "WH-CAP-1", eventType, map[string]any{
		"id":     "CAP-1",
		"status": "COMPLETED",
		"amount": map[string]string{"currency_code": "SAR", "value": "172.50"},
		"supplementary_data": map[string]any{
			"related_ids": map[string]string{"order_id": remoteID},
		},
	})
}

func temporaryPayment(status domain.PaymentStatus) *domain.Payment {
	return &domain.Payment{
		ID:                "pay-1",
		ProviderPaymentID: "REMOTE-1",
		Amount:            17250,
		Currency:          "SAR",
		Status:            status,
		Context:           &domain.TemporaryOrderContext{TemporaryOrderID: "tmp-1"},
	}
}

func TestHandle_RejectsUnverified(t *testing.T) {
	f := newDispatcherFixture()
	h := lenientHeaders()
	h.Signature = ""
	body := eventBody(t, "WH-1", EventCaptureCompleted, map[string]string{"id": "CAP-1"})

	f.events.On("RecordRejected", mock.Anything, mock.MatchedBy(func(e *domain.WebhookEvent) bool {
		return !e.SignatureValid && e.EventType == EventCaptureCompleted && e.ResourceID == "CAP-1" && e.Error != nil
	})).Return(nil)

	result, err := f.d.Handle(context.Background(), h, body)

	assert.ErrorIs(t, err, domain.ErrVerificationFailed)
	assert.Equal(t, domain.WebhookResultRejected, result)
	f.events.AssertExpectations(t)
	f.payments.AssertNotCalled(t, "GetByProviderPaymentID", mock.Anything, mock.Anything)
}

func TestHandle_InvalidPayload(t *testing.T) {
	f := newDispatcherFixture()

	result, err := f.d.Handle(context.Background(), lenientHeaders(), []byte(`{"resource":{}}`))

	assert.ErrorIs(t, err, domain.ErrInvalidWebhookPayload)
	assert.Equal(t, domain.WebhookResultFailed, result)
	f.events.AssertNotCalled(t, "Begin", mock.Anything, mock.Anything)
}

func TestHandle_DuplicateEvent(t *testing.T) {
	f := newDispatcherFixture()
	processed := time.Now()
	f.events.On("Begin", mock.Anything, mock.Anything).Return(&domain.WebhookEvent{
		ID: "rec-1", EventID: "WH-CAP-1", Result: domain.WebhookResultProcessed, ProcessedAt: &processed,
	}, false, nil)

	result, err := f.d.Handle(context.Background(), lenientHeaders(), captureBody(t, EventCaptureCompleted, "REMOTE-1"))

	require.NoError(t, err)
	assert.Equal(t, domain.WebhookResultDuplicate, result)
	f.payments.AssertNotCalled(t, "GetByProviderPaymentID", mock.Anything, mock.Anything)
	f.events.AssertNotCalled(t, "Finish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandle_CaptureCompleted_MaterializesTemporaryOrder(t *testing.T) {
	f := newDispatcherFixture()
	p := temporaryPayment(domain.PaymentStatusProcessing)

	f.expectNewEvent("WH-CAP-1")
	f.payments.On("GetByProviderPaymentID", mock.Anything, "REMOTE-1").Return(p, nil)
	f.payments.On("SaveTransition", mock.Anything, p, domain.PaymentStatusProcessing, mock.Anything).Return(nil).Once()
	f.expectFinish(domain.WebhookResultProcessed)

	result, err := f.d.Handle(context.Background(), lenientHeaders(), captureBody(t, EventCaptureCompleted, "REMOTE-1"))

	require.NoError(t, err)
	assert.Equal(t, domain.WebhookResultProcessed, result)
	assert.True(t, p.IsConfirmed())
	assert.Equal(t, int64(17250), *p.CapturedAmount)
	assert.Equal(t, "WH-CAP-1", *p.Markers.WebhookEventID)
	assert.Equal(t, 1, f.materializer.calls)
	assert.Equal(t, []string{"order-new"}, f.mailer.orders)
	f.events.AssertExpectations(t)
}

func TestHandle_CaptureCompleted_RedeliveryResumesMaterialization(t *testing.T) {
	f := newDispatcherFixture()
	// Первая доставка упала после подтверждения платежа, заказ не создан.
	p := temporaryPayment(domain.PaymentStatusSucceeded)
	p.Markers.WebhookConfirmed = true

	f.events.On("Begin", mock.Anything, mock.Anything).Return(&domain.WebhookEvent{
		ID: "rec-1", EventID: "WH-CAP-1", Result: domain.WebhookResultFailed,
	}, false, nil)
	f.payments.On("GetByProviderPaymentID", mock.Anything, "REMOTE-1").Return(p, nil)
	f.expectFinish(domain.WebhookResultProcessed)

	result, err := f.d.Handle(context.Background(), lenientHeaders(), captureBody(t, EventCaptureCompleted, "REMOTE-1"))

	require.NoError(t, err)
	assert.Equal(t, domain.WebhookResultProcessed, result)
	assert.Equal(t, 1, f.materializer.calls)
	f.payments.AssertNotCalled(t, "SaveTransition", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandle_CaptureCompleted_PermanentOrder(t *testing.T) {
	f := newDispatcherFixture()
	orderID := "order-1"
	p := temporaryPayment(domain.PaymentStatusProcessing)
	p.OrderID = &orderID
	p.Context = &domain.PermanentOrderContext{OrderID: orderID}
	order := domain.NewOrder(orderID, nil, domain.Contact{Email: "a@b.c"}, []domain.OrderItem{
		{ServiceID: "logo", TitleEn: "Logo", Quantity: 1, UnitPrice: 15000, Currency: "SAR"},
	}, time.Now())

	f.expectNewEvent("WH-CAP-1")
	f.payments.On("GetByProviderPaymentID", mock.Anything, "REMOTE-1").Return(p, nil)
	f.payments.On("SaveTransition", mock.Anything, p, domain.PaymentStatusProcessing, mock.Anything).Return(nil)
	f.orders.On("GetByID", mock.Anything, orderID).Return(order, nil)
	f.store.On("Apply", mock.Anything, mock.MatchedBy(func(c repository.Change) bool {
		return c.Order != nil && c.Order.IsPaid() && c.Payment == nil
	})).Return(nil)
	f.expectFinish(domain.WebhookResultProcessed)

	result, err := f.d.Handle(context.Background(), lenientHeaders(), captureBody(t, EventCaptureCompleted, "REMOTE-1"))

	require.NoError(t, err)
	assert.Equal(t, domain.WebhookResultProcessed, result)
	assert.True(t, order.IsPaid())
	require.NotNil(t, order.OrderNumber)
	assert.Equal(t, 0, f.materializer.calls)
	assert.Equal(t, []string{orderID}, f.mailer.orders)
}

func TestHandle_CaptureCompleted_CancelledOrder(t *testing.T) {
	cancelledOrder := func(id string) *domain.Order {
		order := domain.NewOrder(id, nil, domain.Contact{Email: "a@b.c"}, []domain.OrderItem{
			{ServiceID: "logo", TitleEn: "Logo", Quantity: 1, UnitPrice: 15000, Currency: "SAR"},
		}, time.Now())
		require.NoError(t, order.Cancel("клиент передумал", time.Now()))
		return order
	}

	t.Run("сессия отменена вместе с заказом - списание возвращается", func(t *testing.T) {
		f := newDispatcherFixture()
		orderID := "order-9"
		p := temporaryPayment(domain.PaymentStatusCancelled)
		p.OrderID = &orderID
		p.Context = &domain.PermanentOrderContext{OrderID: orderID}

		f.expectNewEvent("WH-CAP-1")
		f.payments.On("GetByProviderPaymentID", mock.Anything, "REMOTE-1").Return(p, nil)
		f.payments.On("SaveTransition", mock.Anything, p, domain.PaymentStatusCancelled, mock.Anything).Return(nil)
		f.expectFinish(domain.WebhookResultProcessed)

		result, err := f.d.Handle(context.Background(), lenientHeaders(), captureBody(t, EventCaptureCompleted, "REMOTE-1"))

		require.NoError(t, err)
		assert.Equal(t, domain.WebhookResultProcessed, result)
		assert.Equal(t, []string{"CAP-1/refund-pay-1"}, f.provider.refunds)
		assert.Equal(t, domain.PaymentStatusCancelled, p.Status)
		require.NotNil(t, p.RefundAmount)
		assert.Equal(t, int64(17250), *p.RefundAmount)
		assert.Empty(t, f.mailer.orders)
		f.orders.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
	})

	t.Run("открытый платёж отменённого заказа - подтверждение и возврат", func(t *testing.T) {
		f := newDispatcherFixture()
		orderID := "order-9"
		p := temporaryPayment(domain.PaymentStatusProcessing)
		p.OrderID = &orderID
		p.Context = &domain.PermanentOrderContext{OrderID: orderID}
		order := cancelledOrder(orderID)

		f.expectNewEvent("WH-CAP-1")
		f.payments.On("GetByProviderPaymentID", mock.Anything, "REMOTE-1").Return(p, nil)
		f.payments.On("SaveTransition", mock.Anything, p, domain.PaymentStatusProcessing, mock.Anything).Return(nil).Once()
		f.payments.On("SaveTransition", mock.Anything, p, domain.PaymentStatusSucceeded, mock.Anything).Return(nil).Once()
		f.orders.On("GetByID", mock.Anything, orderID).Return(order, nil)
		f.expectFinish(domain.WebhookResultProcessed)

		result, err := f.d.Handle(context.Background(), lenientHeaders(), captureBody(t, EventCaptureCompleted, "REMOTE-1"))

		require.NoError(t, err)
		assert.Equal(t, domain.WebhookResultProcessed, result)
		assert.Equal(t, domain.PaymentStatusRefunded, p.Status)
		assert.Equal(t, []string{"CAP-1/refund-pay-1"}, f.provider.refunds)
		assert.Equal(t, domain.OrderStatusCancelled, order.Status)
		assert.Empty(t, f.mailer.orders)
		f.store.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything)
		f.payments.AssertExpectations(t)
	})

	t.Run("возврат не удался - провайдер повторит событие", func(t *testing.T) {
		f := newDispatcherFixture()
		f.provider.refundErr = domain.ErrProviderUnavailable
		p := temporaryPayment(domain.PaymentStatusCancelled)

		f.expectNewEvent("WH-CAP-1")
		f.payments.On("GetByProviderPaymentID", mock.Anything, "REMOTE-1").Return(p, nil)
		f.expectFinish(domain.WebhookResultFailed)

		result, err := f.d.Handle(context.Background(), lenientHeaders(), captureBody(t, EventCaptureCompleted, "REMOTE-1"))

		assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
		assert.Equal(t, domain.WebhookResultFailed, result)
		assert.Nil(t, p.RefundedAt)
		f.payments.AssertNotCalled(t, "SaveTransition", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("возврат уже записан", func(t *testing.T) {
		f := newDispatcherFixture()
		p := temporaryPayment(domain.PaymentStatusCancelled)
		refundedAt := time.Now()
		p.RefundedAt = &refundedAt

		f.events.On("Begin", mock.Anything, mock.Anything).Return(&domain.WebhookEvent{
			ID: "rec-1", EventID: "WH-CAP-1", Result: domain.WebhookResultFailed,
		}, false, nil)
		f.payments.On("GetByProviderPaymentID", mock.Anything, "REMOTE-1").Return(p, nil)
		f.expectFinish(domain.WebhookResultProcessed)

		result, err := f.d.Handle(context.Background(), lenientHeaders(), captureBody(t, EventCaptureCompleted, "REMOTE-1"))

		require.NoError(t, err)
		assert.Equal(t, domain.WebhookResultProcessed, result)
		assert.Empty(t, f.provider.refunds)
	})
}

func TestHandle_CaptureDenied(t *testing.T) {
	t.Run("после подтверждения игнорируется", func(t *testing.T) {
		f := newDispatcherFixture()
		p := temporaryPayment(domain.PaymentStatusSucceeded)
		p.Markers.WebhookConfirmed = true

		f.expectNewEvent("WH-CAP-1")
		f.payments.On("GetByProviderPaymentID", mock.Anything, "REMOTE-1").Return(p, nil)
		f.expectFinish(domain.WebhookResultIgnored)

		result, err := f.d.Handle(context.Background(), lenientHeaders(), captureBody(t, EventCaptureDenied, "REMOTE-1"))

		require.NoError(t, err)
		assert.Equal(t, domain.WebhookResultIgnored, result)
		assert.Equal(t, domain.PaymentStatusSucceeded, p.Status)
		f.store.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything)
	})

	t.Run("заказ возвращается в pending/failed", func(t *testing.T) {
		f := newDispatcherFixture()
		orderID := "order-1"
		p := temporaryPayment(domain.PaymentStatusProcessing)
		p.OrderID = &orderID
		order := domain.NewOrder(orderID, nil, domain.Contact{Email: "a@b.c"}, nil, time.Now())

		f.expectNewEvent("WH-CAP-1")
		f.payments.On("GetByProviderPaymentID", mock.Anything, "REMOTE-1").Return(p, nil)
		f.orders.On("GetByID", mock.Anything, orderID).Return(order, nil)
		f.store.On("Apply", mock.Anything, mock.MatchedBy(func(c repository.Change) bool {
			return c.Payment.Status == domain.PaymentStatusFailed &&
				c.Order.PaymentStatus == domain.OrderPaymentFailed &&
				c.ExpectedPayment == domain.PaymentStatusProcessing
		})).Return(nil)
		f.expectFinish(domain.WebhookResultProcessed)

		result, err := f.d.Handle(context.Background(), lenientHeaders(), captureBody(t, EventCaptureDenied, "REMOTE-1"))

		require.NoError(t, err)
		assert.Equal(t, domain.WebhookResultProcessed, result)
		assert.Equal(t, domain.OrderStatusPending, order.Status)
	})
}

func TestHandle_OrderApproved_CapturesWithPaymentID(t *testing.T) {
	f := newDispatcherFixture()
	p := temporaryPayment(domain.PaymentStatusPending)
	body := eventBody(t, "WH-APP-1", EventOrderApproved, map[string]any{
		"id":     "REMOTE-1",
		"status": "APPROVED",
		"payer":  map[string]string{"email_address": "payer@example.com"},
	})

	f.expectNewEvent("WH-APP-1")
	f.payments.On("GetByProviderPaymentID", mock.Anything, "REMOTE-1").Return(p, nil)
	f.payments.On("SaveTransition", mock.Anything, p, domain.PaymentStatusPending, mock.Anything).Return(nil)
	f.expectFinish(domain.WebhookResultProcessed)

	result, err := f.d.Handle(context.Background(), lenientHeaders(), body)

	require.NoError(t, err)
	assert.Equal(t, domain.WebhookResultProcessed, result)
	assert.Equal(t, domain.PaymentStatusProcessing, p.Status)
	assert.True(t, p.Markers.ApprovedByWebhook)
	assert.Equal(t, "payer@example.com", *p.PayerEmail)
	assert.Equal(t, []string{"REMOTE-1/pay-1"}, f.provider.captured)
	assert.False(t, p.IsConfirmed(), "одобрение не подтверждает оплату")
}

func TestHandle_Ignored(t *testing.T) {
	tests := []struct {
		name       string
		body       func(t *testing.T) []byte
		setup      func(f *dispatcherFixture)
		wantResult domain.WebhookResult
	}{
		{
			name: "неизвестный тип события",
			body: func(t *testing.T) []byte {
				return eventBody(t, "WH-X", "CUSTOMER.DISPUTE.CREATED", map[string]string{"id": "D-1"})
			},
			wantResult: domain.WebhookResultIgnored,
		},
		{
			name: "платёж не найден",
			body: func(t *testing.T) []byte { return captureBody(t, EventCaptureCompleted, "REMOTE-404") },
			setup: func(f *dispatcherFixture) {
				f.payments.On("GetByProviderPaymentID", mock.Anything, "REMOTE-404").Return(nil, domain.ErrPaymentNotFound)
			},
			wantResult: domain.WebhookResultNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDispatcherFixture()
			f.events.On("Begin", mock.Anything, mock.Anything).Return(&domain.WebhookEvent{ID: "rec-1"}, true, nil)
			f.expectFinish(tt.wantResult)
			if tt.setup != nil {
				tt.setup(f)
			}

			result, err := f.d.Handle(context.Background(), lenientHeaders(), tt.body(t))

			require.NoError(t, err)
			assert.Equal(t, tt.wantResult, result)
		})
	}
}

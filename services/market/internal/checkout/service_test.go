package checkout

import (
	"context"
	"errors"
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

type fakeVerifier struct {
	verified map[string]time.Time
	err      error
}

func (f *fakeVerifier) VerifiedAt(_ context.Context, addr string) (time.Time, bool, error) {
	if f.err != nil {
		return time.Time{}, false, f.err
	}
	at, ok := f.verified[addr]
	return at, ok, nil
}

type fakeMailer struct {
	scheduled []string
	ensured   []string
}

func (f *fakeMailer) EnsureSent(_ context.Context, orderID string, trigger email.Trigger) (email.Result, error) {
	f.ensured = append(f.ensured, orderID+"/"+string(trigger))
	return email.ResultSent, nil
}

func (f *fakeMailer) ScheduleFallback(_ context.Context, paymentID string) error {
	f.scheduled = append(f.scheduled, paymentID)
	return nil
}

type fixture struct {
	orders   *testutil.MockOrderRepository
	payments *testutil.MockPaymentRepository
	catalog  *testutil.MockCatalogRepository
	store    *testutil.MockStore
	provider *testutil.MockProvider
	guard    *testutil.MockGuard
	verifier *fakeVerifier
	mailer   *fakeMailer
	svc      *Service
}

func newFixture() *fixture {
	f := &fixture{
		orders:   new(testutil.MockOrderRepository),
		payments: new(testutil.MockPaymentRepository),
		catalog:  new(testutil.MockCatalogRepository),
		store:    new(testutil.MockStore),
		provider: new(testutil.MockProvider),
		guard:    new(testutil.MockGuard),
		verifier: &fakeVerifier{verified: map[string]time.Time{}},
		mailer:   &fakeMailer{},
	}
	lc := lifecycle.New(f.payments, f.orders, f.store, lifecycle.EventsConfig{})
	f.svc = NewService(f.orders, f.payments, f.catalog, lc, f.provider, f.guard, f.verifier, f.mailer, Config{
		ReturnURL:                "https://shop.example.com/checkout/success",
		CancelURL:                "https://shop.example.com/checkout/cancel",
		RequireEmailVerification: true,
	})
	return f
}

func (f *fixture) withCatalog() {
	f.catalog.On("GetServices", mock.Anything, mock.Anything).Return(map[string]*domain.Service{
		"logo":  {ID: "logo", TitleEn: "Logo", TitleAr: "شعار", Active: true, PricesByCurrency: map[string]int64{"SAR": 10000}},
		"cards": {ID: "cards", TitleEn: "Cards", Active: true, PricesByCurrency: map[string]int64{"SAR": 5000}},
	}, nil)
}

func (f *fixture) withLock() {
	f.guard.On("CheckAndSet", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	f.guard.On("Release", mock.Anything, mock.Anything).Return(nil)
}

func guestOrderInput(declared float64) OrderInput {
	return OrderInput{
		Contact:       domain.Contact{Name: "Sara", Email: "sara@example.com"},
		Items:         []ItemInput{{ServiceID: "logo", Quantity: 1}, {ServiceID: "cards", Quantity: 1}},
		Currency:      "sar",
		DeclaredTotal: &declared,
	}
}

func TestCreateOrder(t *testing.T) {
	tests := []struct {
		name     string
		declared float64
		wantErr  error
	}{
		{name: "сумма совпадает", declared: 172.5},
		{name: "расхождение в пределах копейки", declared: 172.51},
		{name: "расхождение больше копейки", declared: 172.52, wantErr: domain.ErrPricingMismatch},
		{name: "клиент занизил цену", declared: 100, wantErr: domain.ErrPricingMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.withCatalog()
			f.orders.On("Create", mock.Anything, mock.Anything).Return(nil)

			order, err := f.svc.CreateOrder(context.Background(), guestOrderInput(tt.declared))

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				f.orders.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, int64(15000), order.Subtotal)
			assert.Equal(t, int64(2250), order.Tax)
			assert.Equal(t, int64(17250), order.Total)
			assert.Equal(t, "SAR", order.Currency)
			assert.Equal(t, domain.OrderStatusPending, order.Status)
			assert.Empty(t, order.PublicOrderNumber())
		})
	}
}

func TestCreateOrder_UnknownService(t *testing.T) {
	f := newFixture()
	f.withCatalog()
	in := guestOrderInput(0)
	in.DeclaredTotal = nil
	in.Items = append(in.Items, ItemInput{ServiceID: "ghost", Quantity: 1})

	_, err := f.svc.CreateOrder(context.Background(), in)

	assert.ErrorIs(t, err, domain.ErrServiceNotFound)
}

func TestCreatePaymentSession_Temporary(t *testing.T) {
	f := newFixture()
	f.withCatalog()
	f.withLock()
	verifiedAt := time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)
	f.verifier.verified["sara@example.com"] = verifiedAt

	var created *domain.Payment
	f.provider.On("CreateOrder", mock.Anything, mock.MatchedBy(func(r provider.CreateOrderRequest) bool {
		return r.Amount == 17250 && r.Currency == "SAR" && r.ReferenceID == "tmp-1" && r.RequestID != ""
	})).Return(&provider.RemoteOrder{ID: "PP-1", ApprovalURL: "https://paypal.test/approve"}, nil)
	f.payments.On("Create", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { created = args.Get(1).(*domain.Payment) }).
		Return(nil)

	in := guestOrderInput(172.5)
	session, err := f.svc.CreatePaymentSession(context.Background(), SessionInput{TemporaryOrderID: "tmp-1", OrderData: &in})

	require.NoError(t, err)
	assert.Equal(t, "PP-1", session.SessionID)
	assert.Equal(t, "https://paypal.test/approve", session.ApprovalURL)
	require.NotNil(t, created)
	assert.Equal(t, session.PaymentID, created.ID)
	assert.Equal(t, domain.PaymentStatusPending, created.Status)
	assert.Nil(t, created.OrderID)
	tmp, ok := created.TemporaryContext()
	require.True(t, ok)
	assert.Equal(t, "tmp-1", tmp.TemporaryOrderID)
	assert.Len(t, tmp.Snapshot.Items, 2)
	assert.True(t, tmp.Snapshot.EmailVerified)
	assert.Equal(t, verifiedAt, *tmp.Snapshot.EmailVerifiedAt)
	f.guard.AssertCalled(t, "Release", mock.Anything, "payment:session:tmp-1")
}

func TestCreatePaymentSession_Permanent(t *testing.T) {
	f := newFixture()
	f.withLock()
	userID := "user-1"
	order := &domain.Order{ID: "order-1", UserID: &userID, Total: 17250, Currency: "SAR",
		Status: domain.OrderStatusPending, PaymentStatus: domain.OrderPaymentFailed}
	f.orders.On("GetByID", mock.Anything, "order-1").Return(order, nil)
	f.provider.On("CreateOrder", mock.Anything, mock.Anything).Return(&provider.RemoteOrder{ID: "PP-2"}, nil)
	var created *domain.Payment
	f.payments.On("Create", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { created = args.Get(1).(*domain.Payment) }).
		Return(nil)

	_, err := f.svc.CreatePaymentSession(context.Background(), SessionInput{OrderID: "order-1"})

	require.NoError(t, err)
	require.NotNil(t, created.OrderID)
	assert.Equal(t, "order-1", *created.OrderID)
	assert.Equal(t, domain.ContextPermanent, created.Context.Kind())
	assert.Equal(t, int64(17250), created.Amount)
}

func TestCreatePaymentSession_Rejections(t *testing.T) {
	paid := &domain.Order{ID: "order-paid", Status: domain.OrderStatusInProgress, PaymentStatus: domain.OrderPaymentPaid}
	guest := &domain.Order{ID: "order-guest", Contact: domain.Contact{Email: "anon@example.com"},
		Status: domain.OrderStatusPending, PaymentStatus: domain.OrderPaymentPending}

	tests := []struct {
		name    string
		setup   func(f *fixture)
		in      func() SessionInput
		wantErr error
	}{
		{
			name:    "нет ссылки на заказ",
			setup:   func(f *fixture) {},
			in:      func() SessionInput { return SessionInput{} },
			wantErr: domain.ErrInvalidCheckoutContext,
		},
		{
			name: "сессия уже создаётся",
			setup: func(f *fixture) {
				f.guard.On("CheckAndSet", mock.Anything, "payment:session:order-1", mock.Anything).Return(false, nil)
			},
			in:      func() SessionInput { return SessionInput{OrderID: "order-1"} },
			wantErr: domain.ErrSessionInProgress,
		},
		{
			name: "заказ уже оплачен",
			setup: func(f *fixture) {
				f.withLock()
				f.orders.On("GetByID", mock.Anything, "order-paid").Return(paid, nil)
			},
			in:      func() SessionInput { return SessionInput{OrderID: "order-paid"} },
			wantErr: domain.ErrOrderAlreadyPaid,
		},
		{
			name: "гость не подтвердил email",
			setup: func(f *fixture) {
				f.withLock()
				f.orders.On("GetByID", mock.Anything, "order-guest").Return(guest, nil)
			},
			in:      func() SessionInput { return SessionInput{OrderID: "order-guest"} },
			wantErr: domain.ErrEmailNotVerified,
		},
		{
			name: "временный заказ без данных",
			setup: func(f *fixture) {
				f.withLock()
			},
			in:      func() SessionInput { return SessionInput{TemporaryOrderID: "tmp-1"} },
			wantErr: domain.ErrInvalidCheckoutContext,
		},
		{
			name: "провайдер недоступен",
			setup: func(f *fixture) {
				f.withLock()
				f.withCatalog()
				f.verifier.verified["sara@example.com"] = time.Now()
				f.provider.On("CreateOrder", mock.Anything, mock.Anything).Return(nil, domain.ErrProviderUnavailable)
			},
			in: func() SessionInput {
				in := guestOrderInput(172.5)
				return SessionInput{TemporaryOrderID: "tmp-1", OrderData: &in}
			},
			wantErr: domain.ErrProviderUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			tt.setup(f)

			_, err := f.svc.CreatePaymentSession(context.Background(), tt.in())

			assert.ErrorIs(t, err, tt.wantErr)
			f.payments.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
		})
	}
}

func TestCreatePaymentSession_GuardDownStillCreates(t *testing.T) {
	f := newFixture()
	userID := "user-1"
	f.guard.On("CheckAndSet", mock.Anything, mock.Anything, mock.Anything).Return(false, errors.New("redis down"))
	f.orders.On("GetByID", mock.Anything, "order-1").Return(&domain.Order{ID: "order-1", UserID: &userID,
		Total: 100, Currency: "SAR", Status: domain.OrderStatusPending, PaymentStatus: domain.OrderPaymentPending}, nil)
	f.provider.On("CreateOrder", mock.Anything, mock.Anything).Return(&provider.RemoteOrder{ID: "PP-3"}, nil)
	f.payments.On("Create", mock.Anything, mock.Anything).Return(nil)

	session, err := f.svc.CreatePaymentSession(context.Background(), SessionInput{OrderID: "order-1"})

	require.NoError(t, err)
	assert.Equal(t, "PP-3", session.SessionID)
	f.guard.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
}

func TestVerifyPayment(t *testing.T) {
	orderID := "order-1"

	t.Run("без маркера webhook остаётся pending, даже если провайдер завершил оплату", func(t *testing.T) {
		f := newFixture()
		p := &domain.Payment{ID: "pay-1", ProviderPaymentID: "PP-1", Status: domain.PaymentStatusProcessing}
		f.payments.On("GetByProviderPaymentID", mock.Anything, "PP-1").Return(p, nil)
		f.provider.On("GetOrder", mock.Anything, "PP-1").Return(&provider.RemoteOrder{ID: "PP-1", Status: provider.OrderStatusCompleted}, nil)

		v, err := f.svc.VerifyPayment(context.Background(), "PP-1")

		require.NoError(t, err)
		assert.Equal(t, StatusPendingWebhookVerification, v.Status)
		assert.Equal(t, provider.OrderStatusCompleted, v.ProviderStatus)
		assert.Nil(t, v.Order)
		assert.Equal(t, domain.PaymentStatusProcessing, p.Status)
		assert.Equal(t, []string{"pay-1"}, f.mailer.scheduled)
		f.payments.AssertNotCalled(t, "SaveTransition", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("провайдер недоступен: статус провайдера опущен", func(t *testing.T) {
		f := newFixture()
		p := &domain.Payment{ID: "pay-1", ProviderPaymentID: "PP-1", Status: domain.PaymentStatusPending}
		f.payments.On("GetByProviderPaymentID", mock.Anything, "PP-1").Return(p, nil)
		f.provider.On("GetOrder", mock.Anything, "PP-1").Return(nil, domain.ErrProviderUnavailable)

		v, err := f.svc.VerifyPayment(context.Background(), "PP-1")

		require.NoError(t, err)
		assert.Equal(t, StatusPendingWebhookVerification, v.Status)
		assert.Empty(t, v.ProviderStatus)
	})

	t.Run("подтверждённый платёж с заказом - complete", func(t *testing.T) {
		f := newFixture()
		p := &domain.Payment{ID: "pay-1", ProviderPaymentID: "PP-1", OrderID: &orderID,
			Status: domain.PaymentStatusSucceeded, Markers: domain.PaymentMarkers{WebhookConfirmed: true}}
		order := &domain.Order{ID: orderID, PaymentStatus: domain.OrderPaymentPaid}
		f.payments.On("GetByProviderPaymentID", mock.Anything, "PP-1").Return(p, nil)
		f.orders.On("GetByID", mock.Anything, orderID).Return(order, nil)

		v, err := f.svc.VerifyPayment(context.Background(), "PP-1")

		require.NoError(t, err)
		assert.Equal(t, StatusComplete, v.Status)
		assert.Same(t, order, v.Order)
		f.provider.AssertNotCalled(t, "GetOrder", mock.Anything, mock.Anything)
	})

	t.Run("succeeded без маркера не считается завершённым", func(t *testing.T) {
		f := newFixture()
		p := &domain.Payment{ID: "pay-1", ProviderPaymentID: "PP-1", OrderID: &orderID, Status: domain.PaymentStatusSucceeded}
		f.payments.On("GetByProviderPaymentID", mock.Anything, "PP-1").Return(p, nil)
		f.provider.On("GetOrder", mock.Anything, "PP-1").Return(&provider.RemoteOrder{Status: provider.OrderStatusCompleted}, nil)

		v, err := f.svc.VerifyPayment(context.Background(), "PP-1")

		require.NoError(t, err)
		assert.Equal(t, StatusPendingWebhookVerification, v.Status)
	})

	t.Run("неизвестная сессия", func(t *testing.T) {
		f := newFixture()
		f.payments.On("GetByProviderPaymentID", mock.Anything, "PP-X").Return(nil, domain.ErrPaymentNotFound)

		_, err := f.svc.VerifyPayment(context.Background(), "PP-X")

		assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
	})
}

func TestRecordReturn(t *testing.T) {
	f := newFixture()
	p := &domain.Payment{ID: "pay-1", ProviderPaymentID: "PP-1", Status: domain.PaymentStatusPending}
	f.payments.On("GetByProviderPaymentID", mock.Anything, "PP-1").Return(p, nil)
	f.payments.On("MarkReturned", mock.Anything, "pay-1", mock.Anything).Return(true, nil)

	v, err := f.svc.RecordReturn(context.Background(), "PP-1")

	require.NoError(t, err)
	assert.Equal(t, StatusPendingWebhookVerification, v.Status)
	assert.Equal(t, domain.PaymentStatusPending, p.Status)
	assert.Equal(t, []string{"pay-1"}, f.mailer.scheduled)
}

func TestCancelOrder(t *testing.T) {
	t.Run("оплаченный заказ: возврат у провайдера", func(t *testing.T) {
		f := newFixture()
		paymentID, captureID, number := "pay-1", "CAP-1", "BD2603101200-AB12"
		captured := int64(17250)
		order := &domain.Order{ID: "order-1", OrderNumber: &number, PaymentID: &paymentID,
			Status: domain.OrderStatusInProgress, PaymentStatus: domain.OrderPaymentPaid}
		p := &domain.Payment{ID: paymentID, CaptureID: &captureID, CapturedAmount: &captured, Amount: 17250,
			Currency: "SAR", Status: domain.PaymentStatusSucceeded, Markers: domain.PaymentMarkers{WebhookConfirmed: true}}

		f.orders.On("GetByID", mock.Anything, "order-1").Return(order, nil)
		f.payments.On("GetByID", mock.Anything, paymentID).Return(p, nil)
		f.provider.On("RefundCapture", mock.Anything, captureID, int64(17250), "SAR", "refund-pay-1").
			Return(&provider.Refund{ID: "RF-1", Status: "COMPLETED", Amount: 17250}, nil)
		f.store.On("Apply", mock.Anything, mock.MatchedBy(func(c repository.Change) bool {
			return c.Order == order && c.Payment == p
		})).Return(nil)

		got, err := f.svc.CancelOrder(context.Background(), "order-1", "клиент передумал")

		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusCancelled, got.Status)
		assert.Equal(t, domain.OrderPaymentRefunded, got.PaymentStatus)
		assert.Equal(t, domain.PaymentStatusRefunded, p.Status)
		assert.Equal(t, int64(17250), *p.RefundAmount)
	})

	t.Run("неоплаченный заказ отменяется без возврата", func(t *testing.T) {
		f := newFixture()
		order := &domain.Order{ID: "order-2", Status: domain.OrderStatusPending, PaymentStatus: domain.OrderPaymentPending}
		f.orders.On("GetByID", mock.Anything, "order-2").Return(order, nil)
		f.payments.On("GetLatestByOrderID", mock.Anything, "order-2").Return(nil, domain.ErrPaymentNotFound)
		f.store.On("Apply", mock.Anything, mock.MatchedBy(func(c repository.Change) bool {
			return c.Payment == nil
		})).Return(nil)

		got, err := f.svc.CancelOrder(context.Background(), "order-2", "")

		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusCancelled, got.Status)
		assert.Equal(t, domain.OrderPaymentFailed, got.PaymentStatus)
		f.provider.AssertNotCalled(t, "RefundCapture", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("открытая сессия оплаты отменяется вместе с заказом", func(t *testing.T) {
		for _, status := range []domain.PaymentStatus{domain.PaymentStatusPending, domain.PaymentStatusProcessing} {
			t.Run(string(status), func(t *testing.T) {
				f := newFixture()
				orderID := "order-9"
				order := &domain.Order{ID: orderID, Status: domain.OrderStatusPending, PaymentStatus: domain.OrderPaymentPending}
				p := &domain.Payment{ID: "pay-9", OrderID: &orderID, ProviderPaymentID: "PP-9", Amount: 5000,
					Currency: "SAR", Status: status, Context: &domain.PermanentOrderContext{OrderID: orderID}}
				f.orders.On("GetByID", mock.Anything, orderID).Return(order, nil)
				f.payments.On("GetLatestByOrderID", mock.Anything, orderID).Return(p, nil)
				f.store.On("Apply", mock.Anything, mock.MatchedBy(func(c repository.Change) bool {
					return c.Order == order && c.Payment == p && c.ExpectedPayment == status
				})).Return(nil)

				got, err := f.svc.CancelOrder(context.Background(), orderID, "клиент передумал")

				require.NoError(t, err)
				assert.Equal(t, domain.OrderPaymentFailed, got.PaymentStatus)
				assert.Equal(t, domain.PaymentStatusCancelled, p.Status)
				f.store.AssertExpectations(t)
				f.payments.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
				f.provider.AssertNotCalled(t, "RefundCapture", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			})
		}
	})

	t.Run("списание до привязки к заказу возвращается", func(t *testing.T) {
		f := newFixture()
		orderID, captureID := "order-10", "CAP-10"
		order := &domain.Order{ID: orderID, Status: domain.OrderStatusPending, PaymentStatus: domain.OrderPaymentPending}
		p := &domain.Payment{ID: "pay-10", OrderID: &orderID, CaptureID: &captureID, Amount: 5000,
			Currency: "SAR", Status: domain.PaymentStatusSucceeded}
		f.orders.On("GetByID", mock.Anything, orderID).Return(order, nil)
		f.payments.On("GetLatestByOrderID", mock.Anything, orderID).Return(p, nil)
		f.provider.On("RefundCapture", mock.Anything, captureID, int64(5000), "SAR", "refund-pay-10").
			Return(&provider.Refund{ID: "RF-10", Status: "COMPLETED", Amount: 5000}, nil)
		f.store.On("Apply", mock.Anything, mock.Anything).Return(nil)

		got, err := f.svc.CancelOrder(context.Background(), orderID, "")

		require.NoError(t, err)
		assert.Equal(t, domain.OrderPaymentRefunded, got.PaymentStatus)
		assert.Equal(t, domain.PaymentStatusRefunded, p.Status)
		f.provider.AssertExpectations(t)
	})

	t.Run("доставленный заказ отменить нельзя", func(t *testing.T) {
		f := newFixture()
		order := &domain.Order{ID: "order-3", Status: domain.OrderStatusDelivered, PaymentStatus: domain.OrderPaymentPaid}
		f.orders.On("GetByID", mock.Anything, "order-3").Return(order, nil)

		_, err := f.svc.CancelOrder(context.Background(), "order-3", "")

		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		f.provider.AssertNotCalled(t, "RefundCapture", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("ошибка возврата не меняет статусы", func(t *testing.T) {
		f := newFixture()
		paymentID, captureID := "pay-4", "CAP-4"
		order := &domain.Order{ID: "order-4", PaymentID: &paymentID,
			Status: domain.OrderStatusInProgress, PaymentStatus: domain.OrderPaymentPaid}
		p := &domain.Payment{ID: paymentID, CaptureID: &captureID, Amount: 100, Currency: "SAR", Status: domain.PaymentStatusSucceeded}
		f.orders.On("GetByID", mock.Anything, "order-4").Return(order, nil)
		f.payments.On("GetByID", mock.Anything, paymentID).Return(p, nil)
		f.provider.On("RefundCapture", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, domain.ErrProviderUnavailable)

		_, err := f.svc.CancelOrder(context.Background(), "order-4", "")

		assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
		assert.Equal(t, domain.OrderStatusInProgress, order.Status)
		f.store.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything)
	})
}

func TestAdvanceStatus(t *testing.T) {
	f := newFixture()
	order := &domain.Order{ID: "order-1", Status: domain.OrderStatusInProgress, PaymentStatus: domain.OrderPaymentPaid}
	f.orders.On("GetByID", mock.Anything, "order-1").Return(order, nil)
	f.orders.On("SaveTransition", mock.Anything, order, mock.Anything, mock.Anything).Return(nil)

	got, err := f.svc.AdvanceStatus(context.Background(), "order-1", domain.OrderStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCompleted, got.Status)

	_, err = f.svc.AdvanceStatus(context.Background(), "order-1", domain.OrderStatus("archived"))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestResendEmail(t *testing.T) {
	f := newFixture()

	result, err := f.svc.ResendEmail(context.Background(), "order-1")

	require.NoError(t, err)
	assert.Equal(t, email.ResultSent, result)
	assert.Equal(t, []string{"order-1/manual"}, f.mailer.ensured)
}

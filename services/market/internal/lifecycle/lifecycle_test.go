package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/design-market/pkg/outbox"
	"example.com/design-market/services/market/internal/domain"
	"example.com/design-market/services/market/internal/repository"
	"example.com/design-market/services/market/internal/testutil"
)

type fixture struct {
	payments *testutil.MockPaymentRepository
	orders   *testutil.MockOrderRepository
	store    *testutil.MockStore
	svc      *Service
}

func newFixture(events bool) *fixture {
	f := &fixture{
		payments: new(testutil.MockPaymentRepository),
		orders:   new(testutil.MockOrderRepository),
		store:    new(testutil.MockStore),
	}
	f.svc = New(f.payments, f.orders, f.store, EventsConfig{Enabled: events, Topic: "market.order-events"})
	fixed := time.Date(2026, 1, 2, 15, 4, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return fixed }
	return f
}

func pendingOrder() *domain.Order {
	return domain.NewOrder("order-1", nil, domain.Contact{Email: "guest@example.com"}, []domain.OrderItem{
		{ServiceID: "svc-1", TitleEn: "Logo", Quantity: 1, UnitPrice: 10000, Currency: "USD"},
	}, time.Now().UTC())
}

func pendingPayment() *domain.Payment {
	orderID := "order-1"
	return &domain.Payment{
		ID:       "pay-1",
		OrderID:  &orderID,
		Amount:   11500,
		Currency: "USD",
		Status:   domain.PaymentStatusPending,
		Context:  &domain.PermanentOrderContext{OrderID: orderID},
	}
}

func TestMarkOrderPaid_RetriesNumberCollision(t *testing.T) {
	f := newFixture(false)
	numbers := []string{"BD2601021504-AAAA", "BD2601021504-BBBB"}
	call := 0
	f.svc.numbers = func(time.Time) (string, error) {
		n := numbers[call]
		call++
		return n, nil
	}

	f.store.On("Apply", mock.Anything, mock.MatchedBy(func(c repository.Change) bool {
		return *c.Order.OrderNumber == "BD2601021504-AAAA"
	})).Return(domain.ErrDuplicateOrderNumber).Once()
	f.store.On("Apply", mock.Anything, mock.MatchedBy(func(c repository.Change) bool {
		return *c.Order.OrderNumber == "BD2601021504-BBBB" &&
			c.ExpectedOrder == domain.OrderState{Status: domain.OrderStatusPending, PaymentStatus: domain.OrderPaymentPending}
	})).Return(nil).Once()

	order := pendingOrder()
	changed, err := f.svc.MarkOrderPaid(context.Background(), order, "pay-1")

	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "BD2601021504-BBBB", *order.OrderNumber)
	assert.Equal(t, domain.OrderStatusInProgress, order.Status)
	assert.Equal(t, domain.OrderPaymentPaid, order.PaymentStatus)
	f.store.AssertExpectations(t)
}

func TestMarkOrderPaid_AlreadyPaidIsNoop(t *testing.T) {
	f := newFixture(true)
	order := pendingOrder()
	_, err := order.MarkPaid("BD2601021504-AAAA", "pay-1", time.Now())
	require.NoError(t, err)

	changed, err := f.svc.MarkOrderPaid(context.Background(), order, "pay-1")

	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "BD2601021504-AAAA", *order.OrderNumber)
	f.store.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything)
}

func TestMarkOrderPaid_GivesUpAfterAttempts(t *testing.T) {
	f := newFixture(false)
	f.store.On("Apply", mock.Anything, mock.Anything).Return(domain.ErrDuplicateOrderNumber)

	order := pendingOrder()
	_, err := f.svc.MarkOrderPaid(context.Background(), order, "pay-1")

	assert.ErrorIs(t, err, domain.ErrDuplicateOrderNumber)
	assert.Nil(t, order.OrderNumber, "исходный заказ не меняется")
	f.store.AssertNumberOfCalls(t, "Apply", maxNumberAttempts)
}

func TestMarkOrderPaid_WritesPaidEvent(t *testing.T) {
	f := newFixture(true)
	f.store.On("Apply", mock.Anything, mock.MatchedBy(func(c repository.Change) bool {
		return len(c.Events) == 1 &&
			c.Events[0].EventType == domain.EventOrderPaid &&
			c.Events[0].Topic == "market.order-events" &&
			c.Events[0].MessageKey == "order-1"
	})).Return(nil)

	_, err := f.svc.MarkOrderPaid(context.Background(), pendingOrder(), "pay-1")

	require.NoError(t, err)
	f.store.AssertExpectations(t)
}

func TestMaterializePaid_LostRace(t *testing.T) {
	f := newFixture(false)
	winner := pendingOrder()
	winner.ID = "winner"
	f.store.On("Materialize", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(winner, false, nil)

	order := pendingOrder()
	result, created, err := f.svc.MaterializePaid(context.Background(), order, pendingPayment())

	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "winner", result.ID)
	assert.Nil(t, order.OrderNumber, "проигравший заказ не получает номер")
}

func TestConfirmCapture(t *testing.T) {
	tests := []struct {
		name      string
		status    domain.PaymentStatus
		saveErr   error
		changed   bool
		expectErr error
	}{
		{name: "pending -> succeeded", status: domain.PaymentStatusPending, changed: true},
		{name: "processing -> succeeded", status: domain.PaymentStatusProcessing, changed: true},
		{name: "повторное событие", status: domain.PaymentStatusSucceeded, changed: false},
		{name: "отклонённый платёж", status: domain.PaymentStatusFailed, expectErr: domain.ErrInvalidTransition},
		{name: "гонка при сохранении", status: domain.PaymentStatusPending, saveErr: domain.ErrConcurrentUpdate, expectErr: domain.ErrConcurrentUpdate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(false)
			p := pendingPayment()
			p.Status = tt.status
			f.payments.On("SaveTransition", mock.Anything, p, tt.status, mock.Anything).Return(tt.saveErr)

			changed, err := f.svc.ConfirmCapture(context.Background(), p, "CAP-1", 11500, "WH-1")

			if tt.expectErr != nil {
				assert.ErrorIs(t, err, tt.expectErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.changed, changed)
			if tt.changed {
				assert.True(t, p.Markers.WebhookConfirmed)
				f.payments.AssertCalled(t, "SaveTransition", mock.Anything, p, tt.status, mock.Anything)
			} else {
				f.payments.AssertNotCalled(t, "SaveTransition", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			}
		})
	}
}

func TestFailPayment_ResetsOrder(t *testing.T) {
	f := newFixture(true)
	f.store.On("Apply", mock.Anything, mock.MatchedBy(func(c repository.Change) bool {
		return c.Payment.Status == domain.PaymentStatusFailed &&
			c.ExpectedPayment == domain.PaymentStatusProcessing &&
			c.Order != nil &&
			c.Order.PaymentStatus == domain.OrderPaymentFailed &&
			len(c.Events) == 1 && c.Events[0].EventType == domain.EventPaymentFailed
	})).Return(nil)

	p := pendingPayment()
	p.Status = domain.PaymentStatusProcessing
	order := pendingOrder()

	changed, err := f.svc.FailPayment(context.Background(), p, "DENIED", order)

	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	f.store.AssertExpectations(t)
}

func TestFailPayment_NeverFromSucceeded(t *testing.T) {
	f := newFixture(false)
	p := pendingPayment()
	p.Status = domain.PaymentStatusSucceeded

	_, err := f.svc.FailPayment(context.Background(), p, "DENIED", nil)

	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.PaymentStatusSucceeded, p.Status)
}

func TestCancelOrder(t *testing.T) {
	t.Run("оплаченный заказ -> refunded", func(t *testing.T) {
		f := newFixture(true)
		order := pendingOrder()
		_, err := order.MarkPaid("BD2601021504-AAAA", "pay-1", time.Now())
		require.NoError(t, err)
		p := pendingPayment()
		p.Status = domain.PaymentStatusSucceeded

		f.store.On("Apply", mock.Anything, mock.MatchedBy(func(c repository.Change) bool {
			return c.Order.PaymentStatus == domain.OrderPaymentRefunded &&
				c.Payment.Status == domain.PaymentStatusRefunded &&
				c.ExpectedPayment == domain.PaymentStatusSucceeded &&
				len(c.Events) == 2
		})).Return(nil)

		err = f.svc.CancelOrder(context.Background(), order, "по просьбе клиента", p, 11500)

		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusCancelled, order.Status)
		require.NotNil(t, p.RefundAmount)
		assert.Equal(t, int64(11500), *p.RefundAmount)
	})

	t.Run("неоплаченный заказ -> failed, платёж отменён", func(t *testing.T) {
		f := newFixture(false)
		order := pendingOrder()
		p := pendingPayment()

		f.store.On("Apply", mock.Anything, mock.MatchedBy(func(c repository.Change) bool {
			return c.Order.PaymentStatus == domain.OrderPaymentFailed &&
				c.Payment.Status == domain.PaymentStatusCancelled
		})).Return(nil)

		err := f.svc.CancelOrder(context.Background(), order, "", p, 0)

		require.NoError(t, err)
		assert.Equal(t, domain.OrderPaymentFailed, order.PaymentStatus)
	})

	t.Run("списание до привязки к заказу -> refunded", func(t *testing.T) {
		f := newFixture(false)
		order := pendingOrder()
		p := pendingPayment()
		p.Status = domain.PaymentStatusSucceeded

		f.store.On("Apply", mock.Anything, mock.MatchedBy(func(c repository.Change) bool {
			return c.Order.PaymentStatus == domain.OrderPaymentRefunded &&
				c.Payment.Status == domain.PaymentStatusRefunded
		})).Return(nil)

		err := f.svc.CancelOrder(context.Background(), order, "", p, 11500)

		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusCancelled, order.Status)
		assert.Equal(t, domain.OrderPaymentRefunded, order.PaymentStatus)
	})

	t.Run("отменённый заказ", func(t *testing.T) {
		f := newFixture(false)
		order := pendingOrder()
		order.Status = domain.OrderStatusCancelled

		err := f.svc.CancelOrder(context.Background(), order, "", nil, 0)

		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})
}

func TestRefundPayment(t *testing.T) {
	f := newFixture(true)
	p := pendingPayment()
	_, _ = p.ConfirmCapture("CAP-1", 11500, "WH-1", time.Now())
	f.payments.On("SaveTransition", mock.Anything, p, domain.PaymentStatusSucceeded,
		mock.MatchedBy(func(ev []*outbox.Outbox) bool {
			return len(ev) == 1 && ev[0].EventType == domain.EventPaymentRefunded
		})).Return(nil)

	require.NoError(t, f.svc.RefundPayment(context.Background(), p, 11500))

	assert.Equal(t, domain.PaymentStatusRefunded, p.Status)
	f.payments.AssertExpectations(t)
}

func TestRecordRefundedCapture(t *testing.T) {
	f := newFixture(false)
	p := pendingPayment()
	_, _ = p.Cancel("заказ отменён", time.Now())
	f.payments.On("SaveTransition", mock.Anything, p, domain.PaymentStatusCancelled, mock.Anything).Return(nil).Once()

	changed, err := f.svc.RecordRefundedCapture(context.Background(), p, "CAP-1", 11500, 11500)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.svc.RecordRefundedCapture(context.Background(), p, "CAP-1", 11500, 11500)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, domain.PaymentStatusCancelled, p.Status)
	f.payments.AssertExpectations(t)
}

func TestAdvanceStatus(t *testing.T) {
	tests := []struct {
		name      string
		prepare   func(o *domain.Order)
		target    domain.OrderStatus
		expectErr error
	}{
		{name: "pending -> confirmed", target: domain.OrderStatusConfirmed},
		{name: "оплаченный -> completed", prepare: func(o *domain.Order) {
			_, _ = o.MarkPaid("BD2601021504-AAAA", "pay-1", time.Now())
		}, target: domain.OrderStatusCompleted},
		{name: "неоплаченный -> completed", target: domain.OrderStatusCompleted, expectErr: domain.ErrOrderNotPaid},
		{name: "недопустимая цель", target: domain.OrderStatusPending, expectErr: domain.ErrInvalidTransition},
		{name: "неоплаченный -> delivered", target: domain.OrderStatusDelivered, expectErr: domain.ErrOrderNotPaid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(true)
			f.orders.On("SaveTransition", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
			order := pendingOrder()
			if tt.prepare != nil {
				tt.prepare(order)
			}

			err := f.svc.AdvanceStatus(context.Background(), order, tt.target)

			if tt.expectErr != nil {
				assert.ErrorIs(t, err, tt.expectErr)
				f.orders.AssertNotCalled(t, "SaveTransition", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.target, order.Status)
		})
	}
}

func TestMarkDelivered_SaveError(t *testing.T) {
	f := newFixture(false)
	order := pendingOrder()
	_, err := order.MarkPaid("BD2601021504-AAAA", "pay-1", time.Now())
	require.NoError(t, err)
	f.orders.On("SaveTransition", mock.Anything, order, mock.Anything, mock.Anything).Return(errors.New("db down"))

	_, err = f.svc.MarkDelivered(context.Background(), order)

	assert.Error(t, err)
}

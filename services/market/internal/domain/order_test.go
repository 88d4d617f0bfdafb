package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 14, 9, 26, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func twoItems() []OrderItem {
	return []OrderItem{
		{ServiceID: "svc-logo", TitleEn: "Logo", Quantity: 1, UnitPrice: 10000, Currency: "SAR"},
		{ServiceID: "svc-card", TitleEn: "Business card", Quantity: 1, UnitPrice: 5000, Currency: "SAR"},
	}
}

func newPendingOrder() *Order {
	return NewOrder("order-1", nil, Contact{Name: "Guest", Email: "guest@example.com"}, twoItems(), testNow)
}

// =====================================
// Тесты сумм заказа
// =====================================

func TestOrder_RecalculateTotals(t *testing.T) {
	tests := []struct {
		name         string
		items        []OrderItem
		discount     int64
		taxIncluded  bool
		wantSubtotal int64
		wantTax      int64
		wantTotal    int64
	}{
		{
			name:         "две услуги 100 + 50",
			items:        twoItems(),
			wantSubtotal: 15000,
			wantTax:      2250,
			wantTotal:    17250,
		},
		{
			name:         "скидка уменьшает итог",
			items:        twoItems(),
			discount:     1000,
			wantSubtotal: 15000,
			wantTax:      2250,
			wantTotal:    16250,
		},
		{
			name:         "нулевой подытог без налога",
			items:        []OrderItem{{ServiceID: "svc-free", TitleEn: "Free", Quantity: 1, UnitPrice: 0, Currency: "SAR"}},
			wantSubtotal: 0,
			wantTax:      0,
			wantTotal:    0,
		},
		{
			name:         "количество умножает цену",
			items:        []OrderItem{{ServiceID: "svc", TitleEn: "Icon", Quantity: 3, UnitPrice: 333, Currency: "SAR"}},
			wantSubtotal: 999,
			wantTax:      150,
			wantTotal:    1149,
		},
		{
			name:         "НДС включён в цену",
			items:        []OrderItem{{ServiceID: "generic", TitleEn: "Design services", Quantity: 1, UnitPrice: 17250, Currency: "SAR"}},
			taxIncluded:  true,
			wantSubtotal: 17250,
			wantTax:      0,
			wantTotal:    17250,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &Order{ID: "o", TaxIncluded: tt.taxIncluded}
			o.SetItems(tt.items)
			o.SetDiscount(tt.discount)

			assert.Equal(t, tt.wantSubtotal, o.Subtotal)
			assert.Equal(t, tt.wantTax, o.Tax)
			assert.Equal(t, tt.wantTotal, o.Total)
			assert.Equal(t, o.Subtotal+o.Tax-o.Discount, o.Total)
		})
	}
}

func TestOrder_CheckDeclaredTotal(t *testing.T) {
	o := newPendingOrder()

	tests := []struct {
		name     string
		declared float64
		wantErr  error
	}{
		{name: "точное совпадение", declared: 172.5},
		{name: "в пределах эпсилон", declared: 172.51},
		{name: "расхождение больше эпсилон", declared: 172.53, wantErr: ErrPricingMismatch},
		{name: "клиент занизил сумму", declared: 150, wantErr: ErrPricingMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := o.CheckDeclaredTotal(tt.declared)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestOrder_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(o *Order)
		wantErr error
	}{
		{name: "валидный гостевой заказ", mutate: func(o *Order) {}},
		{name: "без позиций", mutate: func(o *Order) { o.SetItems(nil) }, wantErr: ErrEmptyOrderItems},
		{
			name:    "гость без email",
			mutate:  func(o *Order) { o.Contact.Email = " " },
			wantErr: ErrInvalidContact,
		},
		{
			name:   "пользователь без email",
			mutate: func(o *Order) { o.Contact.Email = ""; o.UserID = strPtr("user-1") },
		},
		{
			name:    "разные валюты",
			mutate:  func(o *Order) { o.Items[1].Currency = "USD" },
			wantErr: ErrCurrencyMismatch,
		},
		{
			name:    "нулевое количество",
			mutate:  func(o *Order) { o.Items[0].Quantity = 0 },
			wantErr: ErrInvalidQuantity,
		},
		{
			name:    "пустой ServiceID",
			mutate:  func(o *Order) { o.Items[0].ServiceID = "" },
			wantErr: ErrInvalidServiceID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newPendingOrder()
			tt.mutate(o)

			err := o.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

// =====================================
// Тесты переходов статуса
// =====================================

func TestOrder_MarkPaid(t *testing.T) {
	t.Run("присваивает номер и переводит в in_progress/paid", func(t *testing.T) {
		o := newPendingOrder()
		assert.Empty(t, o.PublicOrderNumber())

		changed, err := o.MarkPaid("BD2503140926-AB12", "pay-1", testNow)

		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, OrderStatusInProgress, o.Status)
		assert.Equal(t, OrderPaymentPaid, o.PaymentStatus)
		assert.Equal(t, "BD2503140926-AB12", o.PublicOrderNumber())
		assert.Equal(t, "pay-1", *o.PaymentID)
		assert.NotNil(t, o.PaidAt)
	})

	t.Run("повторный вызов не меняет номер", func(t *testing.T) {
		o := newPendingOrder()
		_, err := o.MarkPaid("BD2503140926-AB12", "pay-1", testNow)
		require.NoError(t, err)

		changed, err := o.MarkPaid("BD2503140927-ZZZZ", "pay-2", testNow.Add(time.Minute))

		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, "BD2503140926-AB12", *o.OrderNumber)
		assert.Equal(t, "pay-1", *o.PaymentID)
	})

	t.Run("из confirmed", func(t *testing.T) {
		o := newPendingOrder()
		require.NoError(t, o.Confirm(testNow))

		changed, err := o.MarkPaid("BD2503140926-AB12", "pay-1", testNow)
		require.NoError(t, err)
		assert.True(t, changed)
	})

	t.Run("отменённый заказ оплатить нельзя", func(t *testing.T) {
		o := newPendingOrder()
		require.NoError(t, o.Cancel("", testNow))

		_, err := o.MarkPaid("BD2503140926-AB12", "pay-1", testNow)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Empty(t, o.PublicOrderNumber())
	})
}

func TestOrder_MarkPaymentFailed(t *testing.T) {
	o := newPendingOrder()

	changed, err := o.MarkPaymentFailed(testNow)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, OrderStatusPending, o.Status)
	assert.Equal(t, OrderPaymentFailed, o.PaymentStatus)

	changed, err = o.MarkPaymentFailed(testNow)
	require.NoError(t, err)
	assert.False(t, changed, "повторный отказ ничего не меняет")

	// Покупатель может повторить оплату после отказа.
	changed, err = o.MarkPaid("BD2503140926-AB12", "pay-2", testNow)
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = o.MarkPaymentFailed(testNow)
	assert.ErrorIs(t, err, ErrInvalidTransition, "оплаченный заказ нельзя вернуть в failed")
}

func TestOrder_MarkDelivered(t *testing.T) {
	t.Run("неоплаченный заказ", func(t *testing.T) {
		o := newPendingOrder()
		_, err := o.MarkDelivered(testNow)
		assert.ErrorIs(t, err, ErrOrderNotPaid)
	})

	t.Run("оплаченный заказ", func(t *testing.T) {
		o := newPendingOrder()
		_, err := o.MarkPaid("BD2503140926-AB12", "pay-1", testNow)
		require.NoError(t, err)

		changed, err := o.MarkDelivered(testNow)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, OrderStatusDelivered, o.Status)
		assert.NotNil(t, o.DeliveredAt)

		changed, err = o.MarkDelivered(testNow)
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("из completed", func(t *testing.T) {
		o := newPendingOrder()
		_, err := o.MarkPaid("BD2503140926-AB12", "pay-1", testNow)
		require.NoError(t, err)
		require.NoError(t, o.Complete(testNow))

		changed, err := o.MarkDelivered(testNow)
		require.NoError(t, err)
		assert.True(t, changed)
	})
}

func TestOrder_Cancel(t *testing.T) {
	tests := []struct {
		name              string
		prepare           func(o *Order)
		wantPaymentStatus OrderPaymentStatus
		wantErr           error
	}{
		{
			name:              "неоплаченный заказ аннулируется",
			prepare:           func(o *Order) {},
			wantPaymentStatus: OrderPaymentFailed,
		},
		{
			name: "оплаченный заказ возвращается",
			prepare: func(o *Order) {
				_, _ = o.MarkPaid("BD2503140926-AB12", "pay-1", testNow)
			},
			wantPaymentStatus: OrderPaymentRefunded,
		},
		{
			name: "доставленный заказ отменить нельзя",
			prepare: func(o *Order) {
				_, _ = o.MarkPaid("BD2503140926-AB12", "pay-1", testNow)
				_, _ = o.MarkDelivered(testNow)
			},
			wantErr: ErrInvalidTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newPendingOrder()
			tt.prepare(o)

			err := o.Cancel("customer request", testNow)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, OrderStatusCancelled, o.Status)
			assert.Equal(t, tt.wantPaymentStatus, o.PaymentStatus)
			assert.Equal(t, "customer request", *o.CancelReason)
		})
	}
}

func TestOrder_OrderNumberOnlyWhenPaid(t *testing.T) {
	o := newPendingOrder()
	o.OrderNumber = strPtr("BD2503140926-AB12")

	assert.Empty(t, o.PublicOrderNumber(), "номер неоплаченного заказа скрыт")

	o.PaymentStatus = OrderPaymentPaid
	assert.NotEmpty(t, o.PublicOrderNumber())

	o.PaymentStatus = OrderPaymentRefunded
	assert.NotEmpty(t, o.PublicOrderNumber())
}

func TestOrder_Complete(t *testing.T) {
	o := newPendingOrder()
	assert.ErrorIs(t, o.Complete(testNow), ErrOrderNotPaid)

	_, err := o.MarkPaid("BD2503140926-AB12", "pay-1", testNow)
	require.NoError(t, err)
	require.NoError(t, o.Complete(testNow))
	assert.Equal(t, OrderStatusCompleted, o.Status)
	assert.ErrorIs(t, o.Confirm(testNow), ErrInvalidTransition)
}

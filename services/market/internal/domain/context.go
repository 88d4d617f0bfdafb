package domain

import "time"

// ContextKind — вид контекста оформления заказа, к которому относится платёж.
type ContextKind string

const (
	// ContextTemporary — платёж за ещё не сохранённый заказ (корзина в снимке).
	ContextTemporary ContextKind = "temporary"

	// ContextPermanent — платёж за сохранённый заказ.
	ContextPermanent ContextKind = "permanent"
)

// CheckoutContext — закрытое объединение TemporaryOrderContext | PermanentOrderContext.
type CheckoutContext interface {
	Kind() ContextKind
	isCheckoutContext()
}

// TemporaryOrderContext — снимок корзины, из которого после оплаты
// материализуется постоянный заказ.
type TemporaryOrderContext struct {
	TemporaryOrderID string
	Snapshot         CheckoutSnapshot
}

// Kind реализует CheckoutContext.
func (*TemporaryOrderContext) Kind() ContextKind { return ContextTemporary }
func (*TemporaryOrderContext) isCheckoutContext() {}

// PermanentOrderContext — платёж за существующий заказ.
type PermanentOrderContext struct {
	OrderID string
}

// Kind реализует CheckoutContext.
func (*PermanentOrderContext) Kind() ContextKind { return ContextPermanent }
func (*PermanentOrderContext) isCheckoutContext() {}

// CheckoutSnapshot — данные корзины на момент создания сессии оплаты.
// Цены клиента в снимке информативны: материализатор пересчитывает их по каталогу.
type CheckoutSnapshot struct {
	Items           []SnapshotItem `json:"items"`
	Currency        string         `json:"currency"`
	Contact         Contact        `json:"contact"`
	Notes           string         `json:"notes,omitempty"`
	UserID          *string        `json:"user_id,omitempty"`
	EmailVerified   bool           `json:"email_verified"`
	EmailVerifiedAt *time.Time     `json:"email_verified_at,omitempty"`
}

// SnapshotItem — позиция корзины.
type SnapshotItem struct {
	ServiceID string `json:"service_id"`
	Quantity  int32  `json:"quantity"`
	TitleEn   string `json:"title_en,omitempty"`
	TitleAr   string `json:"title_ar,omitempty"`
	UnitPrice int64  `json:"unit_price,omitempty"`
}

package domain

import (
	"strings"
	"time"
)

// OrderStatus — статус выполнения заказа.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан, ожидает оплаты.
	OrderStatusPending OrderStatus = "pending"

	// OrderStatusConfirmed — заказ подтверждён оператором.
	OrderStatusConfirmed OrderStatus = "confirmed"

	// OrderStatusInProgress — заказ оплачен, дизайнер работает.
	OrderStatusInProgress OrderStatus = "in_progress"

	// OrderStatusCompleted — работа завершена, материалы готовы.
	OrderStatusCompleted OrderStatus = "completed"

	// OrderStatusDelivered — письмо со ссылками доставки отправлено.
	OrderStatusDelivered OrderStatus = "delivered"

	// OrderStatusCancelled — заказ отменён.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// IsTerminal возвращает true для финальных статусов.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// IsValid проверяет, что статус известен.
func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusInProgress,
		OrderStatusCompleted, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// OrderPaymentStatus — статус оплаты заказа.
type OrderPaymentStatus string

const (
	OrderPaymentPending  OrderPaymentStatus = "pending"
	OrderPaymentPaid     OrderPaymentStatus = "paid"
	OrderPaymentFailed   OrderPaymentStatus = "failed"
	OrderPaymentRefunded OrderPaymentStatus = "refunded"
)

// orderTransitions определяет допустимые переходы статуса заказа.
// Из любого нефинального статуса можно перейти в cancelled.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusInProgress, OrderStatusCancelled},
	OrderStatusConfirmed:  {OrderStatusInProgress, OrderStatusCancelled},
	OrderStatusInProgress: {OrderStatusCompleted, OrderStatusDelivered, OrderStatusCancelled},
	OrderStatusCompleted:  {OrderStatusDelivered, OrderStatusCancelled},
}

// Contact — контактные данные покупателя на момент заказа.
type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// OrderItem — позиция заказа.
// Название и цена копируются из каталога на момент заказа.
type OrderItem struct {
	ID        string
	OrderID   string
	ServiceID string
	TitleEn   string
	TitleAr   string
	Quantity  int32
	UnitPrice int64 // В минимальных единицах
	Currency  string
}

// Validate проверяет корректность позиции.
func (i *OrderItem) Validate() error {
	if strings.TrimSpace(i.ServiceID) == "" {
		return ErrInvalidServiceID
	}
	if strings.TrimSpace(i.TitleEn) == "" && strings.TrimSpace(i.TitleAr) == "" {
		return ErrInvalidTitle
	}
	if i.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	if i.UnitPrice < 0 {
		return ErrInvalidPrice
	}
	return nil
}

// Total возвращает стоимость позиции (цена * количество).
func (i *OrderItem) Total() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

// OrderState — пара статусов, по которой строится условный UPDATE.
type OrderState struct {
	Status        OrderStatus
	PaymentStatus OrderPaymentStatus
}

// Order — заказ покупателя.
type Order struct {
	ID          string
	OrderNumber *string // Присваивается только при подтверждении оплаты
	UserID      *string // nil для гостевого заказа
	Contact     Contact
	Items       []OrderItem

	Subtotal int64
	Tax      int64
	Discount int64
	Total    int64
	Currency string
	// TaxIncluded — НДС уже входит в цены позиций (резервная позиция материализации).
	TaxIncluded bool

	Status        OrderStatus
	PaymentStatus OrderPaymentStatus
	PaymentID     *string

	DeliveryEmailSent   bool
	DeliveryEmailSentAt *time.Time
	DeliveredAt         *time.Time
	EmailVerified       bool
	EmailVerifiedAt     *time.Time

	Notes        string
	CancelReason *string
	PaidAt       *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewOrder создаёт заказ в статусе pending/pending и пересчитывает суммы.
func NewOrder(id string, userID *string, contact Contact, items []OrderItem, now time.Time) *Order {
	o := &Order{
		ID:            id,
		UserID:        userID,
		Contact:       contact,
		Status:        OrderStatusPending,
		PaymentStatus: OrderPaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	o.SetItems(items)
	return o
}

// State возвращает текущую пару статусов.
func (o *Order) State() OrderState {
	return OrderState{Status: o.Status, PaymentStatus: o.PaymentStatus}
}

// Validate проверяет заказ перед сохранением.
func (o *Order) Validate() error {
	if len(o.Items) == 0 {
		return ErrEmptyOrderItems
	}
	for i := range o.Items {
		if err := o.Items[i].Validate(); err != nil {
			return err
		}
		if o.Items[i].Currency != o.Currency {
			return ErrCurrencyMismatch
		}
	}
	if o.UserID == nil && strings.TrimSpace(o.Contact.Email) == "" {
		return ErrInvalidContact
	}
	return nil
}

// SetItems заменяет позиции и пересчитывает суммы.
func (o *Order) SetItems(items []OrderItem) {
	o.Items = items
	if len(items) > 0 {
		o.Currency = items[0].Currency
	}
	for i := range o.Items {
		o.Items[i].OrderID = o.ID
	}
	o.RecalculateTotals()
}

// SetDiscount устанавливает скидку и пересчитывает итог.
func (o *Order) SetDiscount(discount int64) {
	o.Discount = discount
	o.RecalculateTotals()
}

// RecalculateTotals пересчитывает subtotal, tax и total из позиций.
// total = subtotal + tax - discount.
func (o *Order) RecalculateTotals() {
	var subtotal int64
	for i := range o.Items {
		subtotal += o.Items[i].Total()
	}
	o.Subtotal = subtotal
	if o.TaxIncluded {
		o.Tax = 0
	} else {
		o.Tax = CalculateTax(subtotal)
	}
	o.Total = o.Subtotal + o.Tax - o.Discount
}

// CheckDeclaredTotal сравнивает сумму клиента (в основных единицах) с серверной.
func (o *Order) CheckDeclaredTotal(declared float64) error {
	diff := ToMinor(declared) - o.Total
	if diff < 0 {
		diff = -diff
	}
	if diff > PricingEpsilonMinor {
		return ErrPricingMismatch
	}
	return nil
}

// IsPaid возвращает true, если оплата заказа подтверждена.
func (o *Order) IsPaid() bool {
	return o.PaymentStatus == OrderPaymentPaid
}

// PublicOrderNumber возвращает номер заказа для внешних ответов.
// У неоплаченного заказа номер не показывается.
func (o *Order) PublicOrderNumber() string {
	if o.OrderNumber == nil {
		return ""
	}
	if o.PaymentStatus != OrderPaymentPaid && o.PaymentStatus != OrderPaymentRefunded {
		return ""
	}
	return *o.OrderNumber
}

// CanTransitionTo проверяет, допустим ли переход статуса.
func (o *Order) CanTransitionTo(next OrderStatus) bool {
	for _, s := range orderTransitions[o.Status] {
		if s == next {
			return true
		}
	}
	return false
}

// MarkPaid переводит заказ в in_progress/paid и присваивает номер.
// Повторный вызов для оплаченного заказа ничего не меняет и возвращает false.
func (o *Order) MarkPaid(orderNumber, paymentID string, now time.Time) (bool, error) {
	if o.PaymentStatus == OrderPaymentPaid {
		return false, nil
	}
	if o.PaymentStatus == OrderPaymentRefunded || !o.CanTransitionTo(OrderStatusInProgress) {
		return false, ErrInvalidTransition
	}

	if o.OrderNumber == nil {
		o.OrderNumber = &orderNumber
	}
	o.Status = OrderStatusInProgress
	o.PaymentStatus = OrderPaymentPaid
	o.PaymentID = &paymentID
	o.PaidAt = &now
	o.UpdatedAt = now
	return true, nil
}

// MarkPaymentFailed возвращает заказ в pending/failed, чтобы покупатель мог повторить оплату.
func (o *Order) MarkPaymentFailed(now time.Time) (bool, error) {
	if o.Status == OrderStatusPending && o.PaymentStatus == OrderPaymentFailed {
		return false, nil
	}
	if o.PaymentStatus == OrderPaymentPaid || o.PaymentStatus == OrderPaymentRefunded {
		return false, ErrInvalidTransition
	}
	if o.Status != OrderStatusPending && o.Status != OrderStatusConfirmed {
		return false, ErrInvalidTransition
	}

	o.Status = OrderStatusPending
	o.PaymentStatus = OrderPaymentFailed
	o.UpdatedAt = now
	return true, nil
}

// MarkEmailSent фиксирует успешную отправку письма доставки.
func (o *Order) MarkEmailSent(now time.Time) {
	o.DeliveryEmailSent = true
	o.DeliveryEmailSentAt = &now
	o.UpdatedAt = now
}

// MarkDelivered переводит оплаченный заказ в delivered.
func (o *Order) MarkDelivered(now time.Time) (bool, error) {
	if o.Status == OrderStatusDelivered {
		return false, nil
	}
	if !o.IsPaid() {
		return false, ErrOrderNotPaid
	}
	if !o.CanTransitionTo(OrderStatusDelivered) {
		return false, ErrInvalidTransition
	}

	o.Status = OrderStatusDelivered
	o.DeliveredAt = &now
	o.UpdatedAt = now
	return true, nil
}

// Confirm подтверждает заказ оператором до оплаты.
func (o *Order) Confirm(now time.Time) error {
	if o.Status != OrderStatusPending || !o.CanTransitionTo(OrderStatusConfirmed) {
		return ErrInvalidTransition
	}
	o.Status = OrderStatusConfirmed
	o.UpdatedAt = now
	return nil
}

// Complete отмечает завершение работы над оплаченным заказом.
func (o *Order) Complete(now time.Time) error {
	if !o.IsPaid() {
		return ErrOrderNotPaid
	}
	if !o.CanTransitionTo(OrderStatusCompleted) {
		return ErrInvalidTransition
	}
	o.Status = OrderStatusCompleted
	o.UpdatedAt = now
	return nil
}

// Cancel отменяет заказ.
// Оплаченный заказ получает paymentStatus=refunded (возврат выполняет вызывающий),
// неоплаченный - failed: средства не списывались, возвращать нечего.
func (o *Order) Cancel(reason string, now time.Time) error {
	if !o.CanTransitionTo(OrderStatusCancelled) {
		return ErrInvalidTransition
	}

	if o.IsPaid() {
		o.PaymentStatus = OrderPaymentRefunded
	} else {
		o.PaymentStatus = OrderPaymentFailed
	}
	o.Status = OrderStatusCancelled
	if reason != "" {
		o.CancelReason = &reason
	}
	o.UpdatedAt = now
	return nil
}

package handler

import (
	"time"

	"example.com/design-market/services/market/internal/checkout"
	"example.com/design-market/services/market/internal/domain"
)

// === Request DTOs ===

// ContactRequest — контактные данные покупателя.
type ContactRequest struct {
	Name  string `json:"name"`
	Email string `json:"email" binding:"omitempty,email"`
	Phone string `json:"phone"`
}

// OrderItemRequest — позиция корзины. Цена информативна, сервер берёт её из каталога.
type OrderItemRequest struct {
	ServiceID string  `json:"serviceId" binding:"required"`
	Quantity  int32   `json:"quantity" binding:"required,min=1"`
	UnitPrice float64 `json:"unitPrice" binding:"min=0"`
}

// CreateOrderRequest — запрос на создание заказа.
type CreateOrderRequest struct {
	UserID   *string            `json:"userId"`
	Contact  ContactRequest     `json:"contact"`
	Items    []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	Currency string             `json:"currency" binding:"required,len=3"`
	Notes    string             `json:"notes" binding:"max=2000"`
	Total    *float64           `json:"total"`
}

// PaymentSessionRequest — запрос сессии оплаты.
type PaymentSessionRequest struct {
	OrderID          string              `json:"orderId"`
	TemporaryOrderID string              `json:"temporaryOrderId"`
	OrderData        *CreateOrderRequest `json:"orderData"`
}

// SessionRequest — запрос по идентификатору сессии провайдера.
type SessionRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
}

// SendCodeRequest — запрос кода подтверждения email.
type SendCodeRequest struct {
	Email string `json:"email" binding:"required,email"`
}

// ConfirmCodeRequest — проверка кода подтверждения.
type ConfirmCodeRequest struct {
	Email string `json:"email" binding:"required,email"`
	Code  string `json:"code" binding:"required,len=6,numeric"`
}

// CancelOrderRequest — отмена заказа оператором.
type CancelOrderRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

// StatusRequest — перевод заказа в статус.
type StatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// CleanupRunRequest — запуск очистки. hoursThreshold переопределяет оба порога.
type CleanupRunRequest struct {
	Type           string  `json:"type"`
	HoursThreshold float64 `json:"hoursThreshold" binding:"min=0"`
}

// toOrderInput преобразует запрос в вход сервиса оформления.
func (r *CreateOrderRequest) toOrderInput() checkout.OrderInput {
	items := make([]checkout.ItemInput, len(r.Items))
	for i, it := range r.Items {
		items[i] = checkout.ItemInput{
			ServiceID: it.ServiceID,
			Quantity:  it.Quantity,
			UnitPrice: domain.ToMinor(it.UnitPrice),
		}
	}
	return checkout.OrderInput{
		UserID: r.UserID,
		Contact: domain.Contact{
			Name:  r.Contact.Name,
			Email: r.Contact.Email,
			Phone: r.Contact.Phone,
		},
		Items:         items,
		Currency:      r.Currency,
		Notes:         r.Notes,
		DeclaredTotal: r.Total,
	}
}

// === Response DTOs ===

// OrderItemResponse — позиция заказа в ответе. Суммы в основных единицах.
type OrderItemResponse struct {
	ServiceID string  `json:"serviceId"`
	TitleEn   string  `json:"titleEn"`
	TitleAr   string  `json:"titleAr"`
	Quantity  int32   `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
	Total     float64 `json:"total"`
}

// OrderResponse — заказ в ответе. Номер заказа скрыт, пока заказ не оплачен.
type OrderResponse struct {
	ID                string              `json:"id"`
	OrderNumber       string              `json:"orderNumber,omitempty"`
	UserID            *string             `json:"userId,omitempty"`
	Contact           domain.Contact      `json:"contact"`
	Items             []OrderItemResponse `json:"items"`
	Subtotal          float64             `json:"subtotal"`
	Tax               float64             `json:"tax"`
	Discount          float64             `json:"discount"`
	Total             float64             `json:"total"`
	Currency          string              `json:"currency"`
	TaxIncluded       bool                `json:"taxIncluded,omitempty"`
	Status            string              `json:"status"`
	PaymentStatus     string              `json:"paymentStatus"`
	PaymentID         *string             `json:"paymentId,omitempty"`
	DeliveryEmailSent bool                `json:"deliveryEmailSent"`
	DeliveredAt       *time.Time          `json:"deliveredAt,omitempty"`
	EmailVerified     bool                `json:"emailVerified"`
	Notes             string              `json:"notes,omitempty"`
	CancelReason      *string             `json:"cancelReason,omitempty"`
	PaidAt            *time.Time          `json:"paidAt,omitempty"`
	CreatedAt         time.Time           `json:"createdAt"`
	UpdatedAt         time.Time           `json:"updatedAt"`
}

// PaymentResponse — платёж в ответе.
type PaymentResponse struct {
	ID                   string     `json:"id"`
	SessionID            string     `json:"sessionId"`
	OrderID              *string    `json:"orderId,omitempty"`
	Status               string     `json:"status"`
	Amount               float64    `json:"amount"`
	CapturedAmount       *float64   `json:"capturedAmount,omitempty"`
	Currency             string     `json:"currency"`
	WebhookConfirmed     bool       `json:"webhookConfirmed"`
	ReturnedFromProvider bool       `json:"returnedFromProvider"`
	RefundedAt           *time.Time `json:"refundedAt,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
}

// SessionResponse — созданная сессия оплаты.
type SessionResponse struct {
	SessionID   string `json:"sessionId"`
	ApprovalURL string `json:"approvalUrl"`
	PaymentID   string `json:"paymentId"`
}

// VerificationResponse — ответ на опрос статуса оплаты.
type VerificationResponse struct {
	Status         string           `json:"status"`
	Order          *OrderResponse   `json:"order,omitempty"`
	Payment        *PaymentResponse `json:"payment,omitempty"`
	ProviderStatus string           `json:"providerStatus,omitempty"`
}

func newOrderResponse(o *domain.Order) *OrderResponse {
	if o == nil {
		return nil
	}
	items := make([]OrderItemResponse, len(o.Items))
	for i := range o.Items {
		it := &o.Items[i]
		items[i] = OrderItemResponse{
			ServiceID: it.ServiceID,
			TitleEn:   it.TitleEn,
			TitleAr:   it.TitleAr,
			Quantity:  it.Quantity,
			UnitPrice: domain.ToMajor(it.UnitPrice),
			Total:     domain.ToMajor(it.Total()),
		}
	}
	return &OrderResponse{
		ID:                o.ID,
		OrderNumber:       o.PublicOrderNumber(),
		UserID:            o.UserID,
		Contact:           o.Contact,
		Items:             items,
		Subtotal:          domain.ToMajor(o.Subtotal),
		Tax:               domain.ToMajor(o.Tax),
		Discount:          domain.ToMajor(o.Discount),
		Total:             domain.ToMajor(o.Total),
		Currency:          o.Currency,
		TaxIncluded:       o.TaxIncluded,
		Status:            string(o.Status),
		PaymentStatus:     string(o.PaymentStatus),
		PaymentID:         o.PaymentID,
		DeliveryEmailSent: o.DeliveryEmailSent,
		DeliveredAt:       o.DeliveredAt,
		EmailVerified:     o.EmailVerified,
		Notes:             o.Notes,
		CancelReason:      o.CancelReason,
		PaidAt:            o.PaidAt,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
}

func newPaymentResponse(p *domain.Payment) *PaymentResponse {
	if p == nil {
		return nil
	}
	resp := &PaymentResponse{
		ID:                   p.ID,
		SessionID:            p.ProviderPaymentID,
		OrderID:              p.OrderID,
		Status:               string(p.Status),
		Amount:               domain.ToMajor(p.Amount),
		Currency:             p.Currency,
		WebhookConfirmed:     p.Markers.WebhookConfirmed,
		ReturnedFromProvider: p.Markers.ReturnedFromProvider,
		RefundedAt:           p.RefundedAt,
		CreatedAt:            p.CreatedAt,
	}
	if p.CapturedAmount != nil {
		captured := domain.ToMajor(*p.CapturedAmount)
		resp.CapturedAmount = &captured
	}
	return resp
}

func newVerificationResponse(v *checkout.Verification) VerificationResponse {
	return VerificationResponse{
		Status:         v.Status,
		Order:          newOrderResponse(v.Order),
		Payment:        newPaymentResponse(v.Payment),
		ProviderStatus: v.ProviderStatus,
	}
}

package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"example.com/design-market/services/market/internal/domain"
)

// OrderModel — GORM модель для таблицы orders.
type OrderModel struct {
	ID                  string           `gorm:"column:id;type:varchar(36);primaryKey"`
	OrderNumber         *string          `gorm:"column:order_number;type:varchar(20);uniqueIndex"`
	UserID              *string          `gorm:"column:user_id;type:varchar(36);index"`
	ContactName         string           `gorm:"column:contact_name"`
	ContactEmail        string           `gorm:"column:contact_email"`
	ContactPhone        string           `gorm:"column:contact_phone"`
	Subtotal            int64            `gorm:"column:subtotal;not null"`
	Tax                 int64            `gorm:"column:tax;not null"`
	Discount            int64            `gorm:"column:discount;not null"`
	Total               int64            `gorm:"column:total;not null"`
	Currency            string           `gorm:"column:currency;type:varchar(3);not null"`
	TaxIncluded         bool             `gorm:"column:tax_included"`
	Status              string           `gorm:"column:status;type:varchar(20);not null"`
	PaymentStatus       string           `gorm:"column:payment_status;type:varchar(20);not null"`
	PaymentID           *string          `gorm:"column:payment_id;type:varchar(36)"`
	DeliveryEmailSent   bool             `gorm:"column:delivery_email_sent"`
	DeliveryEmailSentAt *time.Time       `gorm:"column:delivery_email_sent_at"`
	DeliveredAt         *time.Time       `gorm:"column:delivered_at"`
	EmailVerified       bool             `gorm:"column:email_verified"`
	EmailVerifiedAt     *time.Time       `gorm:"column:email_verified_at"`
	Notes               string           `gorm:"column:notes"`
	CancelReason        *string          `gorm:"column:cancel_reason"`
	PaidAt              *time.Time       `gorm:"column:paid_at"`
	CreatedAt           time.Time        `gorm:"column:created_at"`
	UpdatedAt           time.Time        `gorm:"column:updated_at"`
	Items               []OrderItemModel `gorm:"foreignKey:OrderID;references:ID"`
}

// TableName возвращает имя таблицы в БД.
func (OrderModel) TableName() string {
	return "orders"
}

// OrderItemModel — GORM модель для таблицы order_items.
type OrderItemModel struct {
	ID        string    `gorm:"column:id;type:varchar(36);primaryKey"`
	OrderID   string    `gorm:"column:order_id;type:varchar(36);not null;index"`
	ServiceID string    `gorm:"column:service_id;type:varchar(36);not null"`
	TitleEn   string    `gorm:"column:title_en"`
	TitleAr   string    `gorm:"column:title_ar"`
	Quantity  int32     `gorm:"column:quantity;not null"`
	UnitPrice int64     `gorm:"column:unit_price;not null"`
	Currency  string    `gorm:"column:currency;type:varchar(3);not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName возвращает имя таблицы в БД.
func (OrderItemModel) TableName() string {
	return "order_items"
}

func (m *OrderModel) toDomain() *domain.Order {
	o := &domain.Order{
		ID:          m.ID,
		OrderNumber: m.OrderNumber,
		UserID:      m.UserID,
		Contact: domain.Contact{
			Name:  m.ContactName,
			Email: m.ContactEmail,
			Phone: m.ContactPhone,
		},
		Subtotal:            m.Subtotal,
		Tax:                 m.Tax,
		Discount:            m.Discount,
		Total:               m.Total,
		Currency:            m.Currency,
		TaxIncluded:         m.TaxIncluded,
		Status:              domain.OrderStatus(m.Status),
		PaymentStatus:       domain.OrderPaymentStatus(m.PaymentStatus),
		PaymentID:           m.PaymentID,
		DeliveryEmailSent:   m.DeliveryEmailSent,
		DeliveryEmailSentAt: m.DeliveryEmailSentAt,
		DeliveredAt:         m.DeliveredAt,
		EmailVerified:       m.EmailVerified,
		EmailVerifiedAt:     m.EmailVerifiedAt,
		Notes:               m.Notes,
		CancelReason:        m.CancelReason,
		PaidAt:              m.PaidAt,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
		Items:               make([]domain.OrderItem, len(m.Items)),
	}
	for i, item := range m.Items {
		o.Items[i] = domain.OrderItem{
			ID:        item.ID,
			OrderID:   item.OrderID,
			ServiceID: item.ServiceID,
			TitleEn:   item.TitleEn,
			TitleAr:   item.TitleAr,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Currency:  item.Currency,
		}
	}
	return o
}

func orderModelFromDomain(o *domain.Order) *OrderModel {
	m := &OrderModel{
		ID:                  o.ID,
		OrderNumber:         o.OrderNumber,
		UserID:              o.UserID,
		ContactName:         o.Contact.Name,
		ContactEmail:        o.Contact.Email,
		ContactPhone:        o.Contact.Phone,
		Subtotal:            o.Subtotal,
		Tax:                 o.Tax,
		Discount:            o.Discount,
		Total:               o.Total,
		Currency:            o.Currency,
		TaxIncluded:         o.TaxIncluded,
		Status:              string(o.Status),
		PaymentStatus:       string(o.PaymentStatus),
		PaymentID:           o.PaymentID,
		DeliveryEmailSent:   o.DeliveryEmailSent,
		DeliveryEmailSentAt: o.DeliveryEmailSentAt,
		DeliveredAt:         o.DeliveredAt,
		EmailVerified:       o.EmailVerified,
		EmailVerifiedAt:     o.EmailVerifiedAt,
		Notes:               o.Notes,
		CancelReason:        o.CancelReason,
		PaidAt:              o.PaidAt,
		CreatedAt:           o.CreatedAt,
		UpdatedAt:           o.UpdatedAt,
		Items:               make([]OrderItemModel, len(o.Items)),
	}
	for i, item := range o.Items {
		m.Items[i] = OrderItemModel{
			ID:        item.ID,
			OrderID:   o.ID,
			ServiceID: item.ServiceID,
			TitleEn:   item.TitleEn,
			TitleAr:   item.TitleAr,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Currency:  item.Currency,
			CreatedAt: o.CreatedAt,
		}
	}
	return m
}

// PaymentModel — GORM модель для таблицы payments.
// Контекст оформления хранится как context_kind + temporary_order_id + snapshot (JSON).
type PaymentModel struct {
	ID                      string     `gorm:"column:id;type:varchar(36);primaryKey"`
	OrderID                 *string    `gorm:"column:order_id;type:varchar(36);index"`
	UserID                  *string    `gorm:"column:user_id;type:varchar(36)"`
	Provider                string     `gorm:"column:provider;type:varchar(20);not null"`
	ProviderPaymentID       string     `gorm:"column:provider_payment_id;type:varchar(64);uniqueIndex"`
	CaptureID               *string    `gorm:"column:capture_id"`
	Amount                  int64      `gorm:"column:amount;not null"`
	CapturedAmount          *int64     `gorm:"column:captured_amount"`
	Currency                string     `gorm:"column:currency;type:varchar(3);not null"`
	PayerEmail              *string    `gorm:"column:payer_email"`
	ApprovalURL             string     `gorm:"column:approval_url"`
	Status                  string     `gorm:"column:status;type:varchar(20);not null"`
	ContextKind             string     `gorm:"column:context_kind;type:varchar(20);not null"`
	TemporaryOrderID        *string    `gorm:"column:temporary_order_id"`
	Snapshot                []byte     `gorm:"column:snapshot;type:json"`
	WebhookConfirmed        bool       `gorm:"column:webhook_confirmed"`
	WebhookConfirmedAt      *time.Time `gorm:"column:webhook_confirmed_at"`
	WebhookEventID          *string    `gorm:"column:webhook_event_id"`
	ApprovedByWebhook       bool       `gorm:"column:approved_by_webhook"`
	ReturnedFromProvider    bool       `gorm:"column:returned_from_provider"`
	ReturnedAt              *time.Time `gorm:"column:returned_at"`
	MaterializationFallback bool       `gorm:"column:materialization_fallback"`
	FailureReason           *string    `gorm:"column:failure_reason"`
	RefundAmount            *int64     `gorm:"column:refund_amount"`
	RefundedAt              *time.Time `gorm:"column:refunded_at"`
	CreatedAt               time.Time  `gorm:"column:created_at"`
	UpdatedAt               time.Time  `gorm:"column:updated_at"`
}

// TableName возвращает имя таблицы в БД.
func (PaymentModel) TableName() string {
	return "payments"
}

func (m *PaymentModel) toDomain() (*domain.Payment, error) {
	p := &domain.Payment{
		ID:                m.ID,
		OrderID:           m.OrderID,
		UserID:            m.UserID,
		Provider:          m.Provider,
		ProviderPaymentID: m.ProviderPaymentID,
		CaptureID:         m.CaptureID,
		Amount:            m.Amount,
		CapturedAmount:    m.CapturedAmount,
		Currency:          m.Currency,
		PayerEmail:        m.PayerEmail,
		ApprovalURL:       m.ApprovalURL,
		Status:            domain.PaymentStatus(m.Status),
		Markers: domain.PaymentMarkers{
			WebhookConfirmed:        m.WebhookConfirmed,
			WebhookConfirmedAt:      m.WebhookConfirmedAt,
			WebhookEventID:          m.WebhookEventID,
			ApprovedByWebhook:       m.ApprovedByWebhook,
			ReturnedFromProvider:    m.ReturnedFromProvider,
			ReturnedAt:              m.ReturnedAt,
			MaterializationFallback: m.MaterializationFallback,
		},
		FailureReason: m.FailureReason,
		RefundAmount:  m.RefundAmount,
		RefundedAt:    m.RefundedAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}

	switch domain.ContextKind(m.ContextKind) {
	case domain.ContextTemporary:
		tmp := &domain.TemporaryOrderContext{}
		if m.TemporaryOrderID != nil {
			tmp.TemporaryOrderID = *m.TemporaryOrderID
		}
		if len(m.Snapshot) > 0 {
			if err := json.Unmarshal(m.Snapshot, &tmp.Snapshot); err != nil {
				return nil, fmt.Errorf("ошибка разбора снимка корзины платежа %s: %w", m.ID, err)
			}
		}
		p.Context = tmp
	case domain.ContextPermanent:
		perm := &domain.PermanentOrderContext{}
		if m.OrderID != nil {
			perm.OrderID = *m.OrderID
		}
		p.Context = perm
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidCheckoutContext, m.ContextKind)
	}

	return p, nil
}

func paymentModelFromDomain(p *domain.Payment) (*PaymentModel, error) {
	m := &PaymentModel{
		ID:                      p.ID,
		OrderID:                 p.OrderID,
		UserID:                  p.UserID,
		Provider:                p.Provider,
		ProviderPaymentID:       p.ProviderPaymentID,
		CaptureID:               p.CaptureID,
		Amount:                  p.Amount,
		CapturedAmount:          p.CapturedAmount,
		Currency:                p.Currency,
		PayerEmail:              p.PayerEmail,
		ApprovalURL:             p.ApprovalURL,
		Status:                  string(p.Status),
		WebhookConfirmed:        p.Markers.WebhookConfirmed,
		WebhookConfirmedAt:      p.Markers.WebhookConfirmedAt,
		WebhookEventID:          p.Markers.WebhookEventID,
		ApprovedByWebhook:       p.Markers.ApprovedByWebhook,
		ReturnedFromProvider:    p.Markers.ReturnedFromProvider,
		ReturnedAt:              p.Markers.ReturnedAt,
		MaterializationFallback: p.Markers.MaterializationFallback,
		FailureReason:           p.FailureReason,
		RefundAmount:            p.RefundAmount,
		RefundedAt:              p.RefundedAt,
		CreatedAt:               p.CreatedAt,
		UpdatedAt:               p.UpdatedAt,
	}

	switch c := p.Context.(type) {
	case *domain.TemporaryOrderContext:
		m.ContextKind = string(domain.ContextTemporary)
		id := c.TemporaryOrderID
		m.TemporaryOrderID = &id
		data, err := json.Marshal(c.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("ошибка сериализации снимка корзины: %w", err)
		}
		m.Snapshot = data
	case *domain.PermanentOrderContext:
		m.ContextKind = string(domain.ContextPermanent)
		if m.OrderID == nil {
			id := c.OrderID
			m.OrderID = &id
		}
	default:
		return nil, domain.ErrInvalidCheckoutContext
	}

	return m, nil
}

// WebhookEventModel — GORM модель журнала входящих webhook.
type WebhookEventModel struct {
	ID             string     `gorm:"column:id;type:varchar(36);primaryKey"`
	Provider       string     `gorm:"column:provider;type:varchar(20);not null;uniqueIndex:uq_webhook_events_provider_event"`
	EventID        string     `gorm:"column:event_id;type:varchar(100);not null;uniqueIndex:uq_webhook_events_provider_event"`
	EventType      string     `gorm:"column:event_type"`
	ResourceID     string     `gorm:"column:resource_id"`
	SignatureValid bool       `gorm:"column:signature_valid"`
	Result         string     `gorm:"column:result"`
	Error          *string    `gorm:"column:error"`
	Payload        []byte     `gorm:"column:payload"`
	ProcessedAt    *time.Time `gorm:"column:processed_at"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
}

// TableName возвращает имя таблицы в БД.
func (WebhookEventModel) TableName() string {
	return "webhook_events"
}

func (m *WebhookEventModel) toDomain() *domain.WebhookEvent {
	return &domain.WebhookEvent{
		ID:             m.ID,
		Provider:       m.Provider,
		EventID:        m.EventID,
		EventType:      m.EventType,
		ResourceID:     m.ResourceID,
		SignatureValid: m.SignatureValid,
		Result:         domain.WebhookResult(m.Result),
		Error:          m.Error,
		Payload:        m.Payload,
		ProcessedAt:    m.ProcessedAt,
		CreatedAt:      m.CreatedAt,
	}
}

// EmailJobModel — GORM модель для таблицы email_jobs.
type EmailJobModel struct {
	ID          string     `gorm:"column:id;type:varchar(36);primaryKey"`
	PaymentID   string     `gorm:"column:payment_id;type:varchar(36);not null"`
	Kind        string     `gorm:"column:kind;type:varchar(40);not null"`
	RunAt       time.Time  `gorm:"column:run_at"`
	Attempts    int        `gorm:"column:attempts"`
	LockedUntil *time.Time `gorm:"column:locked_until"`
	DoneAt      *time.Time `gorm:"column:done_at"`
	LastError   *string    `gorm:"column:last_error"`
	CreatedAt   time.Time  `gorm:"column:created_at"`
}

// TableName возвращает имя таблицы в БД.
func (EmailJobModel) TableName() string {
	return "email_jobs"
}

func (m *EmailJobModel) toDomain() *domain.EmailJob {
	return &domain.EmailJob{
		ID:          m.ID,
		PaymentID:   m.PaymentID,
		Kind:        m.Kind,
		RunAt:       m.RunAt,
		Attempts:    m.Attempts,
		LockedUntil: m.LockedUntil,
		DoneAt:      m.DoneAt,
		LastError:   m.LastError,
		CreatedAt:   m.CreatedAt,
	}
}

// ServiceModel — проекция каталога услуг (таблица services).
type ServiceModel struct {
	ID               string    `gorm:"column:id;type:varchar(36);primaryKey"`
	TitleEn          string    `gorm:"column:title_en"`
	TitleAr          string    `gorm:"column:title_ar"`
	Active           bool      `gorm:"column:active"`
	PricesByCurrency []byte    `gorm:"column:prices_by_currency;type:json"`
	DeliveryLinks    []byte    `gorm:"column:delivery_links;type:json"`
	UpdatedAt        time.Time `gorm:"column:updated_at"`
}

// TableName возвращает имя таблицы в БД.
func (ServiceModel) TableName() string {
	return "services"
}

func (m *ServiceModel) toDomain() (*domain.Service, error) {
	s := &domain.Service{
		ID:      m.ID,
		TitleEn: m.TitleEn,
		TitleAr: m.TitleAr,
		Active:  m.Active,
	}
	if len(m.PricesByCurrency) > 0 {
		if err := json.Unmarshal(m.PricesByCurrency, &s.PricesByCurrency); err != nil {
			return nil, fmt.Errorf("ошибка разбора цен услуги %s: %w", m.ID, err)
		}
	}
	if len(m.DeliveryLinks) > 0 {
		if err := json.Unmarshal(m.DeliveryLinks, &s.DeliveryLinks); err != nil {
			return nil, fmt.Errorf("ошибка разбора ссылок доставки услуги %s: %w", m.ID, err)
		}
	}
	return s, nil
}

// UserModel — проекция справочника пользователей (таблица users).
type UserModel struct {
	ID        string    `gorm:"column:id;type:varchar(36);primaryKey"`
	Name      string    `gorm:"column:name"`
	Email     string    `gorm:"column:email;uniqueIndex"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName возвращает имя таблицы в БД.
func (UserModel) TableName() string {
	return "users"
}

// Package checkout содержит клиентские операции оформления заказа:
// создание заказа и сессии оплаты, опрос статуса и административные действия.
// Статус оплаты здесь только читается: подтверждает оплату исключительно webhook.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/design-market/pkg/logger"
	"example.com/design-market/services/market/internal/domain"
	"example.com/design-market/services/market/internal/email"
	"example.com/design-market/services/market/internal/guard"
	"example.com/design-market/services/market/internal/lifecycle"
	"example.com/design-market/services/market/internal/provider"
	"example.com/design-market/services/market/internal/repository"
)

// Статусы ответа опроса.
const (
	StatusComplete                   = "complete"
	StatusPendingWebhookVerification = "pending_webhook_verification"
)

// EmailVerifier сообщает, подтвердил ли гость владение адресом.
type EmailVerifier interface {
	VerifiedAt(ctx context.Context, email string) (time.Time, bool, error)
}

// Mailer — гарантия доставки письма с заказом.
type Mailer interface {
	EnsureSent(ctx context.Context, orderID string, trigger email.Trigger) (email.Result, error)
	ScheduleFallback(ctx context.Context, paymentID string) error
}

// Config — настройки оформления.
type Config struct {
	ReturnURL string
	CancelURL string
	// SessionLockTTL — сколько держится маркер создаваемой сессии оплаты.
	SessionLockTTL time.Duration
	// RequireEmailVerification требует подтверждённый email гостя перед оплатой.
	RequireEmailVerification bool
}

// ItemInput — позиция корзины от клиента.
type ItemInput struct {
	ServiceID string
	Quantity  int32
	UnitPrice int64 // Информативно, цена берётся из каталога
}

// OrderInput — данные заказа от клиента.
type OrderInput struct {
	UserID        *string
	Contact       domain.Contact
	Items         []ItemInput
	Currency      string
	Notes         string
	DeclaredTotal *float64 // В основных единицах
}

// SessionInput — запрос сессии оплаты: orderId постоянного заказа
// или temporaryOrderId вместе с данными заказа.
type SessionInput struct {
	OrderID          string
	TemporaryOrderID string
	OrderData        *OrderInput
}

// Session — созданная сессия оплаты.
type Session struct {
	SessionID   string
	ApprovalURL string
	PaymentID   string
}

// Verification — ответ на опрос статуса оплаты.
type Verification struct {
	Status         string
	Order          *domain.Order
	Payment        *domain.Payment
	ProviderStatus string
}

// Service реализует операции оформления.
type Service struct {
	orders    repository.OrderRepository
	payments  repository.PaymentRepository
	catalog   repository.CatalogRepository
	lifecycle *lifecycle.Service
	provider  provider.Client
	guard     guard.Guard
	verifier  EmailVerifier
	mailer    Mailer
	cfg       Config
}

// NewService создаёт сервис оформления.
func NewService(
	orders repository.OrderRepository,
	payments repository.PaymentRepository,
	catalog repository.CatalogRepository,
	lc *lifecycle.Service,
	client provider.Client,
	g guard.Guard,
	verifier EmailVerifier,
	mailer Mailer,
	cfg Config,
) *Service {
	if cfg.SessionLockTTL <= 0 {
		cfg.SessionLockTTL = 30 * time.Second
	}
	return &Service{
		orders:    orders,
		payments:  payments,
		catalog:   catalog,
		lifecycle: lc,
		provider:  client,
		guard:     g,
		verifier:  verifier,
		mailer:    mailer,
		cfg:       cfg,
	}
}

// CreateOrder сохраняет заказ pending/pending с ценами из каталога.
// Расхождение с суммой клиента больше 0.01 возвращает ErrPricingMismatch.
func (s *Service) CreateOrder(ctx context.Context, in OrderInput) (*domain.Order, error) {
	order, err := s.buildOrder(ctx, uuid.NewString(), in)
	if err != nil {
		return nil, err
	}
	order.Notes = in.Notes

	if err := s.orders.Create(ctx, order); err != nil {
		return nil, err
	}

	logger.Ctx(ctx).Info().
		Str("order_id", order.ID).
		Int64("total", order.Total).
		Str("currency", order.Currency).
		Msg("Заказ создан")
	return order, nil
}

// GetOrder возвращает заказ по ID.
func (s *Service) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.orders.GetByID(ctx, id)
}

// CreatePaymentSession создаёт удалённый заказ у провайдера и только затем сохраняет платёж.
// Таймаут провайдера не оставляет платежа-сироты.
func (s *Service) CreatePaymentSession(ctx context.Context, in SessionInput) (*Session, error) {
	ref := in.OrderID
	if ref == "" {
		ref = in.TemporaryOrderID
	}
	if ref == "" {
		return nil, fmt.Errorf("нужен orderId или temporaryOrderId: %w", domain.ErrInvalidCheckoutContext)
	}

	lockKey := "payment:session:" + ref
	acquired, err := s.guard.CheckAndSet(ctx, lockKey, s.cfg.SessionLockTTL)
	switch {
	case err != nil:
		logger.Ctx(ctx).Warn().Err(err).Str("ref", ref).Msg("Маркер сессии недоступен, продолжаем без него")
	case !acquired:
		return nil, domain.ErrSessionInProgress
	default:
		defer func() {
			if err := s.guard.Release(context.WithoutCancel(ctx), lockKey); err != nil {
				logger.Ctx(ctx).Warn().Err(err).Str("ref", ref).Msg("Не удалось снять маркер сессии")
			}
		}()
	}

	payment := &domain.Payment{
		ID:       uuid.NewString(),
		Provider: domain.ProviderPayPal,
		Status:   domain.PaymentStatusPending,
	}
	var description string

	if in.OrderID != "" {
		order, err := s.orders.GetByID(ctx, in.OrderID)
		if err != nil {
			return nil, err
		}
		if order.IsPaid() {
			return nil, domain.ErrOrderAlreadyPaid
		}
		if order.Status != domain.OrderStatusPending && order.Status != domain.OrderStatusConfirmed {
			return nil, fmt.Errorf("заказ %s в статусе %s: %w", order.ID, order.Status, domain.ErrInvalidTransition)
		}
		if order.UserID == nil {
			if _, err := s.requireVerified(ctx, order.Contact.Email); err != nil {
				return nil, err
			}
		}
		payment.OrderID = &order.ID
		payment.UserID = order.UserID
		payment.Amount = order.Total
		payment.Currency = order.Currency
		payment.Context = &domain.PermanentOrderContext{OrderID: order.ID}
		description = fmt.Sprintf("Order %s", order.ID)
	} else {
		if in.OrderData == nil {
			return nil, fmt.Errorf("нет данных временного заказа: %w", domain.ErrInvalidCheckoutContext)
		}
		snapshot, total, err := s.buildSnapshot(ctx, *in.OrderData)
		if err != nil {
			return nil, err
		}
		payment.UserID = in.OrderData.UserID
		payment.Amount = total
		payment.Currency = snapshot.Currency
		payment.Context = &domain.TemporaryOrderContext{
			TemporaryOrderID: in.TemporaryOrderID,
			Snapshot:         snapshot,
		}
		description = fmt.Sprintf("Order %s", in.TemporaryOrderID)
	}

	remote, err := s.provider.CreateOrder(ctx, provider.CreateOrderRequest{
		RequestID:   payment.ID,
		ReferenceID: ref,
		Amount:      payment.Amount,
		Currency:    payment.Currency,
		Description: description,
		ReturnURL:   s.cfg.ReturnURL,
		CancelURL:   s.cfg.CancelURL,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания удалённого заказа: %w", err)
	}

	now := s.lifecycle.Now()
	payment.ProviderPaymentID = remote.ID
	payment.ApprovalURL = remote.ApprovalURL
	payment.CreatedAt = now
	payment.UpdatedAt = now

	if err := s.payments.Create(ctx, payment); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("session_id", remote.ID).
			Msg("Удалённый заказ создан, но платёж не сохранён")
		return nil, fmt.Errorf("ошибка сохранения платежа: %w", err)
	}

	logger.Ctx(ctx).Info().
		Str("payment_id", payment.ID).
		Str("session_id", remote.ID).
		Str("context", string(payment.Context.Kind())).
		Int64("amount", payment.Amount).
		Msg("Сессия оплаты создана")

	return &Session{
		SessionID:   remote.ID,
		ApprovalURL: remote.ApprovalURL,
		PaymentID:   payment.ID,
	}, nil
}

// VerifyPayment отвечает на опрос клиента. Ничего не меняет в статусах:
// complete возвращается только при маркере webhookConfirmed и созданном заказе.
func (s *Service) VerifyPayment(ctx context.Context, sessionID string) (*Verification, error) {
	payment, err := s.payments.GetByProviderPaymentID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if payment.IsConfirmed() && payment.OrderID != nil {
		order, err := s.orders.GetByID(ctx, *payment.OrderID)
		if err != nil {
			return nil, err
		}
		return &Verification{Status: StatusComplete, Order: order, Payment: payment}, nil
	}

	v := &Verification{Status: StatusPendingWebhookVerification, Payment: payment}

	if !payment.Status.IsTerminal() {
		remote, err := s.provider.GetOrder(ctx, sessionID)
		if err != nil {
			logger.Ctx(ctx).Debug().Err(err).Str("session_id", sessionID).Msg("Статус провайдера недоступен")
		} else {
			v.ProviderStatus = remote.Status
		}
		s.scheduleFallback(ctx, payment)
	}
	return v, nil
}

// RecordReturn фиксирует возврат покупателя со страницы провайдера и ставит
// отложенную проверку письма. Статус платежа не меняется.
func (s *Service) RecordReturn(ctx context.Context, sessionID string) (*Verification, error) {
	payment, err := s.payments.GetByProviderPaymentID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if _, err := s.payments.MarkReturned(ctx, payment.ID, s.lifecycle.Now()); err != nil {
		return nil, fmt.Errorf("ошибка отметки возврата покупателя: %w", err)
	}
	if !payment.Status.IsTerminal() {
		s.scheduleFallback(ctx, payment)
	}

	status := StatusPendingWebhookVerification
	if payment.IsConfirmed() {
		status = StatusComplete
	}
	return &Verification{Status: status, Payment: payment}, nil
}

// CancelOrder отменяет заказ. По списанному платежу сначала выполняется
// возврат у провайдера, затем заказ и платёж переводятся в cancelled/refunded.
// Открытая сессия оплаты отменяется в той же транзакции.
func (s *Service) CancelOrder(ctx context.Context, orderID, reason string) (*domain.Order, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.CanTransitionTo(domain.OrderStatusCancelled) {
		return nil, fmt.Errorf("заказ %s в статусе %s: %w", order.ID, order.Status, domain.ErrInvalidTransition)
	}

	payment, err := s.orderPayment(ctx, order)
	if err != nil {
		return nil, err
	}

	var refunded int64
	if payment != nil && payment.Status == domain.PaymentStatusSucceeded {
		refunded, err = s.refund(ctx, payment)
		if err != nil {
			return nil, err
		}
	}

	if err := s.lifecycle.CancelOrder(ctx, order, reason, payment, refunded); err != nil {
		return nil, err
	}
	return order, nil
}

// orderPayment возвращает платёж заказа. У неоплаченного заказа PaymentID пуст,
// поэтому сессия оплаты ищется по order_id. nil - платежей нет.
func (s *Service) orderPayment(ctx context.Context, order *domain.Order) (*domain.Payment, error) {
	var (
		payment *domain.Payment
		err     error
	)
	if order.PaymentID != nil {
		payment, err = s.payments.GetByID(ctx, *order.PaymentID)
	} else {
		payment, err = s.payments.GetLatestByOrderID(ctx, order.ID)
	}
	if errors.Is(err, domain.ErrPaymentNotFound) {
		return nil, nil
	}
	return payment, err
}

func (s *Service) refund(ctx context.Context, p *domain.Payment) (int64, error) {
	if p.CaptureID == nil {
		return 0, fmt.Errorf("у платежа %s нет списания для возврата: %w", p.ID, domain.ErrInvalidTransition)
	}
	amount := p.Amount
	if p.CapturedAmount != nil {
		amount = *p.CapturedAmount
	}

	refund, err := s.provider.RefundCapture(ctx, *p.CaptureID, amount, p.Currency, "refund-"+p.ID)
	if err != nil {
		return 0, fmt.Errorf("ошибка возврата средств по платежу %s: %w", p.ID, err)
	}
	if refund.Amount > 0 {
		amount = refund.Amount
	}

	logger.Ctx(ctx).Info().
		Str("payment_id", p.ID).
		Str("refund_id", refund.ID).
		Int64("amount", amount).
		Msg("Средства возвращены покупателю")
	return amount, nil
}

// AdvanceStatus выполняет административный переход статуса выполнения.
func (s *Service) AdvanceStatus(ctx context.Context, orderID string, target domain.OrderStatus) (*domain.Order, error) {
	if !target.IsValid() {
		return nil, fmt.Errorf("неизвестный статус %q: %w", target, domain.ErrInvalidTransition)
	}
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.lifecycle.AdvanceStatus(ctx, order, target); err != nil {
		return nil, err
	}
	return order, nil
}

// ResendEmail повторно запускает доставку письма через ту же гарантию однократности.
func (s *Service) ResendEmail(ctx context.Context, orderID string) (email.Result, error) {
	return s.mailer.EnsureSent(ctx, orderID, email.TriggerManual)
}

func (s *Service) scheduleFallback(ctx context.Context, p *domain.Payment) {
	if err := s.mailer.ScheduleFallback(ctx, p.ID); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("payment_id", p.ID).Msg("Не удалось запланировать отложенное письмо")
	}
}

// requireVerified проверяет подтверждение email гостя.
// Возвращает момент подтверждения или нулевое время, если проверка отключена.
func (s *Service) requireVerified(ctx context.Context, addr string) (time.Time, error) {
	if !s.cfg.RequireEmailVerification {
		return time.Time{}, nil
	}
	if strings.TrimSpace(addr) == "" {
		return time.Time{}, domain.ErrInvalidContact
	}
	at, ok, err := s.verifier.VerifiedAt(ctx, addr)
	if err != nil {
		return time.Time{}, fmt.Errorf("ошибка проверки подтверждения email: %w", err)
	}
	if !ok {
		return time.Time{}, domain.ErrEmailNotVerified
	}
	return at, nil
}

// buildOrder собирает заказ по каталогу. Любая неизвестная услуга - ошибка.
func (s *Service) buildOrder(ctx context.Context, id string, in OrderInput) (*domain.Order, error) {
	if len(in.Items) == 0 {
		return nil, domain.ErrEmptyOrderItems
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))

	ids := make([]string, 0, len(in.Items))
	for _, it := range in.Items {
		ids = append(ids, it.ServiceID)
	}
	services, err := s.catalog.GetServices(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки каталога: %w", err)
	}

	items := make([]domain.OrderItem, 0, len(in.Items))
	for _, it := range in.Items {
		svc, ok := services[it.ServiceID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrServiceNotFound, it.ServiceID)
		}
		price, ok := svc.PriceIn(currency)
		if !ok {
			return nil, fmt.Errorf("%w: %s не продаётся в %s", domain.ErrServiceNotFound, it.ServiceID, currency)
		}
		items = append(items, domain.OrderItem{
			ServiceID: svc.ID,
			TitleEn:   svc.TitleEn,
			TitleAr:   svc.TitleAr,
			Quantity:  it.Quantity,
			UnitPrice: price,
			Currency:  currency,
		})
	}

	order := domain.NewOrder(id, in.UserID, in.Contact, items, s.lifecycle.Now())
	if err := order.Validate(); err != nil {
		return nil, err
	}
	if in.DeclaredTotal != nil {
		if err := order.CheckDeclaredTotal(*in.DeclaredTotal); err != nil {
			return nil, fmt.Errorf("%w: клиент %.2f, сервер %.2f", err, *in.DeclaredTotal, domain.ToMajor(order.Total))
		}
	}
	return order, nil
}

// buildSnapshot проверяет корзину временного заказа и возвращает снимок и сумму к оплате.
func (s *Service) buildSnapshot(ctx context.Context, in OrderInput) (domain.CheckoutSnapshot, int64, error) {
	order, err := s.buildOrder(ctx, "", in)
	if err != nil {
		return domain.CheckoutSnapshot{}, 0, err
	}

	snapshot := domain.CheckoutSnapshot{
		Currency: order.Currency,
		Contact:  in.Contact,
		Notes:    in.Notes,
		UserID:   in.UserID,
	}
	for _, it := range order.Items {
		snapshot.Items = append(snapshot.Items, domain.SnapshotItem{
			ServiceID: it.ServiceID,
			Quantity:  it.Quantity,
			TitleEn:   it.TitleEn,
			TitleAr:   it.TitleAr,
			UnitPrice: it.UnitPrice,
		})
	}

	if in.UserID == nil {
		at, err := s.requireVerified(ctx, in.Contact.Email)
		if err != nil {
			return domain.CheckoutSnapshot{}, 0, err
		}
		if !at.IsZero() {
			snapshot.EmailVerified = true
			snapshot.EmailVerifiedAt = &at
		}
	}
	return snapshot, order.Total, nil
}

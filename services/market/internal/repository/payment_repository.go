package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"example.com/design-market/pkg/outbox"
	"example.com/design-market/services/market/internal/domain"
)

// PaymentRepository определяет методы работы с платежами.
type PaymentRepository interface {
	// Create сохраняет платёж. Вызывается только после создания удалённого заказа у провайдера.
	Create(ctx context.Context, payment *domain.Payment) error

	// GetByID возвращает платёж по внутреннему ID.
	GetByID(ctx context.Context, id string) (*domain.Payment, error)

	// GetByProviderPaymentID возвращает платёж по ID удалённого заказа провайдера.
	GetByProviderPaymentID(ctx context.Context, providerPaymentID string) (*domain.Payment, error)

	// GetLatestByOrderID возвращает последний платёж постоянного заказа.
	// У неоплаченного заказа order.PaymentID ещё пуст, а сессия оплаты уже может быть открыта.
	GetLatestByOrderID(ctx context.Context, orderID string) (*domain.Payment, error)

	// SaveTransition сохраняет новое состояние платежа, если статус в БД всё ещё expected.
	SaveTransition(ctx context.Context, payment *domain.Payment, expected domain.PaymentStatus, events ...*outbox.Outbox) error

	// MarkReturned выставляет признак возврата покупателя со страницы провайдера.
	MarkReturned(ctx context.Context, id string, at time.Time) (bool, error)
}

// paymentRepository — GORM реализация PaymentRepository.
type paymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository создаёт новый репозиторий платежей.
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

// Create сохраняет новый платёж.
func (r *paymentRepository) Create(ctx context.Context, payment *domain.Payment) error {
	model, err := paymentModelFromDomain(payment)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(model).Error
}

// GetByID возвращает платёж по ID.
func (r *paymentRepository) GetByID(ctx context.Context, id string) (*domain.Payment, error) {
	return r.findOne(ctx, "id = ?", id)
}

// GetByProviderPaymentID возвращает платёж по ID удалённого заказа провайдера.
func (r *paymentRepository) GetByProviderPaymentID(ctx context.Context, providerPaymentID string) (*domain.Payment, error) {
	return r.findOne(ctx, "provider_payment_id = ?", providerPaymentID)
}

// GetLatestByOrderID возвращает самый свежий платёж заказа.
func (r *paymentRepository) GetLatestByOrderID(ctx context.Context, orderID string) (*domain.Payment, error) {
	var model PaymentModel
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at DESC").
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return model.toDomain()
}

func (r *paymentRepository) findOne(ctx context.Context, query string, arg any) (*domain.Payment, error) {
	var model PaymentModel
	if err := r.db.WithContext(ctx).Where(query, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, err
	}
	return model.toDomain()
}

// SaveTransition выполняет условный UPDATE статуса и маркеров платежа.
func (r *paymentRepository) SaveTransition(ctx context.Context, payment *domain.Payment, expected domain.PaymentStatus, events ...*outbox.Outbox) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := updatePaymentState(tx, payment, expected); err != nil {
			return err
		}
		return outbox.CreateInTx(tx, events...)
	})
}

// updatePaymentState — общий условный UPDATE платежа.
// Маркер webhook_confirmed только выставляется: снять его нельзя.
func updatePaymentState(tx *gorm.DB, p *domain.Payment, expected domain.PaymentStatus) error {
	updates := map[string]any{
		"status":                   string(p.Status),
		"capture_id":               p.CaptureID,
		"captured_amount":          p.CapturedAmount,
		"payer_email":              p.PayerEmail,
		"approved_by_webhook":      p.Markers.ApprovedByWebhook,
		"materialization_fallback": p.Markers.MaterializationFallback,
		"failure_reason":           p.FailureReason,
		"refund_amount":            p.RefundAmount,
		"refunded_at":              p.RefundedAt,
		"updated_at":               p.UpdatedAt,
	}
	if p.Markers.WebhookConfirmed {
		updates["webhook_confirmed"] = true
		updates["webhook_confirmed_at"] = p.Markers.WebhookConfirmedAt
		updates["webhook_event_id"] = p.Markers.WebhookEventID
	}

	result := tx.Model(&PaymentModel{}).
		Where("id = ? AND status = ?", p.ID, string(expected)).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConcurrentUpdate
	}
	return nil
}

// MarkReturned выставляет returned_from_provider, не трогая статус.
func (r *paymentRepository) MarkReturned(ctx context.Context, id string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&PaymentModel{}).
		Where("id = ? AND returned_from_provider = ?", id, false).
		Updates(map[string]any{
			"returned_from_provider": true,
			"returned_at":            at,
			"updated_at":             at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

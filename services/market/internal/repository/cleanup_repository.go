package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"example.com/design-market/services/market/internal/domain"
)

// StaleOrder — кандидат на удаление среди заказов.
type StaleOrder struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"paymentStatus"`
	Total         int64     `json:"total"`
	Currency      string    `json:"currency"`
	CreatedAt     time.Time `json:"createdAt"`
}

// StalePayment — кандидат на удаление среди платежей.
type StalePayment struct {
	ID                string    `json:"id"`
	ProviderPaymentID string    `json:"sessionId"`
	Status            string    `json:"status"`
	Amount            int64     `json:"amount"`
	Currency          string    `json:"currency"`
	CreatedAt         time.Time `json:"createdAt"`
}

// CleanupRepository находит и удаляет брошенные заказы и мёртвые платежи.
// Каждое удаление повторно проверяет условие в транзакции.
type CleanupRepository interface {
	FindStaleOrders(ctx context.Context, cutoff time.Time, limit int) ([]StaleOrder, error)
	DeleteStaleOrder(ctx context.Context, id string, cutoff time.Time) (bool, error)
	FindStalePayments(ctx context.Context, cutoff time.Time, limit int) ([]StalePayment, error)
	DeleteStalePayment(ctx context.Context, id string, cutoff time.Time) (bool, error)
}

type cleanupRepository struct {
	db *gorm.DB
}

// NewCleanupRepository создаёт репозиторий очистки.
func NewCleanupRepository(db *gorm.DB) CleanupRepository {
	return &cleanupRepository{db: db}
}

// staleOrderCondition — неоплаченный заказ старше cutoff без активного платежа.
// Активный платёж: списанный, в обработке, подтверждённый webhook
// или созданный после cutoff (покупатель ещё платит).
const staleOrderCondition = `orders.status = ? AND orders.payment_status IN (?, ?) AND orders.created_at < ?
AND NOT EXISTS (
	SELECT 1 FROM payments p
	WHERE (p.order_id = orders.id OR p.id = orders.payment_id)
	AND (p.status IN (?, ?, ?) OR p.webhook_confirmed = ? OR p.capture_id IS NOT NULL OR p.created_at >= ?)
)`

func staleOrderArgs(cutoff time.Time) []any {
	return []any{
		string(domain.OrderStatusPending),
		string(domain.OrderPaymentPending), string(domain.OrderPaymentFailed),
		cutoff,
		string(domain.PaymentStatusSucceeded), string(domain.PaymentStatusProcessing), string(domain.PaymentStatusRefunded),
		true,
		cutoff,
	}
}

// stalePaymentCondition — платёж без подтверждения webhook, не завершившийся успехом.
// Платёж со списанием (даже возвращённым) хранит след движения денег и не удаляется.
const stalePaymentCondition = `payments.status IN (?, ?, ?) AND payments.webhook_confirmed = ? AND payments.capture_id IS NULL
AND payments.created_at < ?`

func stalePaymentArgs(cutoff time.Time) []any {
	return []any{
		string(domain.PaymentStatusPending), string(domain.PaymentStatusFailed), string(domain.PaymentStatusCancelled),
		false,
		cutoff,
	}
}

// FindStaleOrders возвращает кандидатов на удаление (только чтение).
func (r *cleanupRepository) FindStaleOrders(ctx context.Context, cutoff time.Time, limit int) ([]StaleOrder, error) {
	var models []OrderModel
	err := r.db.WithContext(ctx).
		Select("id", "status", "payment_status", "total", "currency", "created_at").
		Where(staleOrderCondition, staleOrderArgs(cutoff)...).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	out := make([]StaleOrder, 0, len(models))
	for _, m := range models {
		out = append(out, StaleOrder{
			ID:            m.ID,
			Status:        m.Status,
			PaymentStatus: m.PaymentStatus,
			Total:         m.Total,
			Currency:      m.Currency,
			CreatedAt:     m.CreatedAt,
		})
	}
	return out, nil
}

// DeleteStaleOrder удаляет заказ, его позиции, неуспешные платежи и их задания писем.
// Возвращает false, если заказ уже не удовлетворяет условию (оплачен, удалён, свежий платёж).
func (r *cleanupRepository) DeleteStaleOrder(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	deleted := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		args := append([]any{id}, staleOrderArgs(cutoff)...)
		result := tx.Where("orders.id = ? AND "+staleOrderCondition, args...).Delete(&OrderModel{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		deleted = true

		if err := tx.Where("order_id = ?", id).Delete(&OrderItemModel{}).Error; err != nil {
			return err
		}

		var paymentIDs []string
		err := tx.Model(&PaymentModel{}).
			Where("order_id = ? AND status NOT IN (?, ?, ?) AND webhook_confirmed = ? AND capture_id IS NULL", id,
				string(domain.PaymentStatusSucceeded), string(domain.PaymentStatusProcessing), string(domain.PaymentStatusRefunded),
				false).
			Pluck("id", &paymentIDs).Error
		if err != nil {
			return err
		}
		if len(paymentIDs) == 0 {
			return nil
		}
		if err := tx.Where("payment_id IN ?", paymentIDs).Delete(&EmailJobModel{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", paymentIDs).Delete(&PaymentModel{}).Error
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// FindStalePayments возвращает кандидатов на удаление (только чтение).
func (r *cleanupRepository) FindStalePayments(ctx context.Context, cutoff time.Time, limit int) ([]StalePayment, error) {
	var models []PaymentModel
	err := r.db.WithContext(ctx).
		Select("id", "provider_payment_id", "status", "amount", "currency", "created_at").
		Where(stalePaymentCondition, stalePaymentArgs(cutoff)...).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	out := make([]StalePayment, 0, len(models))
	for _, m := range models {
		out = append(out, StalePayment{
			ID:                m.ID,
			ProviderPaymentID: m.ProviderPaymentID,
			Status:            m.Status,
			Amount:            m.Amount,
			Currency:          m.Currency,
			CreatedAt:         m.CreatedAt,
		})
	}
	return out, nil
}

// DeleteStalePayment удаляет платёж с его заданиями писем и снимает ссылки на него из заказов.
func (r *cleanupRepository) DeleteStalePayment(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	deleted := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		args := append([]any{id}, stalePaymentArgs(cutoff)...)
		result := tx.Where("payments.id = ? AND "+stalePaymentCondition, args...).Delete(&PaymentModel{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		deleted = true

		if err := tx.Where("payment_id = ?", id).Delete(&EmailJobModel{}).Error; err != nil {
			return err
		}
		return tx.Model(&OrderModel{}).
			Where("payment_id = ?", id).
			Update("payment_id", nil).Error
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// Package repository содержит доступ к данным маркетплейса (MySQL через GORM).
// Все переходы статусов выполняются условными UPDATE по ожидаемому состоянию,
// события outbox пишутся в той же транзакции.
package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"example.com/design-market/pkg/outbox"
	"example.com/design-market/services/market/internal/domain"
)

// OrderRepository определяет методы работы с заказами.
type OrderRepository interface {
	// Create создаёт заказ с позициями в одной транзакции.
	Create(ctx context.Context, order *domain.Order) error

	// GetByID возвращает заказ с позициями.
	GetByID(ctx context.Context, id string) (*domain.Order, error)

	// SaveTransition сохраняет новое состояние заказа, если в БД всё ещё expected.
	// Возвращает domain.ErrConcurrentUpdate, если состояние изменилось параллельно.
	SaveTransition(ctx context.Context, order *domain.Order, expected domain.OrderState, events ...*outbox.Outbox) error

	// MarkEmailSent атомарно выставляет delivery_email_sent (false -> true).
	// Возвращает false, если флаг уже был выставлен.
	MarkEmailSent(ctx context.Context, id string, at time.Time) (bool, error)

	// ListPaidWithoutEmail возвращает ID оплаченных заказов без письма, оплаченных после since.
	ListPaidWithoutEmail(ctx context.Context, since time.Time, limit int) ([]string, error)
}

// orderRepository — GORM реализация OrderRepository.
type orderRepository struct {
	db *gorm.DB
}

// NewOrderRepository создаёт новый репозиторий заказов.
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{db: db}
}

// Create создаёт заказ с позициями.
func (r *orderRepository) Create(ctx context.Context, order *domain.Order) error {
	assignItemIDs(order)
	model := orderModelFromDomain(order)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(model).Error
	})
	if err != nil {
		if isDuplicateKeyError(err) {
			return domain.ErrDuplicateOrderNumber
		}
		return err
	}
	return nil
}

// GetByID возвращает заказ по ID с загруженными позициями.
func (r *orderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	var model OrderModel

	if err := r.db.WithContext(ctx).
		Preload("Items").
		Where("id = ?", id).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, err
	}

	return model.toDomain(), nil
}

// SaveTransition выполняет условный UPDATE статуса и связанных полей.
func (r *orderRepository) SaveTransition(ctx context.Context, order *domain.Order, expected domain.OrderState, events ...*outbox.Outbox) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := updateOrderState(tx, order, expected); err != nil {
			return err
		}
		return outbox.CreateInTx(tx, events...)
	})
	if err != nil && isDuplicateKeyError(err) {
		return domain.ErrDuplicateOrderNumber
	}
	return err
}

// updateOrderState — общий условный UPDATE заказа для транзакций репозиториев.
func updateOrderState(tx *gorm.DB, order *domain.Order, expected domain.OrderState) error {
	result := tx.Model(&OrderModel{}).
		Where("id = ? AND status = ? AND payment_status = ?", order.ID, string(expected.Status), string(expected.PaymentStatus)).
		Updates(map[string]any{
			"status":         string(order.Status),
			"payment_status": string(order.PaymentStatus),
			"order_number":   order.OrderNumber,
			"payment_id":     order.PaymentID,
			"paid_at":        order.PaidAt,
			"delivered_at":   order.DeliveredAt,
			"cancel_reason":  order.CancelReason,
			"updated_at":     order.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConcurrentUpdate
	}
	return nil
}

// MarkEmailSent выставляет флаг отправки письма только если он ещё не выставлен.
func (r *orderRepository) MarkEmailSent(ctx context.Context, id string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&OrderModel{}).
		Where("id = ? AND delivery_email_sent = ?", id, false).
		Updates(map[string]any{
			"delivery_email_sent":    true,
			"delivery_email_sent_at": at,
			"updated_at":             at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ListPaidWithoutEmail возвращает ID оплаченных заказов без отправленного письма.
func (r *orderRepository) ListPaidWithoutEmail(ctx context.Context, since time.Time, limit int) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&OrderModel{}).
		Where("payment_status = ? AND delivery_email_sent = ? AND paid_at >= ?",
			string(domain.OrderPaymentPaid), false, since).
		Order("paid_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// assignItemIDs выдаёт UUID позициям без ID.
func assignItemIDs(order *domain.Order) {
	for i := range order.Items {
		if order.Items[i].ID == "" {
			order.Items[i].ID = uuid.NewString()
		}
		order.Items[i].OrderID = order.ID
	}
}

// isDuplicateKeyError проверяет, является ли ошибка нарушением уникального индекса.
// MySQL возвращает ошибку с кодом 1062 при попытке вставить дубликат.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(errMsg, "Duplicate entry") ||
		strings.Contains(errMsg, "1062")
}

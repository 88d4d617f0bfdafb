package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"example.com/design-market/pkg/outbox"
	"example.com/design-market/services/market/internal/domain"
)

// Change описывает согласованное изменение заказа и платежа.
// Nil-агрегат не обновляется.
type Change struct {
	Order         *domain.Order
	ExpectedOrder domain.OrderState

	Payment         *domain.Payment
	ExpectedPayment domain.PaymentStatus

	Events []*outbox.Outbox
}

// Store выполняет операции, затрагивающие несколько таблиц, в одной транзакции.
type Store interface {
	// Apply применяет условные UPDATE заказа и платежа и пишет события.
	// Любой проигранный UPDATE откатывает всю транзакцию (domain.ErrConcurrentUpdate).
	Apply(ctx context.Context, change Change) error

	// Materialize сохраняет оплаченный заказ и привязывает к нему платёж
	// (order_id IS NULL). Если платёж уже привязан параллельным обработчиком,
	// транзакция откатывается и возвращается заказ победителя с created=false.
	Materialize(ctx context.Context, order *domain.Order, payment *domain.Payment, events ...*outbox.Outbox) (*domain.Order, bool, error)
}

type store struct {
	db     *gorm.DB
	orders OrderRepository
}

// NewStore создаёт транзакционное хранилище.
func NewStore(db *gorm.DB) Store {
	return &store{db: db, orders: NewOrderRepository(db)}
}

// errLinkLost — внутренний сигнал отката при проигранной привязке платежа.
var errLinkLost = errors.New("платёж уже привязан к заказу")

// Apply применяет изменение в одной транзакции.
func (s *store) Apply(ctx context.Context, change Change) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if change.Payment != nil {
			if err := updatePaymentState(tx, change.Payment, change.ExpectedPayment); err != nil {
				return err
			}
		}
		if change.Order != nil {
			if err := updateOrderState(tx, change.Order, change.ExpectedOrder); err != nil {
				return err
			}
		}
		return outbox.CreateInTx(tx, change.Events...)
	})
	if err != nil && isDuplicateKeyError(err) {
		return domain.ErrDuplicateOrderNumber
	}
	return err
}

// Materialize создаёт заказ и привязывает платёж.
func (s *store) Materialize(ctx context.Context, order *domain.Order, payment *domain.Payment, events ...*outbox.Outbox) (*domain.Order, bool, error) {
	assignItemIDs(order)
	model := orderModelFromDomain(order)
	now := order.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(model).Error; err != nil {
			return err
		}

		updates := map[string]any{
			"order_id":                 order.ID,
			"context_kind":             string(domain.ContextPermanent),
			"materialization_fallback": payment.Markers.MaterializationFallback,
			"updated_at":               now,
		}
		if order.UserID != nil && payment.UserID == nil {
			updates["user_id"] = *order.UserID
		}
		result := tx.Model(&PaymentModel{}).
			Where("id = ? AND order_id IS NULL", payment.ID).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errLinkLost
		}

		return outbox.CreateInTx(tx, events...)
	})

	switch {
	case err == nil:
		payment.LinkOrder(order.ID, now)
		if order.UserID != nil && payment.UserID == nil {
			payment.UserID = order.UserID
		}
		return order, true, nil
	case errors.Is(err, errLinkLost):
		winner, werr := s.linkedOrder(ctx, payment.ID)
		if werr != nil {
			return nil, false, werr
		}
		return winner, false, nil
	case isDuplicateKeyError(err):
		return nil, false, domain.ErrDuplicateOrderNumber
	default:
		return nil, false, err
	}
}

// linkedOrder загружает заказ, к которому уже привязан платёж.
func (s *store) linkedOrder(ctx context.Context, paymentID string) (*domain.Order, error) {
	var model PaymentModel
	if err := s.db.WithContext(ctx).
		Select("id", "order_id").
		Where("id = ?", paymentID).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, err
	}
	if model.OrderID == nil {
		return nil, domain.ErrConcurrentUpdate
	}
	return s.orders.GetByID(ctx, *model.OrderID)
}

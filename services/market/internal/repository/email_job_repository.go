package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/design-market/services/market/internal/domain"
)

// EmailJobRepository — очередь отложенных задач гарантии отправки письма.
type EmailJobRepository interface {
	// Schedule создаёт задачу, если задачи того же вида для платежа ещё нет.
	Schedule(ctx context.Context, paymentID, kind string, runAt time.Time) error

	// ClaimDue захватывает до limit созревших задач на время lease.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*domain.EmailJob, error)

	// MarkDone завершает задачу.
	MarkDone(ctx context.Context, id string, at time.Time) error

	// Reschedule откладывает задачу до runAt и увеличивает счётчик попыток.
	Reschedule(ctx context.Context, id string, runAt time.Time, lastErr string) error
}

type emailJobRepository struct {
	db *gorm.DB
}

// NewEmailJobRepository создаёт репозиторий задач.
func NewEmailJobRepository(db *gorm.DB) EmailJobRepository {
	return &emailJobRepository{db: db}
}

// Schedule вставляет задачу; дубликат (payment_id, kind) молча игнорируется.
func (r *emailJobRepository) Schedule(ctx context.Context, paymentID, kind string, runAt time.Time) error {
	model := &EmailJobModel{
		ID:        uuid.NewString(),
		PaymentID: paymentID,
		Kind:      kind,
		RunAt:     runAt,
		CreatedAt: time.Now().UTC(),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(model).Error
}

// ClaimDue выбирает созревшие задачи и продлевает lease условным UPDATE.
// Задача, перехваченная другим экземпляром между SELECT и UPDATE, пропускается.
func (r *emailJobRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*domain.EmailJob, error) {
	var candidates []EmailJobModel
	err := r.db.WithContext(ctx).
		Where("done_at IS NULL AND run_at <= ? AND (locked_until IS NULL OR locked_until < ?)", now, now).
		Order("run_at ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	lockedUntil := now.Add(lease)
	claimed := make([]*domain.EmailJob, 0, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		result := r.db.WithContext(ctx).Model(&EmailJobModel{}).
			Where("id = ? AND done_at IS NULL AND (locked_until IS NULL OR locked_until < ?)", c.ID, now).
			Update("locked_until", lockedUntil)
		if result.Error != nil {
			return claimed, result.Error
		}
		if result.RowsAffected == 0 {
			continue
		}
		c.LockedUntil = &lockedUntil
		claimed = append(claimed, c.toDomain())
	}
	return claimed, nil
}

// MarkDone выставляет done_at и снимает lease.
func (r *emailJobRepository) MarkDone(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&EmailJobModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"done_at":      at,
			"locked_until": nil,
		}).Error
}

// Reschedule переносит задачу на runAt.
func (r *emailJobRepository) Reschedule(ctx context.Context, id string, runAt time.Time, lastErr string) error {
	return r.db.WithContext(ctx).Model(&EmailJobModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"run_at":       runAt,
			"attempts":     gorm.Expr("attempts + 1"),
			"locked_until": nil,
			"last_error":   lastErr,
		}).Error
}

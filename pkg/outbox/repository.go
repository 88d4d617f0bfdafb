package outbox

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Repository — хранилище outbox для Relay.
type Repository interface {
	// Pending возвращает неопубликованные записи в порядке создания.
	Pending(ctx context.Context, limit int) ([]*Outbox, error)

	// MarkPublished помечает записи опубликованными.
	MarkPublished(ctx context.Context, ids ...string) error

	// MarkDeadLettered снимает запись с публикации после исчерпания попыток.
	MarkDeadLettered(ctx context.Context, id string) error

	// RecordFailure увеличивает счётчик попыток и сохраняет текст ошибки.
	RecordFailure(ctx context.Context, id string, err error) error

	// Purge удаляет опубликованные записи старше before.
	Purge(ctx context.Context, before time.Time, limit int) (int64, error)
}

type row struct {
	ID            string     `gorm:"column:id;primaryKey"`
	AggregateType string     `gorm:"column:aggregate_type"`
	AggregateID   string     `gorm:"column:aggregate_id"`
	EventType     string     `gorm:"column:event_type"`
	Topic         string     `gorm:"column:topic"`
	MessageKey    string     `gorm:"column:message_key"`
	Payload       []byte     `gorm:"column:payload"`
	Headers       []byte     `gorm:"column:headers"`
	CreatedAt     time.Time  `gorm:"column:created_at"`
	PublishedAt   *time.Time `gorm:"column:published_at"`
	Attempts      int        `gorm:"column:attempts"`
	LastError     *string    `gorm:"column:last_error"`
	DeadLettered  bool       `gorm:"column:dead_lettered"`
}

func (row) TableName() string { return "outbox" }

func toRow(o *Outbox) *row {
	r := &row{
		ID:            o.ID,
		AggregateType: o.AggregateType,
		AggregateID:   o.AggregateID,
		EventType:     o.EventType,
		Topic:         o.Topic,
		MessageKey:    o.MessageKey,
		Payload:       o.Payload,
		CreatedAt:     o.CreatedAt,
		Attempts:      o.Attempts,
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if len(o.Headers) > 0 {
		r.Headers, _ = json.Marshal(o.Headers)
	}
	return r
}

func (r *row) toOutbox() *Outbox {
	o := &Outbox{
		ID:            r.ID,
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
		EventType:     r.EventType,
		Topic:         r.Topic,
		MessageKey:    r.MessageKey,
		Payload:       r.Payload,
		CreatedAt:     r.CreatedAt,
		Attempts:      r.Attempts,
	}
	if len(r.Headers) > 0 {
		// Битые заголовки не мешают публикации: payload важнее.
		_ = json.Unmarshal(r.Headers, &o.Headers)
	}
	return o
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository создаёт GORM репозиторий outbox.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// CreateInTx пишет события в транзакции tx.
// Вызывается вместе с условным UPDATE заказа или платежа,
// поэтому событие фиксируется тогда и только тогда, когда зафиксирован переход.
func CreateInTx(tx *gorm.DB, events ...*Outbox) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]*row, len(events))
	for i, ev := range events {
		rows[i] = toRow(ev)
	}
	return tx.Create(&rows).Error
}

// Pending не блокирует строки: при нескольких экземплярах событие может
// уйти дважды, потребители идемпотентны по ID заказа.
func (r *gormRepository) Pending(ctx context.Context, limit int) ([]*Outbox, error) {
	var rows []row
	err := r.db.WithContext(ctx).
		Where("published_at IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]*Outbox, len(rows))
	for i := range rows {
		out[i] = rows[i].toOutbox()
	}
	return out, nil
}

func (r *gormRepository) MarkPublished(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&row{}).
		Where("id IN ? AND published_at IS NULL", ids).
		Update("published_at", time.Now().UTC()).Error
}

func (r *gormRepository) MarkDeadLettered(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&row{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"published_at":  time.Now().UTC(),
			"dead_lettered": true,
		}).Error
}

func (r *gormRepository) RecordFailure(ctx context.Context, id string, cause error) error {
	return r.db.WithContext(ctx).Model(&row{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": cause.Error(),
		}).Error
}

func (r *gormRepository) Purge(ctx context.Context, before time.Time, limit int) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("published_at IS NOT NULL AND published_at < ?", before).
		Limit(limit).
		Delete(&row{})
	return res.RowsAffected, res.Error
}

package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"example.com/design-market/services/market/internal/domain"
)

// WebhookEventRepository — журнал входящих webhook (аудит и дедупликация).
type WebhookEventRepository interface {
	// Begin регистрирует событие. Если запись (provider, event_id) уже есть,
	// возвращает существующую запись и false.
	Begin(ctx context.Context, event *domain.WebhookEvent) (*domain.WebhookEvent, bool, error)

	// Finish сохраняет результат обработки события.
	Finish(ctx context.Context, id string, result domain.WebhookResult, errMsg *string, at time.Time) error

	// RecordRejected сохраняет отклонённую попытку (неверная подпись, нет заголовков).
	RecordRejected(ctx context.Context, event *domain.WebhookEvent) error
}

type webhookEventRepository struct {
	db *gorm.DB
}

// NewWebhookEventRepository создаёт журнал webhook.
func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepository{db: db}
}

// Begin вставляет запись о событии либо возвращает уже существующую.
func (r *webhookEventRepository) Begin(ctx context.Context, event *domain.WebhookEvent) (*domain.WebhookEvent, bool, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	model := webhookEventModelFromDomain(event)

	err := r.db.WithContext(ctx).Create(model).Error
	if err == nil {
		return event, true, nil
	}
	if !isDuplicateKeyError(err) {
		return nil, false, err
	}

	var existing WebhookEventModel
	if err := r.db.WithContext(ctx).
		Where("provider = ? AND event_id = ?", event.Provider, event.EventID).
		First(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, domain.ErrConcurrentUpdate
		}
		return nil, false, err
	}
	return existing.toDomain(), false, nil
}

// Finish обновляет результат обработки.
func (r *webhookEventRepository) Finish(ctx context.Context, id string, result domain.WebhookResult, errMsg *string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&WebhookEventModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"result":       string(result),
			"error":        errMsg,
			"processed_at": at,
		}).Error
}

// RecordRejected сохраняет отклонённую попытку под служебным event_id.
// Заявленный ID события не используется: непроверенный запрос не должен
// занимать ключ дедупликации настоящего события.
func (r *webhookEventRepository) RecordRejected(ctx context.Context, event *domain.WebhookEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	event.EventID = "rejected-" + uuid.NewString()
	event.Result = domain.WebhookResultRejected
	return r.db.WithContext(ctx).Create(webhookEventModelFromDomain(event)).Error
}

func webhookEventModelFromDomain(e *domain.WebhookEvent) *WebhookEventModel {
	return &WebhookEventModel{
		ID:             e.ID,
		Provider:       e.Provider,
		EventID:        e.EventID,
		EventType:      e.EventType,
		ResourceID:     e.ResourceID,
		SignatureValid: e.SignatureValid,
		Result:         string(e.Result),
		Error:          e.Error,
		Payload:        e.Payload,
		ProcessedAt:    e.ProcessedAt,
		CreatedAt:      e.CreatedAt,
	}
}

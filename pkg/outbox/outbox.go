// Package outbox реализует Outbox Pattern для доменных событий заказов.
// Событие пишется в таблицу outbox в той же транзакции, что и смена статуса
// заказа или платежа. Relay читает таблицу и публикует события в Kafka.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/design-market/pkg/kafka"
	"example.com/design-market/pkg/logger"
)

// Типы агрегатов.
const (
	AggregateOrder   = "order"
	AggregatePayment = "payment"
)

// Outbox — запись в таблице outbox для гарантированной доставки в Kafka.
type Outbox struct {
	ID            string            // UUID записи
	AggregateType string            // Тип агрегата (order / payment)
	AggregateID   string            // ID агрегата
	EventType     string            // Тип события (order.paid / payment.failed ...)
	Topic         string            // Kafka топик
	MessageKey    string            // Ключ сообщения (для партиционирования)
	Payload       []byte            // JSON payload
	Headers       map[string]string // Headers для Kafka (trace_id, correlation_id, event_type)
	CreatedAt     time.Time         // Время создания
	Attempts      int               // Неудачных попыток публикации
}

// NewEvent собирает запись outbox из доменного события.
// Ключ сообщения - ID заказа: события одного заказа попадают в одну партицию.
// trace_id и correlation_id берутся из контекста.
func NewEvent(ctx context.Context, topic, aggregateType, aggregateID, eventType, orderID string, payload any) (*Outbox, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации события %s: %w", eventType, err)
	}

	headers := map[string]string{
		kafka.HeaderEventType: eventType,
		kafka.HeaderTimestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if traceID := logger.TraceIDFromContext(ctx); traceID != "" {
		headers[kafka.HeaderTraceID] = traceID
	}
	if correlationID := logger.CorrelationIDFromContext(ctx); correlationID != "" {
		headers[kafka.HeaderCorrelationID] = correlationID
	}

	return &Outbox{
		ID:            uuid.NewString(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Topic:         topic,
		MessageKey:    orderID,
		Payload:       data,
		Headers:       headers,
	}, nil
}

// message собирает сообщение Kafka из записи.
func (o *Outbox) message() *kafka.Message {
	return &kafka.Message{
		Topic:   o.Topic,
		Key:     []byte(o.MessageKey),
		Value:   o.Payload,
		Headers: o.Headers,
	}
}

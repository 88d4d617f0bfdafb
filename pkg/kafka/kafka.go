// Package kafka предоставляет обёртки над kafka-go для доменных событий заказов.
// Producer публикует события из outbox, Consumer читает их для фоновых обработчиков.
// trace_id и correlation_id переносятся через headers сообщений.
package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/design-market/pkg/logger"
)

// Топики по умолчанию (переопределяются конфигурацией).
const (
	// DefaultOrderEventsTopic - события жизненного цикла заказов и платежей.
	DefaultOrderEventsTopic = "market.order-events"

	// DefaultDLQTopic - Dead Letter Queue для необработанных сообщений.
	DefaultDLQTopic = "market.dlq"
)

// Ключи для headers сообщений Kafka.
const (
	// HeaderTraceID - идентификатор трассировки для distributed tracing.
	HeaderTraceID = "trace_id"

	// HeaderCorrelationID - идентификатор корреляции для связи запросов и ответов.
	HeaderCorrelationID = "correlation_id"

	// HeaderTimestamp - временная метка создания сообщения.
	HeaderTimestamp = "timestamp"

	// HeaderEventType - тип доменного события (order.paid, payment.failed ...).
	HeaderEventType = "event_type"

	// Headers сообщения в DLQ.
	HeaderDLQError     = "dlq_error"
	HeaderDLQTopic     = "dlq_original_topic"
	HeaderDLQTimestamp = "dlq_timestamp"
)

// Config содержит настройки для подключения к Kafka.
type Config struct {
	// Brokers - список адресов брокеров Kafka.
	Brokers []string

	// ConsumerGroup - имя consumer group для Consumer.
	ConsumerGroup string

	// DLQTopic - топик для сообщений, которые не удалось обработать.
	// Пустое значение - DefaultDLQTopic.
	DLQTopic string
}

// dlqTopic возвращает топик DLQ с учётом значения по умолчанию.
func (c Config) dlqTopic() string {
	if c.DLQTopic != "" {
		return c.DLQTopic
	}
	return DefaultDLQTopic
}

// Message представляет сообщение Kafka с метаданными.
type Message struct {
	// Key - ключ сообщения для партиционирования.
	Key []byte

	// Value - тело сообщения (payload).
	Value []byte

	// Topic - топик сообщения.
	Topic string

	// Partition - номер партиции.
	Partition int

	// Offset - смещение сообщения в партиции.
	Offset int64

	// Headers - заголовки сообщения (trace_id, correlation_id и т.д.).
	Headers map[string]string

	// Time - временная метка сообщения.
	Time time.Time
}

// fromKafkaMessage конвертирует kafka.Message в Message.
func fromKafkaMessage(m kafka.Message) *Message {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}

	return &Message{
		Key:       m.Key,
		Value:     m.Value,
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Headers:   headers,
		Time:      m.Time,
	}
}

// toKafkaMessage конвертирует Message в kafka.Message.
func (m *Message) toKafkaMessage() kafka.Message {
	headers := make([]kafka.Header, 0, len(m.Headers))
	for k, v := range m.Headers {
		headers = append(headers, kafka.Header{
			Key:   k,
			Value: []byte(v),
		})
	}

	return kafka.Message{
		Key:     m.Key,
		Value:   m.Value,
		Topic:   m.Topic,
		Headers: headers,
		Time:    m.Time,
	}
}

// TraceIDFromContext извлекает trace_id из context.
// Делегирует в pkg/logger для единообразной работы с контекстом.
func TraceIDFromContext(ctx context.Context) string {
	return logger.TraceIDFromContext(ctx)
}

// CorrelationIDFromContext извлекает correlation_id из context.
// Делегирует в pkg/logger для единообразной работы с контекстом.
func CorrelationIDFromContext(ctx context.Context) string {
	return logger.CorrelationIDFromContext(ctx)
}

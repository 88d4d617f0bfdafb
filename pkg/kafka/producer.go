package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/design-market/pkg/logger"
)

// messageWriter — часть kafka.Writer, нужная Producer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer публикует доменные события заказов.
type Producer struct {
	writer messageWriter
	dlq    string
}

// NewProducer создаёт синхронный Producer.
// Сообщения распределяются по партициям хэшем ключа (ID заказа),
// поэтому события одного заказа читаются в порядке публикации.
func NewProducer(cfg Config) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("не указаны брокеры Kafka")
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll, // Событие "заказ оплачен" нельзя потерять при смене лидера
		// Топики создаются EnsureTopics при старте.
		AllowAutoTopicCreation: false,
	}

	logger.Info().Strs("brokers", cfg.Brokers).Msg("Создан Kafka Producer")
	return newProducer(w, cfg.dlqTopic()), nil
}

func newProducer(w messageWriter, dlq string) *Producer {
	return &Producer{writer: w, dlq: dlq}
}

// SendMessage публикует сообщение и ждёт подтверждения брокеров.
// trace_id и correlation_id берутся из контекста, если их нет в headers.
func (p *Producer) SendMessage(ctx context.Context, msg *Message) error {
	if msg.Headers == nil {
		msg.Headers = make(map[string]string, 3)
	}
	setDefault(msg.Headers, HeaderTraceID, TraceIDFromContext(ctx))
	setDefault(msg.Headers, HeaderCorrelationID, CorrelationIDFromContext(ctx))
	setDefault(msg.Headers, HeaderTimestamp, time.Now().UTC().Format(time.RFC3339Nano))

	if err := p.writer.WriteMessages(ctx, msg.toKafkaMessage()); err != nil {
		return fmt.Errorf("ошибка отправки в Kafka (%s): %w", msg.Topic, err)
	}

	logger.Debug().
		Str("topic", msg.Topic).
		Str("key", string(msg.Key)).
		Str("event_type", msg.Headers[HeaderEventType]).
		Msg("Сообщение отправлено в Kafka")
	return nil
}

// SendToDLQ перекладывает сообщение в DLQ с причиной и исходным топиком в headers.
func (p *Producer) SendToDLQ(ctx context.Context, original *Message, cause error) error {
	headers := make(map[string]string, len(original.Headers)+3)
	for k, v := range original.Headers {
		headers[k] = v
	}
	headers[HeaderDLQError] = cause.Error()
	headers[HeaderDLQTopic] = original.Topic
	headers[HeaderDLQTimestamp] = time.Now().UTC().Format(time.RFC3339Nano)

	return p.SendMessage(ctx, &Message{
		Topic:   p.dlq,
		Key:     original.Key,
		Value:   original.Value,
		Headers: headers,
	})
}

// Close дожидается отправки буфера и закрывает соединения.
func (p *Producer) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия producer: %w", err)
	}
	logger.Info().Msg("Kafka Producer закрыт")
	return nil
}

func setDefault(h map[string]string, key, value string) {
	if value == "" {
		return
	}
	if _, ok := h[key]; !ok {
		h[key] = value
	}
}

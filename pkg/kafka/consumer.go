package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/design-market/pkg/logger"
)

// MessageHandler обрабатывает одно сообщение.
// Контекст содержит trace_id и correlation_id из headers сообщения.
type MessageHandler func(ctx context.Context, msg *Message) error

// messageReader — часть kafka.Reader, нужная Consumer.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// dlqSender — получатель сообщений, которые не удалось обработать.
type dlqSender interface {
	SendToDLQ(ctx context.Context, msg *Message, cause error) error
}

// Consumer читает топик в составе consumer group.
type Consumer struct {
	reader  messageReader
	dlq     dlqSender
	topic   string
	backoff time.Duration
}

// NewConsumer создаёт Consumer для топика. Экземпляры с одним groupID делят партиции.
func NewConsumer(cfg Config, topic string, groupID string) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("не указаны брокеры Kafka")
	}
	if topic == "" {
		return nil, fmt.Errorf("не указан топик")
	}
	if groupID == "" {
		return nil, fmt.Errorf("не указан group ID")
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  100 * time.Millisecond,
		// Offset коммитится вручную после обработки.
		CommitInterval: 0,
		// Новая consumer group начинает с начала топика: события оплаты не пропускаются.
		StartOffset: kafka.FirstOffset,
	})

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", topic).
		Str("group_id", groupID).
		Msg("Создан Kafka Consumer")

	return newConsumer(r, topic), nil
}

func newConsumer(r messageReader, topic string) *Consumer {
	return &Consumer{reader: r, topic: topic, backoff: 100 * time.Millisecond}
}

// SetDLQProducer задаёт получателя сообщений, исчерпавших попытки.
func (c *Consumer) SetDLQProducer(p *Producer) {
	c.dlq = p
}

// Consume обрабатывает сообщения без повторов до отмены контекста.
func (c *Consumer) Consume(ctx context.Context, handler MessageHandler) error {
	return c.ConsumeWithRetry(ctx, handler, 0)
}

// ConsumeWithRetry обрабатывает сообщения до отмены контекста.
// Неудачная обработка повторяется maxRetries раз с экспоненциальной паузой,
// затем сообщение уходит в DLQ. Offset коммитится только после обработки
// или сохранения сообщения в DLQ.
func (c *Consumer) ConsumeWithRetry(ctx context.Context, handler MessageHandler, maxRetries int) error {
	log := logger.Ctx(ctx).With().Str("topic", c.topic).Logger()
	log.Info().Int("max_retries", maxRetries).Msg("Запуск чтения сообщений из Kafka")

	for {
		raw, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				log.Info().Msg("Остановка Consumer")
				return ctx.Err()
			}
			log.Error().Err(err).Msg("Ошибка чтения сообщения из Kafka")
			if !c.sleep(ctx, c.backoff) {
				return ctx.Err()
			}
			continue
		}

		msg := fromKafkaMessage(raw)
		if err := c.handle(ctx, msg, handler, maxRetries); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !c.deadLetter(ctx, msg, err) {
				return ctx.Err()
			}
		}

		if err := c.reader.CommitMessages(ctx, raw); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Int64("offset", raw.Offset).Msg("Ошибка коммита offset")
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg *Message, handler MessageHandler, maxRetries int) error {
	msgCtx := logger.NewContextWithIDs(ctx, msg.Headers[HeaderTraceID], msg.Headers[HeaderCorrelationID])

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff << (attempt - 1)
			logger.Ctx(msgCtx).Warn().
				Err(err).
				Int("attempt", attempt).
				Str("key", string(msg.Key)).
				Dur("delay", delay).
				Msg("Повторная обработка сообщения")
			if !c.sleep(ctx, delay) {
				return ctx.Err()
			}
		}
		if err = handler(msgCtx, msg); err == nil {
			return nil
		}
	}
	return fmt.Errorf("исчерпаны попытки обработки: %w", err)
}

// deadLetter повторяет отправку в DLQ до успеха: offset необработанного
// сообщения двигается только после того, как оно сохранено в DLQ.
// false означает отмену контекста.
func (c *Consumer) deadLetter(ctx context.Context, msg *Message, cause error) bool {
	log := logger.Ctx(ctx).With().
		Str("topic", msg.Topic).
		Str("key", string(msg.Key)).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()

	if c.dlq == nil {
		log.Error().Err(cause).Msg("Сообщение не обработано, DLQ не настроена")
		return true
	}
	for delay := c.backoff; ; delay = min(delay*2, maxDLQBackoff) {
		err := c.dlq.SendToDLQ(ctx, msg, cause)
		if err == nil {
			log.Warn().Err(cause).Msg("Сообщение отправлено в DLQ")
			return true
		}
		log.Error().Err(err).AnErr("cause", cause).Msg("Ошибка отправки в DLQ")
		if !c.sleep(ctx, delay) {
			return false
		}
	}
}

const maxDLQBackoff = 10 * time.Second

func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Close закрывает Consumer.
func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия consumer: %w", err)
	}
	logger.Info().Str("topic", c.topic).Msg("Kafka Consumer закрыт")
	return nil
}

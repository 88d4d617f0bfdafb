package outbox

import (
	"context"
	"fmt"
	"time"

	"example.com/design-market/pkg/kafka"
	"example.com/design-market/pkg/logger"
	"example.com/design-market/pkg/metrics"
)

// Publisher — часть kafka.Producer, нужная Relay.
type Publisher interface {
	SendMessage(ctx context.Context, msg *kafka.Message) error
	SendToDLQ(ctx context.Context, msg *kafka.Message, cause error) error
}

// Config — настройки Relay.
type Config struct {
	PollInterval  time.Duration
	BatchSize     int
	MaxAttempts   int           // после стольких неудач событие уходит в DLQ
	Retention     time.Duration // срок хранения опубликованных записей
	PurgeInterval time.Duration
	PurgeBatch    int
}

// DefaultConfig возвращает настройки по умолчанию.
func DefaultConfig() Config {
	return Config{
		PollInterval:  time.Second,
		BatchSize:     100,
		MaxAttempts:   5,
		Retention:     7 * 24 * time.Hour,
		PurgeInterval: time.Hour,
		PurgeBatch:    1000,
	}
}

// FlushResult — итог одного прохода Relay.
type FlushResult struct {
	Published    int
	Failed       int
	Blocked      int
	DeadLettered int
}

// Relay публикует записи outbox в Kafka (at-least-once).
// События одного ключа (заказа) уходят строго в порядке создания:
// после первой неудачи остальные события этого ключа ждут следующего прохода.
type Relay struct {
	repo Repository
	pub  Publisher
	cfg  Config
}

// NewRelay создаёт Relay.
func NewRelay(repo Repository, pub Publisher, cfg Config) *Relay {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = def.PurgeInterval
	}
	if cfg.PurgeBatch <= 0 {
		cfg.PurgeBatch = def.PurgeBatch
	}
	return &Relay{repo: repo, pub: pub, cfg: cfg}
}

// Run публикует outbox до отмены контекста.
func (r *Relay) Run(ctx context.Context) {
	log := logger.Ctx(ctx)
	log.Info().
		Dur("poll_interval", r.cfg.PollInterval).
		Int("batch_size", r.cfg.BatchSize).
		Msg("Запуск outbox relay")

	poll := time.NewTicker(r.cfg.PollInterval)
	defer poll.Stop()
	purge := time.NewTicker(r.cfg.PurgeInterval)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Остановка outbox relay")
			return
		case <-poll.C:
			if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Ошибка чтения outbox")
			}
		case <-purge.C:
			r.purge(ctx)
		}
	}
}

// Flush публикует одну пачку неопубликованных событий.
func (r *Relay) Flush(ctx context.Context) (FlushResult, error) {
	var res FlushResult

	records, err := r.repo.Pending(ctx, r.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("ошибка чтения outbox: %w", err)
	}

	log := logger.Ctx(ctx)
	blocked := make(map[string]bool)
	published := make([]string, 0, len(records))

	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		if blocked[rec.MessageKey] {
			res.Blocked++
			continue
		}

		if rec.Attempts >= r.cfg.MaxAttempts {
			if r.deadLetter(ctx, rec) {
				res.DeadLettered++
			} else {
				blocked[rec.MessageKey] = true
			}
			continue
		}

		if err := r.pub.SendMessage(ctx, rec.message()); err != nil {
			res.Failed++
			blocked[rec.MessageKey] = true
			log.Warn().Err(err).
				Str("outbox_id", rec.ID).
				Str("event_type", rec.EventType).
				Int("attempt", rec.Attempts+1).
				Msg("Событие не опубликовано")
			if ferr := r.repo.RecordFailure(ctx, rec.ID, err); ferr != nil {
				log.Error().Err(ferr).Str("outbox_id", rec.ID).Msg("Ошибка записи неудачи outbox")
			}
			continue
		}
		published = append(published, rec.ID)
	}

	if err := r.repo.MarkPublished(ctx, published...); err != nil {
		// События уже в Kafka и уйдут повторно: потребители идемпотентны.
		return res, fmt.Errorf("ошибка пометки outbox: %w", err)
	}
	res.Published = len(published)
	metrics.OutboxEventsTotal.WithLabelValues("published").Add(float64(res.Published))
	metrics.OutboxEventsTotal.WithLabelValues("failed").Add(float64(res.Failed))
	metrics.OutboxEventsTotal.WithLabelValues("dead_lettered").Add(float64(res.DeadLettered))

	if res.Published > 0 || res.Failed > 0 {
		log.Debug().
			Int("published", res.Published).
			Int("failed", res.Failed).
			Int("blocked", res.Blocked).
			Msg("Проход outbox relay")
	}
	return res, nil
}

func (r *Relay) deadLetter(ctx context.Context, rec *Outbox) bool {
	log := logger.Ctx(ctx).With().
		Str("outbox_id", rec.ID).
		Str("event_type", rec.EventType).
		Str("aggregate_id", rec.AggregateID).
		Int("attempts", rec.Attempts).
		Logger()

	cause := fmt.Errorf("outbox: исчерпаны попытки публикации (%d)", rec.Attempts)
	if err := r.pub.SendToDLQ(ctx, rec.message(), cause); err != nil {
		log.Error().Err(err).Msg("Ошибка отправки события в DLQ")
		return false
	}
	if err := r.repo.MarkDeadLettered(ctx, rec.ID); err != nil {
		log.Error().Err(err).Msg("Ошибка пометки dead letter")
		return false
	}
	log.Warn().Msg("Событие отправлено в DLQ")
	return true
}

func (r *Relay) purge(ctx context.Context) {
	n, err := r.repo.Purge(ctx, time.Now().Add(-r.cfg.Retention), r.cfg.PurgeBatch)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Ошибка очистки outbox")
		return
	}
	if n > 0 {
		logger.Ctx(ctx).Info().Int64("deleted", n).Msg("Удалены опубликованные записи outbox")
	}
}

package email

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"example.com/design-market/pkg/kafka"
	"example.com/design-market/pkg/logger"
	"example.com/design-market/services/market/internal/domain"
)

// ScheduleFallback ставит отложенную проверку отправки письма для платежа.
// Повторный вызов для того же платежа не создаёт вторую задачу.
func (s *Service) ScheduleFallback(ctx context.Context, paymentID string) error {
	runAt := s.lifecycle.Now().Add(s.cfg.FallbackDelay)
	if err := s.jobs.Schedule(ctx, paymentID, domain.EmailJobKindDeliveryFallback, runAt); err != nil {
		return fmt.Errorf("ошибка планирования письма для платежа %s: %w", paymentID, err)
	}
	return nil
}

// RunJobs обрабатывает отложенные задачи до отмены контекста.
func (s *Service) RunJobs(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info().Dur("poll_interval", s.cfg.JobPollInterval).Msg("Запуск обработчика отложенных писем")

	ticker := time.NewTicker(s.cfg.JobPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Остановка обработчика отложенных писем")
			return
		case <-ticker.C:
			s.safely(ctx, "email_jobs", func() {
				if _, err := s.ProcessDueJobs(ctx); err != nil {
					log.Error().Err(err).Msg("Ошибка обработки отложенных писем")
				}
			})
		}
	}
}

// ProcessDueJobs берёт в аренду созревшие задачи и выполняет их. Возвращает число задач.
func (s *Service) ProcessDueJobs(ctx context.Context) (int, error) {
	now := s.lifecycle.Now()
	jobs, err := s.jobs.ClaimDue(ctx, now, s.cfg.JobLease, s.cfg.JobBatchSize)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		s.runJob(ctx, job)
	}
	return len(jobs), nil
}

func (s *Service) runJob(ctx context.Context, job *domain.EmailJob) {
	log := logger.FromContext(ctx).With().
		Str("job_id", job.ID).
		Str("payment_id", job.PaymentID).
		Int("attempts", job.Attempts).
		Logger()

	finish := func() {
		if err := s.jobs.MarkDone(ctx, job.ID, s.lifecycle.Now()); err != nil {
			log.Error().Err(err).Msg("Ошибка завершения задачи письма")
		}
	}
	retry := func(reason string) {
		if job.Attempts+1 >= s.cfg.FallbackMaxAttempts {
			log.Warn().Str("reason", reason).Msg("Задача письма исчерпала попытки, остаётся периодическая проверка")
			finish()
			return
		}
		next := job.NextRunAt(s.cfg.FallbackDelay, s.lifecycle.Now())
		if err := s.jobs.Reschedule(ctx, job.ID, next, reason); err != nil {
			log.Error().Err(err).Msg("Ошибка переноса задачи письма")
		}
	}

	p, err := s.payments.GetByID(ctx, job.PaymentID)
	if errors.Is(err, domain.ErrPaymentNotFound) {
		finish()
		return
	}
	if err != nil {
		retry(err.Error())
		return
	}

	if p.Status.IsTerminal() {
		finish()
		return
	}
	if !p.IsConfirmed() || p.OrderID == nil {
		retry("платёж ещё не подтверждён webhook")
		return
	}

	result, err := s.EnsureSent(ctx, *p.OrderID, TriggerFallback)
	switch {
	case err != nil:
		retry(err.Error())
	case result == ResultInFlight:
		retry("письмо отправляется другим обработчиком")
	default:
		log.Debug().Str("result", string(result)).Msg("Задача письма выполнена")
		finish()
	}
}

// RunSweep периодически досылает письма оплаченным заказам до отмены контекста.
func (s *Service) RunSweep(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info().Dur("interval", s.cfg.SweepInterval).Msg("Запуск периодической проверки писем")

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Остановка периодической проверки писем")
			return
		case <-ticker.C:
			s.safely(ctx, "email_sweep", func() {
				if _, err := s.Sweep(ctx); err != nil {
					log.Error().Err(err).Msg("Ошибка периодической проверки писем")
				}
			})
		}
	}
}

// Sweep вызывает EnsureSent для оплаченных за окно заказов без письма. Возвращает число отправленных.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	since := s.lifecycle.Now().Add(-s.cfg.SweepWindow)
	ids, err := s.orders.ListPaidWithoutEmail(ctx, since, s.cfg.SweepBatchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		result, err := s.EnsureSent(ctx, id, TriggerSweep)
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("order_id", id).Msg("Периодическая проверка: письмо не отправлено")
			continue
		}
		if result == ResultSent {
			sent++
		}
	}
	if sent > 0 {
		logger.Ctx(ctx).Info().Int("sent", sent).Msg("Периодическая проверка отправила письма")
	}
	return sent, nil
}

// HandleOrderEvent — обработчик Kafka: на order.paid вызывает EnsureSent.
// Ошибка транспорта не возвращается: повтор обеспечат отложенная задача и sweep.
func (s *Service) HandleOrderEvent(ctx context.Context, msg *kafka.Message) error {
	if msg.Headers[kafka.HeaderEventType] != domain.EventOrderPaid {
		return nil
	}

	var ev domain.OrderEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return fmt.Errorf("некорректное событие %s: %w", domain.EventOrderPaid, err)
	}
	if ev.OrderID == "" {
		return nil
	}

	_, err := s.EnsureSent(ctx, ev.OrderID, TriggerEvent)
	if errors.Is(err, domain.ErrEmailTransport) {
		return nil
	}
	return err
}

// safely выполняет итерацию фонового цикла с восстановлением после паники.
func (s *Service) safely(ctx context.Context, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Ctx(ctx).Error().Interface("panic", r).Str("worker", name).Msg("Паника в фоновом обработчике")
		}
	}()
	fn()
}

package cleanup

import (
	"context"
	"time"

	"example.com/design-market/pkg/logger"
	"example.com/design-market/services/market/internal/guard"
)

// lockKey — маркер, по которому очистку выполняет один экземпляр за интервал.
const lockKey = "cleanup:lock"

// Scheduler периодически запускает полную очистку.
type Scheduler struct {
	svc      *Service
	guard    guard.Guard
	interval time.Duration
}

// NewScheduler создаёт планировщик очистки.
func NewScheduler(svc *Service, g guard.Guard, interval time.Duration) *Scheduler {
	return &Scheduler{svc: svc, guard: g, interval: interval}
}

// Run запускает очистку по тикеру до отмены контекста.
func (s *Scheduler) Run(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info().Dur("interval", s.interval).Msg("Запуск планировщика очистки")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Остановка планировщика очистки")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick выполняет один запуск, если блокировка свободна. Возвращает true, если очистка выполнялась.
// Блокировка не снимается после запуска: она истекает сама и разводит экземпляры по интервалу.
func (s *Scheduler) Tick(ctx context.Context) (ran bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Ctx(ctx).Error().Interface("panic", r).Msg("Паника в планировщике очистки")
			ran = false
		}
	}()

	ttl := s.interval - time.Second
	if ttl <= 0 {
		ttl = s.interval
	}
	acquired, err := s.guard.CheckAndSet(ctx, lockKey, ttl)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("Блокировка очистки недоступна, запуск пропущен")
		return false
	}
	if !acquired {
		logger.Ctx(ctx).Debug().Msg("Очистку выполняет другой экземпляр")
		return false
	}

	if _, err := s.svc.Run(ctx, Options{Type: TypeFull}); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Ошибка плановой очистки")
	}
	return true
}

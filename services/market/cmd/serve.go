package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"example.com/design-market/pkg/config"
	"example.com/design-market/pkg/healthcheck"
	"example.com/design-market/pkg/kafka"
	"example.com/design-market/pkg/logger"
	"example.com/design-market/pkg/metrics"
	"example.com/design-market/pkg/outbox"
	"example.com/design-market/pkg/tracing"
	"example.com/design-market/services/market/internal/cleanup"
	"example.com/design-market/services/market/internal/handler"
	"example.com/design-market/services/market/internal/middleware"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Запустить HTTP API и фоновые обработчики",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := logger.With().Str("service", handler.ServiceName).Logger()
	log.Info().
		Str("env", cfg.App.Env).
		Str("addr", cfg.HTTP.Addr()).
		Str("paypal_mode", cfg.PayPal.Mode).
		Msg("Запуск Market Service")

	// === Observability: Tracing ===

	shutdownTracing, err := tracing.InitTracer(tracing.Config{
		ServiceName:    handler.ServiceName,
		Environment:    cfg.App.Env,
		Version:        Version,
		JaegerEndpoint: cfg.Jaeger.OTLPEndpoint(),
		Enabled:        cfg.Jaeger.Enabled,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Не удалось инициализировать tracing")
	}

	// === Подключение к зависимостям ===

	db, rdb, err := connectStores(cfg)
	if err != nil {
		return err
	}
	defer closeDB(db)
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Redis")
		}
	}()
	log.Info().Msg("Подключение к MySQL и Redis установлено")

	a, err := buildApp(cfg, db, rdb)
	if err != nil {
		return err
	}

	checks := []func(context.Context) error{
		func(ctx context.Context) error { return healthcheck.CheckMySQL(ctx, db) },
		func(ctx context.Context) error { return healthcheck.CheckRedis(ctx, rdb) },
	}
	if cfg.Kafka.Enabled {
		checks = append(checks, healthcheck.CheckKafka(cfg.Kafka.Brokers))
	}
	readinessCheck := healthcheck.Composite(checks...)

	// === Observability: Metrics ===

	var metricsServer *metrics.Server
	var metricsWg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Addr(), handler.ServiceName, metrics.WithReadinessCheck(readinessCheck))
		metricsWg.Add(1)
		go func() {
			defer metricsWg.Done()
			if err := metricsServer.Start(); err != nil {
				log.Error().Err(err).Msg("Ошибка Metrics Server")
			}
		}()
	}

	// === HTTP API ===

	routerCfg := handler.RouterConfig{
		Checkout:   a.checkout,
		Dispatcher: a.dispatcher,
		Verifier:   a.verify,
		Cleanup:    a.cleanup,
		Limiter:    a.limiter,
		APILimit: middleware.RateLimitConfig{
			Name:   "api",
			Limit:  cfg.RateLimit.APILimit,
			Window: cfg.RateLimit.APIWindow,
		},
		VerifyLimit: middleware.RateLimitConfig{
			Name:   "verify",
			Limit:  cfg.RateLimit.VerifyLimit,
			Window: cfg.RateLimit.VerifyWindow,
		},
		CORSOrigins:     cfg.HTTP.CORSOrigins,
		WebhookMaxBytes: cfg.Webhook.MaxBodyBytes,
		ReadinessCheck:  readinessCheck,
		Debug:           cfg.IsDevelopment(),
	}
	if a.tokens != nil {
		routerCfg.Tokens = a.tokens
	}
	router := handler.NewRouter(routerCfg)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           router.Engine(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithLogger(ctx, log)

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP сервер запущен")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// === Фоновые обработчики ===

	var workersWg sync.WaitGroup
	runWorker := func(name string, fn func(ctx context.Context)) {
		workersWg.Add(1)
		go func() {
			defer workersWg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("worker", name).Msg("Паника в фоновом обработчике")
				}
			}()
			fn(logger.WithLogger(ctx, log.With().Str("worker", name).Logger()))
		}()
	}

	runWorker("email-jobs", a.email.RunJobs)
	runWorker("email-sweep", a.email.RunSweep)

	if cfg.Cleanup.Enabled {
		scheduler := cleanup.NewScheduler(a.cleanup, a.guard, cfg.Cleanup.Interval)
		runWorker("cleanup", scheduler.Run)
	}

	var kafkaProducer *kafka.Producer
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		kafkaProducer, kafkaConsumer, err = startKafka(cfg, a, &log, runWorker)
		if err != nil {
			log.Error().Err(err).Msg("Kafka недоступна, события публикуются из outbox после восстановления")
		}
	} else {
		log.Info().Msg("Kafka отключена: письма отправляются без событийного пути")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("Получен сигнал завершения, останавливаем сервер...")
	case err := <-serverErr:
		log.Error().Err(err).Msg("Ошибка HTTP сервера")
		stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка остановки HTTP сервера")
	}

	// Ждём фоновые обработчики до закрытия соединений
	workersWg.Wait()

	if kafkaConsumer != nil {
		if err := kafkaConsumer.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Kafka Consumer")
		}
	}
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Kafka Producer")
		}
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Metrics Server")
		}
		metricsWg.Wait()
	}

	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Tracing")
		}
	}

	log.Info().Msg("Market Service остановлен")
	return nil
}

// startKafka запускает outbox relay и consumer событий заказов.
// order.paid из топика ведёт в тот же EnsureSent, что и webhook.
func startKafka(
	cfg *config.Config,
	a *app,
	log *zerolog.Logger,
	runWorker func(name string, fn func(ctx context.Context)),
) (*kafka.Producer, *kafka.Consumer, error) {
	kcfg := kafka.Config{
		Brokers:       cfg.Kafka.Brokers,
		ConsumerGroup: cfg.Kafka.ConsumerGroup,
		DLQTopic:      cfg.Kafka.DLQTopic,
	}
	log.Info().Strs("brokers", kcfg.Brokers).Msg("Инициализация Kafka")

	if err := kafka.EnsureTopics(kcfg.Brokers, kafka.DefaultTopics(cfg.Kafka.OrderEventsTopic, cfg.Kafka.DLQTopic)); err != nil {
		log.Warn().Err(err).Msg("Не удалось создать топики (возможно Kafka недоступна)")
	}

	producer, err := kafka.NewProducer(kcfg)
	if err != nil {
		return nil, nil, err
	}

	relay := outbox.NewRelay(outbox.NewRepository(a.db), producer, outbox.DefaultConfig())
	runWorker("outbox", relay.Run)

	consumer, err := kafka.NewConsumer(kcfg, cfg.Kafka.OrderEventsTopic, cfg.Kafka.ConsumerGroup)
	if err != nil {
		return producer, nil, err
	}
	consumer.SetDLQProducer(producer)

	runWorker("order-events", func(ctx context.Context) {
		if err := consumer.ConsumeWithRetry(ctx, a.email.HandleOrderEvent, 3); err != nil && !errors.Is(err, context.Canceled) {
			logger.Ctx(ctx).Error().Err(err).Msg("Ошибка обработчика событий заказов")
		}
	})

	log.Info().Msg("Outbox relay и consumer событий заказов запущены")
	return producer, consumer, nil
}

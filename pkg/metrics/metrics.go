// Package metrics предоставляет Prometheus метрики сервиса:
// HTTP запросы, обработка webhook, отправка писем, очистка и обращения к провайдеру.
// Отдельный HTTP сервер отдаёт /metrics, /healthz и /readyz.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/design-market/pkg/logger"
)

// =============================================================================
// Метрики — определяем что будем собирать
// =============================================================================

var (
	// RequestsTotal — счётчик HTTP запросов по маршруту и результату.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Общее количество запросов по сервису, методу и статусу",
		},
		[]string{"service", "method", "status"}, // Labels для фильтрации
	)

	// RequestDuration — гистограмма latency запросов.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "Время выполнения запроса в секундах",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service", "method"},
	)

	// WebhookEventsTotal — входящие уведомления провайдера.
	// result: processed, duplicate, ignored, rejected, failed.
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_webhook_events_total",
			Help: "Количество webhook событий провайдера по типу и результату",
		},
		[]string{"event_type", "result"},
	)

	// EmailSendsTotal — попытки отправки письма с заказом.
	// trigger: immediate, fallback, sweep, event, manual; result: sent, skipped, failed.
	EmailSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_order_emails_total",
			Help: "Попытки отправки письма с заказом по источнику и результату",
		},
		[]string{"trigger", "result"},
	)

	// CleanupDeletedTotal — удалённые очисткой записи (kind: order, payment).
	CleanupDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_cleanup_deleted_total",
			Help: "Количество записей, удалённых очисткой",
		},
		[]string{"kind"},
	)

	// MaterializerFallbacksTotal — заказы, собранные из обобщённой позиции.
	MaterializerFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "market_materializer_fallbacks_total",
			Help: "Заказы, материализованные с обобщённой позицией вместо каталога",
		},
	)

	// DeliveryPlaceholdersTotal — письма, ушедшие с резервной ссылкой доставки.
	DeliveryPlaceholdersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "market_delivery_placeholders_total",
			Help: "Заказы без ссылок доставки в каталоге",
		},
	)

	// ProviderCallsTotal — обращения к API провайдера.
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_provider_calls_total",
			Help: "Вызовы API платёжного провайдера по операции и результату",
		},
		[]string{"operation", "result"},
	)

	// OrphanCapturesTotal — списания без оплачиваемого заказа (result: refunded, refund_failed).
	// Любой refund_failed требует ручного разбора.
	OrphanCapturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_orphan_captures_total",
			Help: "Списания по отменённым заказам или закрытым платежам и результат их возврата",
		},
		[]string{"result"},
	)

	// OutboxEventsTotal — публикация событий outbox (result: published, failed, dead_lettered).
	OutboxEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_outbox_events_total",
			Help: "События outbox по результату публикации",
		},
		[]string{"result"},
	)
)

// =============================================================================
// HTTP Server для /metrics endpoint
// =============================================================================

// ReadinessChecker — функция проверки готовности сервиса.
// Возвращает nil если сервис готов принимать трафик, иначе — ошибку.
type ReadinessChecker func(ctx context.Context) error

// Server — HTTP сервер для экспорта метрик Prometheus.
type Server struct {
	httpServer     *http.Server
	service        string
	readinessCheck ReadinessChecker // опциональная проверка готовности для /readyz
}

// Option — функциональная опция для настройки Server.
type Option func(*Server)

// WithReadinessCheck добавляет проверку готовности для /readyz endpoint.
// Если checker возвращает ошибку — /readyz вернёт 503 Service Unavailable.
func WithReadinessCheck(checker ReadinessChecker) Option {
	return func(s *Server) {
		s.readinessCheck = checker
	}
}

// NewServer создаёт metrics server на addr с опциями (например WithReadinessCheck).
func NewServer(addr, service string, opts ...Option) *Server {
	s := &Server{
		service: service,
	}

	// Применяем опции
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"alive"}`))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		// Если ReadinessChecker не установлен — считаем сервис готовым
		if s.readinessCheck == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ready"}`))
			return
		}

		// Проверяем готовность с таймаутом 5 секунд
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.readinessCheck(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			// Не выводим детали ошибки наружу (безопасность)
			_, _ = w.Write([]byte(`{"status":"not_ready"}`))
			logger.Warn().Err(err).Str("service", service).Msg("Readiness check failed")
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Start запускает HTTP сервер для метрик.
// Блокирующий вызов — запускать в горутине.
func (s *Server) Start() error {
	log := logger.With().Str("service", s.service).Logger()
	log.Info().Str("addr", s.httpServer.Addr).Msg("Запуск Metrics Server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully останавливает сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// =============================================================================
// Вспомогательные функции для записи метрик
// =============================================================================

// RecordRequest записывает метрики запроса (status: "success" или "error").
func RecordRequest(service, method, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(service, method, status).Inc()
	RequestDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}

// =============================================================================
// Gin Middleware для HTTP метрик
// =============================================================================

// GinMetricsMiddleware возвращает Gin middleware для сбора HTTP метрик.
// Записывает requests_total, request_duration_seconds для каждого запроса.
func GinMetricsMiddleware(service string) func(c *gin.Context) {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := "success"
		if c.Writer.Status() >= 400 {
			status = "error"
		}

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		RecordRequest(service, route, status, time.Since(start))
	}
}

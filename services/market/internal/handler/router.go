package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"example.com/design-market/pkg/metrics"
	"example.com/design-market/services/market/internal/guard"
	"example.com/design-market/services/market/internal/middleware"
)

// ServiceName — имя сервиса в метриках и трассировке.
const ServiceName = "market"

// ReadinessChecker — функция проверки готовности сервиса.
type ReadinessChecker func(ctx context.Context) error

// RouterConfig — зависимости и параметры роутера.
type RouterConfig struct {
	Checkout   CheckoutService
	Dispatcher WebhookDispatcher
	Verifier   EmailVerifier
	Cleanup    CleanupService

	// Tokens проверяет административные токены. nil отключает admin API.
	Tokens middleware.TokenValidator
	// Limiter — общий Redis-ограничитель. nil отключает rate limiting.
	Limiter     guard.Limiter
	APILimit    middleware.RateLimitConfig
	VerifyLimit middleware.RateLimitConfig

	CORSOrigins     []string
	WebhookMaxBytes int64
	ReadinessCheck  ReadinessChecker
	Debug           bool
}

// Router — HTTP роутер сервиса.
type Router struct {
	engine *gin.Engine
	cfg    RouterConfig
}

// NewRouter создаёт и настраивает HTTP роутер.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware(ServiceName))
	engine.Use(metrics.GinMetricsMiddleware(ServiceName))
	engine.Use(middleware.Tracing())
	engine.Use(middleware.SecurityHeaders())
	if len(cfg.CORSOrigins) > 0 {
		engine.Use(middleware.CORS(cfg.CORSOrigins))
	}

	r := &Router{engine: engine, cfg: cfg}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.engine.GET("/health", r.healthCheck)
	r.engine.GET("/healthz", r.livenessCheck)
	r.engine.GET("/readyz", r.readinessCheckHandler)

	v1 := r.engine.Group("/api/v1")

	// Webhook провайдера без rate limiting: доставки идут с небольшого числа адресов.
	if r.cfg.Dispatcher != nil {
		wh := NewWebhookHandler(r.cfg.Dispatcher, r.cfg.WebhookMaxBytes)
		v1.POST("/webhooks/paypal", wh.PayPal)
	}

	api := v1.Group("")
	if r.cfg.Limiter != nil {
		api.Use(middleware.RateLimit(r.cfg.Limiter, r.cfg.APILimit))
	}

	orders := NewOrderHandler(r.cfg.Checkout)
	api.POST("/orders", orders.CreateOrder)
	api.GET("/orders/:id", orders.GetOrder)

	payments := api.Group("/payments")
	{
		payments.POST("/session", orders.CreateSession)
		payments.POST("/return", orders.ReturnFromProvider)
		if r.cfg.Limiter != nil {
			payments.POST("/verify", middleware.RateLimit(r.cfg.Limiter, r.cfg.VerifyLimit), orders.VerifyPayment)
		} else {
			payments.POST("/verify", orders.VerifyPayment)
		}
	}

	if r.cfg.Verifier != nil {
		ev := NewEmailVerificationHandler(r.cfg.Verifier)
		verification := api.Group("/email-verification")
		if r.cfg.Limiter != nil {
			verification.Use(middleware.RateLimit(r.cfg.Limiter, middleware.RateLimitConfig{
				Name:   "email-verification",
				Limit:  r.cfg.VerifyLimit.Limit,
				Window: r.cfg.VerifyLimit.Window,
			}))
		}
		verification.POST("/send", ev.Send)
		verification.POST("/confirm", ev.Confirm)
	}

	if r.cfg.Tokens != nil {
		admin := NewAdminHandler(r.cfg.Checkout, r.cfg.Cleanup)
		ag := v1.Group("/admin", middleware.AdminAuth(r.cfg.Tokens))
		if r.cfg.Cleanup != nil {
			ag.GET("/cleanup/preview", admin.CleanupPreview)
			ag.POST("/cleanup/run", admin.CleanupRun)
		}
		ag.POST("/orders/:id/cancel", admin.CancelOrder)
		ag.POST("/orders/:id/status", admin.AdvanceStatus)
		ag.POST("/orders/:id/resend-email", admin.ResendEmail)
	}
}

// Engine возвращает gin engine для запуска сервера.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

func (r *Router) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": ServiceName})
}

func (r *Router) livenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// readinessCheckHandler возвращает 503, пока зависимости недоступны.
func (r *Router) readinessCheckHandler(c *gin.Context) {
	if r.cfg.ReadinessCheck == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := r.cfg.ReadinessCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

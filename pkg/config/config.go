// Package config предоставляет загрузку конфигурации из переменных окружения.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config содержит полную конфигурацию сервиса.
type Config struct {
	App               AppConfig
	HTTP              HTTPConfig
	MySQL             MySQLConfig
	Redis             RedisConfig
	Kafka             KafkaConfig
	JWT               JWTConfig
	Jaeger            JaegerConfig
	Metrics           MetricsConfig
	PayPal            PayPalConfig
	Webhook           WebhookConfig
	Mail              MailConfig
	Delivery          DeliveryConfig
	Email             EmailConfig
	Cleanup           CleanupConfig
	RateLimit         RateLimitConfig
	EmailVerification EmailVerificationConfig
}

// AppConfig содержит общие настройки приложения.
type AppConfig struct {
	Name      string `env:"APP_NAME" envDefault:"design-market"`
	Env       string `env:"APP_ENV" envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`
	// PublicURL - адрес фронтенда, на который провайдер возвращает покупателя.
	PublicURL string `env:"APP_PUBLIC_URL" envDefault:"http://localhost:3000"`
}

// HTTPConfig содержит настройки HTTP API.
type HTTPConfig struct {
	Host            string        `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port            int           `env:"HTTP_PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	CORSOrigins     []string      `env:"HTTP_CORS_ORIGINS" envDefault:"*" envSeparator:","`
}

// Addr возвращает адрес HTTP сервера.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MySQLConfig содержит настройки подключения к MySQL.
type MySQLConfig struct {
	Host            string        `env:"MYSQL_HOST" envDefault:"localhost"`
	Port            int           `env:"MYSQL_PORT" envDefault:"3306"`
	User            string        `env:"MYSQL_USER" envDefault:"root"`
	Password        string        `env:"MYSQL_PASSWORD" envDefault:"root"`
	Database        string        `env:"MYSQL_DATABASE" envDefault:"design_market"`
	MaxOpenConns    int           `env:"MYSQL_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"MYSQL_MAX_IDLE_CONNS" envDefault:"10"`
	ConnMaxLifetime time.Duration `env:"MYSQL_CONN_MAX_LIFETIME" envDefault:"5m"`
}

// DSN возвращает строку подключения к MySQL (время хранится в UTC).
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// MigrationURL возвращает URL для golang-migrate (разрешает несколько выражений в файле).
func (c MySQLConfig) MigrationURL() string {
	return "mysql://" + c.DSN() + "&multiStatements=true"
}

// RedisConfig содержит настройки подключения к Redis.
type RedisConfig struct {
	Host     string `env:"REDIS_HOST" envDefault:"localhost"`
	Port     int    `env:"REDIS_PORT" envDefault:"6379"`
	Password string `env:"REDIS_PASSWORD" envDefault:""`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	PoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"20"`
}

// Addr возвращает адрес Redis сервера.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// KafkaConfig содержит настройки Kafka для доменных событий заказов.
type KafkaConfig struct {
	Enabled          bool     `env:"KAFKA_ENABLED" envDefault:"false"`
	Brokers          []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	ConsumerGroup    string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"design-market"`
	OrderEventsTopic string   `env:"KAFKA_ORDER_EVENTS_TOPIC" envDefault:"market.order-events"`
	DLQTopic         string   `env:"KAFKA_DLQ_TOPIC" envDefault:"market.dlq"`
}

// JWTConfig содержит настройки административных токенов (RS256).
// Для проверки нужен только публичный ключ. Приватный ключ нужен
// лишь команде "admin token", которая выпускает токены операторам.
type JWTConfig struct {
	PublicKeyPath  string        `env:"JWT_PUBLIC_KEY_PATH"`
	PrivateKeyPath string        `env:"JWT_PRIVATE_KEY_PATH"`
	Issuer         string        `env:"JWT_ISSUER" envDefault:"design-market"`
	AdminTokenTTL  time.Duration `env:"JWT_ADMIN_TOKEN_TTL" envDefault:"12h"`
}

// JaegerConfig содержит настройки трассировки.
type JaegerConfig struct {
	Enabled  bool   `env:"JAEGER_ENABLED" envDefault:"false"`
	Host     string `env:"JAEGER_HOST" envDefault:"localhost"`
	OTLPPort int    `env:"JAEGER_OTLP_PORT" envDefault:"4317"`
}

// OTLPEndpoint возвращает OTLP gRPC endpoint.
func (c JaegerConfig) OTLPEndpoint() string {
	return fmt.Sprintf("%s:%d", c.Host, c.OTLPPort)
}

// MetricsConfig содержит настройки Prometheus метрик.
type MetricsConfig struct {
	Enabled bool `env:"METRICS_ENABLED" envDefault:"true"`
	Port    int  `env:"METRICS_PORT" envDefault:"9090"`
}

// Addr возвращает адрес для Metrics HTTP сервера.
func (c MetricsConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Режимы работы с провайдером.
const (
	PayPalModeSandbox = "sandbox"
	PayPalModeLive    = "live"
)

// PayPalConfig содержит настройки платёжного провайдера.
type PayPalConfig struct {
	Mode         string        `env:"PAYPAL_MODE" envDefault:"sandbox"`
	BaseURL      string        `env:"PAYPAL_BASE_URL"`
	ClientID     string        `env:"PAYPAL_CLIENT_ID"`
	ClientSecret string        `env:"PAYPAL_CLIENT_SECRET"`
	WebhookID    string        `env:"PAYPAL_WEBHOOK_ID"`
	Timeout      time.Duration `env:"PAYPAL_TIMEOUT" envDefault:"10s"`
	BrandName    string        `env:"PAYPAL_BRAND_NAME" envDefault:"Design Market"`
}

// APIBaseURL возвращает базовый адрес REST API провайдера.
func (c PayPalConfig) APIBaseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	if c.Mode == PayPalModeLive {
		return "https://api-m.paypal.com"
	}
	return "https://api-m.sandbox.paypal.com"
}

// IsSandbox возвращает true для тестового окружения провайдера.
func (c PayPalConfig) IsSandbox() bool {
	return c.Mode != PayPalModeLive
}

// WebhookConfig содержит настройки проверки входящих уведомлений.
type WebhookConfig struct {
	// SandboxLenient разрешает упрощённую проверку (только формат заголовков).
	// Игнорируется в production и в live режиме провайдера.
	SandboxLenient bool          `env:"WEBHOOK_SANDBOX_LENIENT" envDefault:"false"`
	MaxAge         time.Duration `env:"WEBHOOK_MAX_AGE" envDefault:"5m"`
	CertHosts      []string      `env:"WEBHOOK_CERT_HOSTS" envDefault:"api.paypal.com,api-m.paypal.com,api.sandbox.paypal.com,api-m.sandbox.paypal.com" envSeparator:","`
	MaxBodyBytes   int64         `env:"WEBHOOK_MAX_BODY_BYTES" envDefault:"1048576"`
}

// Режимы отправки почты.
const (
	MailModeLog  = "log"
	MailModeSMTP = "smtp"
)

// MailConfig содержит настройки почтового транспорта.
type MailConfig struct {
	Mode         string `env:"MAIL_MODE" envDefault:"log"`
	From         string `env:"MAIL_FROM" envDefault:"Design Market <no-reply@design-market.local>"`
	SMTPHost     string `env:"SMTP_HOST" envDefault:"localhost"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUser     string `env:"SMTP_USER"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SupportEmail string `env:"MAIL_SUPPORT_EMAIL" envDefault:"support@design-market.local"`
}

// SMTPAddr возвращает адрес SMTP сервера.
func (c MailConfig) SMTPAddr() string {
	return fmt.Sprintf("%s:%d", c.SMTPHost, c.SMTPPort)
}

// DeliveryConfig содержит настройки резервной ссылки доставки.
type DeliveryConfig struct {
	PlaceholderURL   string `env:"DELIVERY_PLACEHOLDER_URL" envDefault:"https://design-market.local/support/delivery"`
	PlaceholderTitle string `env:"DELIVERY_PLACEHOLDER_TITLE" envDefault:"Материалы будут отправлены менеджером"`
}

// EmailConfig содержит настройки гарантии доставки письма с заказом.
type EmailConfig struct {
	FallbackDelay       time.Duration `env:"EMAIL_FALLBACK_DELAY" envDefault:"20s"`
	FallbackMaxAttempts int           `env:"EMAIL_FALLBACK_MAX_ATTEMPTS" envDefault:"6"`
	JobPollInterval     time.Duration `env:"EMAIL_JOB_POLL_INTERVAL" envDefault:"5s"`
	JobLease            time.Duration `env:"EMAIL_JOB_LEASE" envDefault:"1m"`
	SweepInterval       time.Duration `env:"EMAIL_SWEEP_INTERVAL" envDefault:"5m"`
	SweepWindow         time.Duration `env:"EMAIL_SWEEP_WINDOW" envDefault:"1h"`
	SweepBatchSize      int           `env:"EMAIL_SWEEP_BATCH_SIZE" envDefault:"100"`
	InFlightTTL         time.Duration `env:"EMAIL_INFLIGHT_TTL" envDefault:"2m"`
}

// CleanupConfig содержит настройки очистки устаревших записей.
type CleanupConfig struct {
	Enabled          bool          `env:"CLEANUP_ENABLED" envDefault:"true"`
	Interval         time.Duration `env:"CLEANUP_INTERVAL" envDefault:"30m"`
	OrderThreshold   time.Duration `env:"CLEANUP_ORDER_THRESHOLD" envDefault:"2h"`
	PaymentThreshold time.Duration `env:"CLEANUP_PAYMENT_THRESHOLD" envDefault:"1h"`
	BatchSize        int           `env:"CLEANUP_BATCH_SIZE" envDefault:"200"`
}

// RateLimitConfig содержит лимиты запросов.
type RateLimitConfig struct {
	APILimit     int           `env:"RATE_LIMIT_API" envDefault:"120"`
	APIWindow    time.Duration `env:"RATE_LIMIT_API_WINDOW" envDefault:"1m"`
	VerifyLimit  int           `env:"VERIFY_RATE_LIMIT" envDefault:"10"`
	VerifyWindow time.Duration `env:"VERIFY_RATE_WINDOW" envDefault:"1m"`
}

// EmailVerificationConfig содержит настройки подтверждения email гостя.
type EmailVerificationConfig struct {
	Required       bool          `env:"EMAIL_VERIFICATION_REQUIRED" envDefault:"true"`
	CodeTTL        time.Duration `env:"EMAIL_VERIFICATION_CODE_TTL" envDefault:"10m"`
	MaxAttempts    int           `env:"EMAIL_VERIFICATION_MAX_ATTEMPTS" envDefault:"5"`
	VerifiedTTL    time.Duration `env:"EMAIL_VERIFICATION_VERIFIED_TTL" envDefault:"1h"`
	ResendCooldown time.Duration `env:"EMAIL_VERIFICATION_RESEND_COOLDOWN" envDefault:"1m"`
}

// Load загружает конфигурацию из переменных окружения.
// Опционально загружает .env файл, если он существует.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return parse()
}

// LoadFromFile загружает конфигурацию из указанного .env файла.
func LoadFromFile(path string) (*Config, error) {
	if err := godotenv.Load(path); err != nil {
		return nil, fmt.Errorf("ошибка загрузки .env файла %s: %w", path, err)
	}
	return parse()
}

func parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("ошибка парсинга конфигурации: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("некорректная конфигурация: %w", err)
	}

	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c *Config) Validate() error {
	switch c.PayPal.Mode {
	case PayPalModeSandbox, PayPalModeLive:
	default:
		return fmt.Errorf("PAYPAL_MODE должен быть sandbox или live, получено %q", c.PayPal.Mode)
	}

	if c.IsProduction() && c.Webhook.SandboxLenient {
		return errors.New("WEBHOOK_SANDBOX_LENIENT запрещён в production")
	}

	if c.PayPal.Mode == PayPalModeLive && c.PayPal.WebhookID == "" {
		return errors.New("PAYPAL_WEBHOOK_ID обязателен в live режиме")
	}

	if c.Webhook.MaxAge <= 0 {
		return errors.New("WEBHOOK_MAX_AGE должен быть больше нуля")
	}

	return nil
}

// WebhookLenient возвращает true, если допустима упрощённая проверка webhook.
// Никогда не включается в production или в live режиме провайдера.
func (c *Config) WebhookLenient() bool {
	return c.Webhook.SandboxLenient && !c.IsProduction() && c.PayPal.IsSandbox()
}

// IsDevelopment возвращает true, если приложение запущено в development режиме.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// IsProduction возвращает true, если приложение запущено в production режиме.
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

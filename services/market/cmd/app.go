package main

import (
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"example.com/design-market/pkg/config"
	dbpkg "example.com/design-market/pkg/db"
	"example.com/design-market/pkg/jwt"
	"example.com/design-market/pkg/logger"
	"example.com/design-market/services/market/internal/checkout"
	"example.com/design-market/services/market/internal/cleanup"
	"example.com/design-market/services/market/internal/delivery"
	"example.com/design-market/services/market/internal/email"
	"example.com/design-market/services/market/internal/emailverify"
	"example.com/design-market/services/market/internal/guard"
	"example.com/design-market/services/market/internal/lifecycle"
	"example.com/design-market/services/market/internal/materializer"
	"example.com/design-market/services/market/internal/provider"
	"example.com/design-market/services/market/internal/repository"
	"example.com/design-market/services/market/internal/webhook"
)

// app — собранные зависимости сервиса.
type app struct {
	cfg *config.Config
	db  *gorm.DB
	rdb *redis.Client

	guard      *guard.RedisGuard
	limiter    *guard.RedisLimiter
	email      *email.Service
	verify     *emailverify.Service
	checkout   *checkout.Service
	dispatcher *webhook.Dispatcher
	cleanup    *cleanup.Service
	tokens     *jwt.Manager
}

func connectMySQL(cfg *config.Config) (*gorm.DB, error) {
	return dbpkg.ConnectMySQL(cfg.MySQL, cfg.IsDevelopment())
}

// connectStores подключает MySQL и Redis.
func connectStores(cfg *config.Config) (*gorm.DB, *redis.Client, error) {
	db, err := connectMySQL(cfg)
	if err != nil {
		return nil, nil, err
	}
	rdb, err := dbpkg.ConnectRedis(cfg.Redis)
	if err != nil {
		closeDB(db)
		return nil, nil, err
	}
	return db, rdb, nil
}

// newCleanupService создаёт сервис очистки (используется и командой cleanup).
func newCleanupService(cfg *config.Config, db *gorm.DB) *cleanup.Service {
	return cleanup.NewService(repository.NewCleanupRepository(db), cleanup.Config{
		OrderThreshold:   cfg.Cleanup.OrderThreshold,
		PaymentThreshold: cfg.Cleanup.PaymentThreshold,
		BatchSize:        cfg.Cleanup.BatchSize,
	})
}

// buildApp собирает слои приложения поверх подключений.
func buildApp(cfg *config.Config, db *gorm.DB, rdb *redis.Client) (*app, error) {
	orders := repository.NewOrderRepository(db)
	payments := repository.NewPaymentRepository(db)
	catalog := repository.NewCatalogRepository(db)
	users := repository.NewUserRepository(db)
	jobs := repository.NewEmailJobRepository(db)
	events := repository.NewWebhookEventRepository(db)
	store := repository.NewStore(db)

	g := guard.NewRedisGuard(rdb)

	lc := lifecycle.New(payments, orders, store, lifecycle.EventsConfig{
		Enabled: cfg.Kafka.Enabled,
		Topic:   cfg.Kafka.OrderEventsTopic,
	})

	client := provider.NewPayPalClient(provider.Config{
		BaseURL:      cfg.PayPal.APIBaseURL(),
		ClientID:     cfg.PayPal.ClientID,
		ClientSecret: cfg.PayPal.ClientSecret,
		Timeout:      cfg.PayPal.Timeout,
		BrandName:    cfg.PayPal.BrandName,
	})

	sender, err := email.NewSender(cfg.Mail)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания почтового транспорта: %w", err)
	}

	resolver := delivery.NewResolver(catalog, delivery.Config{
		PlaceholderURL:   cfg.Delivery.PlaceholderURL,
		PlaceholderTitle: cfg.Delivery.PlaceholderTitle,
	})

	emailSvc := email.NewService(orders, payments, jobs, resolver, g, lc, sender, email.Config{
		InFlightTTL:         cfg.Email.InFlightTTL,
		FallbackDelay:       cfg.Email.FallbackDelay,
		FallbackMaxAttempts: cfg.Email.FallbackMaxAttempts,
		JobPollInterval:     cfg.Email.JobPollInterval,
		JobLease:            cfg.Email.JobLease,
		SweepInterval:       cfg.Email.SweepInterval,
		SweepWindow:         cfg.Email.SweepWindow,
		SweepBatchSize:      cfg.Email.SweepBatchSize,
		SupportEmail:        cfg.Mail.SupportEmail,
	})

	verifySvc := emailverify.NewService(rdb, sender, emailverify.Config{
		CodeTTL:        cfg.EmailVerification.CodeTTL,
		MaxAttempts:    cfg.EmailVerification.MaxAttempts,
		VerifiedTTL:    cfg.EmailVerification.VerifiedTTL,
		ResendCooldown: cfg.EmailVerification.ResendCooldown,
	})

	lenient := cfg.WebhookLenient()
	if lenient {
		logger.Warn().Msg("Упрощённая проверка webhook включена (sandbox)")
	}
	verifier := webhook.NewVerifier(webhook.VerifierConfig{
		WebhookID: cfg.PayPal.WebhookID,
		Lenient:   lenient,
		MaxAge:    cfg.Webhook.MaxAge,
		CertHosts: cfg.Webhook.CertHosts,
	})

	mat := materializer.New(orders, catalog, users, lc)
	dispatcher := webhook.NewDispatcher(verifier, events, payments, orders, lc, mat, client, emailSvc)

	publicURL := strings.TrimRight(cfg.App.PublicURL, "/")
	checkoutSvc := checkout.NewService(orders, payments, catalog, lc, client, g, verifySvc, emailSvc, checkout.Config{
		ReturnURL:                publicURL + "/checkout/return",
		CancelURL:                publicURL + "/checkout/cancel",
		RequireEmailVerification: cfg.EmailVerification.Required,
	})

	a := &app{
		cfg:        cfg,
		db:         db,
		rdb:        rdb,
		guard:      g,
		limiter:    guard.NewRedisLimiter(rdb),
		email:      emailSvc,
		verify:     verifySvc,
		checkout:   checkoutSvc,
		dispatcher: dispatcher,
		cleanup:    newCleanupService(cfg, db),
	}

	if cfg.JWT.PublicKeyPath != "" {
		tokens, err := jwt.NewManager(jwt.Config{
			PublicKeyPath: cfg.JWT.PublicKeyPath,
			Issuer:        cfg.JWT.Issuer,
		})
		if err != nil {
			return nil, fmt.Errorf("ошибка загрузки ключа JWT: %w", err)
		}
		tokens.SetBlacklist(jwt.NewBlacklist(rdb))
		a.tokens = tokens
	} else {
		logger.Warn().Msg("JWT_PUBLIC_KEY_PATH не задан, административный API отключён")
	}

	return a, nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil && sqlDB != nil {
		if err := sqlDB.Close(); err != nil {
			logger.Error().Err(err).Msg("Ошибка закрытия MySQL")
		}
	}
}

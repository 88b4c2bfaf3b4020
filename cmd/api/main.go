package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/medalert/alert-engine/internal/auth"
	"github.com/medalert/alert-engine/internal/config"
	"github.com/medalert/alert-engine/internal/domain"
	"github.com/medalert/alert-engine/internal/handler"
	"github.com/medalert/alert-engine/internal/infra/postgresql"
	"github.com/medalert/alert-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/medalert/alert-engine/internal/infra/redis"
	"github.com/medalert/alert-engine/internal/observability"
	"github.com/medalert/alert-engine/internal/provider"
	"github.com/medalert/alert-engine/internal/queue"
	"github.com/medalert/alert-engine/internal/repository"
	"github.com/medalert/alert-engine/internal/service"
	"github.com/medalert/alert-engine/internal/transport"
)

const shutdownTimeout = 10 * time.Second

var errNoProviders = errors.New("no notification providers configured")

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	rateLimiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}

	mq, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer mq.Close()

	publisher := queue.NewRabbitMQPublisher(mq)
	consumer := queue.NewRabbitMQConsumer(mq, cfg.WorkerConcurrency, logger)

	alertRepo := repository.NewGormAlertRepo(db)
	attemptRepo := repository.NewGormAttemptRepo(db)
	recipientRepo := repository.NewGormRecipientRepo(db)
	deviceRepo := repository.NewGormDeviceRepo(db)

	policies := policiesFromConfig(cfg)

	metrics := observability.NewMetrics()

	tracker, err := service.NewDeliveryTracker(alertRepo, attemptRepo, recipientRepo, publisher, policies, logger)
	if err != nil {
		logger.Fatal("delivery tracker initialization failed", zap.Error(err))
	}
	tracker.SetMetrics(metrics)

	resolver := service.NewActiveRecipientResolver(recipientRepo)

	dispatcher, err := service.NewDispatcher(alertRepo, resolver, tracker, logger)
	if err != nil {
		logger.Fatal("dispatcher initialization failed", zap.Error(err))
	}

	alertService, err := service.NewAlertService(alertRepo, attemptRepo, logger)
	if err != nil {
		logger.Fatal("alert service initialization failed", zap.Error(err))
	}
	alertService.SetMetrics(metrics)
	alertService.Subscribe(dispatcher.HandleEvent)

	providers, err := buildProviders(cfg, logger)
	if err != nil {
		logger.Fatal("provider initialization failed", zap.Error(err))
	}

	worker, err := service.NewDeliveryWorker(
		alertRepo,
		recipientRepo,
		deviceRepo,
		consumer,
		providers,
		rateLimiter,
		tracker,
		cfg.WorkerConcurrency,
		cfg.ProviderTimeout,
		logger,
	)
	if err != nil {
		logger.Fatal("delivery worker initialization failed", zap.Error(err))
	}
	worker.SetMetrics(metrics)

	scanner, err := service.NewEscalationScanner(alertRepo, resolver, tracker, policies, 0, 0, logger)
	if err != nil {
		logger.Fatal("escalation scanner initialization failed", zap.Error(err))
	}
	scanner.SetMetrics(metrics)

	statsService, err := service.NewStatsService(alertRepo, attemptRepo, logger)
	if err != nil {
		logger.Fatal("stats service initialization failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	app.Use(auth.Middleware(cfg.JWTSecret))
	if err := handler.RegisterAlertRoutes(app, alertService, statsService); err != nil {
		logger.Fatal("alert route registration failed", zap.Error(err))
	}
	if err := handler.RegisterDeviceRoutes(app, deviceRepo); err != nil {
		logger.Fatal("device route registration failed", zap.Error(err))
	}
	if err := handler.RegisterTestNotificationRoutes(app, deviceRepo, providers[domain.ChannelPush]); err != nil {
		logger.Fatal("test notification route registration failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return tracker.Run(gctx)
	})
	g.Go(func() error {
		return worker.Start(gctx)
	})
	g.Go(func() error {
		return scanner.Start(gctx)
	})
	g.Go(func() error {
		logger.Info("alert-engine api started", zap.Int("port", cfg.APIPort))
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal("alert-engine terminated", zap.Error(err))
	}

	logger.Info("alert-engine stopped")
}

// policiesFromConfig layers environment overrides onto the default delivery
// policies. Channel ordering and per-channel retry budgets stay as defined in
// the domain defaults.
func policiesFromConfig(cfg *config.Config) domain.PolicySet {
	policies := domain.DefaultPolicies()
	for sev, p := range policies {
		p.RetryBaseDelay = cfg.RetryBaseDelay
		p.RetryMaxDelay = cfg.RetryMaxDelay
		p.EscalationTimeout = cfg.EscalationTimeout
		if p.MaxEscalationRounds > 0 {
			p.MaxEscalationRounds = cfg.MaxEscalationRounds
		}
		policies[sev] = p
	}
	return policies
}

func buildProviders(cfg *config.Config, logger *zap.Logger) (map[domain.Channel]provider.Provider, error) {
	providers := make(map[domain.Channel]provider.Provider)

	if cfg.FCMAPIKey != "" {
		push, err := provider.NewPushProviderWithClient(cfg.FCMAPIKey, cfg.FCMEndpoint, restyClient(cfg.ProviderTimeout))
		if err != nil {
			return nil, err
		}
		providers[domain.ChannelPush] = push
	} else {
		logger.Warn("FCM_API_KEY not set, push delivery disabled")
	}

	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		whatsapp, err := provider.NewWhatsAppProviderWithClient(
			cfg.TwilioAccountSID,
			cfg.TwilioAuthToken,
			cfg.TwilioFromWhatsApp,
			cfg.TwilioEndpoint,
			restyClient(cfg.ProviderTimeout),
		)
		if err != nil {
			return nil, err
		}
		providers[domain.ChannelWhatsApp] = whatsapp
	} else {
		logger.Warn("twilio credentials not set, whatsapp delivery disabled")
	}

	if len(providers) == 0 {
		return nil, errNoProviders
	}

	return providers, nil
}

func restyClient(timeout time.Duration) *resty.Client {
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)
	return client
}

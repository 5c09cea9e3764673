package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"strconv"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/batch"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/config"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/consent"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/handler"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/idempotency"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/infra/postgresql"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/dispatch-orchestrator/internal/infra/redis"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/observability"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/provider"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/queue"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/ratelimit"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/repository"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/router"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/service"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/throttle"
	"github.com/kursadbilgin/dispatch-orchestrator/internal/transport"
)

const (
	serviceName      = "dispatch-orchestrator"
	shutdownTimeout  = 15 * time.Second
	consumerPrefetch = 32
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, serviceName)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("dispatch-orchestrator stopped with error", zap.Error(err))
	}
	logger.Info("dispatch-orchestrator stopped")
}

// stateStores are the throttle, ledger and provider limiter for the chosen
// backend. sweep is only populated for in-process stores.
type stateStores struct {
	guard   throttle.Guard
	ledger  idempotency.Ledger
	limiter ratelimit.RateLimiter
	sweep   map[string]service.SweepFunc
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, postgresql.DefaultPoolConfig(), logger)
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	var rdb *goredis.Client
	if cfg.StateBackend == config.StateBackendRedis {
		rdb, err = infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
		defer rdb.Close()
	}

	mq, err := queue.NewRabbitMQ(ctx, cfg.RabbitMQURL, logger)
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	defer mq.Close()
	publisher := queue.NewRabbitMQPublisher(mq)
	defer publisher.Close()
	consumer := queue.NewRabbitMQConsumer(mq, consumerPrefetch, logger)

	metrics := observability.NewMetrics()

	requests := repository.NewGormRequestRepo(db)
	outcomes := repository.NewGormOutcomeRepo(db)
	consents := repository.NewGormConsentRepo(db)
	recipients := repository.NewGormRecipientRepo(db)
	buckets := repository.NewGormBucketRepo(db)

	state, err := newStateStores(cfg, rdb)
	if err != nil {
		return err
	}

	gate, err := consent.NewGate(consents, consent.GateConfig{
		QuietHours:      cfg.QuietHours,
		DefaultTimezone: cfg.DefaultTimezone,
	}, logger)
	if err != nil {
		return fmt.Errorf("consent gate initialization failed: %w", err)
	}

	senders, err := provider.NewWebhookSenders(cfg.WebhookBaseURL, nil, domain.Channels...)
	if err != nil {
		return fmt.Errorf("webhook senders initialization failed: %w", err)
	}
	senders, err = provider.WithRetry(senders, cfg.SendRetry, logger)
	if err != nil {
		return fmt.Errorf("retrying senders initialization failed: %w", err)
	}

	channelRouter, err := router.NewRouter(gate, state.guard, senders, state.limiter, metrics, logger)
	if err != nil {
		return fmt.Errorf("router initialization failed: %w", err)
	}

	orchestrator, err := service.NewOrchestrator(
		recipients,
		requests,
		outcomes,
		channelRouter,
		state.ledger,
		service.OrchestratorConfig{CriticalEventTypes: cfg.CriticalEventTypes},
		metrics,
		logger,
	)
	if err != nil {
		return fmt.Errorf("orchestrator initialization failed: %w", err)
	}

	// Digests go back through the work queue so a flush never blocks the
	// timer goroutine on provider calls.
	aggregator, err := batch.NewAggregator(batch.Config{
		Window:         cfg.BatchWindow,
		MaxEvents:      cfg.BatchMaxEvents,
		BatchableTypes: cfg.BatchEventTypes,
	}, func(ctx context.Context, digest domain.NotificationRequest) error {
		return publisher.Publish(ctx, queue.RequestsQueue, queue.NewRequestMessage(digest, queue.SourceDigest))
	}, buckets, metrics, logger)
	if err != nil {
		return fmt.Errorf("batch aggregator initialization failed: %w", err)
	}
	orchestrator.SetBatcher(aggregator)

	inbound, err := service.NewInboundService(consents, outcomes, aggregator, logger)
	if err != nil {
		return fmt.Errorf("inbound service initialization failed: %w", err)
	}

	notifications, err := service.NewNotificationService(
		orchestrator, requests, outcomes, consents, recipients, aggregator, publisher, logger,
	)
	if err != nil {
		return fmt.Errorf("notification service initialization failed: %w", err)
	}

	worker, err := service.NewWorkerService(consumer, orchestrator, inbound, cfg.WorkerConcurrency, logger)
	if err != nil {
		return fmt.Errorf("worker service initialization failed: %w", err)
	}
	worker.SetMetrics(metrics)

	scanner, err := service.NewDeferredScanner(requests, publisher, cfg.DeferredScanInterval, cfg.DeferredScanLimit, metrics, logger)
	if err != nil {
		return fmt.Errorf("deferred scanner initialization failed: %w", err)
	}

	sweeper, err := service.NewSweeper(cfg.LedgerSweepSchedule, state.sweep, metrics, logger)
	if err != nil {
		return fmt.Errorf("sweeper initialization failed: %w", err)
	}

	app := fiber.New(fiber.Config{
		AppName:               serviceName,
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	if err := handler.RegisterNotificationRoutes(app, notifications); err != nil {
		return fmt.Errorf("notification routes registration failed: %w", err)
	}
	if err := handler.RegisterDirectoryRoutes(app, notifications); err != nil {
		return fmt.Errorf("directory routes registration failed: %w", err)
	}
	if err := handler.RegisterInboundRoutes(app, inbound, publisher); err != nil {
		return fmt.Errorf("inbound routes registration failed: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return worker.Start(gctx) })
	g.Go(func() error { return scanner.Start(gctx) })
	g.Go(func() error { return sweeper.Start(gctx) })

	g.Go(func() error {
		logger.Info("dispatch-orchestrator api started",
			zap.Int("port", cfg.APIPort),
			zap.String("stateBackend", cfg.StateBackend),
		)
		if err := app.Listen(":" + strconv.Itoa(cfg.APIPort)); err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", zap.Error(err))
		}
		// Open buckets would otherwise be lost with the process.
		aggregator.FlushAll(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newStateStores(cfg *config.Config, rdb *goredis.Client) (*stateStores, error) {
	if cfg.StateBackend == config.StateBackendMemory {
		guard := throttle.NewInMemoryGuard(cfg.ThrottleLimits)
		ledger := idempotency.NewInMemoryLedger(cfg.IdempotencyTTL, idempotency.DefaultReservationTTL)
		return &stateStores{
			guard:   guard,
			ledger:  ledger,
			limiter: ratelimit.NewLocalLimiter(cfg.ProviderRatePerSec),
			sweep: map[string]service.SweepFunc{
				"throttle": guard.Sweep,
				"ledger":   ledger.Sweep,
			},
		}, nil
	}

	guard, err := infraredis.NewThrottleGuard(rdb, cfg.ThrottleLimits)
	if err != nil {
		return nil, fmt.Errorf("throttle guard initialization failed: %w", err)
	}
	ledger, err := infraredis.NewLedger(rdb, cfg.IdempotencyTTL, idempotency.DefaultReservationTTL)
	if err != nil {
		return nil, fmt.Errorf("idempotency ledger initialization failed: %w", err)
	}
	limiter, err := infraredis.NewProviderRateLimiter(rdb, cfg.ProviderRatePerSec)
	if err != nil {
		return nil, fmt.Errorf("provider rate limiter initialization failed: %w", err)
	}

	return &stateStores{guard: guard, ledger: ledger, limiter: limiter}, nil
}

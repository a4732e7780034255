package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/redirectpay/internal/audit"
	"github.com/noah-isme/redirectpay/internal/checkout"
	"github.com/noah-isme/redirectpay/internal/config"
	"github.com/noah-isme/redirectpay/internal/events"
	"github.com/noah-isme/redirectpay/internal/gateway"
	"github.com/noah-isme/redirectpay/internal/lock"
	"github.com/noah-isme/redirectpay/internal/notify"
	"github.com/noah-isme/redirectpay/internal/obs"
	"github.com/noah-isme/redirectpay/internal/queue"
	"github.com/noah-isme/redirectpay/internal/resilience"
	"github.com/noah-isme/redirectpay/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envStr("OBS_LOG_FORMAT", "json")
	logLevel := envStr("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()

	rdb := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis client")
		}
	}()

	notifyStore := notify.NewStore(pool)
	taskQueue := queue.Enqueuer{Client: rdb, Prefix: cfg.QueueRedisPrefix, DedupTTL: cfg.IdempotencyTTL, MaxAttempts: cfg.QueueMaxAttempts}
	locker := lock.Locker{Client: rdb, RetryBackoff: cfg.LockRetryBackoff}
	dlqStore := queue.NewStore(pool)

	webhookHTTP := notify.NewHTTPClient(int(cfg.WebhookRequestTimeout/time.Millisecond), cfg.WebhookAllowInsecureTLS)
	dispatcher := &notify.Dispatcher{
		Store: notifyStore,
		HTTP: &resilience.HTTPClient{
			Client:    webhookHTTP,
			Breaker:   resilience.NewBreaker(cfg.CircuitWebhookMinReq, cfg.CircuitWebhookFailureRate, cfg.CircuitWebhookOpenFor).WithLogger(logger),
			RetryBase: cfg.RetryBase,
			Attempts:  cfg.RetryMaxAttempts,
			JitterPct: cfg.RetryJitterPercent,
			Timeout:   cfg.OutboundTimeout,
			Target:    "merchant-webhook",
			Logger:    &logger,
		},
		Queue:         taskQueue,
		RetryBaseSec:  cfg.WebhookBackoffBaseSec,
		AttemptBudget: cfg.WebhookDefaultMaxAttempts,
		Enabled:       cfg.WebhookDeliveryEnabled,
		Replay:        notify.RedisSendGuard{Client: rdb},
		ReplayTTL:     cfg.WebhookReplayTTL,
	}

	deliveryWorker := notify.DeliveryWorker{
		Disp:    dispatcher,
		Locker:  locker,
		LockTTL: cfg.LockTTL,
	}

	webhookQueueWorker := queue.Worker{
		Client:        rdb,
		Prefix:        cfg.QueueRedisPrefix,
		Kind:          notify.WebhookDeliveryTask(),
		Concurrency:   cfg.QueueConcurrencyWebhook,
		LeaseTTL:      cfg.QueueVisibilityTimeout,
		RetryBase:     cfg.QueueBackoffBase,
		RetryJitter:   cfg.QueueBackoffJitter,
		Store:         dlqStore,
		SweepInterval: cfg.WorkerHeartbeatInterval,
		SoftDeadline:  cfg.WorkerJobSoftDeadline,
		Logger:        &logger,
		Handler: func(jobCtx context.Context, task queue.Task) error {
			return deliveryWorker.Handle(jobCtx, task.Payload)
		},
	}

	bus := &events.Bus{
		Store:     events.NewStore(pool),
		Scheduler: dispatcher,
	}
	checkoutSvc := &checkout.Service{
		Providers:  gateway.DefaultRegistry(),
		Settings:   checkout.SettingsFromConfig(cfg),
		ReturnBase: cfg.ReturnBaseURL,
		Sessions:   store.Sessions{Client: rdb, TTL: cfg.SessionTTL, Retention: cfg.SessionRetention},
		Locker:     locker,
		LockTTL:    cfg.LockTTL,
		TTL:        cfg.SessionTTL,
		Events:     bus,
		Audit:      audit.Service{Store: audit.NewStore(pool), Enabled: cfg.AuditEnabled},
		Queue:      taskQueue,
	}
	expiryWorker := checkout.ExpiryWorker{Svc: checkoutSvc}

	expiryQueueWorker := queue.Worker{
		Client:        rdb,
		Prefix:        cfg.QueueRedisPrefix,
		Kind:          checkout.TaskSessionExpire,
		Concurrency:   cfg.QueueConcurrencyExpiry,
		LeaseTTL:      cfg.QueueVisibilityTimeout,
		RetryBase:     cfg.QueueBackoffBase,
		RetryJitter:   cfg.QueueBackoffJitter,
		Store:         dlqStore,
		SweepInterval: cfg.WorkerHeartbeatInterval,
		SoftDeadline:  cfg.WorkerJobSoftDeadline,
		Logger:        &logger,
		Handler: func(jobCtx context.Context, task queue.Task) error {
			return expiryWorker.Handle(jobCtx, task.Payload)
		},
	}

	logger.Info().Msg("worker starting")

	var wg sync.WaitGroup
	for _, w := range []queue.Worker{webhookQueueWorker, expiryQueueWorker} {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("kind", w.Kind).Msg("queue worker died")
				stop()
			}
		}()
	}

	// Deliveries whose queue task was lost would otherwise sit pending
	// forever; sweep the due rows directly as a safety net.
	if cfg.WebhookDeliveryEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(cfg.WebhookPollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := dispatcher.WorkOnce(ctx, int32(cfg.WebhookPollBatch)); err != nil {
						logger.Error().Err(err).Msg("sweep due deliveries")
					}
				}
			}
		}()
	}

	// Workers only bump counters when they bury a task, so refresh the DLQ
	// size gauge here.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sizes, err := dlqStore.DeadLetterSizes(ctx)
				if err != nil {
					continue
				}
				for kind, size := range sizes {
					queue.QueueDLQSize.WithLabelValues(kind).Set(float64(size))
				}
			}
		}
	}()

	wg.Wait()
	logger.Info().Msg("worker shutdown complete")
}

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	pc, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("bad database url")
	}
	pc.ConnConfig.Tracer = obs.PGXTracer{}
	if pc.ConnConfig.RuntimeParams == nil {
		pc.ConnConfig.RuntimeParams = map[string]string{}
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "redirectpay-worker"
	if cfg.DBStatementCacheCapacity >= 0 {
		pc.ConnConfig.StatementCacheCapacity = cfg.DBStatementCacheCapacity
	}
	if n := cfg.DBMaxOpenConns; n > 0 {
		pc.MaxConns = int32(n)
	}
	if n := cfg.DBMaxIdleConns; n > 0 {
		pc.MinConns = int32(n)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		logger.Fatal().Err(err).Msg("open database pool")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("database unreachable")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("bad redis url")
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("redis tracing instrumentation")
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("redis unreachable")
	}
	return client
}

func envStr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

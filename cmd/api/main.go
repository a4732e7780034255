package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/redirectpay/internal/audit"
	"github.com/noah-isme/redirectpay/internal/auth"
	"github.com/noah-isme/redirectpay/internal/checkout"
	"github.com/noah-isme/redirectpay/internal/common"
	"github.com/noah-isme/redirectpay/internal/config"
	"github.com/noah-isme/redirectpay/internal/events"
	"github.com/noah-isme/redirectpay/internal/gateway"
	"github.com/noah-isme/redirectpay/internal/health"
	"github.com/noah-isme/redirectpay/internal/lock"
	"github.com/noah-isme/redirectpay/internal/notify"
	"github.com/noah-isme/redirectpay/internal/obs"
	"github.com/noah-isme/redirectpay/internal/queue"
	"github.com/noah-isme/redirectpay/internal/ratelimit"
	"github.com/noah-isme/redirectpay/internal/resilience"
	"github.com/noah-isme/redirectpay/internal/security"
	"github.com/noah-isme/redirectpay/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envStr("OBS_LOG_FORMAT", "json")
	logLevel := envStr("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)

	metricsNamespace := envStr("OBS_METRICS_NAMESPACE", "redirectpay")
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	if tracingEnabled {
		stopTracer, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "redirectpay-api",
			Environment:   cfg.AppEnv,
			Endpoint:      envStr("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envStr("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
		})
		if err != nil {
			logger.Error().Err(err).Msg("tracer init failed, continuing without tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := stopTracer(context.Background()); err != nil {
					logger.Error().Err(err).Msg("tracer shutdown")
				}
			}()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pc, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("bad database url")
	}
	pc.ConnConfig.Tracer = obs.PGXTracer{}
	if pc.ConnConfig.RuntimeParams == nil {
		pc.ConnConfig.RuntimeParams = map[string]string{}
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "redirectpay-api"

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		logger.Fatal().Err(err).Msg("open database pool")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("database unreachable")
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("bad redis url")
	}
	rdb := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(rdb); err != nil {
		logger.Error().Err(err).Msg("redis tracing instrumentation")
	}
	if metricsEnabled {
		if err := redisotel.InstrumentMetrics(rdb); err != nil {
			logger.Error().Err(err).Msg("redis metrics instrumentation")
		}
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis client")
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("redis unreachable")
	}

	authService, err := auth.NewService(auth.Config{
		Secret:         cfg.JWTSecret,
		AccessTokenTTL: cfg.AccessTokenTTL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("auth setup")
	}
	authMiddleware := auth.Middleware{Service: authService}

	idem := common.Idem{Client: rdb, TTL: cfg.IdempotencyTTL}
	locker := lock.Locker{Client: rdb, RetryBackoff: cfg.LockRetryBackoff}
	taskQueue := queue.Enqueuer{
		Client:      rdb,
		Prefix:      cfg.QueueRedisPrefix,
		DedupTTL:    cfg.IdempotencyTTL,
		MaxAttempts: cfg.QueueMaxAttempts,
	}

	notifyStore := notify.NewStore(pool)
	dispatcher := &notify.Dispatcher{
		Store: notifyStore,
		Queue: taskQueue,
		HTTP: &resilience.HTTPClient{
			Client:    notify.NewHTTPClient(int(cfg.WebhookRequestTimeout/time.Millisecond), cfg.WebhookAllowInsecureTLS),
			Breaker:   resilience.NewBreaker(cfg.CircuitWebhookMinReq, cfg.CircuitWebhookFailureRate, cfg.CircuitWebhookOpenFor).WithLogger(logger),
			RetryBase: cfg.RetryBase,
			Attempts:  cfg.RetryMaxAttempts,
			JitterPct: cfg.RetryJitterPercent,
			Timeout:   cfg.OutboundTimeout,
			Target:    "merchant-webhook",
		},
		RetryBaseSec:  cfg.WebhookBackoffBaseSec,
		AttemptBudget: cfg.WebhookDefaultMaxAttempts,
		Enabled:       cfg.WebhookDeliveryEnabled,
		Replay:        notify.RedisSendGuard{Client: rdb},
		ReplayTTL:     cfg.WebhookReplayTTL,
	}

	eventStore := events.NewStore(pool)
	bus := &events.Bus{
		Store:     eventStore,
		Scheduler: dispatcher,
	}

	auditSvc := audit.Service{Store: audit.NewStore(pool), Enabled: cfg.AuditEnabled}

	sessionSource := sourceDoer{cl: resilience.HTTPClient{
		Client:    &http.Client{Timeout: cfg.OutboundTimeout},
		Breaker:   resilience.NewBreaker(cfg.CircuitSessionMinReq, cfg.CircuitSessionFailureRate, cfg.CircuitSessionOpenFor).WithLogger(logger),
		RetryBase: cfg.RetryBase,
		Attempts:  cfg.RetryMaxAttempts,
		JitterPct: cfg.RetryJitterPercent,
		Timeout:   cfg.OutboundTimeout,
		Target:    "session-source",
	}}

	checkoutSvc := &checkout.Service{
		Providers:    gateway.DefaultRegistry(),
		Settings:     checkout.SettingsFromConfig(cfg),
		ReturnBase:   cfg.ReturnBaseURL,
		Sessions:     store.Sessions{Client: rdb, TTL: cfg.SessionTTL, Retention: cfg.SessionRetention},
		Locker:       locker,
		LockTTL:      cfg.LockTTL,
		TTL:          cfg.SessionTTL,
		Events:       bus,
		Audit:        auditSvc,
		Queue:        taskQueue,
		SourceClient: sessionSource,
	}
	checkoutHandler := &checkout.Handler{Svc: checkoutSvc}

	webhookAdmin := &notify.AdminHandler{Store: notifyStore, Disp: dispatcher}
	auditHandler := audit.Handler{Service: auditSvc}
	eventsAdmin := &events.AdminHandler{Store: eventStore}
	queueAdmin := &queue.AdminHandler{
		Store:    queue.NewStore(pool),
		Queue:    taskQueue,
		Logger:   logger,
		LeaseTTL: cfg.QueueVisibilityTimeout,
	}

	returnLimiter := ratelimit.Handler{
		Limiter: ratelimit.Limiter{Client: rdb, Prefix: "rl:return:"},
		Policy: ratelimit.Policy{
			Key:    ratelimit.ClientIP,
			Window: cfg.ReturnRateWindow,
			Max:    cfg.ReturnRateMax,
		},
		OnError: func(err error) {
			logger.Warn().Err(err).Msg("rate limit check failed")
		},
	}

	secureHeaders := security.Headers{
		Enable:                envBool("SECURE_HEADERS_ENABLED", true),
		EnableHSTS:            envBool("SECURE_HSTS_ENABLED", false),
		HSTSMaxAge:            envInt("SECURE_HSTS_MAX_AGE", 31536000),
		HSTSIncludeSubdomains: envBool("SECURE_HSTS_INCLUDE_SUBDOMAINS", true),
	}
	bodyLimit := security.BodyLimit{MaxBytes: cfg.MaxBodyBytes}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		bounds := obs.ParseBucketsCSV(envStr("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, bounds, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Pattern capture must sit before the tracing and metrics wrappers that
	// label by route template.
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if httpMetrics != nil {
		r.Use(obs.MetricsMiddleware(httpMetrics))
	}
	r.Use(obs.RequestLogger{
		Logger:      logger,
		QuietRoutes: []string{"/health/live", "/health/ready", "/metrics"},
	}.Middleware)
	r.Use(secureHeaders.Middleware)
	r.Use(bodyLimit.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		// Browsers cache the preflight for ten minutes.
		MaxAge:           600,
		AllowCredentials: true,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", true) {
		user := envStr("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envStr("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(pprofMux(), user, pass))
	}

	probe := health.Handler{
		Checker:      readinessChecker{db: pool, rdb: rdb},
		DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
	}
	r.Get("/health/live", probe.Live)
	r.Get("/health/ready", probe.Ready)

	r.Route("/v1", func(v chi.Router) {
		v.Route("/checkout", func(c chi.Router) {
			// The redirect page is fetched by the payer's browser, no token.
			c.With(returnLimiter.Middleware).Get("/{id}/redirect", checkoutHandler.Redirect)

			c.Group(func(g chi.Router) {
				g.Use(authMiddleware.RequireAuth)
				g.With(idem.Middleware).Post("/sessions", checkoutHandler.CreateSession)
				g.Get("/sessions/{id}", checkoutHandler.GetSession)
				g.Post("/sessions/{id}/cancel", checkoutHandler.CancelSession)
			})
		})

		// Provider return redirects land here; some providers POST the
		// envelope instead of appending it to the query string.
		v.Group(func(pub chi.Router) {
			pub.Use(returnLimiter.Middleware)
			pub.Get("/return/{id}/{route}", checkoutHandler.Return)
			pub.Post("/return/{id}/{route}", checkoutHandler.Return)
		})

		v.Route("/admin", func(admin chi.Router) {
			admin.Use(authMiddleware.RequireAuth)
			admin.Use(authMiddleware.RequireScope(auth.ScopeAdmin))
			admin.Post("/webhooks", webhookAdmin.CreateEndpoint)
			admin.Put("/webhooks/{id}", webhookAdmin.UpdateEndpoint)
			admin.Get("/webhooks", webhookAdmin.ListEndpoints)
			admin.Delete("/webhooks/{id}", webhookAdmin.DeleteEndpoint)
			admin.Get("/webhook-deliveries", webhookAdmin.ListDeliveries)
			admin.Post("/webhook-deliveries/{id}/replay", webhookAdmin.ReplayDelivery)
			admin.Get("/outcomes", auditHandler.List)
			admin.Get("/outcomes/session/{sessionID}", auditHandler.BySession)
			admin.Post("/outcomes/{outcomeID}/resolve", auditHandler.Resolve)
			admin.Get("/events", eventsAdmin.ByTopic)
			admin.Get("/sessions/{sessionID}/events", eventsAdmin.BySession)
			admin.Get("/queue/dlq", queueAdmin.ListDLQ)
			admin.Post("/queue/dlq/replay", queueAdmin.ReplayDLQ)
			admin.Get("/queue/stats", queueAdmin.Stats)
		})
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.WebhookDeliveryEnabled {
		for i := 0; i < cfg.EventWorkerConcurrency; i++ {
			go pollDeliveries(rootCtx, cfg, dispatcher, logger)
		}
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: r,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("api starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http listener failed")
		}
	}()

	<-rootCtx.Done()
	health.SetReady(false)
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), envDurationMillis("SHUTDOWN_GRACE_MS", 10000))
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if origins := cfg.CORSAllowedOrigins; len(origins) > 0 {
		return origins
	}
	return []string{"*"}
}

// pollDeliveries drains due webhook deliveries until ctx ends. The API
// process polls alongside the worker binary so small deployments can run
// without a separate worker.
func pollDeliveries(ctx context.Context, cfg *config.Config, d *notify.Dispatcher, logger zerolog.Logger) {
	ticker := time.NewTicker(cfg.WebhookPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.WorkOnce(ctx, int32(cfg.WebhookPollBatch)); err != nil {
				logger.Error().Err(err).Msg("dispatch webhooks")
			}
		}
	}
}

// sourceDoer adapts the resilient client to the hosted-session interface,
// which carries its context on the request.
type sourceDoer struct {
	cl resilience.HTTPClient
}

func (d sourceDoer) Do(req *http.Request) (*http.Response, error) {
	return d.cl.Do(req.Context(), req)
}

// readinessChecker feeds the ready probe with bounded pings against both
// backing stores.
type readinessChecker struct {
	db  *pgxpool.Pool
	rdb *redis.Client
}

func (c readinessChecker) PingDB(ctx context.Context, timeout time.Duration) error {
	if c.db == nil {
		return errors.New("no database pool")
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.db.Ping(pctx)
}

func (c readinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.rdb == nil {
		return errors.New("no redis client")
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.rdb.Ping(pctx).Err()
}

func envStr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	switch v {
	case "yes", "on":
		return true
	case "no", "off":
		return false
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if f, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64); err == nil {
		return f
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil {
		return n
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Millisecond * time.Duration(envInt(key, fallback))
}

func pprofMux() http.Handler {
	mux := http.NewServeMux()
	for path, h := range map[string]http.HandlerFunc{
		"/":        pprof.Index,
		"/cmdline": pprof.Cmdline,
		"/profile": pprof.Profile,
		"/symbol":  pprof.Symbol,
		"/trace":   pprof.Trace,
	} {
		mux.HandleFunc(path, h)
	}
	for _, p := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		mux.Handle("/"+p, pprof.Handler(p))
	}
	return mux
}

// protectPprof refuses the profiling mux to anyone without the basic-auth
// pair. An empty user leaves the mux open (local development).
func protectPprof(h http.Handler, user, pass string) http.Handler {
	user, pass = strings.TrimSpace(user), strings.TrimSpace(pass)
	if user == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		authed := ok &&
			subtle.ConstantTimeCompare([]byte(u), []byte(user)) == 1 &&
			subtle.ConstantTimeCompare([]byte(p), []byte(pass)) == 1
		if !authed {
			w.Header().Set("WWW-Authenticate", `Basic realm="redirectpay"`)
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/md-rashed-zaman/clinicbook/libs/config"
	"github.com/md-rashed-zaman/clinicbook/libs/db"
	"github.com/md-rashed-zaman/clinicbook/libs/httpx"
	"github.com/md-rashed-zaman/clinicbook/libs/kafkax"
	otelx "github.com/md-rashed-zaman/clinicbook/libs/otel"
	"github.com/md-rashed-zaman/clinicbook/libs/runtime"
	"github.com/md-rashed-zaman/clinicbook/libs/secretbox"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/calendar"
	bookingconfig "github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/config"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/handlers"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/notify"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/payments"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/policy"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/reconcile"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/scheduling"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/storage"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		panic(err)
	}
	cfg, err := bookingconfig.Load()
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(cfg.ServiceName, cfg.LogLevel)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelCfg, err := otelx.ConfigFromEnv(cfg.ServiceName)
	if err != nil {
		logger.Warn("otel config invalid", "err", err)
	}
	otelShutdown, err := otelx.Setup(ctx, otelCfg)
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL, db.Options{
		MaxConns:        int32(cfg.DBMaxConns),
		ApplicationName: cfg.ServiceName,
		ConnectAttempts: 5,
	})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	var box *secretbox.Box
	if cfg.Calendar.TokenKey != "" {
		box, err = secretbox.NewFromHex(cfg.Calendar.TokenKey)
		if err != nil {
			logger.Error("invalid CALENDAR_TOKEN_KEY", "err", err)
			panic(err)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	bookingMetrics := metrics.NewBookingMetrics(registry)

	repo := storage.NewBookingRepository(pool, box)
	schedule := scheduling.NewService(repo, policy.NewStaticProvider(cfg.Policy), logger, scheduling.WithMetrics(bookingMetrics))

	deps := booking.Deps{
		Store:          repo,
		Schedule:       schedule,
		Logger:         logger,
		Metrics:        bookingMetrics,
		PublicBaseURL:  cfg.PublicBaseURL,
		GatewayTimeout: cfg.Policy.GatewayTimeout,
	}
	var webhooks handlers.WebhookParser
	if cfg.Stripe.SecretKey != "" || cfg.Stripe.DryRun {
		stripeGateway := payments.New(payments.Config{
			SecretKey:        cfg.Stripe.SecretKey,
			WebhookSecret:    cfg.Stripe.WebhookSecret,
			WebhookTolerance: cfg.Stripe.WebhookTolerance,
			DryRun:           cfg.Stripe.DryRun,
		})
		deps.Payments = stripeGateway
		webhooks = stripeGateway
	} else {
		logger.Warn("stripe not configured; paid appointment types will land in failed_payment")
	}
	if cfg.Calendar.ClientID != "" && box != nil {
		deps.Calendar = calendar.NewGoogle(calendar.Config{
			ClientID:     cfg.Calendar.ClientID,
			ClientSecret: cfg.Calendar.ClientSecret,
		})
	} else {
		logger.Warn("google calendar disabled (GOOGLE_CLIENT_ID or CALENDAR_TOKEN_KEY unset)")
	}
	deps.Notifier = notify.NewNotifier(newEmailSender(ctx, cfg.Email, logger))
	bookings := booking.NewService(deps)

	outboxPublisher := outbox.NewPublisher(pool, outbox.NewRepository(), logger, outbox.PublisherConfig{
		Brokers:   cfg.KafkaBrokers,
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	if deps.Payments != nil {
		sweeper := reconcile.NewCheckoutSweeper(repo, bookings, logger, reconcile.CheckoutSweeperConfig{
			TTL:      cfg.Stripe.CheckoutTTL,
			Interval: cfg.Stripe.SweepInterval,
		})
		go sweeper.Run(ctx)
	}

	checks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
		{Name: "kafka", Check: kafkax.ReadyCheck(cfg.KafkaBrokers)},
	}
	limitOpts := httpx.RateLimitOptions{Prefix: "booking:public", FailOpen: true, Logger: logger}
	var publicLimit httpx.Middleware
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		publicLimit = httpx.RateLimit(httpx.NewRedisLimiter(rdb, cfg.RateLimitPerMinute, time.Minute), limitOpts)
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	} else if cfg.RateLimitPerMinute > 0 {
		publicLimit = httpx.RateLimit(httpx.NewMemoryLimiter(cfg.RateLimitPerMinute, time.Minute), limitOpts)
	}

	bookingHandler := handlers.NewBookingHandler(schedule, bookings, webhooks, logger)
	api := bookingHandler.Routes(handlers.RouterConfig{
		StaffJWTSecret: cfg.StaffJWTSecret,
		PublicLimit:    publicLimit,
	})

	mux := runtime.NewBaseMuxWithReady(checks...)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/api/v1/", http.StripPrefix("/api/v1", api))
	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger, "/healthz", "/readyz", "/metrics"),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization", "Idempotency-Key"},
			ExposedHeaders: []string{httpx.RequestIDHeader, "Retry-After"},
			MaxAge:         10 * time.Minute,
		}),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := startGrpcServer(ctx, logger, cfg.GRPCPort, pool); err != nil {
		logger.Error("grpc server init failed", "err", err)
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

func newEmailSender(ctx context.Context, cfg bookingconfig.EmailConfig, logger *slog.Logger) notify.EmailSender {
	from := notify.From{Email: cfg.From, Name: cfg.FromName}
	switch cfg.Provider {
	case bookingconfig.EmailSendGrid:
		return notify.NewSendGridSender(cfg.SendGridAPIKey, from, logger)
	case bookingconfig.EmailSES:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			logger.Error("aws config failed; falling back to stub email sender", "err", err)
			return notify.NewStubSender(logger)
		}
		return notify.NewSESSender(sesv2.NewFromConfig(awsCfg), from, logger)
	default:
		return notify.NewStubSender(logger)
	}
}

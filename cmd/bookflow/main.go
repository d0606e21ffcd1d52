package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nadim-ashraf/bookflow/internal/consumer"
	"github.com/nadim-ashraf/bookflow/internal/engine"
	"github.com/nadim-ashraf/bookflow/internal/handlers"
	"github.com/nadim-ashraf/bookflow/internal/inbox"
	"github.com/nadim-ashraf/bookflow/internal/lifecycle"
	"github.com/nadim-ashraf/bookflow/internal/outbox"
	"github.com/nadim-ashraf/bookflow/internal/payments"
	"github.com/nadim-ashraf/bookflow/internal/sessions"
	"github.com/nadim-ashraf/bookflow/internal/storage"
	"github.com/nadim-ashraf/bookflow/internal/sweeper"
	"github.com/nadim-ashraf/bookflow/libs/auth"
	"github.com/nadim-ashraf/bookflow/libs/config"
	"github.com/nadim-ashraf/bookflow/libs/db"
	"github.com/nadim-ashraf/bookflow/libs/httpx"
	"github.com/nadim-ashraf/bookflow/libs/kafkax"
	otelx "github.com/nadim-ashraf/bookflow/libs/otel"
	"github.com/nadim-ashraf/bookflow/libs/runtime"
)

func main() {
	service := config.String("SERVICE_NAME", "bookflow")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL, db.Options{
		MaxConns: int32(config.Int("DB_MAX_CONNS", 10)),
	})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	jwtSecret, err := config.RequiredString("JWT_SECRET")
	if err != nil {
		panic(err)
	}

	repo := storage.NewRepository(pool)

	var gate payments.Gate
	if key := config.String("STRIPE_SECRET_KEY", ""); key != "" {
		stripeGate, err := payments.NewStripeGate(payments.StripeConfig{
			SecretKey:  key,
			SuccessURL: config.String("STRIPE_SUCCESS_URL", "https://bookflow.example/payment/success"),
			CancelURL:  config.String("STRIPE_CANCEL_URL", "https://bookflow.example/payment/cancelled"),
		})
		if err != nil {
			logger.Error("stripe gate init failed", "err", err)
		} else {
			gate = stripeGate
		}
	}

	sessionProvider, err := sessions.NewProvider(config.String("MEETING_GRPC_ADDR", ""))
	if err != nil {
		logger.Error("session provider init failed", "err", err)
		sessionProvider = nil
	}

	eng := engine.New(repo, engine.Options{
		Gate:     gate,
		Sessions: sessionProvider,
		Logger:   logger,
	})

	brokers := config.String("KAFKA_BROKERS", "")
	outboxRepo := outbox.NewRepository(pool)
	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   brokers,
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	if brokers != "" {
		paymentConsumer := consumer.New(logger, inbox.NewRepository(pool), consumer.Config{
			Brokers: brokers,
			GroupID: config.String("KAFKA_GROUP_ID", service),
			Topic:   config.String("KAFKA_PAYMENTS_TOPIC", consumer.PaymentSettledTopic),
		}, consumer.NewPaymentSettledHandler(eng, logger))
		go paymentConsumer.Run(ctx)
	}

	sweep := sweeper.NewWorker(eng, logger, sweeper.Config{
		Interval: config.Minutes("SWEEP_INTERVAL_MINUTES", 0),
	})
	go sweep.Run(ctx)

	handler := handlers.New(eng, repo, logger, handlers.Config{
		StripeWebhookSecret:    config.String("STRIPE_WEBHOOK_SECRET", ""),
		StripeWebhookTolerance: config.Minutes("STRIPE_WEBHOOK_TOLERANCE_MINUTES", 5*time.Minute),
	})

	readyChecks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
	}
	if brokers != "" {
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
	}

	// Public endpoints rate limit per client; Redis backs the counter when
	// configured, otherwise an in-process window stands in.
	var publicLimit httpx.Middleware
	var rdb *redis.Client
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
		limiter := httpx.NewRedisRateLimiter(rdb,
			config.Int("RATE_LIMIT_PER_MINUTE", 120), time.Minute, service)
		publicLimit = limiter.Middleware(logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true))
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: httpx.RedisReadyCheck(rdb)})
	} else {
		publicLimit = httpx.NewRateLimiter(config.Int("RATE_LIMIT_PER_MINUTE", 120), time.Minute).Middleware()
	}
	if rdb != nil {
		defer rdb.Close()
	}

	authed := func(h http.Handler, roles ...string) http.Handler {
		mws := []httpx.Middleware{auth.RequireAuth(jwtSecret)}
		if len(roles) > 0 {
			mws = append(mws, auth.RequireRole(roles...))
		}
		return httpx.Chain(h, mws...)
	}

	mux := runtime.NewBaseMux(readyChecks...)
	mux.Handle("/api/v1/public/slots", httpx.Chain(http.HandlerFunc(handler.Slots), publicLimit))
	mux.Handle("/api/v1/public/book", httpx.Chain(http.HandlerFunc(handler.Book), publicLimit))
	mux.Handle("/api/v1/appointments", authed(http.HandlerFunc(handler.List)))
	mux.Handle("/api/v1/appointments/history", authed(http.HandlerFunc(handler.History)))
	mux.Handle("/api/v1/appointments/accept", authed(handler.Transition(lifecycle.EventAccept), "provider", "admin"))
	mux.Handle("/api/v1/appointments/reject", authed(handler.Transition(lifecycle.EventReject), "provider", "admin"))
	mux.Handle("/api/v1/appointments/cancel", authed(handler.Transition(lifecycle.EventCancel)))
	mux.Handle("/api/v1/appointments/reschedule", authed(handler.Transition(lifecycle.EventReschedule)))
	mux.Handle("/api/v1/appointments/complete", authed(handler.Transition(lifecycle.EventComplete), "provider", "admin"))
	mux.Handle("/api/v1/availability", authed(http.HandlerFunc(handler.Rules), "provider", "admin"))
	mux.Handle("/api/v1/provider/settings", authed(http.HandlerFunc(handler.Settings), "provider", "admin"))
	mux.HandleFunc("/webhooks/stripe", handler.StripeWebhook)

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: strings.Split(config.String("CORS_ALLOWED_ORIGINS", "*"), ","),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key"},
		}),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, service)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
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

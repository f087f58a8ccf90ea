package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/jeet-patel/subscription-ledger/internal/bonus"
	"github.com/jeet-patel/subscription-ledger/internal/cache"
	"github.com/jeet-patel/subscription-ledger/internal/config"
	"github.com/jeet-patel/subscription-ledger/internal/database"
	"github.com/jeet-patel/subscription-ledger/internal/gateway"
	"github.com/jeet-patel/subscription-ledger/internal/handlers"
	"github.com/jeet-patel/subscription-ledger/internal/ledger"
	"github.com/jeet-patel/subscription-ledger/internal/metrics"
	"github.com/jeet-patel/subscription-ledger/internal/middleware"
	"github.com/jeet-patel/subscription-ledger/internal/notify"
	"github.com/jeet-patel/subscription-ledger/internal/payments"
	"github.com/jeet-patel/subscription-ledger/internal/pricing"
	"github.com/jeet-patel/subscription-ledger/internal/referral"
	"github.com/jeet-patel/subscription-ledger/internal/subscription"
	"github.com/jeet-patel/subscription-ledger/internal/webhook"
)

type HealthResponse struct {
	Status    string `json:"status"`
	Database  string `json:"database"`
	Redis     string `json:"redis"`
	Timestamp string `json:"timestamp"`
}

func healthHandler(db *database.DB, redisClient *cache.Redis) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		response := HealthResponse{
			Status:    "healthy",
			Database:  "connected",
			Redis:     "connected",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		status := http.StatusOK
		if err := db.PingContext(ctx); err != nil {
			response.Database = "disconnected"
			response.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		if err := redisClient.Ping(ctx); err != nil {
			response.Redis = "disconnected"
			response.Status = "degraded"
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(response)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	cfg.SetupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	if err := db.RunMigrations(cfg.MigrationsPath); err != nil {
		log.WithError(err).Fatal("Failed to run migrations")
	}

	redisClient, err := cache.NewRedis(ctx, cfg.RedisAddr)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redisClient.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.MustNewMetrics(reg)

	var notifiers notify.Multi
	if cfg.SMTPHost != "" {
		notifiers = append(notifiers, notify.NewEmailNotifier(notify.SMTPConfig{
			Host: cfg.SMTPHost,
			Port: cfg.SMTPPort,
			User: cfg.SMTPUser,
			Pass: cfg.SMTPPassword,
			From: cfg.MailFrom,
		}))
	} else {
		log.Warn("SMTP_HOST not set, receipt emails disabled")
	}
	if cfg.KafkaBootstrapServers != "" {
		kafkaNotifier, err := notify.NewKafkaNotifier(cfg.KafkaBootstrapServers, cfg.KafkaTopic)
		if err != nil {
			log.WithError(err).Fatal("Failed to create Kafka producer")
		}
		defer kafkaNotifier.Close()
		notifiers = append(notifiers, kafkaNotifier)
	}

	clock := ledger.RealClock{}
	bonusStore := bonus.NewStore(db, db, clock, m)
	calculator := pricing.NewCalculator(pricing.NewStoredPromos(db, clock), bonusStore, cfg.MinPayable)
	gatewayClient := gateway.NewHTTPClient(nil, cfg.GatewayURL, cfg.GatewayAPIKey, cfg.GatewayReturnURL)
	machine := subscription.NewMachine(db, db, gatewayClient, bonusStore, redisClient, cfg.Prices, clock, m,
		subscription.Config{Currency: cfg.Currency, MaxFailedRenewals: cfg.MaxFailedRenewals})
	achievements := referral.NewAchievements(db, db, bonusStore,
		referral.Rewards{Referrer: cfg.ReferrerReward, Referred: cfg.ReferredReward})
	registrar := referral.NewRegistrar(db, achievements)
	processor := webhook.NewProcessor(db, db, machine, bonusStore, registrar, notifiers, clock, m,
		webhook.Config{Secret: cfg.WebhookSecret, Currency: cfg.Currency, Timeout: cfg.WebhookTimeout})
	paymentService := payments.NewService(db, gatewayClient, machine, calculator, bonusStore, clock, m, cfg.Currency)

	paymentHandler := handlers.NewPaymentHandler(paymentService, processor)
	subHandler := handlers.NewSubscriptionHandler(machine, db)
	accountHandler := handlers.NewAccountHandler(registrar, bonusStore)
	profileHandler := handlers.NewProfileHandler(db)

	limited := middleware.RateLimiter(redisClient, middleware.DefaultRateLimit, middleware.DefaultRateLimitWindow)
	user := func(h http.HandlerFunc) http.Handler {
		return middleware.RequireUser(limited(h))
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", healthHandler(db, redisClient))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Payment endpoints
	mux.HandleFunc("/payments/webhook", paymentHandler.Webhook)
	mux.Handle("/payments/calculate-upgrade", user(paymentHandler.CalculateUpgrade))
	mux.Handle("/payments/create", middleware.RequireUser(limited(
		middleware.Idempotency(redisClient)(http.HandlerFunc(paymentHandler.CreatePayment)),
	)))

	// Subscription endpoints
	mux.Handle("/subscription/cancel", user(subHandler.Cancel))
	mux.Handle("/subscription/reset", user(subHandler.Reset))
	mux.Handle("/subscription/auto-renew", user(subHandler.AutoRenew))
	mux.Handle("/cron/renew-subscriptions", middleware.CronAuth(cfg.CronSecret)(http.HandlerFunc(subHandler.RenewSubscriptions)))

	// Account endpoints
	mux.Handle("/profile", user(profileHandler.Profile))
	mux.Handle("/referrals/register", user(accountHandler.RegisterReferral))
	mux.Handle("/bonus/account", user(accountHandler.BonusAccount))

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      middleware.Identity(middleware.Logger(mux)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("Starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server failed to start")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server shutdown failed")
	}
	processor.Wait()
}

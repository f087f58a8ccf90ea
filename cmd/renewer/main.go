// Command renewer runs the auto-renewal sweep on a cron schedule, for
// deployments without an external scheduler hitting /cron/renew-subscriptions.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/jeet-patel/subscription-ledger/internal/bonus"
	"github.com/jeet-patel/subscription-ledger/internal/cache"
	"github.com/jeet-patel/subscription-ledger/internal/config"
	"github.com/jeet-patel/subscription-ledger/internal/database"
	"github.com/jeet-patel/subscription-ledger/internal/gateway"
	"github.com/jeet-patel/subscription-ledger/internal/ledger"
	"github.com/jeet-patel/subscription-ledger/internal/subscription"
)

const sweepTimeout = 30 * time.Minute

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

	redisClient, err := cache.NewRedis(ctx, cfg.RedisAddr)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redisClient.Close()

	clock := ledger.RealClock{}
	bonusStore := bonus.NewStore(db, db, clock, nil)
	gatewayClient := gateway.NewHTTPClient(nil, cfg.GatewayURL, cfg.GatewayAPIKey, cfg.GatewayReturnURL)
	machine := subscription.NewMachine(db, db, gatewayClient, bonusStore, redisClient, cfg.Prices, clock, nil,
		subscription.Config{Currency: cfg.Currency, MaxFailedRenewals: cfg.MaxFailedRenewals})

	c := cron.New(cron.WithLocation(time.UTC), cron.WithLogger(cron.VerbosePrintfLogger(log.StandardLogger())))
	_, err = c.AddFunc(cfg.RenewSchedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
		defer cancel()
		if _, err := machine.RenewDue(runCtx); err != nil {
			log.WithError(err).Error("Renewal sweep failed")
		}
	})
	if err != nil {
		log.WithError(err).WithField("schedule", cfg.RenewSchedule).Fatal("Invalid renewal schedule")
	}

	c.Start()
	log.WithField("schedule", cfg.RenewSchedule).Info("Renewer started")

	<-ctx.Done()
	log.Info("Stopping renewer")
	<-c.Stop().Done()
}

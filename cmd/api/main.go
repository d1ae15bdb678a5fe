package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bookyardhq/bookyard-backend/api/routes"
	"github.com/bookyardhq/bookyard-backend/internal/orders"
	"github.com/bookyardhq/bookyard-backend/internal/payments"
	"github.com/bookyardhq/bookyard-backend/internal/payments/intent"
	"github.com/bookyardhq/bookyard-backend/internal/payments/notify"
	"github.com/bookyardhq/bookyard-backend/internal/reservation"
	"github.com/bookyardhq/bookyard-backend/pkg/config"
	"github.com/bookyardhq/bookyard-backend/pkg/db"
	"github.com/bookyardhq/bookyard-backend/pkg/gateway"
	"github.com/bookyardhq/bookyard-backend/pkg/logger"
	"github.com/bookyardhq/bookyard-backend/pkg/metrics"
	"github.com/bookyardhq/bookyard-backend/pkg/migrate"
	"github.com/bookyardhq/bookyard-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	gatewayClient, err := gateway.NewHTTPClient(cfg.Payment)
	if err != nil {
		logg.Error(context.Background(), "failed to build gateway client", err)
		os.Exit(1)
	}

	orderMetrics := metrics.NewOrderMetrics(prometheus.DefaultRegisterer)
	retryRunner := db.NewRetryRunner(dbClient, cfg.TxRetry, orderMetrics, logg)

	reservationSvc, err := reservation.NewService(reservation.ServiceParams{
		TxRunner: retryRunner,
		Locker:   db.NewAdvisoryLocker(),
		Config:   cfg.Reservation,
		Metrics:  orderMetrics,
		Logger:   logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reservation service", err)
		os.Exit(1)
	}

	ordersRepo := orders.NewRepository(dbClient.DB())
	ordersSvc, err := orders.NewService(orders.ServiceParams{
		TxRunner: dbClient,
		Repo:     ordersRepo,
		Metrics:  orderMetrics,
		Logger:   logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create orders service", err)
		os.Exit(1)
	}

	paymentsRepo := payments.NewRepository(dbClient.DB())
	intentSvc, err := intent.NewService(intent.ServiceParams{
		TxRunner: dbClient,
		Repo:     paymentsRepo,
		Gateway:  gatewayClient,
		Config:   cfg.Payment,
		Metrics:  orderMetrics,
		Logger:   logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create payment intent service", err)
		os.Exit(1)
	}

	guard, err := notify.NewNotificationGuard(redisClient, cfg.Webhook.DedupTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create notification guard", err)
		os.Exit(1)
	}
	notifySvc, err := notify.NewService(notify.ServiceParams{
		TxRunner:   dbClient,
		Repo:       paymentsRepo,
		OrdersRepo: ordersRepo,
		Gateway:    gatewayClient,
		Guard:      guard,
		Payment:    cfg.Payment,
		Webhook:    cfg.Webhook,
		Metrics:    orderMetrics,
		Logger:     logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create notification processor", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.RouterParams{
			Config:        cfg,
			Logger:        logg,
			DB:            dbClient,
			Redis:         redisClient,
			Reservation:   reservationSvc,
			Orders:        ordersSvc,
			PaymentIntent: intentSvc,
			Notify:        notifySvc,
		}),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"tokopay/internal/config"
	"tokopay/internal/gateways"
	"tokopay/internal/handlers"
	"tokopay/internal/middleware"
	"tokopay/internal/repositories"
	"tokopay/internal/services"
	"tokopay/pkg/kafkabus"
	"tokopay/pkg/locker"
	"tokopay/pkg/logger"
	"tokopay/pkg/metrics"
	"tokopay/pkg/rabbitmq"
	"tokopay/pkg/retry"
)

const fulfilmentQueue = "tokopay.fulfilment"

// eventBus publishes lifecycle events and owns a broker connection.
type eventBus interface {
	services.EventPublisher
	Close() error
}

// application holds everything main starts and stops.
type application struct {
	cfg        config.Config
	log        *zap.Logger
	db         *gorm.DB
	http       *fiber.App
	reconciler *services.Reconciler
	fulfilment *services.FulfilmentStarter
	bus        eventBus
	rabbit     *rabbitmq.Client
	redis      *redis.Client
	closers    []func() error
}

// newApplication opens the database and brokers and wires every service and handler.
func newApplication(cfg config.Config, log *zap.Logger) (*application, error) {
	log = logger.OrNop(log)
	a := &application{cfg: cfg, log: log}

	db, err := repositories.Open(cfg.DBDriver, cfg.DBDSN, log)
	if err != nil {
		return nil, err
	}
	a.db = db
	if err := repositories.AutoMigrate(db); err != nil {
		a.Close()
		return nil, err
	}

	lk, err := a.newLocker()
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.connectEvents(); err != nil {
		a.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	variants := repositories.NewGORMVariantRepository(db)
	stock := repositories.NewGORMStockRepository(db)
	carts := repositories.NewGORMCartRepository(db)
	discounts := repositories.NewGORMDiscountRepository(db)
	wallets := repositories.NewGORMWalletRepository(db)
	orders := repositories.NewGORMOrderRepository(db)
	txns := repositories.NewGORMTransactionRepository(db)
	tx := repositories.NewGORMTransactor(db)

	registry := gateways.NewRegistry(m, a.enabledGateways(wallets)...)
	if len(registry.Names()) == 0 {
		log.Warn("no payment gateway is enabled, checkout will reject every request")
	}

	ledger := services.NewOrderLedger(orders, txns, services.NewStockLedger(stock, log), tx, log)
	aggregator := services.NewCartAggregator(carts, variants, discounts, log)

	checkoutOpts := []services.CheckoutOption{
		services.WithShipping(services.FlatRateShipping{Rate: cfg.Shipping.FlatRate, FreeThreshold: cfg.Shipping.FreeThreshold}),
		services.WithCheckoutMetrics(m),
	}
	reconcilerOpts := []services.ReconcilerOption{
		services.WithRetryPolicy(retry.Policy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			Multiplier:      cfg.Retry.Multiplier,
			Jitter:          0.2,
		}),
		services.WithMetrics(m),
		services.WithSweep(services.SweepSettings{
			StaleAfter:   cfg.Sweep.StaleAfter,
			AbandonAfter: cfg.Sweep.AbandonAfter,
			BatchSize:    cfg.Sweep.BatchSize,
		}),
	}
	if cfg.SnappPay.AutoSettle {
		reconcilerOpts = append(reconcilerOpts, services.WithAutoSettle(gateways.SnappPayName))
	}
	if a.bus != nil {
		checkoutOpts = append(checkoutOpts, services.WithCheckoutEvents(a.bus))
		reconcilerOpts = append(reconcilerOpts, services.WithEvents(a.bus))
	}

	checkout := services.NewCheckoutService(aggregator, ledger, registry, cfg.PublicBaseURL, cfg.Currency, log, checkoutOpts...)
	a.reconciler = services.NewReconciler(services.ReconcilerDeps{
		Ledger:       ledger,
		Orders:       orders,
		Transactions: txns,
		Carts:        carts,
		Discounts:    discounts,
		Wallets:      wallets,
		Gateways:     registry,
		Locker:       lk,
		Transactor:   tx,
	}, log, reconcilerOpts...)
	a.fulfilment = services.NewFulfilmentStarter(ledger, log)
	authService := services.NewAuthService(cfg.JWTSecret, log)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(fiberlogger.New(fiberlogger.Config{Output: logger.NewPrintfAdapter(log.Named("http"))}))

	app.Get("/health", a.handleHealth)
	app.Get("/metrics", m.Handler())

	apiV1 := app.Group("/api/v1")
	handlers.Set{
		Auth:         handlers.NewAuthHandler(),
		Catalog:      handlers.NewCatalogHandler(services.NewCatalogService(variants, stock), log),
		Checkout:     handlers.NewCheckoutHandler(checkout, log),
		Orders:       handlers.NewOrderHandler(ledger, checkout, a.reconciler, log),
		Payments:     handlers.NewPaymentHandler(a.reconciler, log),
		Transactions: handlers.NewTransactionHandler(a.reconciler, log),
		Wallets:      handlers.NewWalletHandler(services.NewWalletService(wallets, ledger, registry, checkout, cfg.Currency, log), log),
	}.Mount(apiV1, middleware.AuthRequired(authService, log))
	a.http = app

	return a, nil
}

func (a *application) enabledGateways(wallets repositories.WalletRepository) []gateways.Gateway {
	var gws []gateways.Gateway
	if a.cfg.Mellat.Enabled() {
		gws = append(gws, gateways.NewMellat(a.cfg.Mellat, a.cfg.GatewayTimeout, a.log))
	}
	if a.cfg.SnappPay.Enabled() {
		gws = append(gws, gateways.NewSnappPay(a.cfg.SnappPay, a.cfg.GatewayTimeout, a.log))
	}
	if a.cfg.Wallet.Enabled {
		gws = append(gws, gateways.NewWallet(wallets))
	}
	for _, g := range gws {
		a.log.Info("payment gateway enabled", zap.String("gateway", g.Name()))
	}
	return gws
}

func (a *application) newLocker() (locker.Locker, error) {
	switch a.cfg.LockBackend {
	case "", "memory":
		return locker.NewKeyedMutex(), nil
	case "redis":
		a.redis = redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
		a.closers = append(a.closers, a.redis.Close)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to reach redis at %s: %w", a.cfg.RedisAddr, err)
		}
		return locker.NewRedisLocker(a.redis, "tokopay:lock:", a.cfg.LockTTL), nil
	default:
		return nil, fmt.Errorf("unsupported lock backend %q", a.cfg.LockBackend)
	}
}

func (a *application) connectEvents() error {
	switch a.cfg.EventsBroker {
	case "", "none":
		return nil
	case "rabbitmq":
		client, err := rabbitmq.NewClient(rabbitmq.Config{URL: a.cfg.RabbitMQURL, Exchange: a.cfg.RabbitMQExchange}, a.log)
		if err != nil {
			return err
		}
		a.rabbit = client
		a.bus = client
	case "kafka":
		a.bus = kafkabus.NewPublisher(kafkabus.Config{Brokers: a.cfg.KafkaBrokers, Topic: a.cfg.KafkaTopic}, a.log)
	default:
		return fmt.Errorf("unsupported events broker %q", a.cfg.EventsBroker)
	}
	a.closers = append(a.closers, a.bus.Close)
	return nil
}

// startWorkers starts the reconciliation sweep and the order.paid consumer. They stop with ctx.
func (a *application) startWorkers(ctx context.Context) error {
	go a.reconciler.Run(ctx, a.cfg.Sweep.Interval)

	switch {
	case a.rabbit != nil:
		err := a.rabbit.Consume(fulfilmentQueue, services.EventOrderPaid, func(msg amqp.Delivery) error {
			return a.fulfilment.HandleOrderPaid(ctx, msg.Body)
		})
		if err != nil {
			return fmt.Errorf("failed to start fulfilment consumer: %w", err)
		}
	case a.cfg.EventsBroker == "kafka":
		consumer := kafkabus.NewConsumer(kafkabus.Config{
			Brokers: a.cfg.KafkaBrokers,
			Topic:   a.cfg.KafkaTopic,
			GroupID: fulfilmentQueue,
		}, services.EventOrderPaid, func(ctx context.Context, _ string, body []byte) error {
			return a.fulfilment.HandleOrderPaid(ctx, body)
		}, a.log)
		a.closers = append(a.closers, consumer.Close)
		go consumer.Run(ctx)
	}
	return nil
}

func (a *application) handleHealth(c *fiber.Ctx) error {
	checks := fiber.Map{"database": "up"}
	status := fiber.StatusOK
	if sqlDB, err := a.db.DB(); err != nil || sqlDB.PingContext(c.UserContext()) != nil {
		checks["database"] = "down"
		status = fiber.StatusServiceUnavailable
	}
	if a.redis != nil {
		checks["redis"] = "up"
		if err := a.redis.Ping(c.UserContext()).Err(); err != nil {
			checks["redis"] = "down"
			status = fiber.StatusServiceUnavailable
		}
	}
	if a.cfg.EventsBroker != "" && a.cfg.EventsBroker != "none" {
		checks["events"] = a.cfg.EventsBroker
	}

	state := "healthy"
	if status != fiber.StatusOK {
		state = "unhealthy"
	}
	return c.Status(status).JSON(fiber.Map{
		"status": state,
		"time":   time.Now().Format(time.RFC3339),
		"checks": checks,
	})
}

// Close releases the brokers, the redis client and the database, in reverse order of opening.
func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("error during shutdown", zap.Error(err))
		}
	}
	a.closers = nil
	if a.db == nil {
		return
	}
	if sqlDB, err := a.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			a.log.Warn("error closing database", zap.Error(err))
		}
	}
}

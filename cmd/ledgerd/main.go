package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/config"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/db"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/events"
	apphttp "github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/http"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/http/handlers"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/kvstore"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/stellar"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ledger
	ledger := stellar.NewSandbox(cfg.NetworkPassphrase, cfg.Asset)

	// Redis is optional: without it events stay in-process and rate limits are off.
	var (
		rdb        *redis.Client
		publisher  events.Publisher
		subscriber events.Subscriber
		store      kvstore.Store
	)
	if cfg.RedisURL != "" {
		client, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
		if err != nil {
			log.Warn("redis unavailable, using in-memory events", zap.Error(err))
		} else {
			rdb = client
			defer rdb.Close()
		}
	}
	if rdb != nil {
		publisher = events.NewRedisPublisher(rdb, log)
		subscriber = events.NewRedisSubscriber(rdb, log)
		store = kvstore.NewRedisStore(rdb, "ledgerd")
	} else {
		bus := events.NewMemoryBus()
		publisher, subscriber = bus, bus
		store = kvstore.NewMemoryStore()
	}

	// Handlers
	ledgerHandler := handlers.NewLedgerHandler(ledger, publisher, cfg, log)
	authHandler := handlers.NewAuthHandler(store, cfg, log)
	activityHandler := handlers.NewActivityHandler(ledger, log)
	wsHub := handlers.NewWSHub(cfg, subscriber, log)

	// Start WS hub
	if err := wsHub.Start(ctx); err != nil {
		log.Fatal("failed to start ws hub", zap.Error(err))
	}

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, ledgerHandler, authHandler, activityHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.LedgerPort)
	log.Info("starting ledger daemon",
		zap.String("addr", addr),
		zap.String("network", cfg.NetworkPassphrase),
		zap.String("asset", cfg.Asset),
	)
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}

package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/config"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/http/handlers"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/middleware"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/rbac"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SetupRouter wires the ledger daemon routes. rdb may be nil, which
// disables rate limiting.
func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	ledgerHandler *handlers.LedgerHandler,
	authHandler *handlers.AuthHandler,
	activityHandler *handlers.ActivityHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")

	metaHandler := handlers.NewMetaHandler(cfg)
	api.Get("/meta/network", metaHandler.GetNetwork)

	// Auth
	api.Post("/auth/challenge", middleware.RateLimitMiddleware(rdb, "auth", 20, time.Minute), authHandler.Challenge)
	api.Post("/auth/token", middleware.RateLimitMiddleware(rdb, "auth", 20, time.Minute), authHandler.Token)

	// Ledger
	api.Post("/tx", ledgerHandler.SubmitTx)
	api.Get("/contracts/:id", ledgerHandler.GetContract)
	api.Get("/accounts/:address/balance", ledgerHandler.GetBalance)
	api.Post("/accounts/:address/fund", middleware.RateLimitMiddleware(rdb, "fund", 10, time.Minute), ledgerHandler.Fund)
	api.Post("/bids", ledgerHandler.SubmitBid)

	// Arbitration
	arbiter := api.Group("", middleware.AuthMiddleware(cfg, log))
	arbiter.Post("/contracts/:id/disputes/:disputeId/resolve",
		middleware.RequirePermission(cfg, rbac.PermResolveDispute),
		ledgerHandler.ResolveDispute,
	)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws/accounts/:address", websocket.New(activityHandler.HandleWS))
	app.Get("/ws/events", websocket.New(wsHub.HandleWS))
}

package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/auth"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/config"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/http/dto"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/rbac"
	"go.uber.org/zap"
)

const (
	CtxAddress = "address"
	CtxRole    = "role"
)

func AuthMiddleware(cfg *config.Config, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "missing authorization header", RequestID: GetRequestID(c)})
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenStr == authHeader {
			return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "invalid authorization format", RequestID: GetRequestID(c)})
		}

		claims, err := auth.ParseJWT(cfg.JWTSecret, tokenStr)
		if err != nil {
			log.Debug("jwt parse error", zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "invalid or expired token", RequestID: GetRequestID(c)})
		}

		c.Locals(CtxAddress, claims.Address)
		c.Locals(CtxRole, claims.Role)

		return c.Next()
	}
}

func GetAddress(c *fiber.Ctx) string {
	addr, _ := c.Locals(CtxAddress).(string)
	return addr
}

func GetRole(c *fiber.Ctx) string {
	role, _ := c.Locals(CtxRole).(string)
	return role
}

// RequirePermission checks the token role. Arbiter tokens are also checked
// against the configured arbiter list, so removing an address from the
// config revokes its outstanding tokens.
func RequirePermission(cfg *config.Config, permission string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		role := GetRole(c)
		if !rbac.HasPermission(role, permission) || (role == rbac.RoleArbiter && !cfg.IsArbiter(GetAddress(c))) {
			return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: permission + " permission required", RequestID: GetRequestID(c)})
		}
		return c.Next()
	}
}

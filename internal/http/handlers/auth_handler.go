package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/auth"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/config"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/http/dto"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/kvstore"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/middleware"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/rbac"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/stellar"
	"go.uber.org/zap"
)

const (
	challengeTTL    = 5 * time.Minute
	challengePrefix = "Escrow ledger login: "
)

// AuthHandler issues tokens to accounts that prove key ownership by signing
// a one-time challenge.
type AuthHandler struct {
	store kvstore.Store
	cfg   *config.Config
	log   *zap.Logger
	now   func() time.Time
}

func NewAuthHandler(store kvstore.Store, cfg *config.Config, log *zap.Logger) *AuthHandler {
	return &AuthHandler{store: store, cfg: cfg, log: log, now: time.Now}
}

func challengeKey(address string) string { return "auth:challenge:" + address }

func (h *AuthHandler) Challenge(c *fiber.Ctx) error {
	var req dto.ChallengeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := stellar.ValidateAddress(req.Address); err != nil {
		return badRequest(c, err.Error())
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return respondError(c, h.log, err)
	}
	challenge := challengePrefix + hex.EncodeToString(nonce)

	if err := h.store.Set(c.UserContext(), challengeKey(req.Address), []byte(challenge), challengeTTL); err != nil {
		return respondError(c, h.log, err)
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.ChallengeResponse{
		Address:   req.Address,
		Challenge: challenge,
		ExpiresAt: h.now().Add(challengeTTL),
	}})
}

func (h *AuthHandler) Token(c *fiber.Ctx) error {
	var req dto.TokenRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Address == "" || req.Challenge == "" || req.Signature == "" {
		return badRequest(c, "address, challenge and signature are required")
	}

	ctx := c.UserContext()
	stored, err := h.store.Get(ctx, challengeKey(req.Address))
	if errors.Is(err, kvstore.ErrNotFound) || (err == nil && string(stored) != req.Challenge) {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "unknown or expired challenge", RequestID: middleware.GetRequestID(c)})
	}
	if err != nil {
		return respondError(c, h.log, err)
	}

	if err := stellar.VerifySignatureHex(req.Address, h.cfg.NetworkPassphrase, []byte(req.Challenge), req.Signature); err != nil {
		h.log.Debug("challenge signature rejected", zap.String("address", req.Address), zap.Error(err))
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "invalid signature", RequestID: middleware.GetRequestID(c)})
	}
	// Одноразовый challenge: удаляем сразу после успешной проверки.
	_ = h.store.Delete(ctx, challengeKey(req.Address))

	role := rbac.RoleParty
	if h.cfg.IsArbiter(req.Address) {
		role = rbac.RoleArbiter
	}

	ttl := h.cfg.JWTExpiration
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	token, err := auth.GenerateJWT(h.cfg.JWTSecret, req.Address, role, ttl)
	if err != nil {
		h.log.Error("failed to generate jwt", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal server error"})
	}

	h.log.Info("token issued", zap.String("address", req.Address), zap.String("role", role))
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.AuthResponse{
		Token:     token,
		Address:   req.Address,
		Role:      role,
		ExpiresAt: h.now().Add(ttl),
	}})
}

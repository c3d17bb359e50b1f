package handlers

import (
	"encoding/hex"

	"github.com/gofiber/fiber/v2"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/config"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/http/dto"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/stellar"
)

type MetaHandler struct {
	cfg *config.Config
}

func NewMetaHandler(cfg *config.Config) *MetaHandler {
	return &MetaHandler{cfg: cfg}
}

// GetNetwork tells clients what to sign for.
func (h *MetaHandler) GetNetwork(c *fiber.Ctx) error {
	id := stellar.NetworkID(h.cfg.NetworkPassphrase)
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.NetworkResponse{
		Passphrase: h.cfg.NetworkPassphrase,
		NetworkID:  hex.EncodeToString(id[:]),
		Asset:      h.cfg.Asset,
		FeeReserve: h.cfg.FeeReserve.String(),
	}})
}

package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/http/dto"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/middleware"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/stellar"
	"go.uber.org/zap"
)

// ledgerStatus maps ledger errors to HTTP statuses understood by
// stellar.HTTPLedger.
func ledgerStatus(err error) (int, string) {
	var rej *stellar.RejectionError
	switch {
	case errors.As(err, &rej):
		return fiber.StatusUnprocessableEntity, rej.Code
	case errors.Is(err, stellar.ErrContractNotFound):
		return fiber.StatusNotFound, ""
	case errors.Is(err, stellar.ErrTxExpired):
		return fiber.StatusGone, ""
	case errors.Is(err, stellar.ErrTransient):
		return fiber.StatusServiceUnavailable, ""
	case errors.Is(err, stellar.ErrInvalidAddress):
		return fiber.StatusBadRequest, stellar.CodeInvalidArgument
	}
	return fiber.StatusInternalServerError, ""
}

func respondError(c *fiber.Ctx, log *zap.Logger, err error) error {
	status, code := ledgerStatus(err)
	msg := err.Error()
	if status == fiber.StatusInternalServerError {
		log.Error("ledger request failed", zap.String("path", c.Path()), zap.Error(err))
		msg = "internal error"
	}
	return c.Status(status).JSON(dto.ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: middleware.GetRequestID(c),
	})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
		Error:     msg,
		Code:      stellar.CodeInvalidArgument,
		RequestID: middleware.GetRequestID(c),
	})
}

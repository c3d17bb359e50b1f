package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/config"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/events"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/http/dto"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/middleware"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/models"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/stellar"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LedgerBackend is everything the daemon exposes over HTTP. The sandbox
// ledger implements it.
type LedgerBackend interface {
	stellar.Ledger
	stellar.BidBoard
	stellar.BalanceSource
	Fund(address string, amount decimal.Decimal) (*models.LedgerTransaction, error)
	ResolveDispute(ctx context.Context, contractID, disputeID, outcome, resolution string) (*models.EscrowContract, error)
}

type LedgerHandler struct {
	ledger    LedgerBackend
	publisher events.Publisher
	cfg       *config.Config
	log       *zap.Logger
}

func NewLedgerHandler(ledger LedgerBackend, publisher events.Publisher, cfg *config.Config, log *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, publisher: publisher, cfg: cfg, log: log}
}

func (h *LedgerHandler) SubmitTx(c *fiber.Ctx) error {
	var tx stellar.SignedTx
	if err := c.BodyParser(&tx); err != nil {
		return badRequest(c, "invalid transaction body")
	}
	if tx.Signature == "" || tx.Tx.Source == "" {
		return badRequest(c, "source and signature are required")
	}

	conf, err := h.ledger.Submit(c.UserContext(), &tx)
	if err != nil {
		h.log.Debug("transaction rejected",
			zap.String("op", tx.Tx.Operation.Type),
			zap.String("source", tx.Tx.Source),
			zap.Error(err),
		)
		return respondError(c, h.log, err)
	}

	h.publish(c.UserContext(), events.Event{
		Type: events.EventLedgerActivity,
		Payload: map[string]any{
			"tx_hash":     conf.Hash,
			"op":          tx.Tx.Operation.Type,
			"source":      tx.Tx.Source,
			"contract_id": conf.ContractID,
			"amount":      conf.Amount.String(),
			"ledger_seq":  conf.LedgerSeq,
		},
	})
	h.log.Info("transaction applied",
		zap.String("op", tx.Tx.Operation.Type),
		zap.String("tx_hash", conf.Hash),
		zap.String("contract_id", conf.ContractID),
		zap.Int64("ledger_seq", conf.LedgerSeq),
	)
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: conf})
}

func (h *LedgerHandler) GetContract(c *fiber.Ctx) error {
	contract, err := h.ledger.QueryStatus(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: contract})
}

func (h *LedgerHandler) GetBalance(c *fiber.Ctx) error {
	address := c.Params("address")
	if err := stellar.ValidateAddress(address); err != nil {
		return respondError(c, h.log, err)
	}
	asset := c.Query("asset", h.cfg.Asset)

	balance, err := h.ledger.Balance(c.UserContext(), address, asset)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: stellar.BalanceResponse{
		Address: address,
		Asset:   asset,
		Balance: balance,
	}})
}

// Fund is the sandbox faucet.
func (h *LedgerHandler) Fund(c *fiber.Ctx) error {
	var req stellar.FundRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	tx, err := h.ledger.Fund(c.Params("address"), req.Amount)
	if err != nil {
		return respondError(c, h.log, err)
	}

	h.publish(c.UserContext(), events.Event{
		Type: events.EventLedgerActivity,
		Payload: map[string]any{
			"tx_hash": tx.Hash,
			"op":      models.TxTypeDeposit,
			"account": tx.Account,
			"amount":  tx.Amount.String(),
		},
	})
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: tx})
}

func (h *LedgerHandler) SubmitBid(c *fiber.Ctx) error {
	var bid models.SignedBid
	if err := c.BodyParser(&bid); err != nil {
		return badRequest(c, "invalid bid body")
	}

	receipt, err := h.ledger.SubmitBid(c.UserContext(), &bid)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: receipt})
}

// ResolveDispute is restricted to arbiters by the router.
func (h *LedgerHandler) ResolveDispute(c *fiber.Ctx) error {
	var req stellar.ResolveRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if !models.IsValidOutcome(req.Outcome) {
		return badRequest(c, "outcome must be one of resolved, rejected, refund_client, release_provider")
	}

	contractID := c.Params("id")
	disputeID := c.Params("disputeId")
	contract, err := h.ledger.ResolveDispute(c.UserContext(), contractID, disputeID, req.Outcome, req.Resolution)
	if err != nil {
		return respondError(c, h.log, err)
	}

	arbiter := middleware.GetAddress(c)
	h.log.Info("dispute resolved",
		zap.String("contract_id", contractID),
		zap.String("dispute_id", disputeID),
		zap.String("outcome", req.Outcome),
		zap.String("arbiter", arbiter),
	)
	if h.publisher != nil {
		_ = h.publisher.Publish(c.UserContext(), events.StreamEscrow, events.Event{
			Type: events.EventDisputeResolved,
			Payload: map[string]any{
				"contract_id": contractID,
				"dispute_id":  disputeID,
				"outcome":     req.Outcome,
				"arbiter":     arbiter,
				"status":      contract.EffectiveStatus(),
				"client":      contract.Client,
				"provider":    contract.Provider,
			},
		})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: contract})
}

func (h *LedgerHandler) publish(ctx context.Context, event events.Event) {
	if h.publisher == nil {
		return
	}
	_ = h.publisher.Publish(ctx, events.StreamLedger, event)
}

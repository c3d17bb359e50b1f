package services

import (
	"context"
	"fmt"
	"time"

	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/config"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/stellar"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OperationKind only selects warning text, never the pass/fail arithmetic.
type OperationKind string

const (
	KindFunding OperationKind = "funding"
	KindBid     OperationKind = "bid"
	KindEscrow  OperationKind = "escrow"
	KindPayment OperationKind = "payment"
)

type BalanceCheck struct {
	Address    string          `json:"address"`
	Asset      string          `json:"asset"`
	Kind       OperationKind   `json:"kind"`
	Balance    decimal.Decimal `json:"balance"`
	FeeReserve decimal.Decimal `json:"fee_reserve"`
	Available  decimal.Decimal `json:"available"`
	Amount     decimal.Decimal `json:"amount"`
	Shortfall  decimal.Decimal `json:"shortfall"`
	CanProceed bool            `json:"can_proceed"`
	Warnings   []string        `json:"warnings,omitempty"`
	CheckedAt  time.Time       `json:"checked_at"`
}

// Stale reports whether the check must be redone before submitting.
func (c *BalanceCheck) Stale(now time.Time, tolerance time.Duration) bool {
	return now.Sub(c.CheckedAt) > tolerance
}

// BalanceGuard answers "can this account afford this operation" keeping a
// fee reserve aside. It has no side effects.
type BalanceGuard struct {
	balances     stellar.BalanceSource
	asset        string
	feeReserve   decimal.Decimal
	lowThreshold decimal.Decimal
	log          *zap.Logger
	now          func() time.Time
}

func NewBalanceGuard(balances stellar.BalanceSource, cfg *config.Config, log *zap.Logger) *BalanceGuard {
	return &BalanceGuard{
		balances:     balances,
		asset:        cfg.Asset,
		feeReserve:   cfg.FeeReserve,
		lowThreshold: cfg.LowBalanceThreshold,
		log:          log,
		now:          time.Now,
	}
}

func (g *BalanceGuard) Validate(ctx context.Context, address string, amount decimal.Decimal, kind OperationKind) (*BalanceCheck, error) {
	verr := &ValidationError{}
	if err := stellar.ValidateAddress(address); err != nil {
		verr.Add("address", "%v", err)
	}
	if amount.IsNegative() {
		verr.Add("amount", "must not be negative")
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	balance, err := g.balances.Balance(ctx, address, g.asset)
	if err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}

	available := balance.Sub(g.feeReserve)
	shortfall := amount.Sub(available)
	if shortfall.IsNegative() {
		shortfall = decimal.Zero
	}

	check := &BalanceCheck{
		Address:    address,
		Asset:      g.asset,
		Kind:       kind,
		Balance:    balance,
		FeeReserve: g.feeReserve,
		Available:  available,
		Amount:     amount,
		Shortfall:  shortfall,
		CanProceed: available.GreaterThanOrEqual(amount),
		CheckedAt:  g.now(),
	}
	check.Warnings = g.warnings(check)

	if !check.CanProceed {
		g.log.Debug("balance check failed",
			zap.String("address", address),
			zap.String("kind", string(kind)),
			zap.String("shortfall", shortfall.String()),
		)
	}
	return check, nil
}

func (g *BalanceGuard) warnings(c *BalanceCheck) []string {
	if !c.CanProceed {
		return []string{fmt.Sprintf("insufficient balance: %s %s more needed (%s %s kept for fees)",
			c.Shortfall, c.Asset, c.FeeReserve, c.Asset)}
	}

	var out []string
	remaining := c.Available.Sub(c.Amount)
	if c.Kind == KindEscrow && c.Amount.IsPositive() {
		out = append(out, fmt.Sprintf("%s %s will be locked in escrow and unavailable for other bids until released", c.Amount, c.Asset))
	}
	if remaining.LessThan(g.lowThreshold) {
		switch c.Kind {
		case KindEscrow:
			out = append(out, fmt.Sprintf("only %s %s stays available after locking funds", remaining, c.Asset))
		case KindBid:
			out = append(out, fmt.Sprintf("only %s %s will remain to fund an escrow if this bid is accepted", remaining, c.Asset))
		case KindFunding:
			out = append(out, fmt.Sprintf("funding leaves %s %s for subsequent operations", remaining, c.Asset))
		case KindPayment:
			out = append(out, fmt.Sprintf("%s %s left after payment may not cover the next one", remaining, c.Asset))
		default:
			out = append(out, fmt.Sprintf("low balance after operation: %s %s", remaining, c.Asset))
		}
	}
	return out
}

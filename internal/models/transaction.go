package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ledger transaction types observed on escrow holding accounts.
const (
	TxTypeEscrowCreated  = "escrow_created"
	TxTypeMilestonePaid  = "milestone_released"
	TxTypeScheduledPaid  = "scheduled_released"
	TxTypeDisputeOpened  = "dispute_opened"
	TxTypeDisputeSettled = "dispute_settled"
	TxTypeWithdrawal     = "withdrawal"
	TxTypeRefund         = "refund"
	TxTypeDeposit        = "deposit"
)

type LedgerTransaction struct {
	Hash       string          `json:"hash"`
	ContractID string          `json:"contract_id,omitempty"`
	Account    string          `json:"account"`
	Type       string          `json:"type"`
	Amount     decimal.Decimal `json:"amount"`
	From       string          `json:"from,omitempty"`
	To         string          `json:"to,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Pending fiat-style transaction statuses. Only terminal entries are swept.
const (
	PendingStatusPending    = "pending"
	PendingStatusProcessing = "processing"
	PendingStatusCompleted  = "completed"
	PendingStatusFailed     = "failed"
	PendingStatusCancelled  = "cancelled"
)

func IsTerminalPendingStatus(s string) bool {
	return s == PendingStatusCompleted || s == PendingStatusFailed || s == PendingStatusCancelled
}

// PendingTransaction is display metadata for an on/off-ramp transfer. It is
// not escrow-authoritative.
type PendingTransaction struct {
	ID        string          `json:"id"`
	Address   string          `json:"address"`
	Kind      string          `json:"kind"` // deposit / withdrawal
	Amount    decimal.Decimal `json:"amount"`
	Asset     string          `json:"asset"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

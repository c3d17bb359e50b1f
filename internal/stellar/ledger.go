package stellar

import (
	"context"
	"errors"
	"fmt"

	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/models"
	"github.com/shopspring/decimal"
)

// Ledger is the authoritative escrow state holder.
type Ledger interface {
	Submit(ctx context.Context, tx *SignedTx) (*Confirmation, error)
	QueryStatus(ctx context.Context, contractID string) (*models.EscrowContract, error)
	// StreamAccountActivity delivers transactions touching account until ctx
	// is cancelled. The channel is closed when the stream ends; a close
	// before ctx is done means the stream broke.
	StreamAccountActivity(ctx context.Context, account string) (<-chan models.LedgerTransaction, error)
}

// BidBoard accepts signed bids for projects.
type BidBoard interface {
	SubmitBid(ctx context.Context, bid *models.SignedBid) (*models.BidReceipt, error)
}

type BalanceSource interface {
	Balance(ctx context.Context, address, asset string) (decimal.Decimal, error)
}

var (
	ErrUserDeclined     = errors.New("user declined signing request")
	ErrNotConnected     = errors.New("wallet not connected")
	ErrTransient        = errors.New("transient ledger failure")
	ErrTxExpired        = errors.New("transaction validity window expired")
	ErrContractNotFound = errors.New("contract not found")
)

// Rejection codes reported by the ledger. They mirror the escrow contract
// errors and are final: resubmitting the same operation cannot succeed.
const (
	CodeUnauthorized      = "unauthorized"
	CodeInvalidArgument   = "invalid_argument"
	CodeMilestoneNotFound = "milestone_not_found"
	CodeAlreadyReleased   = "milestone_already_completed"
	CodeTimeNotReached    = "time_not_reached"
	CodeInsufficientFunds = "insufficient_funds"
	CodeDisputeActive     = "dispute_active"
	CodeNoDisputeActive   = "no_dispute_active"
	CodeContractCompleted = "contract_completed"
	CodeContractCancelled = "contract_cancelled"
	CodeBadSignature      = "bad_signature"
	CodeWrongNetwork      = "wrong_network"
	CodeDuplicateTx       = "duplicate_transaction"
	CodeDuplicateBid      = "duplicate_bid"
)

// RejectionError is a semantic rejection by the ledger.
type RejectionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RejectionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ledger rejected: %s", e.Code)
	}
	return fmt.Sprintf("ledger rejected (%s): %s", e.Code, e.Message)
}

func reject(code, format string, args ...any) *RejectionError {
	return &RejectionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsTransient reports whether err is worth retrying as-is.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// RejectionCode returns the ledger rejection code carried by err, if any.
func RejectionCode(err error) string {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Code
	}
	return ""
}

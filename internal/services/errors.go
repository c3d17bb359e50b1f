package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/stellar"
)

var (
	ErrValidationFailed    = errors.New("validation failed")
	ErrWalletNotConnected  = errors.New("wallet not connected")
	ErrSigningRejected     = errors.New("signing rejected")
	ErrSigningFailed       = errors.New("signing failed")
	ErrSignatureInvalid    = errors.New("signature invalid")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrContractDisputed    = errors.New("contract is disputed")
	ErrContractCompleted   = errors.New("contract is completed")
	ErrContractCancelled   = errors.New("contract is cancelled")
	ErrAlreadyReleased     = errors.New("already released")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNothingToWithdraw   = errors.New("nothing to withdraw")
	ErrLedgerRejected      = errors.New("ledger rejected")
	ErrSubmissionFailed    = errors.New("submission failed")
	ErrNotFound            = errors.New("not found")
	ErrMilestoneNotFound   = errors.New("milestone not found")
	ErrReleaseNotDue       = errors.New("release not due yet")
	ErrTransactionExpired  = errors.New("transaction expired, sign again")
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every failed field. errors.Is(err,
// ErrValidationFailed) holds for it.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

// OrNil returns nil when no field failed.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// signerError maps wallet failures onto the service taxonomy.
// shortfallError reports a failed balance check.
func shortfallError(check *BalanceCheck) error {
	return fmt.Errorf("%w: %s %s short (available %s, fee reserve %s)",
		ErrInsufficientBalance, check.Shortfall, check.Asset, check.Available, check.FeeReserve)
}

func signerError(err error) error {
	switch {
	case errors.Is(err, stellar.ErrUserDeclined):
		return fmt.Errorf("%w: %w", ErrSigningRejected, err)
	case errors.Is(err, stellar.ErrNotConnected):
		return fmt.Errorf("%w: %w", ErrWalletNotConnected, err)
	default:
		return fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}
}

// ledgerError maps ledger failures onto the service taxonomy. Failures
// without a contract code, network outages included, are ErrLedgerRejected;
// stellar.IsTransient still tells them apart. The original error stays in
// the chain.
func ledgerError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, stellar.ErrTxExpired), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTransactionExpired, err)
	case errors.Is(err, stellar.ErrContractNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, context.Canceled):
		return err
	}

	var sentinel error
	switch stellar.RejectionCode(err) {
	case stellar.CodeUnauthorized:
		sentinel = ErrUnauthorized
	case stellar.CodeMilestoneNotFound:
		sentinel = ErrMilestoneNotFound
	case stellar.CodeAlreadyReleased:
		sentinel = ErrAlreadyReleased
	case stellar.CodeTimeNotReached:
		sentinel = ErrReleaseNotDue
	case stellar.CodeInsufficientFunds:
		sentinel = ErrInsufficientBalance
	case stellar.CodeDisputeActive:
		sentinel = ErrContractDisputed
	case stellar.CodeContractCompleted:
		sentinel = ErrContractCompleted
	case stellar.CodeContractCancelled:
		sentinel = ErrContractCancelled
	default:
		sentinel = ErrLedgerRejected
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

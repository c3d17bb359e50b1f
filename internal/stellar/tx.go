package stellar

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/models"
	"github.com/shopspring/decimal"
)

// Escrow contract operations
const (
	OpCreateEscrow     = "create_escrow"
	OpReleaseMilestone = "release_milestone"
	OpReleaseScheduled = "release_scheduled"
	OpOpenDispute      = "open_dispute"
	OpWithdraw         = "withdraw"
)

type Operation struct {
	Type         string               `json:"type"`
	ContractID   string               `json:"contract_id,omitempty"`
	Provider     string               `json:"provider,omitempty"`
	Asset        string               `json:"asset,omitempty"`
	TotalAmount  decimal.Decimal      `json:"total_amount"`
	ReleaseType  models.ReleaseType   `json:"release_type,omitempty"`
	Milestones   []models.Milestone   `json:"milestones,omitempty"`
	TimeSchedule []models.TimeRelease `json:"time_schedule,omitempty"`
	MilestoneID  int                  `json:"milestone_id,omitempty"`
	ReleaseIndex int                  `json:"release_index,omitempty"`
	Reason       string               `json:"reason,omitempty"`
}

// Tx is an unsigned ledger transaction. ValidUntil bounds the window in which
// the ledger accepts it; an expired tx must be rebuilt and signed again.
type Tx struct {
	Source     string    `json:"source"`
	Network    string    `json:"network"`
	Nonce      string    `json:"nonce"`
	Operation  Operation `json:"operation"`
	ValidUntil time.Time `json:"valid_until"`
}

// HashBytes is the deterministic digest that gets signed.
func (t *Tx) HashBytes() []byte {
	data, err := json.Marshal(t)
	if err != nil {
		// All fields are plain values, Marshal cannot fail here.
		panic(err)
	}
	sum := sha256.Sum256(data)
	return sum[:]
}

func (t *Tx) Hash() string {
	return hex.EncodeToString(t.HashBytes())
}

func (t *Tx) Expired(now time.Time) bool {
	return !t.ValidUntil.IsZero() && now.After(t.ValidUntil)
}

type SignedTx struct {
	Tx        Tx     `json:"tx"`
	Signature string `json:"signature"` // hex ed25519
}

func (s *SignedTx) Hash() string {
	return s.Tx.Hash()
}

// Confirmation is returned by the ledger once a transaction is applied.
type Confirmation struct {
	Hash        string          `json:"hash"`
	ContractID  string          `json:"contract_id,omitempty"`
	DisputeID   string          `json:"dispute_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	LedgerSeq   int64           `json:"ledger_seq"`
	ConfirmedAt time.Time       `json:"confirmed_at"`
}

package models

import "time"

// Parties of an escrow contract.
const (
	PartyClient   = "client"
	PartyProvider = "provider"
)

const (
	DisputeStatusOpen     = "open"
	DisputeStatusResolved = "resolved"
	DisputeStatusRejected = "rejected"
)

type DisputeRecord struct {
	ID          string     `json:"id"`
	InitiatedBy string     `json:"initiated_by"` // client / provider
	Initiator   string     `json:"initiator"`    // address
	Reason      string     `json:"reason"`
	Status      string     `json:"status"`
	Resolution  *string    `json:"resolution,omitempty"` // only when resolved
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Arbitration outcomes applied by the ledger authority.
const (
	OutcomeResolved        = "resolved"         // dispute settled, contract back to active
	OutcomeRejected        = "rejected"         // dispute dismissed, contract back to active
	OutcomeRefundClient    = "refund_client"    // contract cancelled, remaining funds to client
	OutcomeReleaseProvider = "release_provider" // contract completed, remaining funds released
)

func IsValidOutcome(o string) bool {
	switch o {
	case OutcomeResolved, OutcomeRejected, OutcomeRefundClient, OutcomeReleaseProvider:
		return true
	}
	return false
}

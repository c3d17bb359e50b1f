package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// BidProposal targets a project. The escrow contract is created only after
// a bid is accepted, so a bid never references a contract id.
type BidProposal struct {
	ProjectID          string          `json:"project_id"`
	FreelancerAddress  string          `json:"freelancer_address"`
	BidAmount          decimal.Decimal `json:"bid_amount"`
	DeliveryDays       int             `json:"delivery_days"`
	Proposal           string          `json:"proposal"`
	PortfolioLink      string          `json:"portfolio_link,omitempty"`
	MilestonesApproach string          `json:"milestones_approach,omitempty"`
	Timestamp          time.Time       `json:"timestamp"`
}

// canonicalBid fixes field order and encodings of the signed form.
type canonicalBid struct {
	Version            int    `json:"v"`
	ProjectID          string `json:"project_id"`
	FreelancerAddress  string `json:"freelancer_address"`
	BidAmount          string `json:"bid_amount"`
	DeliveryDays       int    `json:"delivery_days"`
	Proposal           string `json:"proposal"`
	PortfolioLink      string `json:"portfolio_link"`
	MilestonesApproach string `json:"milestones_approach"`
	TimestampMS        int64  `json:"timestamp_ms"`
}

// CanonicalBytes is the byte string a freelancer signs for this proposal.
func (b BidProposal) CanonicalBytes() ([]byte, error) {
	return json.Marshal(canonicalBid{
		Version:            1,
		ProjectID:          b.ProjectID,
		FreelancerAddress:  b.FreelancerAddress,
		BidAmount:          b.BidAmount.String(),
		DeliveryDays:       b.DeliveryDays,
		Proposal:           b.Proposal,
		PortfolioLink:      b.PortfolioLink,
		MilestonesApproach: b.MilestonesApproach,
		TimestampMS:        b.Timestamp.UnixMilli(),
	})
}

type SignedBid struct {
	Proposal  BidProposal `json:"proposal"`
	Signature string      `json:"signature"` // hex ed25519
}

type BidReceipt struct {
	BidID      string    `json:"bid_id"`
	ProjectID  string    `json:"project_id"`
	Freelancer string    `json:"freelancer"`
	ReceivedAt time.Time `json:"received_at"`
}

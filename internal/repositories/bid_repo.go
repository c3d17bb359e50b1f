package repositories

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/models"
	"github.com/shopspring/decimal"
)

type BidRepo struct {
	pool *pgxpool.Pool
}

func NewBidRepo(pool *pgxpool.Pool) *BidRepo {
	return &BidRepo{pool: pool}
}

// Record stores a bid accepted by the ledger. Re-recording the same receipt
// is a no-op.
func (r *BidRepo) Record(ctx context.Context, bid *models.SignedBid, receipt *models.BidReceipt) error {
	p := bid.Proposal
	_, err := r.pool.Exec(ctx, `
		INSERT INTO bids (id, project_id, freelancer, bid_amount, delivery_days, proposal,
			portfolio_link, milestones_approach, signature, signed_at, received_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, receipt.BidID, p.ProjectID, p.FreelancerAddress, p.BidAmount.String(), p.DeliveryDays, p.Proposal,
		p.PortfolioLink, p.MilestonesApproach, bid.Signature, p.Timestamp, receipt.ReceivedAt)
	return err
}

type BidRow struct {
	Receipt models.BidReceipt
	Bid     models.SignedBid
}

func (r *BidRepo) ListByProject(ctx context.Context, projectID string) ([]BidRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, project_id, freelancer, bid_amount::text, delivery_days, proposal,
		       COALESCE(portfolio_link, ''), COALESCE(milestones_approach, ''), signature, signed_at, received_at
		FROM bids WHERE project_id = $1
		ORDER BY received_at
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BidRow
	for rows.Next() {
		var row BidRow
		var amount string
		p := &row.Bid.Proposal
		if err := rows.Scan(&row.Receipt.BidID, &p.ProjectID, &p.FreelancerAddress, &amount, &p.DeliveryDays,
			&p.Proposal, &p.PortfolioLink, &p.MilestonesApproach, &row.Bid.Signature, &p.Timestamp,
			&row.Receipt.ReceivedAt); err != nil {
			return nil, err
		}
		if p.BidAmount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		row.Receipt.ProjectID = p.ProjectID
		row.Receipt.Freelancer = p.FreelancerAddress
		out = append(out, row)
	}
	return out, rows.Err()
}

package repositories

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/models"
)

// EscrowRepo mirrors ledger snapshots into postgres for listing and
// reporting. The ledger stays authoritative; rows are overwritten wholesale.
type EscrowRepo struct {
	pool *pgxpool.Pool
}

func NewEscrowRepo(pool *pgxpool.Pool) *EscrowRepo {
	return &EscrowRepo{pool: pool}
}

// SaveSnapshot upserts c unless a newer fetch already landed.
func (r *EscrowRepo) SaveSnapshot(ctx context.Context, c *models.EscrowContract, fetchedAt time.Time) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO escrow_snapshots (contract_id, client, provider, holding_account, asset, release_type,
			status, total_amount, released_amount, withdrawn_amount, contract, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10::numeric, $11, $12)
		ON CONFLICT (contract_id) DO UPDATE SET
			status = EXCLUDED.status,
			released_amount = EXCLUDED.released_amount,
			withdrawn_amount = EXCLUDED.withdrawn_amount,
			contract = EXCLUDED.contract,
			fetched_at = EXCLUDED.fetched_at,
			updated_at = now()
		WHERE escrow_snapshots.fetched_at <= EXCLUDED.fetched_at
	`, c.ID, c.Client, c.Provider, c.HoldingAccount, c.Asset, string(c.ReleaseType),
		c.EffectiveStatus(), c.TotalAmount.String(), c.ReleasedAmount.String(), c.WithdrawnAmount.String(),
		data, fetchedAt)
	return err
}

// ListOpen returns ids of contracts that are neither completed nor
// cancelled.
func (r *EscrowRepo) ListOpen(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `
		SELECT contract_id FROM escrow_snapshots
		WHERE status IN ('active', 'disputed')
		ORDER BY updated_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// ListActiveTimeBased returns active time-based contracts. Release dates
// live in the JSON document, so eligibility is decided by the caller.
func (r *EscrowRepo) ListActiveTimeBased(ctx context.Context) ([]*models.EscrowContract, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT contract FROM escrow_snapshots
		WHERE status = 'active' AND release_type = $1
	`, string(models.ReleaseTimeBased))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.EscrowContract, error) {
		var data []byte
		if err := row.Scan(&data); err != nil {
			return nil, err
		}
		var c models.EscrowContract
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return &c, nil
	})
}

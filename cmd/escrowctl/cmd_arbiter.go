package main

import (
	"errors"

	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/models"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/repositories"
	"github.com/urfave/cli/v2"
)

var cmdResolve = &cli.Command{
	Name:      "resolve",
	Usage:     "Settle an open dispute (arbiter wallets only)",
	ArgsUsage: "<contract-id> <dispute-id>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "outcome", Required: true, Usage: "resolved, rejected, refund_client or release_provider"},
		&cli.StringFlag{Name: "resolution"},
	},
	Action: withEnv(func(cctx *cli.Context, e *env) error {
		ctx := cctx.Context
		contractID, err := argN(cctx, 0, "contract-id")
		if err != nil {
			return err
		}
		disputeID, err := argN(cctx, 1, "dispute-id")
		if err != nil {
			return err
		}
		outcome := cctx.String("outcome")
		if !models.IsValidOutcome(outcome) {
			return errors.New("unknown --outcome")
		}

		w, err := e.wallet(ctx)
		if err != nil {
			return err
		}
		if _, err := e.ledger.Login(ctx, w); err != nil {
			return err
		}
		c, err := e.ledger.ResolveDispute(ctx, contractID, disputeID, outcome, cctx.String("resolution"))
		if err != nil {
			return err
		}
		return printJSON(c)
	}),
}

var cmdAudit = &cli.Command{
	Name:      "audit",
	Usage:     "Show the audit trail of a contract",
	ArgsUsage: "<contract-id>",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "limit", Value: 50},
		&cli.IntFlag{Name: "offset"},
	},
	Action: withEnv(func(cctx *cli.Context, e *env) error {
		id, err := argN(cctx, 0, "contract-id")
		if err != nil {
			return err
		}
		if e.pool == nil {
			return errors.New("this command needs --postgres")
		}
		entries, err := repositories.NewAuditRepo(e.pool).GetByEntity(cctx.Context, "escrow", id, cctx.Int("limit"), cctx.Int("offset"))
		if err != nil {
			return err
		}
		return printJSON(entries)
	}),
}

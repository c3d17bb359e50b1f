package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/models"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/services"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/stellar"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var cmdKeygen = &cli.Command{
	Name:  "keygen",
	Usage: "Generate a new wallet seed",
	Action: func(cctx *cli.Context) error {
		seed, address, err := stellar.GenerateSeed()
		if err != nil {
			return err
		}
		return printJSON(map[string]string{"secret": seed, "address": address})
	},
}

var cmdAddress = &cli.Command{
	Name:  "address",
	Usage: "Print the wallet address",
	Action: withEnv(func(cctx *cli.Context, e *env) error {
		w, err := e.wallet(cctx.Context)
		if err != nil {
			return err
		}
		fmt.Println(w.Address())
		return nil
	}),
}

var cmdFund = &cli.Command{
	Name:  "fund",
	Usage: "Credit the wallet from the sandbox faucet",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "amount", Required: true},
		&cli.StringFlag{Name: "to", Usage: "address to fund, defaults to the wallet"},
	},
	Action: withEnv(func(cctx *cli.Context, e *env) error {
		ctx := cctx.Context
		amount, err := decimal.NewFromString(cctx.String("amount"))
		if err != nil {
			return fmt.Errorf("invalid --amount: %w", err)
		}
		address := cctx.String("to")
		if address == "" {
			w, err := e.wallet(ctx)
			if err != nil {
				return err
			}
			address = w.Address()
		}

		// The deposit shows up in the pending list while the faucet runs.
		cache, _ := e.txCache()
		pending := models.PendingTransaction{
			ID:      uuid.NewString(),
			Address: address,
			Kind:    "deposit",
			Amount:  amount,
			Asset:   e.cfg.Asset,
			Status:  models.PendingStatusProcessing,
		}
		if cache != nil {
			if err := cache.Put(ctx, pending); err != nil {
				e.log.Warn("cache pending deposit failed", zap.Error(err))
			}
		}

		tx, err := e.ledger.Fund(ctx, address, amount)
		if cache != nil {
			pending.Status = models.PendingStatusCompleted
			if err != nil {
				pending.Status = models.PendingStatusFailed
			}
			if err := cache.Put(ctx, pending); err != nil {
				e.log.Warn("cache pending deposit failed", zap.Error(err))
			}
		}
		if err != nil {
			return err
		}
		return printJSON(tx)
	}),
}

var cmdBalance = &cli.Command{
	Name:  "balance",
	Usage: "Show the wallet balance and whether an amount can be afforded",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "amount", Value: "0"},
		&cli.StringFlag{Name: "kind", Value: string(services.KindPayment), Usage: "funding, bid, escrow or payment"},
		&cli.StringFlag{Name: "address", Usage: "defaults to the wallet"},
	},
	Action: withEnv(func(cctx *cli.Context, e *env) error {
		ctx := cctx.Context
		amount, err := decimal.NewFromString(cctx.String("amount"))
		if err != nil {
			return fmt.Errorf("invalid --amount: %w", err)
		}
		address := cctx.String("address")
		if address == "" {
			w, err := e.wallet(ctx)
			if err != nil {
				return err
			}
			address = w.Address()
		}

		check, err := e.guard().Validate(ctx, address, amount, services.OperationKind(cctx.String("kind")))
		if err != nil {
			return err
		}
		return printJSON(check)
	}),
}

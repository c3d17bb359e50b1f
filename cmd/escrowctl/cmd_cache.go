package main

import (
	"fmt"
	"time"

	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/models"
	"github.com/urfave/cli/v2"
)

var cmdTxs = &cli.Command{
	Name:  "txs",
	Usage: "Pending deposit and withdrawal metadata",
	Subcommands: []*cli.Command{
		{
			Name:  "list",
			Usage: "List pending transactions of the wallet, newest first",
			Action: withEnv(func(cctx *cli.Context, e *env) error {
				cache, err := e.txCache()
				if err != nil {
					return err
				}
				w, err := e.wallet(cctx.Context)
				if err != nil {
					return err
				}
				txs, err := cache.List(cctx.Context, w.Address())
				if err != nil {
					return err
				}
				return printJSON(txs)
			}),
		},
		{
			Name:      "set-status",
			Usage:     "Update the status of a pending transaction",
			ArgsUsage: "<id> <status>",
			Action: withEnv(func(cctx *cli.Context, e *env) error {
				ctx := cctx.Context
				id, err := argN(cctx, 0, "id")
				if err != nil {
					return err
				}
				status, err := argN(cctx, 1, "status")
				if err != nil {
					return err
				}
				switch status {
				case models.PendingStatusPending, models.PendingStatusProcessing,
					models.PendingStatusCompleted, models.PendingStatusFailed, models.PendingStatusCancelled:
				default:
					return fmt.Errorf("unknown status %q", status)
				}
				cache, err := e.txCache()
				if err != nil {
					return err
				}
				w, err := e.wallet(ctx)
				if err != nil {
					return err
				}
				tx, err := cache.Get(ctx, w.Address(), id)
				if err != nil {
					return err
				}
				tx.Status = status
				if err := cache.Put(ctx, *tx); err != nil {
					return err
				}
				return printJSON(tx)
			}),
		},
		{
			Name:  "sweep",
			Usage: "Drop finished entries past the retention window",
			Action: withEnv(func(cctx *cli.Context, e *env) error {
				cache, err := e.txCache()
				if err != nil {
					return err
				}
				n, err := cache.Sweep(cctx.Context, time.Now())
				if err != nil {
					return err
				}
				fmt.Printf("removed %d\n", n)
				return nil
			}),
		},
	},
}

var cmdPref = &cli.Command{
	Name:  "pref",
	Usage: "Per-wallet preferences",
	Subcommands: []*cli.Command{
		{
			Name:      "get",
			ArgsUsage: "<name>",
			Action: withEnv(func(cctx *cli.Context, e *env) error {
				name, err := argN(cctx, 0, "name")
				if err != nil {
					return err
				}
				cache, err := e.txCache()
				if err != nil {
					return err
				}
				w, err := e.wallet(cctx.Context)
				if err != nil {
					return err
				}
				v, err := cache.Preference(cctx.Context, w.Address(), name)
				if err != nil {
					return err
				}
				fmt.Println(v)
				return nil
			}),
		},
		{
			Name:      "set",
			ArgsUsage: "<name> <value>",
			Action: withEnv(func(cctx *cli.Context, e *env) error {
				name, err := argN(cctx, 0, "name")
				if err != nil {
					return err
				}
				value, err := argN(cctx, 1, "value")
				if err != nil {
					return err
				}
				cache, err := e.txCache()
				if err != nil {
					return err
				}
				w, err := e.wallet(cctx.Context)
				if err != nil {
					return err
				}
				return cache.SetPreference(cctx.Context, w.Address(), name, value)
			}),
		},
	},
}

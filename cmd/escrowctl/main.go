package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "escrowctl",
		Usage: "drive escrow contracts and bids against a ledger daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "ledger",
				Usage:   "ledger daemon base URL",
				EnvVars: []string{"LEDGER_URL"},
			},
			&cli.StringFlag{
				Name:    "secret",
				Usage:   "hex ed25519 seed of the signing wallet",
				EnvVars: []string{"WALLET_SECRET"},
			},
			&cli.StringFlag{
				Name:  "redis",
				Usage: "redis URL for the local cache and event publishing, e.g. redis://localhost:6379/0",
			},
			&cli.StringFlag{
				Name:  "postgres",
				Usage: "postgres DSN for bid records and the audit trail",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "warn",
			},
		},
		Commands: []*cli.Command{
			cmdKeygen,
			cmdAddress,
			cmdFund,
			cmdBalance,
			cmdCreate,
			cmdShow,
			cmdRelease,
			cmdReleaseScheduled,
			cmdDispute,
			cmdWithdraw,
			cmdWatch,
			cmdBid,
			cmdBids,
			cmdResolve,
			cmdAudit,
			cmdTxs,
			cmdPref,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/models"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/repositories"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/services"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

var cmdCreate = &cli.Command{
	Name:  "create",
	Usage: "Lock funds in a new escrow contract",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "provider", Required: true},
		&cli.StringFlag{Name: "total", Required: true},
		&cli.StringFlag{Name: "type", Value: string(models.ReleaseMilestoneBased), Usage: "milestone or time"},
		&cli.StringSliceFlag{Name: "milestone", Usage: "AMOUNT:DESCRIPTION, repeatable"},
		&cli.StringSliceFlag{Name: "release", Usage: "DATE:AMOUNT with DATE as YYYY-MM-DD or RFC3339, repeatable"},
	},
	Action: withEnv(func(cctx *cli.Context, e *env) error {
		ctx := cctx.Context
		total, err := decimal.NewFromString(cctx.String("total"))
		if err != nil {
			return fmt.Errorf("invalid --total: %w", err)
		}
		in := services.CreateEscrowInput{
			Provider:    cctx.String("provider"),
			TotalAmount: total,
			ReleaseType: models.ReleaseType(cctx.String("type")),
		}
		for _, m := range cctx.StringSlice("milestone") {
			mi, err := parseMilestone(m)
			if err != nil {
				return err
			}
			in.Milestones = append(in.Milestones, mi)
		}
		for _, r := range cctx.StringSlice("release") {
			ri, err := parseRelease(r)
			if err != nil {
				return err
			}
			in.TimeSchedule = append(in.TimeSchedule, ri)
		}

		w, err := e.wallet(ctx)
		if err != nil {
			return err
		}
		id, err := e.escrow().CreateEscrow(ctx, in, w)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	}),
}

func parseMilestone(s string) (services.MilestoneInput, error) {
	amount, desc, ok := strings.Cut(s, ":")
	if !ok {
		return services.MilestoneInput{}, fmt.Errorf("milestone %q: want AMOUNT:DESCRIPTION", s)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return services.MilestoneInput{}, fmt.Errorf("milestone %q: %w", s, err)
	}
	return services.MilestoneInput{Description: strings.TrimSpace(desc), Amount: d}, nil
}

func parseRelease(s string) (services.TimeReleaseInput, error) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return services.TimeReleaseInput{}, fmt.Errorf("release %q: want DATE:AMOUNT", s)
	}
	date, amount := s[:i], s[i+1:]
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return services.TimeReleaseInput{}, fmt.Errorf("release %q: %w", s, err)
	}
	at, err := time.Parse(time.RFC3339, date)
	if err != nil {
		if at, err = time.Parse(time.DateOnly, date); err != nil {
			return services.TimeReleaseInput{}, fmt.Errorf("release %q: bad date", s)
		}
	}
	return services.TimeReleaseInput{ReleaseDate: at, Amount: d}, nil
}

var cmdShow = &cli.Command{
	Name:      "show",
	Usage:     "Print a contract",
	ArgsUsage: "<contract-id>",
	Action: withEnv(func(cctx *cli.Context, e *env) error {
		id, err := argN(cctx, 0, "contract-id")
		if err != nil {
			return err
		}
		c, err := e.escrow().GetContract(cctx.Context, id)
		if err != nil {
			return err
		}
		return printJSON(c)
	}),
}

var cmdRelease = &cli.Command{
	Name:      "release",
	Usage:     "Release a completed milestone to the provider",
	ArgsUsage: "<contract-id>",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "milestone", Required: true},
	},
	Action: withEnv(func(cctx *cli.Context, e *env) error {
		ctx := cctx.Context
		id, err := argN(cctx, 0, "contract-id")
		if err != nil {
			return err
		}
		w, err := e.wallet(ctx)
		if err != nil {
			return err
		}
		hash, err := e.escrow().ReleaseMilestone(ctx, id, cctx.Int("milestone"), w.Address(), w)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	}),
}

var cmdReleaseScheduled = &cli.Command{
	Name:      "release-scheduled",
	Usage:     "Release time-based payments whose date has passed",
	ArgsUsage: "<contract-id>",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "index", Value: -1, Usage: "schedule entry, all eligible entries when omitted"},
	},
	Action: withEnv(func(cctx *cli.Context, e *env) error {
		ctx := cctx.Context
		id, err := argN(cctx, 0, "contract-id")
		if err != nil {
			return err
		}
		w, err := e.wallet(ctx)
		if err != nil {
			return err
		}
		svc := e.escrow()

		indexes := []int{cctx.Int("index")}
		if indexes[0] < 0 {
			if indexes, err = svc.EligibleReleases(ctx, id); err != nil {
				return err
			}
			if len(indexes) == 0 {
				fmt.Println("nothing to release")
				return nil
			}
		}
		for _, idx := range indexes {
			hash, err := svc.ReleaseScheduled(ctx, id, idx, w)
			if err != nil {
				return fmt.Errorf("release %d: %w", idx, err)
			}
			fmt.Printf("%d\t%s\n", idx, hash)
		}
		return nil
	}),
}

var cmdDispute = &cli.Command{
	Name:      "dispute",
	Usage:     "Open a dispute, freezing releases",
	ArgsUsage: "<contract-id>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "reason", Required: true},
	},
	Action: withEnv(func(cctx *cli.Context, e *env) error {
		ctx := cctx.Context
		id, err := argN(cctx, 0, "contract-id")
		if err != nil {
			return err
		}
		w, err := e.wallet(ctx)
		if err != nil {
			return err
		}
		disputeID, err := e.escrow().InitiateDispute(ctx, id, w.Address(), cctx.String("reason"), w)
		if err != nil {
			return err
		}
		fmt.Println(disputeID)
		return nil
	}),
}

var cmdWithdraw = &cli.Command{
	Name:      "withdraw",
	Usage:     "Withdraw released funds to the provider account",
	ArgsUsage: "<contract-id>",
	Action: withEnv(func(cctx *cli.Context, e *env) error {
		ctx := cctx.Context
		id, err := argN(cctx, 0, "contract-id")
		if err != nil {
			return err
		}
		w, err := e.wallet(ctx)
		if err != nil {
			return err
		}
		conf, err := e.escrow().Withdraw(ctx, id, w)
		if err != nil {
			return err
		}
		return printJSON(conf)
	}),
}

var cmdWatch = &cli.Command{
	Name:      "watch",
	Usage:     "Follow a contract until interrupted",
	ArgsUsage: "<contract-id>",
	Action: withEnv(func(cctx *cli.Context, e *env) error {
		id, err := argN(cctx, 0, "contract-id")
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var store services.SnapshotStore
		if e.pool != nil {
			store = repositories.NewEscrowRepo(e.pool)
		}
		observer := services.NewStatusObserver(e.ledger, e.store, store, e.publisher(), e.cfg, e.log)

		sub, err := observer.Watch(ctx, id)
		if err != nil {
			return err
		}
		defer sub.Close()

		for snap := range sub.C {
			fmt.Printf("%s  status=%s funded=%s%% milestones=%s%% txs=%d\n",
				snap.FetchedAt.Format(time.TimeOnly),
				snap.Status,
				snap.FundingProgress.Shift(2).StringFixed(1),
				strconv.FormatFloat(snap.MilestoneProgress*100, 'f', 1, 64),
				len(snap.Transactions),
			)
			if models.IsTerminalEscrowStatus(snap.Status) {
				return nil
			}
		}
		return nil
	}),
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/models"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/repositories"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/services"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

var cmdBid = &cli.Command{
	Name:  "bid",
	Usage: "Sign and submit a bid on a project",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "project"},
		&cli.StringFlag{Name: "amount"},
		&cli.StringFlag{Name: "budget", Usage: "project budget, enables budget warnings"},
		&cli.IntFlag{Name: "days", Usage: "delivery time in days"},
		&cli.StringFlag{Name: "proposal"},
		&cli.StringFlag{Name: "portfolio"},
		&cli.StringFlag{Name: "approach", Usage: "milestones approach"},
		&cli.StringFlag{Name: "resubmit", Usage: "submit a previously signed bid from this JSON file"},
		&cli.StringFlag{Name: "save", Usage: "write the signed bid to this file"},
	},
	Action: withEnv(func(cctx *cli.Context, e *env) error {
		ctx := cctx.Context

		var recorder services.BidRecorder
		if e.pool != nil {
			recorder = repositories.NewBidRepo(e.pool)
		}
		pipeline := services.NewBidPipeline(e.ledger, e.guard(), recorder, e.publisher(), e.cfg, e.log)
		observe := func(ev services.CheckpointEvent) {
			line := fmt.Sprintf("[%d/5] %-22s %s", int(ev.Checkpoint), ev.Name, ev.State)
			if ev.Attempt > 0 {
				line += fmt.Sprintf(" (attempt %d)", ev.Attempt)
			}
			if ev.Message != "" {
				line += ": " + ev.Message
			}
			fmt.Fprintln(os.Stderr, line)
		}

		var (
			result *services.BidResult
			err    error
		)
		if path := cctx.String("resubmit"); path != "" {
			data, rerr := os.ReadFile(path)
			if rerr != nil {
				return rerr
			}
			var bid models.SignedBid
			if rerr := json.Unmarshal(data, &bid); rerr != nil {
				return fmt.Errorf("decode %s: %w", path, rerr)
			}
			result, err = pipeline.Resubmit(ctx, &bid, observe)
		} else {
			in, perr := bidInput(cctx)
			if perr != nil {
				return perr
			}
			w, werr := e.wallet(ctx)
			if werr != nil {
				return werr
			}
			result, err = pipeline.SubmitBidWithCheckpoints(ctx, in, w, observe)
		}
		if err != nil {
			var cpErr *services.CheckpointError
			if errors.As(err, &cpErr) {
				return fmt.Errorf("bid stopped at %s: %w", cpErr.Checkpoint, cpErr.Err)
			}
			return err
		}

		if path := cctx.String("save"); path != "" && result.Bid != nil {
			data, err := json.MarshalIndent(result.Bid, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o600); err != nil {
				return err
			}
		}
		return printJSON(result)
	}),
}

func bidInput(cctx *cli.Context) (services.BidInput, error) {
	in := services.BidInput{
		ProjectID:          cctx.String("project"),
		DeliveryDays:       cctx.Int("days"),
		Proposal:           cctx.String("proposal"),
		PortfolioLink:      cctx.String("portfolio"),
		MilestonesApproach: cctx.String("approach"),
	}
	var err error
	if s := cctx.String("amount"); s != "" {
		if in.BidAmount, err = decimal.NewFromString(s); err != nil {
			return in, fmt.Errorf("invalid --amount: %w", err)
		}
	}
	if s := cctx.String("budget"); s != "" {
		if in.ProjectBudget, err = decimal.NewFromString(s); err != nil {
			return in, fmt.Errorf("invalid --budget: %w", err)
		}
	}
	return in, nil
}

var cmdBids = &cli.Command{
	Name:      "bids",
	Usage:     "List recorded bids of a project",
	ArgsUsage: "<project-id>",
	Action: withEnv(func(cctx *cli.Context, e *env) error {
		project, err := argN(cctx, 0, "project-id")
		if err != nil {
			return err
		}
		if e.pool == nil {
			return errors.New("this command needs --postgres")
		}
		rows, err := repositories.NewBidRepo(e.pool).ListByProject(cctx.Context, project)
		if err != nil {
			return err
		}
		return printJSON(rows)
	}),
}

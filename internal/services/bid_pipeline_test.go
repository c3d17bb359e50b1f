package services

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/events"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/models"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/stellar"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// countingWallet wraps a wallet and counts signing requests.
type countingWallet struct {
	stellar.Wallet
	signs   int
	decline bool
	tamper  bool
}

func (w *countingWallet) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	w.signs++
	if w.decline {
		return nil, stellar.ErrUserDeclined
	}
	sig, err := w.Wallet.SignMessage(ctx, msg)
	if err == nil && w.tamper {
		sig[0] ^= 0xff
	}
	return sig, err
}

// scriptedBoard returns queued errors before delegating to the real board.
type scriptedBoard struct {
	board stellar.BidBoard
	errs  []error
	calls int
}

func (b *scriptedBoard) SubmitBid(ctx context.Context, bid *models.SignedBid) (*models.BidReceipt, error) {
	b.calls++
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = b.errs[1:]
		return nil, err
	}
	return b.board.SubmitBid(ctx, bid)
}

type memoryRecorder struct {
	mu   sync.Mutex
	bids []*models.SignedBid
}

func (r *memoryRecorder) Record(ctx context.Context, bid *models.SignedBid, receipt *models.BidReceipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bids = append(r.bids, bid)
	return nil
}

type bidEnv struct {
	*testEnv
	board    *scriptedBoard
	recorder *memoryRecorder
	pipeline *BidPipeline
	sleeps   []time.Duration
}

func newBidEnv(t *testing.T) *bidEnv {
	t.Helper()
	env := &bidEnv{testEnv: newTestEnv(t), recorder: &memoryRecorder{}}
	env.board = &scriptedBoard{board: env.ledger}
	guard := NewBalanceGuard(env.ledger, env.cfg, zap.NewNop())
	guard.now = env.clock.Now
	env.pipeline = NewBidPipeline(env.board, guard, env.recorder, env.bus, env.cfg, zap.NewNop())
	env.pipeline.now = env.clock.Now
	env.pipeline.sleep = func(ctx context.Context, d time.Duration) error {
		env.sleeps = append(env.sleeps, d)
		return ctx.Err()
	}
	return env
}

func validBid() BidInput {
	return BidInput{
		ProjectID:     "project-42",
		ProjectBudget: dec("800"),
		BidAmount:     dec("750"),
		DeliveryDays:  14,
		Proposal:      strings.Repeat("I will deliver a tested build. ", 3),
		PortfolioLink: "https://example.org/work",
	}
}

type checkpointLog struct {
	events []CheckpointEvent
}

func (l *checkpointLog) observe(ev CheckpointEvent) { l.events = append(l.events, ev) }

func (l *checkpointLog) states() []string {
	out := make([]string, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, fmt.Sprintf("%d:%s", ev.Checkpoint, ev.State))
	}
	return out
}

func TestBidPipeline_Success(t *testing.T) {
	env := newBidEnv(t)
	bidEvents := collect(t, env.bus, events.StreamBid)
	wallet := &countingWallet{Wallet: env.wallet(t, "1000")}
	log := &checkpointLog{}

	res, err := env.pipeline.SubmitBidWithCheckpoints(context.Background(), validBid(), wallet, log.observe)
	require.NoError(t, err)
	require.NotEmpty(t, res.Receipt.BidID)
	require.Equal(t, "project-42", res.Receipt.ProjectID)
	require.Equal(t, wallet.Address(), res.Bid.Proposal.FreelancerAddress)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, 1, wallet.signs)
	require.Empty(t, res.Warnings)

	require.Equal(t, []string{
		"1:running", "1:passed",
		"2:running", "2:passed",
		"3:running", "3:passed",
		"4:running", "4:passed",
		"5:running", "5:passed",
	}, log.states())

	require.Len(t, env.recorder.bids, 1)
	require.Contains(t, bidEvents.Types(), events.EventBidSubmitted)
}

func TestBidPipeline_ShortProposalStopsBeforeSigning(t *testing.T) {
	env := newBidEnv(t)
	wallet := &countingWallet{Wallet: env.wallet(t, "1000")}
	log := &checkpointLog{}

	in := validBid()
	in.Proposal = strings.Repeat("x", 40)

	_, err := env.pipeline.SubmitBidWithCheckpoints(context.Background(), in, wallet, log.observe)
	var cpErr *CheckpointError
	require.True(t, errors.As(err, &cpErr))
	require.Equal(t, CheckpointValidation, cpErr.Checkpoint)
	require.ErrorIs(t, err, ErrValidationFailed)
	require.Contains(t, err.Error(), "checkpoint 2/5 (parameter validation) failed")
	require.Contains(t, err.Error(), "at least 50 characters (currently 40)")

	require.Zero(t, wallet.signs)
	require.Zero(t, env.board.calls)
	require.Equal(t, "2:failed", log.states()[len(log.states())-1])
}

func TestBidPipeline_UnderfundedWalletStopsAtValidation(t *testing.T) {
	env := newBidEnv(t)
	wallet := &countingWallet{Wallet: env.wallet(t, "")}
	log := &checkpointLog{}

	_, err := env.pipeline.SubmitBidWithCheckpoints(context.Background(), validBid(), wallet, log.observe)
	var cpErr *CheckpointError
	require.True(t, errors.As(err, &cpErr))
	require.Equal(t, CheckpointValidation, cpErr.Checkpoint)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Contains(t, err.Error(), "751 USDC short")

	require.Zero(t, wallet.signs)
	require.Zero(t, env.board.calls)
	require.Empty(t, env.recorder.bids)
	require.Equal(t, []string{"1:running", "1:passed", "2:running", "2:failed"}, log.states())
}

func TestBidPipeline_LowBalanceWarns(t *testing.T) {
	env := newBidEnv(t)
	// 756 on the account: 755 available, 5 left after the bid.
	wallet := &countingWallet{Wallet: env.wallet(t, "756")}
	log := &checkpointLog{}

	res, err := env.pipeline.SubmitBidWithCheckpoints(context.Background(), validBid(), wallet, log.observe)
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	require.Contains(t, res.Warnings[0], "will remain to fund an escrow")
	require.Equal(t, "2:warning", log.states()[3])
	require.NotEmpty(t, res.Receipt.BidID)
}

func TestBidPipeline_WalletNotConnected(t *testing.T) {
	env := newBidEnv(t)
	w := env.wallet(t, "1000")
	w.Disconnect()

	_, err := env.pipeline.SubmitBidWithCheckpoints(context.Background(), validBid(), w, nil)
	var cpErr *CheckpointError
	require.True(t, errors.As(err, &cpErr))
	require.Equal(t, CheckpointWallet, cpErr.Checkpoint)
	require.ErrorIs(t, err, ErrWalletNotConnected)
}

func TestBidPipeline_SigningDeclined(t *testing.T) {
	env := newBidEnv(t)
	wallet := &countingWallet{Wallet: env.wallet(t, "1000"), decline: true}

	_, err := env.pipeline.SubmitBidWithCheckpoints(context.Background(), validBid(), wallet, nil)
	var cpErr *CheckpointError
	require.True(t, errors.As(err, &cpErr))
	require.Equal(t, CheckpointSigning, cpErr.Checkpoint)
	require.ErrorIs(t, err, ErrSigningRejected)
	require.Zero(t, env.board.calls)
}

func TestBidPipeline_TamperedSignatureFailsVerification(t *testing.T) {
	env := newBidEnv(t)
	wallet := &countingWallet{Wallet: env.wallet(t, "1000"), tamper: true}

	_, err := env.pipeline.SubmitBidWithCheckpoints(context.Background(), validBid(), wallet, nil)
	var cpErr *CheckpointError
	require.True(t, errors.As(err, &cpErr))
	require.Equal(t, CheckpointVerification, cpErr.Checkpoint)
	require.ErrorIs(t, err, ErrSignatureInvalid)
	require.Zero(t, env.board.calls)
}

func TestBidPipeline_RetriesTransientFailures(t *testing.T) {
	env := newBidEnv(t)
	env.board.errs = []error{
		fmt.Errorf("%w: timeout", stellar.ErrTransient),
		fmt.Errorf("%w: 503", stellar.ErrTransient),
	}
	wallet := &countingWallet{Wallet: env.wallet(t, "1000")}

	res, err := env.pipeline.SubmitBidWithCheckpoints(context.Background(), validBid(), wallet, nil)
	require.NoError(t, err)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, 3, env.board.calls)
	require.Equal(t, []time.Duration{time.Millisecond, time.Millisecond}, env.sleeps)
	require.Equal(t, 1, wallet.signs)
}

func TestBidPipeline_GivesUpAfterMaxAttempts(t *testing.T) {
	env := newBidEnv(t)
	env.ledger.FailNext(10)
	wallet := &countingWallet{Wallet: env.wallet(t, "1000")}

	_, err := env.pipeline.SubmitBidWithCheckpoints(context.Background(), validBid(), wallet, nil)
	var cpErr *CheckpointError
	require.True(t, errors.As(err, &cpErr))
	require.Equal(t, CheckpointSubmission, cpErr.Checkpoint)
	require.ErrorIs(t, err, ErrSubmissionFailed)
	require.ErrorIs(t, err, stellar.ErrTransient)
	require.Contains(t, err.Error(), "after 3 attempts")
	require.Equal(t, 3, env.board.calls)
	require.Empty(t, env.recorder.bids)
}

func TestBidPipeline_RejectionIsNotRetried(t *testing.T) {
	env := newBidEnv(t)
	wallet := &countingWallet{Wallet: env.wallet(t, "1000")}
	ctx := context.Background()

	_, err := env.pipeline.SubmitBidWithCheckpoints(ctx, validBid(), wallet, nil)
	require.NoError(t, err)

	_, err = env.pipeline.SubmitBidWithCheckpoints(ctx, validBid(), wallet, nil)
	require.ErrorIs(t, err, ErrLedgerRejected)
	require.Equal(t, stellar.CodeDuplicateBid, stellar.RejectionCode(err))
	require.Equal(t, 2, env.board.calls)
	require.Empty(t, env.sleeps)
}

func TestBidPipeline_Resubmit(t *testing.T) {
	env := newBidEnv(t)
	wallet := &countingWallet{Wallet: env.wallet(t, "1000")}
	ctx := context.Background()

	sign := func(projectID string) *models.SignedBid {
		proposal := models.BidProposal{
			ProjectID:         projectID,
			FreelancerAddress: wallet.Address(),
			BidAmount:         dec("100"),
			DeliveryDays:      7,
			Proposal:          validBid().Proposal,
			Timestamp:         env.clock.Now(),
		}
		payload, err := proposal.CanonicalBytes()
		require.NoError(t, err)
		sig, err := wallet.Wallet.SignMessage(ctx, payload)
		require.NoError(t, err)
		return &models.SignedBid{Proposal: proposal, Signature: hex.EncodeToString(sig)}
	}

	fresh := sign("project-44")
	env.clock.Advance(time.Minute)
	res, err := env.pipeline.Resubmit(ctx, fresh, nil)
	require.NoError(t, err)
	require.Equal(t, "project-44", res.Receipt.ProjectID)
	require.Zero(t, wallet.signs)

	// Outside the validity window the bid has to be signed again.
	stale := sign("project-45")
	env.clock.Advance(env.cfg.SubmissionTimeout + time.Second)
	_, err = env.pipeline.Resubmit(ctx, stale, nil)
	var cpErr *CheckpointError
	require.True(t, errors.As(err, &cpErr))
	require.Equal(t, CheckpointSigning, cpErr.Checkpoint)
	require.ErrorIs(t, err, ErrTransactionExpired)
	require.Equal(t, 1, env.board.calls)
}

func TestValidateBid(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*BidInput)
		field    string
		warnings int
	}{
		{name: "valid"},
		{name: "missing project", mutate: func(b *BidInput) { b.ProjectID = " " }, field: "project_id"},
		{name: "zero amount", mutate: func(b *BidInput) { b.BidAmount = dec("0") }, field: "bid_amount"},
		{name: "delivery too long", mutate: func(b *BidInput) { b.DeliveryDays = 366 }, field: "delivery_days"},
		{name: "delivery zero", mutate: func(b *BidInput) { b.DeliveryDays = 0 }, field: "delivery_days"},
		{name: "bad portfolio", mutate: func(b *BidInput) { b.PortfolioLink = "ftp://x" }, field: "portfolio_link"},
		{name: "over budget warns", mutate: func(b *BidInput) { b.BidAmount = dec("1601") }, warnings: 1},
		{name: "unknown budget", mutate: func(b *BidInput) { b.ProjectBudget = dec("0"); b.BidAmount = dec("99999") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validBid()
			if tt.mutate != nil {
				tt.mutate(&in)
			}
			warnings, err := ValidateBid(in)
			if tt.field != "" {
				var verr *ValidationError
				require.True(t, errors.As(err, &verr))
				require.True(t, verr.Has(tt.field), verr.Error())
				return
			}
			require.NoError(t, err)
			require.Len(t, warnings, tt.warnings)
		})
	}
}

package stellar

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestSandbox(t *testing.T) (*Sandbox, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	return NewSandbox(testPassphrase, "USDC", WithClock(clock.Now)), clock
}

func newTestWallet(t *testing.T, sb *Sandbox, funds int64) *KeypairWallet {
	t.Helper()
	seed, _, err := GenerateSeed()
	require.NoError(t, err)
	w, err := NewKeypairWallet(seed, sb.Passphrase(), sb)
	require.NoError(t, err)
	addr, err := w.Connect(context.Background())
	require.NoError(t, err)
	if funds > 0 {
		_, err = sb.Fund(addr, decimal.NewFromInt(funds))
		require.NoError(t, err)
	}
	return w
}

func submitOp(t *testing.T, sb *Sandbox, clock *testClock, w *KeypairWallet, op Operation) (*Confirmation, error) {
	t.Helper()
	tx := &Tx{
		Source:     w.Address(),
		Network:    sb.Passphrase(),
		Nonce:      uuid.NewString(),
		Operation:  op,
		ValidUntil: clock.Now().Add(3 * time.Minute),
	}
	signed, err := w.SignTransaction(context.Background(), tx)
	require.NoError(t, err)
	return sb.Submit(context.Background(), signed)
}

func milestoneOp(provider string) Operation {
	return Operation{
		Type:        OpCreateEscrow,
		Provider:    provider,
		TotalAmount: decimal.NewFromInt(1000),
		ReleaseType: models.ReleaseMilestoneBased,
		Milestones: []models.Milestone{
			{ID: 1, Description: "design", Amount: decimal.NewFromInt(500)},
			{ID: 2, Description: "build", Amount: decimal.NewFromInt(500)},
		},
	}
}

func TestSandbox_MilestoneLifecycle(t *testing.T) {
	ctx := context.Background()
	sb, clock := newTestSandbox(t)
	client := newTestWallet(t, sb, 1500)
	provider := newTestWallet(t, sb, 0)

	conf, err := submitOp(t, sb, clock, client, milestoneOp(provider.Address()))
	require.NoError(t, err)
	require.NotEmpty(t, conf.ContractID)
	require.NotEmpty(t, conf.Hash)

	c, err := sb.QueryStatus(ctx, conf.ContractID)
	require.NoError(t, err)
	require.Equal(t, models.EscrowStatusActive, c.Status)
	require.True(t, c.ReleasedAmount.IsZero())
	require.NoError(t, ValidateAddress(c.HoldingAccount))

	bal, err := sb.Balance(ctx, client.Address(), "USDC")
	require.NoError(t, err)
	require.True(t, bal.Equal(decimal.NewFromInt(500)), "client balance %s", bal)

	// Only the client releases.
	_, err = submitOp(t, sb, clock, provider, Operation{Type: OpReleaseMilestone, ContractID: c.ID, MilestoneID: 1})
	require.Equal(t, CodeUnauthorized, RejectionCode(err))

	_, err = submitOp(t, sb, clock, client, Operation{Type: OpReleaseMilestone, ContractID: c.ID, MilestoneID: 1})
	require.NoError(t, err)

	_, err = submitOp(t, sb, clock, client, Operation{Type: OpReleaseMilestone, ContractID: c.ID, MilestoneID: 1})
	require.Equal(t, CodeAlreadyReleased, RejectionCode(err))

	_, err = submitOp(t, sb, clock, client, Operation{Type: OpReleaseMilestone, ContractID: c.ID, MilestoneID: 9})
	require.Equal(t, CodeMilestoneNotFound, RejectionCode(err))

	c, _ = sb.QueryStatus(ctx, c.ID)
	require.True(t, c.ReleasedAmount.Equal(decimal.NewFromInt(500)))
	require.Equal(t, models.EscrowStatusActive, c.Status)
	require.NotNil(t, c.FindMilestone(1).CompletedAt)

	_, err = submitOp(t, sb, clock, client, Operation{Type: OpReleaseMilestone, ContractID: c.ID, MilestoneID: 2})
	require.NoError(t, err)
	c, _ = sb.QueryStatus(ctx, c.ID)
	require.Equal(t, models.EscrowStatusCompleted, c.Status)

	_, err = submitOp(t, sb, clock, client, Operation{Type: OpReleaseMilestone, ContractID: c.ID, MilestoneID: 2})
	require.Equal(t, CodeContractCompleted, RejectionCode(err))

	// Withdrawal is provider-only and drains the released amount once.
	_, err = submitOp(t, sb, clock, client, Operation{Type: OpWithdraw, ContractID: c.ID})
	require.Equal(t, CodeUnauthorized, RejectionCode(err))

	conf, err = submitOp(t, sb, clock, provider, Operation{Type: OpWithdraw, ContractID: c.ID})
	require.NoError(t, err)
	require.True(t, conf.Amount.Equal(decimal.NewFromInt(1000)))

	_, err = submitOp(t, sb, clock, provider, Operation{Type: OpWithdraw, ContractID: c.ID})
	require.Equal(t, CodeInsufficientFunds, RejectionCode(err))

	bal, _ = sb.Balance(ctx, provider.Address(), "USDC")
	require.True(t, bal.Equal(decimal.NewFromInt(1000)))
}

func TestSandbox_CreateRejections(t *testing.T) {
	sb, clock := newTestSandbox(t)
	client := newTestWallet(t, sb, 100)
	provider := newTestWallet(t, sb, 0)

	t.Run("insufficient funds", func(t *testing.T) {
		_, err := submitOp(t, sb, clock, client, milestoneOp(provider.Address()))
		require.Equal(t, CodeInsufficientFunds, RejectionCode(err))
	})

	t.Run("sum mismatch", func(t *testing.T) {
		op := milestoneOp(provider.Address())
		op.TotalAmount = decimal.NewFromInt(50)
		_, err := submitOp(t, sb, clock, client, op)
		require.Equal(t, CodeInvalidArgument, RejectionCode(err))
	})

	t.Run("self escrow", func(t *testing.T) {
		_, err := submitOp(t, sb, clock, client, milestoneOp(client.Address()))
		require.Equal(t, CodeInvalidArgument, RejectionCode(err))
	})

	t.Run("past release date", func(t *testing.T) {
		_, err := submitOp(t, sb, clock, client, Operation{
			Type:         OpCreateEscrow,
			Provider:     provider.Address(),
			TotalAmount:  decimal.NewFromInt(10),
			ReleaseType:  models.ReleaseTimeBased,
			TimeSchedule: []models.TimeRelease{{ReleaseDate: clock.Now().Add(-time.Hour), Amount: decimal.NewFromInt(10)}},
		})
		require.Equal(t, CodeInvalidArgument, RejectionCode(err))
	})
}

func TestSandbox_TimeBasedRelease(t *testing.T) {
	ctx := context.Background()
	sb, clock := newTestSandbox(t)
	client := newTestWallet(t, sb, 300)
	provider := newTestWallet(t, sb, 0)

	conf, err := submitOp(t, sb, clock, client, Operation{
		Type:        OpCreateEscrow,
		Provider:    provider.Address(),
		TotalAmount: decimal.NewFromInt(200),
		ReleaseType: models.ReleaseTimeBased,
		TimeSchedule: []models.TimeRelease{
			{ReleaseDate: clock.Now().Add(24 * time.Hour), Amount: decimal.NewFromInt(100)},
			{ReleaseDate: clock.Now().Add(48 * time.Hour), Amount: decimal.NewFromInt(100)},
		},
	})
	require.NoError(t, err)

	_, err = submitOp(t, sb, clock, provider, Operation{Type: OpReleaseScheduled, ContractID: conf.ContractID, ReleaseIndex: 0})
	require.Equal(t, CodeTimeNotReached, RejectionCode(err))

	clock.Advance(25 * time.Hour)
	_, err = submitOp(t, sb, clock, provider, Operation{Type: OpReleaseScheduled, ContractID: conf.ContractID, ReleaseIndex: 0})
	require.NoError(t, err)

	_, err = submitOp(t, sb, clock, provider, Operation{Type: OpReleaseScheduled, ContractID: conf.ContractID, ReleaseIndex: 5})
	require.Equal(t, CodeMilestoneNotFound, RejectionCode(err))

	c, err := sb.QueryStatus(ctx, conf.ContractID)
	require.NoError(t, err)
	require.True(t, c.TimeSchedule[0].Released)
	require.False(t, c.TimeSchedule[1].Released)
	require.True(t, c.ReleasedAmount.Equal(decimal.NewFromInt(100)))
}

func TestSandbox_DisputeBlocksReleaseUntilResolved(t *testing.T) {
	ctx := context.Background()
	sb, clock := newTestSandbox(t)
	client := newTestWallet(t, sb, 1000)
	provider := newTestWallet(t, sb, 0)
	outsider := newTestWallet(t, sb, 0)

	conf, err := submitOp(t, sb, clock, client, milestoneOp(provider.Address()))
	require.NoError(t, err)
	id := conf.ContractID

	_, err = submitOp(t, sb, clock, outsider, Operation{Type: OpOpenDispute, ContractID: id, Reason: "spam"})
	require.Equal(t, CodeUnauthorized, RejectionCode(err))

	conf, err = submitOp(t, sb, clock, provider, Operation{Type: OpOpenDispute, ContractID: id, Reason: "client unresponsive"})
	require.NoError(t, err)
	require.NotEmpty(t, conf.DisputeID)

	c, _ := sb.QueryStatus(ctx, id)
	require.Equal(t, models.EscrowStatusDisputed, c.EffectiveStatus())
	require.Equal(t, models.PartyProvider, c.Disputes[0].InitiatedBy)

	_, err = submitOp(t, sb, clock, client, Operation{Type: OpReleaseMilestone, ContractID: id, MilestoneID: 1})
	require.Equal(t, CodeDisputeActive, RejectionCode(err))

	_, err = sb.ResolveDispute(ctx, id, conf.DisputeID, models.OutcomeRejected, "")
	require.NoError(t, err)
	c, _ = sb.QueryStatus(ctx, id)
	require.Equal(t, models.EscrowStatusActive, c.EffectiveStatus())
	require.Nil(t, c.Disputes[0].Resolution)

	_, err = sb.ResolveDispute(ctx, id, conf.DisputeID, models.OutcomeRejected, "")
	require.Equal(t, CodeNoDisputeActive, RejectionCode(err))

	_, err = submitOp(t, sb, clock, client, Operation{Type: OpReleaseMilestone, ContractID: id, MilestoneID: 1})
	require.NoError(t, err)
}

func TestSandbox_ResolveRefundAndRelease(t *testing.T) {
	ctx := context.Background()

	t.Run("refund client", func(t *testing.T) {
		sb, clock := newTestSandbox(t)
		client := newTestWallet(t, sb, 1000)
		provider := newTestWallet(t, sb, 0)
		conf, err := submitOp(t, sb, clock, client, milestoneOp(provider.Address()))
		require.NoError(t, err)
		id := conf.ContractID
		_, err = submitOp(t, sb, clock, client, Operation{Type: OpReleaseMilestone, ContractID: id, MilestoneID: 1})
		require.NoError(t, err)
		_, err = submitOp(t, sb, clock, client, Operation{Type: OpOpenDispute, ContractID: id, Reason: "work abandoned"})
		require.NoError(t, err)

		c, err := sb.ResolveDispute(ctx, id, "", models.OutcomeRefundClient, "provider stopped responding")
		require.NoError(t, err)
		require.Equal(t, models.EscrowStatusCancelled, c.Status)
		require.Equal(t, "provider stopped responding", *c.Disputes[0].Resolution)

		bal, _ := sb.Balance(ctx, client.Address(), "USDC")
		require.True(t, bal.Equal(decimal.NewFromInt(500)), "refunded balance %s", bal)
	})

	t.Run("release provider", func(t *testing.T) {
		sb, clock := newTestSandbox(t)
		client := newTestWallet(t, sb, 1000)
		provider := newTestWallet(t, sb, 0)
		conf, err := submitOp(t, sb, clock, client, milestoneOp(provider.Address()))
		require.NoError(t, err)
		_, err = submitOp(t, sb, clock, provider, Operation{Type: OpOpenDispute, ContractID: conf.ContractID, Reason: "unpaid"})
		require.NoError(t, err)

		c, err := sb.ResolveDispute(ctx, conf.ContractID, "", models.OutcomeReleaseProvider, "")
		require.NoError(t, err)
		require.Equal(t, models.EscrowStatusCompleted, c.Status)
		require.True(t, c.ReleasedAmount.Equal(c.TotalAmount))
		require.True(t, c.FullyReleased())
	})
}

func TestSandbox_SubmitGuards(t *testing.T) {
	sb, clock := newTestSandbox(t)
	client := newTestWallet(t, sb, 1000)
	provider := newTestWallet(t, sb, 0)
	ctx := context.Background()

	tx := &Tx{
		Source:     client.Address(),
		Network:    sb.Passphrase(),
		Nonce:      "n1",
		Operation:  milestoneOp(provider.Address()),
		ValidUntil: clock.Now().Add(3 * time.Minute),
	}
	signed, err := client.SignTransaction(ctx, tx)
	require.NoError(t, err)

	t.Run("tampered", func(t *testing.T) {
		bad := *signed
		bad.Tx.Operation.TotalAmount = decimal.NewFromInt(1)
		_, err := sb.Submit(ctx, &bad)
		require.Equal(t, CodeBadSignature, RejectionCode(err))
	})

	t.Run("transient", func(t *testing.T) {
		sb.FailNext(1)
		_, err := sb.Submit(ctx, signed)
		require.True(t, IsTransient(err))
	})

	_, err = sb.Submit(ctx, signed)
	require.NoError(t, err)

	t.Run("replay", func(t *testing.T) {
		_, err := sb.Submit(ctx, signed)
		require.Equal(t, CodeDuplicateTx, RejectionCode(err))
	})

	t.Run("expired", func(t *testing.T) {
		late := *tx
		late.Nonce = "n2"
		s, err := client.SignTransaction(ctx, &late)
		require.NoError(t, err)
		clock.Advance(4 * time.Minute)
		_, err = sb.Submit(ctx, s)
		require.ErrorIs(t, err, ErrTxExpired)
	})
}

func TestSandbox_ActivityStream(t *testing.T) {
	sb, clock := newTestSandbox(t)
	client := newTestWallet(t, sb, 1000)
	provider := newTestWallet(t, sb, 0)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := sb.StreamAccountActivity(ctx, provider.Address())
	require.NoError(t, err)
	require.Equal(t, 1, sb.Subscribers())

	conf, err := submitOp(t, sb, clock, client, milestoneOp(provider.Address()))
	require.NoError(t, err)

	select {
	case tx := <-stream:
		require.Equal(t, models.TxTypeEscrowCreated, tx.Type)
		require.Equal(t, conf.ContractID, tx.ContractID)
		require.Equal(t, conf.Hash, tx.Hash)
	case <-time.After(time.Second):
		t.Fatal("no activity received")
	}

	cancel()
	select {
	case _, open := <-stream:
		require.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("stream not closed after cancel")
	}
	require.Equal(t, 0, sb.Subscribers())
}

func TestSandbox_DropStreams(t *testing.T) {
	sb, _ := newTestSandbox(t)
	w := newTestWallet(t, sb, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := sb.StreamAccountActivity(ctx, w.Address())
	require.NoError(t, err)

	sb.DropStreams()
	_, open := <-stream
	require.False(t, open)
	require.Equal(t, 0, sb.Subscribers())
}

func TestSandbox_SubmitBid(t *testing.T) {
	ctx := context.Background()
	sb, clock := newTestSandbox(t)
	w := newTestWallet(t, sb, 0)

	p := models.BidProposal{
		ProjectID:         "project-42",
		FreelancerAddress: w.Address(),
		BidAmount:         decimal.NewFromInt(750),
		DeliveryDays:      21,
		Proposal:          "Experienced Soroban developer, will deliver audited escrow contracts.",
		Timestamp:         clock.Now(),
	}
	payload, err := p.CanonicalBytes()
	require.NoError(t, err)
	sig, err := w.SignMessage(ctx, payload)
	require.NoError(t, err)
	bid := &models.SignedBid{Proposal: p, Signature: hex.EncodeToString(sig)}

	receipt, err := sb.SubmitBid(ctx, bid)
	require.NoError(t, err)
	require.Equal(t, "project-42", receipt.ProjectID)
	require.NotEmpty(t, receipt.BidID)

	_, err = sb.SubmitBid(ctx, bid)
	require.Equal(t, CodeDuplicateBid, RejectionCode(err))

	forged := *bid
	forged.Proposal.BidAmount = decimal.NewFromInt(1)
	forged.Proposal.ProjectID = "project-43"
	_, err = sb.SubmitBid(ctx, &forged)
	require.Equal(t, CodeBadSignature, RejectionCode(err))
}

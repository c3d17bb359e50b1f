package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/config"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/events"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/kvstore"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/models"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/rbac"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/stellar"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// amountEpsilon is the rounding tolerance between a schedule and its total.
var amountEpsilon = decimal.RequireFromString("0.01")

type AuditLogger interface {
	Log(ctx context.Context, entry models.AuditLog) error
}

type MilestoneInput struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

type TimeReleaseInput struct {
	ReleaseDate time.Time       `json:"release_date"`
	Amount      decimal.Decimal `json:"amount"`
}

type CreateEscrowInput struct {
	Provider     string             `json:"provider"`
	TotalAmount  decimal.Decimal    `json:"total_amount"`
	ReleaseType  models.ReleaseType `json:"release_type"`
	Milestones   []MilestoneInput   `json:"milestones,omitempty"`
	TimeSchedule []TimeReleaseInput `json:"time_schedule,omitempty"`
}

// EscrowService drives escrow contracts on the ledger. It checks every rule
// it can before submitting, but the ledger stays the final authority and the
// only mutator: local state is always a re-fetched copy.
type EscrowService struct {
	ledger    stellar.Ledger
	guard     *BalanceGuard
	cache     kvstore.Store
	audit     AuditLogger
	publisher events.Publisher
	cfg       *config.Config
	log       *zap.Logger
	now       func() time.Time
}

func NewEscrowService(
	ledger stellar.Ledger,
	guard *BalanceGuard,
	cache kvstore.Store,
	audit AuditLogger,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *EscrowService {
	return &EscrowService{
		ledger:    ledger,
		guard:     guard,
		cache:     cache,
		audit:     audit,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

func (s *EscrowService) CreateEscrow(ctx context.Context, in CreateEscrowInput, signer stellar.Wallet) (string, error) {
	client, err := connectedAddress(signer)
	if err != nil {
		return "", err
	}

	op, err := s.buildCreateOp(in, client)
	if err != nil {
		return "", err
	}

	check, err := s.guard.Validate(ctx, client, op.TotalAmount, KindEscrow)
	if err != nil {
		return "", err
	}
	if !check.CanProceed {
		return "", shortfallError(check)
	}
	for _, w := range check.Warnings {
		s.log.Info("balance warning", zap.String("client", client), zap.String("warning", w))
	}

	conf, err := s.submit(ctx, signer, op)
	if err != nil {
		return "", err
	}

	c := s.refresh(ctx, conf.ContractID)
	s.record(ctx, client, models.PartyClient, "escrow_created", conf.ContractID, map[string]any{
		"provider":     op.Provider,
		"total_amount": op.TotalAmount.String(),
		"release_type": string(op.ReleaseType),
		"tx_hash":      conf.Hash,
	})
	payload := map[string]any{
		"contract_id":  conf.ContractID,
		"client":       client,
		"provider":     op.Provider,
		"total_amount": op.TotalAmount.String(),
		"tx_hash":      conf.Hash,
	}
	if c != nil {
		payload["holding_account"] = c.HoldingAccount
	}
	s.publish(ctx, events.EventEscrowCreated, payload)

	s.log.Info("escrow created",
		zap.String("contract_id", conf.ContractID),
		zap.String("client", client),
		zap.String("total_amount", op.TotalAmount.String()),
	)
	return conf.ContractID, nil
}

// buildCreateOp validates the input and returns the ledger operation. When
// the schedule only differs from the total by rounding, the schedule sum is
// used as the contract total so the ledger sees an exact match.
func (s *EscrowService) buildCreateOp(in CreateEscrowInput, client string) (stellar.Operation, error) {
	verr := &ValidationError{}
	now := s.now()

	if err := stellar.ValidateAddress(in.Provider); err != nil {
		verr.Add("provider", "must be a valid address: %v", err)
	} else if in.Provider == client {
		verr.Add("provider", "must differ from the client")
	}
	if !in.TotalAmount.IsPositive() {
		verr.Add("total_amount", "must be greater than 0")
	}

	op := stellar.Operation{
		Type:        stellar.OpCreateEscrow,
		Provider:    in.Provider,
		Asset:       s.cfg.Asset,
		TotalAmount: in.TotalAmount,
		ReleaseType: in.ReleaseType,
	}

	sum := decimal.Zero
	switch in.ReleaseType {
	case models.ReleaseMilestoneBased:
		if len(in.Milestones) == 0 {
			verr.Add("milestones", "at least one milestone is required")
		}
		if len(in.TimeSchedule) > 0 {
			verr.Add("time_schedule", "not allowed for milestone-based contracts")
		}
		for i, m := range in.Milestones {
			field := fmt.Sprintf("milestones[%d]", i)
			if strings.TrimSpace(m.Description) == "" {
				verr.Add(field+".description", "is required")
			}
			if !m.Amount.IsPositive() {
				verr.Add(field+".amount", "must be greater than 0")
			}
			op.Milestones = append(op.Milestones, models.Milestone{
				ID:          i + 1,
				Description: strings.TrimSpace(m.Description),
				Amount:      m.Amount,
				Status:      models.MilestoneStatusPending,
			})
			sum = sum.Add(m.Amount)
		}
		if len(in.Milestones) > 0 && sum.Sub(in.TotalAmount).Abs().GreaterThan(amountEpsilon) {
			verr.Add("milestones", "milestones must total %s, currently %s", in.TotalAmount, sum)
		}
	case models.ReleaseTimeBased:
		if len(in.TimeSchedule) == 0 {
			verr.Add("time_schedule", "at least one release is required")
		}
		if len(in.Milestones) > 0 {
			verr.Add("milestones", "not allowed for time-based contracts")
		}
		for i, r := range in.TimeSchedule {
			field := fmt.Sprintf("time_schedule[%d]", i)
			if !r.ReleaseDate.After(now) {
				verr.Add(field+".release_date", "must be in the future")
			}
			if !r.Amount.IsPositive() {
				verr.Add(field+".amount", "must be greater than 0")
			}
			op.TimeSchedule = append(op.TimeSchedule, models.TimeRelease{ReleaseDate: r.ReleaseDate.UTC(), Amount: r.Amount})
			sum = sum.Add(r.Amount)
		}
		if len(in.TimeSchedule) > 0 && sum.Sub(in.TotalAmount).Abs().GreaterThan(amountEpsilon) {
			verr.Add("time_schedule", "time schedule must total %s, currently %s", in.TotalAmount, sum)
		}
	default:
		verr.Add("release_type", "must be %q or %q", models.ReleaseMilestoneBased, models.ReleaseTimeBased)
	}

	if err := verr.OrNil(); err != nil {
		return op, err
	}
	if !sum.Equal(in.TotalAmount) {
		s.log.Info("schedule differs from total by rounding, using schedule sum",
			zap.String("total_amount", in.TotalAmount.String()),
			zap.String("schedule_sum", sum.String()),
		)
		op.TotalAmount = sum
	}
	return op, nil
}

func (s *EscrowService) ReleaseMilestone(ctx context.Context, contractID string, milestoneID int, actingAddress string, signer stellar.Wallet) (string, error) {
	signerAddr, err := connectedAddress(signer)
	if err != nil {
		return "", err
	}
	if signerAddr != actingAddress {
		return "", fmt.Errorf("%w: signer %s is not the acting address", ErrUnauthorized, signerAddr)
	}

	c, err := s.fetch(ctx, contractID)
	if err != nil {
		return "", err
	}
	if err := releaseGate(c); err != nil {
		return "", err
	}
	if !rbac.HasPermission(c.PartyRole(actingAddress), rbac.PermReleaseMilestone) {
		return "", fmt.Errorf("%w: only the client may release milestones", ErrUnauthorized)
	}
	if c.ReleaseType != models.ReleaseMilestoneBased {
		return "", fmt.Errorf("%w: contract %s is not milestone-based", ErrMilestoneNotFound, contractID)
	}
	m := c.FindMilestone(milestoneID)
	if m == nil {
		return "", fmt.Errorf("%w: milestone %d", ErrMilestoneNotFound, milestoneID)
	}
	if m.Status == models.MilestoneStatusCompleted {
		return "", fmt.Errorf("%w: milestone %d", ErrAlreadyReleased, milestoneID)
	}

	conf, err := s.submit(ctx, signer, stellar.Operation{
		Type:        stellar.OpReleaseMilestone,
		ContractID:  contractID,
		MilestoneID: milestoneID,
	})
	if err != nil {
		return "", err
	}

	s.afterRelease(ctx, c, conf, actingAddress, events.EventMilestoneReleased, map[string]any{
		"milestone_id": milestoneID,
	})
	return conf.Hash, nil
}

// ReleaseScheduled pays out a time-based release once its date has passed.
// Eligibility never fires a release by itself; someone has to call this.
func (s *EscrowService) ReleaseScheduled(ctx context.Context, contractID string, releaseIndex int, signer stellar.Wallet) (string, error) {
	signerAddr, err := connectedAddress(signer)
	if err != nil {
		return "", err
	}

	c, err := s.fetch(ctx, contractID)
	if err != nil {
		return "", err
	}
	if err := releaseGate(c); err != nil {
		return "", err
	}
	if c.ReleaseType != models.ReleaseTimeBased || releaseIndex < 0 || releaseIndex >= len(c.TimeSchedule) {
		return "", fmt.Errorf("%w: scheduled release %d", ErrMilestoneNotFound, releaseIndex)
	}
	r := c.TimeSchedule[releaseIndex]
	if r.Released {
		return "", fmt.Errorf("%w: scheduled release %d", ErrAlreadyReleased, releaseIndex)
	}
	if !r.Eligible(s.now()) {
		return "", fmt.Errorf("%w: release %d is due at %s", ErrReleaseNotDue, releaseIndex, r.ReleaseDate.Format(time.RFC3339))
	}

	conf, err := s.submit(ctx, signer, stellar.Operation{
		Type:         stellar.OpReleaseScheduled,
		ContractID:   contractID,
		ReleaseIndex: releaseIndex,
	})
	if err != nil {
		return "", err
	}

	s.afterRelease(ctx, c, conf, signerAddr, events.EventScheduledReleased, map[string]any{
		"release_index": releaseIndex,
	})
	return conf.Hash, nil
}

func (s *EscrowService) InitiateDispute(ctx context.Context, contractID, initiator, reason string, signer stellar.Wallet) (string, error) {
	signerAddr, err := connectedAddress(signer)
	if err != nil {
		return "", err
	}
	if signerAddr != initiator {
		return "", fmt.Errorf("%w: signer %s is not the initiator", ErrUnauthorized, signerAddr)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		verr := &ValidationError{}
		verr.Add("reason", "is required")
		return "", verr
	}

	c, err := s.fetch(ctx, contractID)
	if err != nil {
		return "", err
	}
	if err := releaseGate(c); err != nil {
		return "", err
	}
	role := c.PartyRole(initiator)
	if !rbac.HasPermission(role, rbac.PermOpenDispute) {
		return "", fmt.Errorf("%w: only the client or provider may open a dispute", ErrUnauthorized)
	}

	conf, err := s.submit(ctx, signer, stellar.Operation{
		Type:       stellar.OpOpenDispute,
		ContractID: contractID,
		Reason:     reason,
	})
	if err != nil {
		return "", err
	}

	s.refresh(ctx, contractID)
	s.record(ctx, initiator, role, "dispute_opened", contractID, map[string]any{
		"dispute_id": conf.DisputeID,
		"reason":     reason,
		"tx_hash":    conf.Hash,
	})
	s.publish(ctx, events.EventDisputeOpened, map[string]any{
		"contract_id":  contractID,
		"dispute_id":   conf.DisputeID,
		"initiated_by": role,
		"tx_hash":      conf.Hash,
	})

	s.log.Info("dispute opened",
		zap.String("contract_id", contractID),
		zap.String("dispute_id", conf.DisputeID),
		zap.String("initiated_by", role),
	)
	return conf.DisputeID, nil
}

// Withdraw moves everything released so far to the provider account.
func (s *EscrowService) Withdraw(ctx context.Context, contractID string, signer stellar.Wallet) (*stellar.Confirmation, error) {
	provider, err := connectedAddress(signer)
	if err != nil {
		return nil, err
	}

	c, err := s.fetch(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !rbac.HasPermission(c.PartyRole(provider), rbac.PermWithdraw) {
		return nil, fmt.Errorf("%w: only the provider may withdraw", ErrUnauthorized)
	}
	if !c.Withdrawable().IsPositive() {
		return nil, fmt.Errorf("%w: released %s, withdrawn %s", ErrNothingToWithdraw, c.ReleasedAmount, c.WithdrawnAmount)
	}

	conf, err := s.submit(ctx, signer, stellar.Operation{Type: stellar.OpWithdraw, ContractID: contractID})
	if err != nil {
		return nil, err
	}

	s.refresh(ctx, contractID)
	s.record(ctx, provider, models.PartyProvider, "withdrawal", contractID, map[string]any{
		"amount":  conf.Amount.String(),
		"tx_hash": conf.Hash,
	})
	s.publish(ctx, events.EventWithdrawal, map[string]any{
		"contract_id": contractID,
		"provider":    provider,
		"amount":      conf.Amount.String(),
		"tx_hash":     conf.Hash,
	})
	return conf, nil
}

// EligibleReleases lists scheduled releases that can be triggered now.
func (s *EscrowService) EligibleReleases(ctx context.Context, contractID string) ([]int, error) {
	c, err := s.fetch(ctx, contractID)
	if err != nil {
		return nil, err
	}
	return EligibleReleasesAt(c, s.now()), nil
}

// EligibleReleasesAt lists schedule entries of c that can be released at now.
func EligibleReleasesAt(c *models.EscrowContract, now time.Time) []int {
	if c.ReleaseType != models.ReleaseTimeBased || releaseGate(c) != nil {
		return nil
	}
	var out []int
	for i, r := range c.TimeSchedule {
		if r.Eligible(now) {
			out = append(out, i)
		}
	}
	return out
}

// GetContract returns the ledger view of a contract, falling back to the
// cached snapshot when the ledger is unreachable.
func (s *EscrowService) GetContract(ctx context.Context, contractID string) (*models.EscrowContract, error) {
	c, err := s.fetch(ctx, contractID)
	if err == nil {
		return c, nil
	}
	if !stellar.IsTransient(err) {
		return nil, err
	}
	cached, cacheErr := loadSnapshot(ctx, s.cache, contractID)
	if cacheErr != nil || cached == nil {
		return nil, err
	}
	s.log.Warn("ledger unavailable, serving cached snapshot", zap.String("contract_id", contractID), zap.Error(err))
	return cached, nil
}

func (s *EscrowService) afterRelease(ctx context.Context, before *models.EscrowContract, conf *stellar.Confirmation, actor, eventType string, extra map[string]any) {
	after := s.refresh(ctx, before.ID)

	meta := map[string]any{"amount": conf.Amount.String(), "tx_hash": conf.Hash}
	payload := map[string]any{
		"contract_id": before.ID,
		"amount":      conf.Amount.String(),
		"tx_hash":     conf.Hash,
	}
	for k, v := range extra {
		meta[k] = v
		payload[k] = v
	}
	if after != nil {
		payload["released_amount"] = after.ReleasedAmount.String()
		payload["status"] = after.EffectiveStatus()
	}

	s.record(ctx, actor, before.PartyRole(actor), eventType, before.ID, meta)
	s.publish(ctx, eventType, payload)

	s.log.Info("escrow funds released",
		zap.String("contract_id", before.ID),
		zap.String("amount", conf.Amount.String()),
		zap.String("tx_hash", conf.Hash),
	)
}

// submit signs op with the caller's wallet and submits it within the
// validity window. An expired window is never retried with the same payload.
func (s *EscrowService) submit(ctx context.Context, signer stellar.Wallet, op stellar.Operation) (*stellar.Confirmation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SubmissionTimeout)
	defer cancel()

	tx := &stellar.Tx{
		Source:     signer.Address(),
		Network:    s.cfg.NetworkPassphrase,
		Nonce:      uuid.NewString(),
		Operation:  op,
		ValidUntil: s.now().Add(s.cfg.SubmissionTimeout),
	}
	signed, err := signer.SignTransaction(ctx, tx)
	if err != nil {
		return nil, signerError(err)
	}

	conf, err := s.ledger.Submit(ctx, signed)
	if err != nil {
		s.log.Warn("ledger submission failed",
			zap.String("op", op.Type),
			zap.String("contract_id", op.ContractID),
			zap.String("tx_hash", signed.Hash()),
			zap.Error(err),
		)
		return nil, ledgerError(err)
	}
	return conf, nil
}

func (s *EscrowService) fetch(ctx context.Context, contractID string) (*models.EscrowContract, error) {
	c, err := s.ledger.QueryStatus(ctx, contractID)
	if err != nil {
		return nil, ledgerError(err)
	}
	return c, nil
}

// refresh re-reads a contract after a confirmed operation and caches it.
func (s *EscrowService) refresh(ctx context.Context, contractID string) *models.EscrowContract {
	c, err := s.ledger.QueryStatus(ctx, contractID)
	if err != nil {
		s.log.Warn("refresh after confirmation failed", zap.String("contract_id", contractID), zap.Error(err))
		return nil
	}
	if err := saveJSON(ctx, s.cache, snapshotKey(contractID), c); err != nil {
		s.log.Warn("cache snapshot failed", zap.String("contract_id", contractID), zap.Error(err))
	}
	return c
}

func (s *EscrowService) record(ctx context.Context, actor, actorType, action, contractID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Log(ctx, models.AuditLog{
		ID:         uuid.New(),
		Actor:      actor,
		ActorType:  actorType,
		Action:     action,
		EntityType: "escrow",
		EntityID:   contractID,
		Meta:       meta,
		CreatedAt:  s.now(),
	})
}

func (s *EscrowService) publish(ctx context.Context, eventType string, payload map[string]any) {
	if s.publisher == nil {
		return
	}
	_ = s.publisher.Publish(ctx, events.StreamEscrow, events.Event{Type: eventType, Payload: payload})
}

// releaseGate rejects operations on disputed or terminal contracts.
func releaseGate(c *models.EscrowContract) error {
	switch c.EffectiveStatus() {
	case models.EscrowStatusDisputed:
		return fmt.Errorf("%w: contract %s has an open dispute", ErrContractDisputed, c.ID)
	case models.EscrowStatusCompleted:
		return fmt.Errorf("%w: contract %s", ErrContractCompleted, c.ID)
	case models.EscrowStatusCancelled:
		return fmt.Errorf("%w: contract %s", ErrContractCancelled, c.ID)
	}
	return nil
}

func connectedAddress(w stellar.Wallet) (string, error) {
	if w == nil {
		return "", ErrWalletNotConnected
	}
	addr := w.Address()
	if addr == "" {
		return "", ErrWalletNotConnected
	}
	return addr, nil
}

package services

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/config"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/events"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/models"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/stellar"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	MinProposalLength = 50
	MaxDeliveryDays   = 365
)

type Checkpoint int

const (
	CheckpointWallet Checkpoint = iota + 1
	CheckpointValidation
	CheckpointSigning
	CheckpointVerification
	CheckpointSubmission
)

const TotalCheckpoints = 5

func (c Checkpoint) String() string {
	switch c {
	case CheckpointWallet:
		return "wallet connection"
	case CheckpointValidation:
		return "parameter validation"
	case CheckpointSigning:
		return "signing"
	case CheckpointVerification:
		return "signature verification"
	case CheckpointSubmission:
		return "submission"
	}
	return fmt.Sprintf("checkpoint %d", int(c))
}

type CheckpointState string

const (
	CheckpointRunning CheckpointState = "running"
	CheckpointPassed  CheckpointState = "passed"
	CheckpointWarning CheckpointState = "warning"
	CheckpointFailed  CheckpointState = "failed"
)

type CheckpointEvent struct {
	Checkpoint Checkpoint      `json:"checkpoint"`
	Name       string          `json:"name"`
	State      CheckpointState `json:"state"`
	Message    string          `json:"message,omitempty"`
	Attempt    int             `json:"attempt,omitempty"`
	At         time.Time       `json:"at"`
}

// CheckpointObserver receives every checkpoint transition. May be nil.
type CheckpointObserver func(CheckpointEvent)

// CheckpointError reports the checkpoint a bid failed at.
type CheckpointError struct {
	Checkpoint Checkpoint
	Err        error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %d/%d (%s) failed: %v", int(e.Checkpoint), TotalCheckpoints, e.Checkpoint, e.Err)
}

func (e *CheckpointError) Unwrap() error { return e.Err }

type BidInput struct {
	ProjectID          string          `json:"project_id"`
	ProjectBudget      decimal.Decimal `json:"project_budget"` // zero when unknown
	BidAmount          decimal.Decimal `json:"bid_amount"`
	DeliveryDays       int             `json:"delivery_days"`
	Proposal           string          `json:"proposal"`
	PortfolioLink      string          `json:"portfolio_link,omitempty"`
	MilestonesApproach string          `json:"milestones_approach,omitempty"`
}

type BidResult struct {
	Bid      *models.SignedBid  `json:"bid"`
	Receipt  *models.BidReceipt `json:"receipt"`
	Warnings []string           `json:"warnings,omitempty"`
	Attempts int                `json:"attempts"`
}

// BidRecorder persists accepted bids. May be nil.
type BidRecorder interface {
	Record(ctx context.Context, bid *models.SignedBid, receipt *models.BidReceipt) error
}

// BidPipeline takes a bid through five ordered checkpoints. Nothing leaves
// the process before checkpoint 5, so a failure up to checkpoint 4 can be
// retried from where it stopped.
type BidPipeline struct {
	board       stellar.BidBoard
	guard       *BalanceGuard
	recorder    BidRecorder
	publisher   events.Publisher
	passphrase  string
	maxAttempts int
	retryDelay  time.Duration
	validity    time.Duration
	log         *zap.Logger
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewBidPipeline builds a pipeline. A nil guard skips the balance check at
// checkpoint 2.
func NewBidPipeline(board stellar.BidBoard, guard *BalanceGuard, recorder BidRecorder, publisher events.Publisher, cfg *config.Config, log *zap.Logger) *BidPipeline {
	attempts := cfg.BidSubmitMaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &BidPipeline{
		board:       board,
		guard:       guard,
		recorder:    recorder,
		publisher:   publisher,
		passphrase:  cfg.NetworkPassphrase,
		maxAttempts: attempts,
		retryDelay:  cfg.BidSubmitRetryDelay,
		validity:    cfg.SubmissionTimeout,
		log:         log,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

func (p *BidPipeline) SubmitBidWithCheckpoints(ctx context.Context, in BidInput, wallet stellar.Wallet, observe CheckpointObserver) (*BidResult, error) {
	result := &BidResult{}

	// 1. Wallet
	p.emit(ctx, observe, CheckpointWallet, CheckpointRunning, "", 0)
	address, err := connectedAddress(wallet)
	if err != nil {
		return nil, p.fail(ctx, observe, CheckpointWallet, err)
	}
	p.emit(ctx, observe, CheckpointWallet, CheckpointPassed, address, 0)

	// 2. Parameters
	p.emit(ctx, observe, CheckpointValidation, CheckpointRunning, "", 0)
	warnings, err := ValidateBid(in)
	if err != nil {
		return nil, p.fail(ctx, observe, CheckpointValidation, err)
	}
	if p.guard != nil {
		check, err := p.guard.Validate(ctx, address, in.BidAmount, KindBid)
		if err != nil {
			return nil, p.fail(ctx, observe, CheckpointValidation, err)
		}
		if !check.CanProceed {
			return nil, p.fail(ctx, observe, CheckpointValidation, shortfallError(check))
		}
		warnings = append(warnings, check.Warnings...)
	}
	result.Warnings = warnings
	if len(warnings) > 0 {
		p.emit(ctx, observe, CheckpointValidation, CheckpointWarning, strings.Join(warnings, "; "), 0)
	} else {
		p.emit(ctx, observe, CheckpointValidation, CheckpointPassed, "", 0)
	}

	// 3. Signing
	p.emit(ctx, observe, CheckpointSigning, CheckpointRunning, "", 0)
	proposal := models.BidProposal{
		ProjectID:          strings.TrimSpace(in.ProjectID),
		FreelancerAddress:  address,
		BidAmount:          in.BidAmount,
		DeliveryDays:       in.DeliveryDays,
		Proposal:           in.Proposal,
		PortfolioLink:      strings.TrimSpace(in.PortfolioLink),
		MilestonesApproach: in.MilestonesApproach,
		Timestamp:          p.now().UTC(),
	}
	payload, err := proposal.CanonicalBytes()
	if err != nil {
		return nil, p.fail(ctx, observe, CheckpointSigning, fmt.Errorf("%w: %w", ErrSigningFailed, err))
	}
	sig, err := wallet.SignMessage(ctx, payload)
	if err != nil {
		return nil, p.fail(ctx, observe, CheckpointSigning, signerError(err))
	}
	result.Bid = &models.SignedBid{Proposal: proposal, Signature: hex.EncodeToString(sig)}
	p.emit(ctx, observe, CheckpointSigning, CheckpointPassed, "", 0)

	return p.finish(ctx, result, observe)
}

// Resubmit resumes a signed bid at checkpoint 4. Once the validity window
// has passed the bid must be signed again.
func (p *BidPipeline) Resubmit(ctx context.Context, bid *models.SignedBid, observe CheckpointObserver) (*BidResult, error) {
	if p.expired(bid) {
		return nil, p.fail(ctx, observe, CheckpointSigning, fmt.Errorf("%w: bid signed at %s", ErrTransactionExpired, bid.Proposal.Timestamp.Format(time.RFC3339)))
	}
	return p.finish(ctx, &BidResult{Bid: bid}, observe)
}

// finish runs checkpoints 4 and 5.
func (p *BidPipeline) finish(ctx context.Context, result *BidResult, observe CheckpointObserver) (*BidResult, error) {
	bid := result.Bid

	// 4. Verification, never skipped even right after signing.
	p.emit(ctx, observe, CheckpointVerification, CheckpointRunning, "", 0)
	payload, err := bid.Proposal.CanonicalBytes()
	if err != nil {
		return nil, p.fail(ctx, observe, CheckpointVerification, fmt.Errorf("%w: %w", ErrSignatureInvalid, err))
	}
	if err := stellar.VerifySignatureHex(bid.Proposal.FreelancerAddress, p.passphrase, payload, bid.Signature); err != nil {
		return nil, p.fail(ctx, observe, CheckpointVerification, fmt.Errorf("%w: %w", ErrSignatureInvalid, err))
	}
	p.emit(ctx, observe, CheckpointVerification, CheckpointPassed, "", 0)

	// 5. Submission with bounded retry for transient failures only.
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if p.expired(bid) {
			return nil, p.fail(ctx, observe, CheckpointSubmission, ErrTransactionExpired)
		}
		p.emit(ctx, observe, CheckpointSubmission, CheckpointRunning, "", attempt)
		result.Attempts = attempt

		receipt, err := p.board.SubmitBid(ctx, bid)
		if err == nil {
			result.Receipt = receipt
			p.emit(ctx, observe, CheckpointSubmission, CheckpointPassed, receipt.BidID, attempt)
			p.accepted(ctx, bid, receipt)
			return result, nil
		}
		if !stellar.IsTransient(err) {
			return nil, p.fail(ctx, observe, CheckpointSubmission, ledgerError(err))
		}

		lastErr = err
		p.log.Warn("bid submission attempt failed",
			zap.String("project_id", bid.Proposal.ProjectID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.maxAttempts),
			zap.Error(err),
		)
		if attempt < p.maxAttempts {
			if err := p.sleep(ctx, p.retryDelay); err != nil {
				return nil, p.fail(ctx, observe, CheckpointSubmission, err)
			}
		}
	}

	return nil, p.fail(ctx, observe, CheckpointSubmission,
		fmt.Errorf("%w after %d attempts: %w", ErrSubmissionFailed, p.maxAttempts, lastErr))
}

func (p *BidPipeline) expired(bid *models.SignedBid) bool {
	return p.validity > 0 && p.now().Sub(bid.Proposal.Timestamp) > p.validity
}

func (p *BidPipeline) accepted(ctx context.Context, bid *models.SignedBid, receipt *models.BidReceipt) {
	if p.recorder != nil {
		if err := p.recorder.Record(ctx, bid, receipt); err != nil {
			p.log.Warn("record bid failed", zap.String("bid_id", receipt.BidID), zap.Error(err))
		}
	}
	if p.publisher != nil {
		_ = p.publisher.Publish(ctx, events.StreamBid, events.Event{
			Type: events.EventBidSubmitted,
			Payload: map[string]any{
				"bid_id":     receipt.BidID,
				"project_id": receipt.ProjectID,
				"freelancer": receipt.Freelancer,
				"bid_amount": bid.Proposal.BidAmount.String(),
			},
		})
	}
	p.log.Info("bid submitted",
		zap.String("bid_id", receipt.BidID),
		zap.String("project_id", receipt.ProjectID),
	)
}

func (p *BidPipeline) fail(ctx context.Context, observe CheckpointObserver, cp Checkpoint, err error) error {
	p.emit(ctx, observe, cp, CheckpointFailed, err.Error(), 0)
	return &CheckpointError{Checkpoint: cp, Err: err}
}

func (p *BidPipeline) emit(ctx context.Context, observe CheckpointObserver, cp Checkpoint, state CheckpointState, msg string, attempt int) {
	ev := CheckpointEvent{
		Checkpoint: cp,
		Name:       cp.String(),
		State:      state,
		Message:    msg,
		Attempt:    attempt,
		At:         p.now(),
	}
	if observe != nil {
		observe(ev)
	}
	if p.publisher != nil {
		_ = p.publisher.Publish(ctx, events.StreamBid, events.Event{
			Type: events.EventBidCheckpoint,
			Payload: map[string]any{
				"checkpoint": int(cp),
				"name":       ev.Name,
				"state":      string(state),
				"message":    msg,
				"attempt":    attempt,
			},
		})
	}
}

// ValidateBid checks bid parameters. Warnings never fail the checkpoint.
func ValidateBid(in BidInput) ([]string, error) {
	verr := &ValidationError{}
	var warnings []string

	if strings.TrimSpace(in.ProjectID) == "" {
		verr.Add("project_id", "is required")
	}
	if !in.BidAmount.IsPositive() {
		verr.Add("bid_amount", "must be a positive number")
	} else if in.ProjectBudget.IsPositive() && in.BidAmount.GreaterThan(in.ProjectBudget.Mul(decimal.NewFromInt(2))) {
		warnings = append(warnings, fmt.Sprintf("bid amount %s is more than twice the project budget %s", in.BidAmount, in.ProjectBudget))
	}
	if in.DeliveryDays < 1 || in.DeliveryDays > MaxDeliveryDays {
		verr.Add("delivery_days", "must be a whole number between 1 and %d", MaxDeliveryDays)
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(in.Proposal)); n < MinProposalLength {
		verr.Add("proposal", "must be at least %d characters (currently %d)", MinProposalLength, n)
	}
	if link := strings.TrimSpace(in.PortfolioLink); link != "" {
		u, err := url.Parse(link)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			verr.Add("portfolio_link", "must be a valid http(s) URL")
		}
	}

	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return warnings, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
